package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/avelkov/dancemill/internal/config"
	"github.com/avelkov/dancemill/internal/domain"
	"github.com/avelkov/dancemill/internal/repo"
)

// videoExtensions — расширения файлов, считающихся входными видео.
var videoExtensions = map[string]bool{
	".mp4": true,
	".avi": true,
	".mov": true,
	".mkv": true,
	".wmv": true,
}

// NewEnqueueCmd создаёт команду enqueue.
func NewEnqueueCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue DIR",
		Short: "Scan a directory and enqueue video files as a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()
			ctx := cmd.Context()

			dir := args[0]
			videos, err := scanVideos(dir)
			if err != nil {
				return Exitf(ExitFatal, err.Error())
			}
			if len(videos) == 0 {
				return Exitf(ExitFatal, fmt.Sprintf("no video files found in %s", dir))
			}

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			taskRepo := repo.NewTaskRepo(pool)
			batchRepo := repo.NewBatchRepo(pool)

			batchID := uuid.New()
			now := time.Now().UTC()
			created, skipped := 0, 0

			for _, path := range videos {
				fingerprint, err := fileFingerprint(path)
				if err != nil {
					return Exitf(ExitFatal, fmt.Sprintf("fingerprint %s: %v", path, err))
				}

				task := &domain.Task{
					ID:        fingerprint,
					BatchID:   batchID,
					InputRef:  path,
					Stage:     domain.StageIngest,
					Status:    domain.StatusPending,
					CreatedAt: now,
					UpdatedAt: now,
				}

				if err := taskRepo.Create(ctx, task); err != nil {
					if errors.Is(err, repo.ErrDuplicateTask) {
						skipped++
						continue
					}
					return Exitf(ExitFatal, fmt.Sprintf("create task for %s: %v", path, err))
				}
				created++
			}

			if created > 0 {
				batch := &domain.Batch{
					ID:        batchID,
					SourceDir: dir,
					TaskCount: created,
					CreatedAt: now,
				}
				if err := batchRepo.Create(ctx, batch); err != nil {
					return Exitf(ExitFatal, fmt.Sprintf("create batch: %v", err))
				}
			}

			out.Success(fmt.Sprintf("Batch %s: %d task(s) enqueued, %d duplicate(s) skipped", batchID, created, skipped))
			out.Print(
				[]string{"BATCH_ID", "SOURCE_DIR", "ENQUEUED", "SKIPPED"},
				[][]string{{batchID.String(), dir, fmt.Sprint(created), fmt.Sprint(skipped)}},
				map[string]any{
					"batch_id": batchID,
					"source":   dir,
					"enqueued": created,
					"skipped":  skipped,
				},
			)
			return nil
		},
	}
}

// scanVideos возвращает отсортированный список видеофайлов каталога
// (без рекурсии — вложенные каталоги игнорируются).
func scanVideos(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var videos []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if videoExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			videos = append(videos, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(videos)
	return videos, nil
}

// fileFingerprint возвращает hex sha256 содержимого файла.
// Fingerprint служит идентификатором задачи: одинаковый файл под
// разными именами ставится в очередь ровно один раз.
func fileFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
