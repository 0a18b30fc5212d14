package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/avelkov/dancemill/internal/config"
	"github.com/avelkov/dancemill/internal/domain"
)

// Local — контракт локальной стадии.
type Local interface {
	// Run выполняет локальную постобработку входного файла
	// и возвращает путь к финальному результату.
	Run(ctx context.Context, task *domain.Task, outputDir string) (string, error)
}

// reFatalInput — паттерны stderr, означающие битый или неподдерживаемый
// входной файл: retry бессмыслен.
var reFatalInput = regexp.MustCompile(
	`(?i)Invalid data found when processing input|` +
		`moov atom not found|` +
		`could not find codec parameters|` +
		`unsupported codec|` +
		`corrupt`)

// reOutOfMemory — нехватка GPU-памяти. Классифицируется как ресурсная
// ошибка: оркестратор деградирует лимит параллелизма и повторяет задачу
// без учёта попытки.
var reOutOfMemory = regexp.MustCompile(
	`(?i)CUDA out of memory|` +
		`CUDA error: out of memory|` +
		`cudaErrorMemoryAllocation|` +
		`RuntimeError: out of memory`)

// CommandRunner выполняет цепочку внешних инструментов постобработки.
//
// Каждый шаг — команда с подстановкой {in}/{out}; результат шага —
// вход следующего. Промежуточные файлы складываются в tempDir и
// удаляются после успешного завершения цепочки.
type CommandRunner struct {
	steps   []config.StepConfig
	tempDir string
	logger  *slog.Logger
}

// NewCommandRunner создаёт раннер с настроенной цепочкой шагов.
func NewCommandRunner(steps []config.StepConfig, tempDir string, logger *slog.Logger) *CommandRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{steps: steps, tempDir: tempDir, logger: logger}
}

// Run реализует Local.
func (r *CommandRunner) Run(ctx context.Context, task *domain.Task, outputDir string) (string, error) {
	if len(r.steps) == 0 {
		return "", domain.NewStageError(domain.ErrKindFatalInput, "no local steps configured")
	}
	if task.RemoteOutputRef == "" {
		return "", domain.NewStageError(domain.ErrKindFatalInput, "task has no remote output to process")
	}

	workDir := filepath.Join(r.tempDir, task.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", domain.NewStageError(domain.ErrKindTransientLocal, "create work dir: "+err.Error())
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", domain.NewStageError(domain.ErrKindTransientLocal, "create output dir: "+err.Error())
	}

	in := task.RemoteOutputRef
	finalPath := filepath.Join(outputDir, task.ID+".mp4")

	for i, step := range r.steps {
		out := filepath.Join(workDir, fmt.Sprintf("%02d_%s.mp4", i+1, step.Name))
		if i == len(r.steps)-1 {
			// Последний шаг пишет сразу в выходной каталог: при падении
			// посреди цепочки финальный файл не появляется вовсе,
			// поэтому повтор задачи не плодит дубликатов результата.
			out = finalPath
		}

		r.logger.Debug("running local step",
			"task_id", task.ID,
			"step", step.Name,
			"attempt", task.Attempt(domain.StageLocal),
		)

		if err := r.runStep(ctx, step, in, out); err != nil {
			return "", fmt.Errorf("step %s: %w", step.Name, err)
		}
		in = out
	}

	if err := os.RemoveAll(workDir); err != nil {
		r.logger.Warn("failed to clean work dir", "task_id", task.ID, "error", err)
	}
	return finalPath, nil
}

// runStep запускает одну команду с захватом stderr для классификации.
func (r *CommandRunner) runStep(ctx context.Context, step config.StepConfig, in, out string) error {
	if len(step.Command) == 0 {
		return domain.NewStageError(domain.ErrKindFatalInput, "step has empty command")
	}

	args := make([]string, len(step.Command))
	for i, a := range step.Command {
		a = strings.ReplaceAll(a, "{in}", in)
		a = strings.ReplaceAll(a, "{out}", out)
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	return classifyCommandError(ctx, err, stderr.String())
}

// classifyCommandError переводит сбой внешнего инструмента
// в машиночитаемый класс ошибки.
func classifyCommandError(ctx context.Context, err error, stderr string) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return domain.NewStageError(domain.ErrKindCancelled, "local step cancelled")
		}
		return domain.NewStageError(domain.ErrKindTransientLocal, "local step timed out")
	}

	if reOutOfMemory.MatchString(stderr) {
		return domain.NewStageError(domain.ErrKindTransientResource, firstLine(stderr))
	}

	if reFatalInput.MatchString(stderr) {
		return domain.NewStageError(domain.ErrKindFatalInput, firstLine(stderr))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := firstLine(stderr)
		if msg == "" {
			msg = exitErr.Error()
		}
		return domain.NewStageError(domain.ErrKindTransientLocal, msg)
	}

	// Инструмент не найден или не запустился — проблема окружения.
	return domain.NewStageError(domain.ErrKindTransientLocal, err.Error())
}

// firstLine возвращает первую непустую строку stderr.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
