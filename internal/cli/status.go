package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/avelkov/dancemill/internal/config"
	"github.com/avelkov/dancemill/internal/domain"
	"github.com/avelkov/dancemill/internal/repo"
)

// NewStatusCmd создаёт команду status.
func NewStatusCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	var batchID string
	var state string
	var limit int
	var showLog int
	var cancel bool

	cmd := &cobra.Command{
		Use:   "status [TASK_ID]",
		Short: "Show task states, details and logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()
			ctx := cmd.Context()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			taskRepo := repo.NewTaskRepo(pool)

			if len(args) == 1 {
				return showTask(cmd, taskRepo, out, args[0], showLog, cancel)
			}

			filter := repo.Filter{BatchID: batchID, Limit: limit}
			if state != "" {
				filter.Status = domain.Status(state)
			}
			tasks, err := taskRepo.List(ctx, filter)
			if err != nil {
				return err
			}

			headers := []string{"TASK_ID", "STATE", "ATTEMPT", "ACCOUNT", "ERROR_KIND", "UPDATED"}
			rows := make([][]string, len(tasks))
			for i := range tasks {
				t := &tasks[i]
				rows[i] = []string{
					shortID(t.ID),
					t.State(),
					strconv.Itoa(t.Attempt(t.Stage)),
					t.AccountID,
					string(t.ErrorKind),
					t.UpdatedAt.Format(time.RFC3339),
				}
			}
			out.Print(headers, rows, tasks)
			return nil
		},
	}

	cmd.Flags().StringVar(&batchID, "batch", "", "Filter by batch ID")
	cmd.Flags().StringVar(&state, "status", "", "Filter by status (PENDING, ACTIVE, COMPLETED, FAILED, NEEDS_INTERVENTION)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&showLog, "log", 20, "Number of log lines to show for a single task")
	cmd.Flags().BoolVar(&cancel, "cancel", false, "Request cancellation of the task")

	return cmd
}

// showTask выводит одну задачу: детали, хвост журнала, запрос отмены.
func showTask(cmd *cobra.Command, taskRepo *repo.TaskRepo, out *Output, taskID string, logLines int, cancel bool) error {
	ctx := cmd.Context()

	task, err := taskRepo.GetByID(ctx, taskID)
	if err != nil {
		return err
	}

	if cancel {
		if task.IsTerminal() {
			return fmt.Errorf("task %s is already terminal (%s)", shortID(taskID), task.State())
		}
		if err := taskRepo.RequestCancel(ctx, taskID); err != nil {
			return err
		}
		out.Success(fmt.Sprintf("Cancellation requested for %s", shortID(taskID)))
		return nil
	}

	notBefore := ""
	if task.NotBefore != nil {
		notBefore = task.NotBefore.Format(time.RFC3339)
	}
	out.Print(
		[]string{"TASK_ID", "STATE", "INPUT", "ATTEMPT", "ACCOUNT", "NOT_BEFORE", "OUTPUT", "ERROR"},
		[][]string{{
			shortID(task.ID),
			task.State(),
			task.InputRef,
			strconv.Itoa(task.Attempt(task.Stage)),
			task.AccountID,
			notBefore,
			task.OutputRef,
			task.ErrorMessage,
		}},
		task,
	)

	logs, err := taskRepo.Logs(ctx, taskID, logLines)
	if err != nil {
		return err
	}
	for _, entry := range logs {
		out.Success(fmt.Sprintf("%s [%s] %s",
			entry.TS.Format("2006-01-02 15:04:05"), entry.Level, entry.Message))
	}
	return nil
}

// shortID сокращает fingerprint для табличного вывода.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
