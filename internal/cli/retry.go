package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avelkov/dancemill/internal/config"
	"github.com/avelkov/dancemill/internal/domain"
	"github.com/avelkov/dancemill/internal/repo"
)

// NewRetryCmd создаёт команду retry.
func NewRetryCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	var allFailed bool

	cmd := &cobra.Command{
		Use:   "retry [TASK_ID]",
		Short: "Requeue failed or quarantined tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()
			ctx := cmd.Context()

			if len(args) == 0 && !allFailed {
				return fmt.Errorf("either TASK_ID or --all-failed is required")
			}
			if len(args) == 1 && allFailed {
				return fmt.Errorf("TASK_ID and --all-failed are mutually exclusive")
			}

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			taskRepo := repo.NewTaskRepo(pool)

			var tasks []domain.Task
			if allFailed {
				failed, err := taskRepo.List(ctx, repo.Filter{Status: domain.StatusFailed})
				if err != nil {
					return err
				}
				quarantined, err := taskRepo.List(ctx, repo.Filter{Status: domain.StatusNeedsIntervention})
				if err != nil {
					return err
				}
				tasks = append(failed, quarantined...)
			} else {
				task, err := taskRepo.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				tasks = []domain.Task{*task}
			}

			retried := 0
			for i := range tasks {
				task := &tasks[i]
				if err := retryTask(ctx, taskRepo, task); err != nil {
					return err
				}
				retried++
			}

			out.Success(fmt.Sprintf("%d task(s) requeued", retried))
			return nil
		},
	}

	cmd.Flags().BoolVar(&allFailed, "all-failed", false, "Requeue every FAILED and NEEDS_INTERVENTION task")

	return cmd
}

// retryStore — операции хранилища, нужные операторскому retry.
type retryStore interface {
	Transition(ctx context.Context, task *domain.Task, expStage domain.Stage, expStatus domain.Status) error
	AppendLog(ctx context.Context, taskID, level, message string) error
}

// retryTask возвращает задачу в PENDING её стадии. Счётчик попыток
// не стирается — он остаётся в записи для аудита, а retry policy
// получает свежий бюджет через зафиксированную базу. Handle и аккаунт
// уже очищены при уходе в FAILED, так что повторный заход начнёт
// стадию с чистого submit.
func retryTask(ctx context.Context, store retryStore, task *domain.Task) error {
	if task.Status != domain.StatusFailed && task.Status != domain.StatusNeedsIntervention {
		return fmt.Errorf("task %s is %s, only FAILED and NEEDS_INTERVENTION can be retried",
			shortID(task.ID), task.State())
	}

	expStage, expStatus := task.Stage, task.Status
	prior := task.Attempt(task.Stage)

	task.Status = domain.StatusPending
	task.ErrorKind = ""
	task.ErrorMessage = ""
	task.CancelRequested = false
	task.NotBefore = nil
	task.DeadlineAt = nil
	task.StageStartedAt = nil
	task.ResetRetryBudget(task.Stage)

	if err := store.Transition(ctx, task, expStage, expStatus); err != nil {
		return fmt.Errorf("requeue task %s: %w", shortID(task.ID), err)
	}

	msg := fmt.Sprintf("requeued by operator after %d attempt(s) at %s", prior, task.Stage)
	if err := store.AppendLog(ctx, task.ID, "info", msg); err != nil {
		return err
	}
	return nil
}
