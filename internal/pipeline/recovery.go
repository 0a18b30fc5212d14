package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avelkov/dancemill/internal/domain"
)

// RecoverActive выполняет recovery-скан при старте процесса.
//
// Все задачи, оставшиеся ACTIVE после прошлого запуска, возвращаются
// в PENDING на своей текущей стадии; счётчик попыток стадии увеличивается
// на единицу — падение процесса считается ровно одной неудачной попыткой.
// Записанный remote_handle сохраняется: такая задача при следующей
// активации возобновит polling вместо повторного submit.
func RecoverActive(ctx context.Context, store Store, logger *slog.Logger) (int, error) {
	tasks, err := store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}

	recovered := 0
	for i := range tasks {
		task := &tasks[i]
		expStage, expStatus := task.Stage, task.Status

		task.Status = domain.StatusPending
		task.BumpAttempt(task.Stage)
		task.DeadlineAt = nil
		task.NotBefore = nil
		task.StageStartedAt = nil

		if err := store.Transition(ctx, task, expStage, expStatus); err != nil {
			return recovered, fmt.Errorf("recover task %s: %w", task.ID, err)
		}
		logger.Info("recovered interrupted task",
			"task_id", task.ID,
			"stage", task.Stage,
			"attempt", task.Attempt(task.Stage),
		)
		recovered++
	}
	return recovered, nil
}
