package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avelkov/dancemill/internal/domain"
)

// taskColumns — общий список колонок для всех SELECT.
const taskColumns = `
	id, batch_id, input_ref, stage, status, account_id, attempts, attempt_base,
	remote_handle, remote_output_ref, output_ref, error_kind, error_message,
	cancel_requested, not_before, deadline_at, stage_durations,
	stage_started_at, created_at, updated_at`

// TaskRepo — хранилище задач.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

// Create создаёт новую задачу.
// Если fingerprint уже существует — возвращает ErrDuplicateTask.
func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	attemptsJSON, err := json.Marshal(task.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}

	query := `
		INSERT INTO tasks (id, batch_id, input_ref, stage, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		task.ID,
		task.BatchID,
		task.InputRef,
		task.Stage,
		task.Status,
		attemptsJSON,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTask
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID возвращает задачу по fingerprint.
func (r *TaskRepo) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// Transition атомарно переводит задачу в новое состояние.
//
// Запись обновляется только если текущие (stage, status) в БД совпадают
// с ожидаемыми — optimistic concurrency: два воркера не могут продвинуть
// одну задачу дважды. При несовпадении возвращает ErrStaleTransition.
//
// task должен уже содержать новое состояние и сопутствующие поля
// (account_id, handle, ошибки, not_before и т.д.) — запись делается
// целиком из переданного снимка.
func (r *TaskRepo) Transition(ctx context.Context, task *domain.Task, expStage domain.Stage, expStatus domain.Status) error {
	attemptsJSON, err := json.Marshal(task.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	attemptBaseJSON, err := json.Marshal(task.AttemptBase)
	if err != nil {
		return fmt.Errorf("marshal attempt base: %w", err)
	}
	durationsJSON, err := json.Marshal(task.StageDurations)
	if err != nil {
		return fmt.Errorf("marshal stage durations: %w", err)
	}

	query := `
		UPDATE tasks
		SET stage = $2, status = $3, account_id = $4, attempts = $5,
		    attempt_base = $6,
		    remote_handle = $7, remote_output_ref = $8, output_ref = $9,
		    error_kind = $10, error_message = $11, cancel_requested = $12,
		    not_before = $13, deadline_at = $14, stage_durations = $15,
		    stage_started_at = $16, updated_at = $17
		WHERE id = $1 AND stage = $18 AND status = $19
	`
	task.UpdatedAt = time.Now().UTC()
	result, err := r.pool.Exec(ctx, query,
		task.ID,
		task.Stage,
		task.Status,
		nullString(task.AccountID),
		attemptsJSON,
		attemptBaseJSON,
		nullString(task.RemoteHandle),
		nullString(task.RemoteOutputRef),
		nullString(task.OutputRef),
		nullString(string(task.ErrorKind)),
		nullString(task.ErrorMessage),
		task.CancelRequested,
		task.NotBefore,
		task.DeadlineAt,
		durationsJSON,
		task.StageStartedAt,
		task.UpdatedAt,
		expStage,
		expStatus,
	)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, task.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleTransition
	}
	return nil
}

// AppendLog добавляет запись в append-only журнал задачи.
// Вызывающая сторона не должна проваливать основную операцию
// из-за ошибки журнала — ошибка возвращается только для логирования.
func (r *TaskRepo) AppendLog(ctx context.Context, taskID, level, message string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_log (task_id, level, message, ts)
		VALUES ($1, $2, $3, $4)
	`, taskID, level, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

// Logs возвращает хвост журнала задачи (новые записи первыми).
func (r *TaskRepo) Logs(ctx context.Context, taskID string, limit int) ([]domain.LogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task_id, level, message, ts
		FROM task_log
		WHERE task_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task log: %w", err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.TaskID, &e.Level, &e.Message, &e.TS); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListActive возвращает все ACTIVE задачи независимо от стадии.
// Используется recovery-сканом при старте процесса.
func (r *TaskRepo) ListActive(ctx context.Context) ([]domain.Task, error) {
	return r.List(ctx, Filter{Status: domain.StatusActive})
}

// Filter — условия выборки задач.
type Filter struct {
	Status  domain.Status
	Stage   domain.Stage
	BatchID string
	Limit   int
}

// List возвращает задачи по фильтру (пустые поля фильтра игнорируются).
func (r *TaskRepo) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	n := 0

	if f.Status != "" {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, f.Status)
	}
	if f.Stage != "" {
		n++
		query += fmt.Sprintf(" AND stage = $%d", n)
		args = append(args, f.Stage)
	}
	if f.BatchID != "" {
		n++
		query += fmt.Sprintf(" AND batch_id = $%d", n)
		args = append(args, f.BatchID)
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListEligible возвращает задачи, доступные планировщику в момент now:
//   - PENDING без парковки либо с истёкшим not_before
//   - REMOTE_ACTIVE с наступившим временем следующего poll
//   - REMOTE_DONE, не успевшие перейти в LOCAL_PENDING до рестарта
//   - нетерминальные задачи с запрошенной отменой
//
// NEEDS_INTERVENTION в выборку не попадает — карантин.
func (r *TaskRepo) ListEligible(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE (status = 'PENDING' AND (not_before IS NULL OR not_before <= $1))
		   OR (stage = 'REMOTE' AND status = 'ACTIVE' AND not_before IS NOT NULL AND not_before <= $1)
		   OR (stage = 'REMOTE' AND status = 'COMPLETED')
		   OR (cancel_requested AND status NOT IN ('COMPLETED', 'FAILED'))
		ORDER BY created_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListOverdue возвращает ACTIVE задачи с просроченным дедлайном.
func (r *TaskRepo) ListOverdue(ctx context.Context, now time.Time) ([]domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'ACTIVE' AND deadline_at IS NOT NULL AND deadline_at < $1
		ORDER BY deadline_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list overdue tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CountActiveByAccount возвращает число REMOTE_ACTIVE задач на аккаунт.
// Используется реестром аккаунтов для восстановления active_count при старте.
func (r *TaskRepo) CountActiveByAccount(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT account_id, COUNT(*)
		FROM tasks
		WHERE stage = 'REMOTE' AND status = 'ACTIVE' AND account_id IS NOT NULL
		GROUP BY account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("count active by account: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan account count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// CountRunnable возвращает число задач, которые оркестратор ещё может
// продвинуть: PENDING, ACTIVE и промежуточный REMOTE_DONE. Терминальные
// задачи и карантин не учитываются.
func (r *TaskRepo) CountRunnable(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tasks
		WHERE status IN ('PENDING', 'ACTIVE')
		   OR (stage = 'REMOTE' AND status = 'COMPLETED')
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count runnable tasks: %w", err)
	}
	return count, nil
}

// RequestCancel помечает задачу флагом отмены.
// Воркеры проверяют флаг перед каждым переходом.
func (r *TaskRepo) RequestCancel(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE tasks SET cancel_requested = TRUE, updated_at = $2 WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func scanTasks(rows pgx.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var attemptsJSON, attemptBaseJSON, durationsJSON []byte
	var accountID, remoteHandle, remoteOutputRef, outputRef, errorKind, errorMessage *string

	err := row.Scan(
		&task.ID,
		&task.BatchID,
		&task.InputRef,
		&task.Stage,
		&task.Status,
		&accountID,
		&attemptsJSON,
		&attemptBaseJSON,
		&remoteHandle,
		&remoteOutputRef,
		&outputRef,
		&errorKind,
		&errorMessage,
		&task.CancelRequested,
		&task.NotBefore,
		&task.DeadlineAt,
		&durationsJSON,
		&task.StageStartedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &task.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	if len(attemptBaseJSON) > 0 {
		if err := json.Unmarshal(attemptBaseJSON, &task.AttemptBase); err != nil {
			return nil, fmt.Errorf("unmarshal attempt base: %w", err)
		}
	}
	if len(durationsJSON) > 0 {
		if err := json.Unmarshal(durationsJSON, &task.StageDurations); err != nil {
			return nil, fmt.Errorf("unmarshal stage durations: %w", err)
		}
	}
	if accountID != nil {
		task.AccountID = *accountID
	}
	if remoteHandle != nil {
		task.RemoteHandle = *remoteHandle
	}
	if remoteOutputRef != nil {
		task.RemoteOutputRef = *remoteOutputRef
	}
	if outputRef != nil {
		task.OutputRef = *outputRef
	}
	if errorKind != nil {
		task.ErrorKind = domain.ErrorKind(*errorKind)
	}
	if errorMessage != nil {
		task.ErrorMessage = *errorMessage
	}

	return &task, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
