package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task — одна единица обработки: входное видео, проходящее через pipeline.
//
// Идентификатор задачи — content fingerprint (sha256 входного файла),
// что делает постановку в очередь идемпотентной: повторный enqueue того же
// файла отклоняется хранилищем.
//
// Инварианты:
//   - у задачи не больше одной ACTIVE стадии в любой момент времени
//     (обеспечивается optimistic-concurrency переходами в Task Store)
//   - терминальная задача (COMPLETED/FAILED) не мутируется, кроме
//     явного операторского retry, сбрасывающего её в PENDING
type Task struct {
	// ID — content fingerprint входного файла (hex sha256).
	ID string `json:"id"`

	// BatchID — группа, в составе которой задача поставлена в очередь.
	BatchID uuid.UUID `json:"batch_id"`

	// InputRef — путь к входному видео.
	InputRef string `json:"input_ref"`

	// Stage — текущая стадия pipeline.
	Stage Stage `json:"stage"`

	// Status — статус в рамках текущей стадии.
	Status Status `json:"status"`

	// AccountID — аккаунт, назначенный на стадии REMOTE.
	// Пустая строка, если аккаунт не назначен.
	AccountID string `json:"account_id,omitempty"`

	// Attempts — счётчик попыток по стадиям.
	// Попытки учитываются отдельно для REMOTE и LOCAL.
	Attempts map[Stage]int `json:"attempts"`

	// AttemptBase — значение счётчика попыток на момент последнего
	// операторского retry. Retry policy считает попытки сверх базы:
	// полный счётчик сохраняется для аудита, бюджет повторов выдаётся
	// заново.
	AttemptBase map[Stage]int `json:"attempt_base,omitempty"`

	// RemoteHandle — идентификатор задания на удалённом сервисе.
	// Непустое значение защищает от повторного submit после рестарта:
	// восстановленная задача возобновляет polling, а не отправляет заново.
	RemoteHandle string `json:"remote_handle,omitempty"`

	// RemoteOutputRef — скачанный результат удалённой стадии
	// (вход для локальной стадии).
	RemoteOutputRef string `json:"remote_output_ref,omitempty"`

	// OutputRef — финальный результат после локальной стадии.
	OutputRef string `json:"output_ref,omitempty"`

	// ErrorKind и ErrorMessage — последняя ошибка задачи.
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// CancelRequested — запрошена отмена. Воркеры проверяют флаг перед
	// каждым переходом; статус при этом остаётся обычным (флаг не ломает
	// закрытое перечисление состояний).
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// NotBefore — задача припаркована до этого момента: backoff после
	// ошибки либо дедлайн следующего poll для REMOTE_ACTIVE.
	// Nil — задача доступна планировщику немедленно.
	NotBefore *time.Time `json:"not_before,omitempty"`

	// DeadlineAt — дедлайн текущего ACTIVE состояния для watchdog.
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`

	// StageDurations — накопленное время по завершённым стадиям (секунды).
	StageDurations map[Stage]float64 `json:"stage_durations,omitempty"`

	// StageStartedAt — момент входа в текущее ACTIVE состояние.
	StageStartedAt *time.Time `json:"stage_started_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attempt возвращает номер попытки для стадии (0, если попыток не было).
func (t *Task) Attempt(stage Stage) int {
	if t.Attempts == nil {
		return 0
	}
	return t.Attempts[stage]
}

// BumpAttempt увеличивает счётчик попыток для стадии.
func (t *Task) BumpAttempt(stage Stage) {
	if t.Attempts == nil {
		t.Attempts = make(map[Stage]int)
	}
	t.Attempts[stage]++
}

// EffectiveAttempt возвращает номер попытки стадии с точки зрения
// retry policy: попытки до последнего операторского retry не считаются.
func (t *Task) EffectiveAttempt(stage Stage) int {
	n := t.Attempt(stage)
	if t.AttemptBase != nil {
		n -= t.AttemptBase[stage]
	}
	if n < 0 {
		return 0
	}
	return n
}

// ResetRetryBudget фиксирует текущий счётчик попыток стадии как базу.
// Используется операторским retry: счётчик не обнуляется, но следующие
// попытки получают полный бюджет повторов.
func (t *Task) ResetRetryBudget(stage Stage) {
	n := t.Attempt(stage)
	if n == 0 {
		return
	}
	if t.AttemptBase == nil {
		t.AttemptBase = make(map[Stage]int)
	}
	t.AttemptBase[stage] = n
}

// RecordStageDuration закрывает интервал текущей ACTIVE стадии:
// добавляет прошедшее время к StageDurations и сбрасывает StageStartedAt.
// Без открытого интервала — no-op.
func (t *Task) RecordStageDuration(now time.Time) {
	if t.StageStartedAt == nil {
		return
	}
	if t.StageDurations == nil {
		t.StageDurations = make(map[Stage]float64)
	}
	t.StageDurations[t.Stage] += now.Sub(*t.StageStartedAt).Seconds()
	t.StageStartedAt = nil
}

// Eligible возвращает true, если задача доступна планировщику в момент now:
// не терминальна, не в карантине и не припаркована в будущее.
func (t *Task) Eligible(now time.Time) bool {
	if t.IsTerminal() {
		return false
	}
	if t.Status == StatusNeedsIntervention {
		return false
	}
	if t.NotBefore != nil && now.Before(*t.NotBefore) {
		return false
	}
	return true
}

// LogEntry — запись append-only журнала задачи.
type LogEntry struct {
	TaskID  string    `json:"task_id"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
}
