package domain

import "errors"

// ErrorKind — машиночитаемый класс ошибки выполнения.
//
// Классификация определяет реакцию оркестратора:
//
//	TransientRemote   → retry с backoff
//	TransientLocal    → retry с backoff
//	TransientResource → requeue с ужатым параллелизмом, лимит попыток общий
//	AccountExhausted  → отложить, на следующем проходе другой аккаунт
//	DetectionSignal   → аккаунт в cooldown, задача на другой аккаунт позже
//	AuthRequired      → NEEDS_INTERVENTION, без автоматического retry
//	FatalInput        → немедленный FAILED, без retry
//	Cancelled         → FAILED по запросу оператора
//	Unknown           → как transient до max_attempts, затем FAILED
type ErrorKind string

const (
	ErrKindTransientRemote   ErrorKind = "TransientRemote"
	ErrKindTransientLocal    ErrorKind = "TransientLocal"
	ErrKindTransientResource ErrorKind = "TransientResource"
	ErrKindAccountExhausted  ErrorKind = "AccountExhausted"
	ErrKindDetectionSignal   ErrorKind = "DetectionSignal"
	ErrKindAuthRequired      ErrorKind = "AuthRequired"
	ErrKindFatalInput        ErrorKind = "FatalInput"
	ErrKindCancelled         ErrorKind = "Cancelled"
	ErrKindUnknown           ErrorKind = "Unknown"
)

// StageError — ошибка выполнения стадии с машиночитаемым классом.
// Все ошибки executor'ов доходят до оркестратора в этой форме.
type StageError struct {
	Kind    ErrorKind
	Message string
}

// Error реализует error.
func (e *StageError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewStageError создаёт StageError.
func NewStageError(kind ErrorKind, message string) *StageError {
	return &StageError{Kind: kind, Message: message}
}

// KindOf извлекает ErrorKind из ошибки (включая обёрнутые через %w).
// Для ошибок без класса возвращает Unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrKindUnknown
}
