package pipeline

import "errors"

// Ошибки оркестратора.
var (
	// ErrAlreadyStarted — повторный вызов Start.
	ErrAlreadyStarted = errors.New("orchestrator already started")
)
