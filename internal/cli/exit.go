package cli

// Коды возврата процесса.
const (
	// ExitOK — успех.
	ExitOK = 0

	// ExitFailedTasks — прогон завершён, но есть FAILED задачи
	// либо success rate ниже порога.
	ExitFailedTasks = 1

	// ExitFatal — некорректный вход или фатальная ошибка старта.
	ExitFatal = 2
)

// ExitError — ошибка с явным кодом возврата процесса.
type ExitError struct {
	Code int
	Msg  string
}

// Error реализует error.
func (e *ExitError) Error() string {
	return e.Msg
}

// Exitf создаёт ExitError.
func Exitf(code int, msg string) *ExitError {
	return &ExitError{Code: code, Msg: msg}
}
