package repo

import "errors"

// Общие ошибки хранилища.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateTask — задача с таким fingerprint уже существует.
	// Делает постановку в очередь идемпотентной.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrStaleTransition — ожидаемое состояние не совпало с текущим:
	// другой воркер уже продвинул задачу. Вызывающая сторона
	// отпускает задачу без побочных эффектов.
	ErrStaleTransition = errors.New("stale transition")
)
