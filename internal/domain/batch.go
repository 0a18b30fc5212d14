package domain

import (
	"time"

	"github.com/google/uuid"
)

// Batch — логическая группа задач, поставленных одной командой enqueue.
//
// Batch используется только для отчётности и не влияет на планирование:
// оркестратор работает с задачами независимо от их групп.
type Batch struct {
	// ID — идентификатор группы.
	ID uuid.UUID `json:"id"`

	// SourceDir — каталог, из которого задачи были поставлены.
	SourceDir string `json:"source_dir"`

	// TaskCount — сколько новых задач создано при постановке
	// (дубликаты не учитываются).
	TaskCount int `json:"task_count"`

	CreatedAt time.Time `json:"created_at"`
}
