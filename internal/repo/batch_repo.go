package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avelkov/dancemill/internal/domain"
)

// BatchRepo — группы задач (только для отчётности).
type BatchRepo struct {
	pool *pgxpool.Pool
}

// NewBatchRepo создаёт новый BatchRepo.
func NewBatchRepo(pool *pgxpool.Pool) *BatchRepo {
	return &BatchRepo{pool: pool}
}

// Create сохраняет группу.
func (r *BatchRepo) Create(ctx context.Context, batch *domain.Batch) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO batches (id, source_dir, task_count, created_at)
		VALUES ($1, $2, $3, $4)
	`, batch.ID, batch.SourceDir, batch.TaskCount, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// List возвращает все группы (новые первыми).
func (r *BatchRepo) List(ctx context.Context) ([]domain.Batch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, source_dir, task_count, created_at
		FROM batches
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []domain.Batch
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.SourceDir, &b.TaskCount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}
