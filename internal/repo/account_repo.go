package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avelkov/dancemill/internal/domain"
)

// AccountRepo — персистентное состояние аккаунтов.
//
// Лимиты приходят из конфигурации и обновляются при каждом старте (Seed);
// счётчики (daily_used, cooldown, last_submit_at) переживают рестарты.
// ActiveCount в БД не хранится — он производный и восстанавливается
// реестром из хранилища задач.
type AccountRepo struct {
	pool *pgxpool.Pool
}

// NewAccountRepo создаёт новый AccountRepo.
func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Seed создаёт запись аккаунта либо обновляет его лимиты из конфигурации,
// сохраняя накопленные счётчики.
func (r *AccountRepo) Seed(ctx context.Context, acc *domain.Account) error {
	query := `
		INSERT INTO accounts (account_id, daily_limit, daily_used, reset_at,
			concurrent_limit, rate_min_sec, rate_max_sec, status)
		VALUES ($1, $2, 0, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id) DO UPDATE
		SET daily_limit = EXCLUDED.daily_limit,
		    concurrent_limit = EXCLUDED.concurrent_limit,
		    rate_min_sec = EXCLUDED.rate_min_sec,
		    rate_max_sec = EXCLUDED.rate_max_sec,
		    status = CASE
		        WHEN EXCLUDED.status = 'DISABLED' THEN 'DISABLED'
		        WHEN accounts.status = 'DISABLED' THEN EXCLUDED.status
		        ELSE accounts.status
		    END
	`
	_, err := r.pool.Exec(ctx, query,
		acc.ID,
		acc.DailyLimit,
		acc.ResetAt,
		acc.ConcurrentLimit,
		int(acc.RateMin/time.Second),
		int(acc.RateMax/time.Second),
		acc.Status,
	)
	if err != nil {
		return fmt.Errorf("seed account %s: %w", acc.ID, err)
	}
	return nil
}

// List возвращает все аккаунты.
func (r *AccountRepo) List(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT account_id, daily_limit, daily_used, reset_at, concurrent_limit,
		       rate_min_sec, rate_max_sec, status, cooldown_until, last_submit_at
		FROM accounts
		ORDER BY account_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

// Save сохраняет изменяемое состояние аккаунта.
func (r *AccountRepo) Save(ctx context.Context, acc *domain.Account) error {
	query := `
		UPDATE accounts
		SET daily_used = $2, reset_at = $3, status = $4,
		    cooldown_until = $5, last_submit_at = $6
		WHERE account_id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		acc.ID,
		acc.DailyUsed,
		acc.ResetAt,
		acc.Status,
		nullTime(acc.CooldownUntil),
		nullTime(acc.LastSubmitAt),
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", acc.ID, err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	var rateMinSec, rateMaxSec int
	var cooldownUntil, lastSubmitAt *time.Time

	err := row.Scan(
		&acc.ID,
		&acc.DailyLimit,
		&acc.DailyUsed,
		&acc.ResetAt,
		&acc.ConcurrentLimit,
		&rateMinSec,
		&rateMaxSec,
		&acc.Status,
		&cooldownUntil,
		&lastSubmitAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}

	acc.RateMin = time.Duration(rateMinSec) * time.Second
	acc.RateMax = time.Duration(rateMaxSec) * time.Second
	if cooldownUntil != nil {
		acc.CooldownUntil = *cooldownUntil
	}
	if lastSubmitAt != nil {
		acc.LastSubmitAt = *lastSubmitAt
	}
	return &acc, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
