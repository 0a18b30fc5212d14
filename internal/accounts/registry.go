package accounts

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/avelkov/dancemill/internal/domain"
)

// Store — персистентность изменяемого состояния аккаунта.
// Реализуется repo.AccountRepo; в тестах подменяется фейком.
type Store interface {
	Save(ctx context.Context, acc *domain.Account) error
}

// Handle — токен владения слотом аккаунта.
// Возвращается из Acquire и передаётся обратно в Release.
type Handle struct {
	// AccountID — выданный аккаунт.
	AccountID string

	// AcquiredAt — момент выдачи.
	AcquiredAt time.Time
}

// Registry — реестр аккаунтов.
//
// Все счётчики мутируются только под мьютексом реестра; внешние вызовы
// (submit, poll) выполняются без удержания блокировки.
type Registry struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account

	store    Store
	schedule cron.Schedule
	cooldown time.Duration
	logger   *slog.Logger

	// now подменяется в тестах.
	now func() time.Time
}

// Config — конфигурация реестра.
type Config struct {
	Store    Store
	Schedule cron.Schedule // граница сброса суточных квот
	Cooldown time.Duration // выдержка после сигнала детекции
	Logger   *slog.Logger
}

// New создаёт пустой реестр; аккаунты загружаются через Hydrate.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		accounts: make(map[string]*domain.Account),
		store:    cfg.Store,
		schedule: cfg.Schedule,
		cooldown: cfg.Cooldown,
		logger:   logger,
		now:      time.Now,
	}
}

// Hydrate загружает аккаунты и восстанавливает производный active_count
// из хранилища задач (число REMOTE_ACTIVE задач на аккаунт).
func (r *Registry) Hydrate(accs []domain.Account, activeCounts map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range accs {
		acc := accs[i]
		acc.ActiveCount = activeCounts[acc.ID]
		r.accounts[acc.ID] = &acc
	}
}

// Acquire выдаёт аккаунт под новое удалённое задание.
//
// Атомарно с выбором: daily_used и active_count увеличиваются под тем же
// мьютексом, что и проверка инвариантов daily_used ≤ daily_limit и
// active_count ≤ concurrent_limit.
//
// Возвращает:
//   - Handle при успехе
//   - *RateLimitedError, если подходящие аккаунты есть, но их rate window
//     ещё не истёк (счётчики не тронуты)
//   - ErrNoAccountAvailable, если не подходит ни один аккаунт
func (r *Registry) Acquire(ctx context.Context) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.rollClocksLocked(ctx, now)

	candidates := r.candidatesLocked(now)
	if len(candidates) == 0 {
		return nil, ErrNoAccountAvailable
	}

	var earliest *RateLimitedError
	for _, acc := range candidates {
		nextAt := r.nextSubmitAt(acc, now)
		if nextAt.After(now) {
			if earliest == nil || nextAt.Before(earliest.NextAt) {
				earliest = &RateLimitedError{AccountID: acc.ID, NextAt: nextAt}
			}
			continue
		}

		acc.ActiveCount++
		acc.DailyUsed++
		r.persistLocked(ctx, acc)

		r.logger.Debug("account acquired",
			"account_id", acc.ID,
			"active_count", acc.ActiveCount,
			"daily_used", acc.DailyUsed,
		)
		return &Handle{AccountID: acc.ID, AcquiredAt: now}, nil
	}

	return nil, earliest
}

// Reacquire восстанавливает владение слотом для задания, пережившего
// рестарт: remote job уже существует, поэтому лимиты не проверяются
// и суточный счётчик не трогается — увеличивается только active_count.
func (r *Registry) Reacquire(ctx context.Context, accountID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrUnknownAccount
	}
	acc.ActiveCount++
	r.persistLocked(ctx, acc)
	return &Handle{AccountID: accountID, AcquiredAt: r.now()}, nil
}

// MarkSubmitted фиксирует момент отправки для rate window аккаунта.
// Вызывается оркестратором после успешного submit.
func (r *Registry) MarkSubmitted(ctx context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[accountID]
	if !ok {
		return ErrUnknownAccount
	}
	acc.LastSubmitAt = r.now()
	r.persistLocked(ctx, acc)
	return nil
}

// Release освобождает слот аккаунта.
//
// outcome=ReleaseDetection переводит аккаунт в COOLDOWN на настроенную
// длительность вместо немедленной доступности.
func (r *Registry) Release(ctx context.Context, handle *Handle, outcome domain.ReleaseOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[handle.AccountID]
	if !ok {
		return ErrUnknownAccount
	}

	if acc.ActiveCount > 0 {
		acc.ActiveCount--
	}

	if outcome == domain.ReleaseDetection {
		acc.Status = domain.AccountCooldown
		acc.CooldownUntil = r.now().Add(r.cooldown)
		r.logger.Warn("account entering cooldown",
			"account_id", acc.ID,
			"until", acc.CooldownUntil,
		)
	}

	r.persistLocked(ctx, acc)
	return nil
}

// Refund возвращает неиспользованную выдачу: слот освобождается
// и суточный счётчик откатывается. Применяется, когда submit
// так и не состоялся (например, задача отменена до отправки).
func (r *Registry) Refund(ctx context.Context, handle *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.accounts[handle.AccountID]
	if !ok {
		return ErrUnknownAccount
	}
	if acc.ActiveCount > 0 {
		acc.ActiveCount--
	}
	if acc.DailyUsed > 0 {
		acc.DailyUsed--
	}
	r.persistLocked(ctx, acc)
	return nil
}

// Snapshot возвращает копию состояния всех аккаунтов (для отчётов).
func (r *Registry) Snapshot() []domain.Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	accs := make([]domain.Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		accs = append(accs, *acc)
	}
	sort.Slice(accs, func(i, j int) bool { return accs[i].ID < accs[j].ID })
	return accs
}

// --- внутреннее ---

// rollClocksLocked лениво продвигает часы реестра: сброс суточных
// счётчиков на границе квоты и выход аккаунтов из истёкшего cooldown.
func (r *Registry) rollClocksLocked(ctx context.Context, now time.Time) {
	for _, acc := range r.accounts {
		changed := false

		if !acc.ResetAt.After(now) {
			acc.DailyUsed = 0
			acc.ResetAt = r.schedule.Next(now)
			changed = true
			r.logger.Info("daily quota reset", "account_id", acc.ID, "next_reset", acc.ResetAt)
		}

		if acc.Status == domain.AccountCooldown && !acc.CooldownUntil.After(now) {
			acc.Status = domain.AccountActive
			acc.CooldownUntil = time.Time{}
			changed = true
			r.logger.Info("account cooldown expired", "account_id", acc.ID)
		}

		if changed {
			r.persistLocked(ctx, acc)
		}
	}
}

// candidatesLocked возвращает подходящие аккаунты в порядке предпочтения:
// наименьший active_count, при равенстве — самый ранний reset_at,
// затем id для детерминизма.
func (r *Registry) candidatesLocked(now time.Time) []*domain.Account {
	var out []*domain.Account
	for _, acc := range r.accounts {
		if acc.Available(now) {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActiveCount != out[j].ActiveCount {
			return out[i].ActiveCount < out[j].ActiveCount
		}
		if !out[i].ResetAt.Equal(out[j].ResetAt) {
			return out[i].ResetAt.Before(out[j].ResetAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// nextSubmitAt вычисляет самое раннее время следующей отправки:
// последняя отправка плюс случайная пауза из [rate_min, rate_max].
func (r *Registry) nextSubmitAt(acc *domain.Account, now time.Time) time.Time {
	if acc.LastSubmitAt.IsZero() {
		return now
	}
	delay := acc.RateMin
	if span := acc.RateMax - acc.RateMin; span > 0 {
		delay += time.Duration(rand.Int63n(int64(span) + 1))
	}
	return acc.LastSubmitAt.Add(delay)
}

// persistLocked сохраняет аккаунт; ошибка хранилища не валит операцию
// реестра — in-memory состояние остаётся авторитетным до следующей записи.
func (r *Registry) persistLocked(ctx context.Context, acc *domain.Account) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, acc); err != nil {
		r.logger.Error("failed to persist account", "account_id", acc.ID, "error", err)
	}
}
