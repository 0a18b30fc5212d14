package accounts

import (
	"errors"
	"fmt"
	"time"
)

// Ошибки реестра аккаунтов.
var (
	// ErrNoAccountAvailable — ни один аккаунт не проходит проверки
	// квоты/конкуренции/cooldown. Не ошибка задачи: она остаётся
	// PENDING и будет повторена на следующем проходе планировщика.
	ErrNoAccountAvailable = errors.New("no account available")

	// ErrUnknownAccount — аккаунт отсутствует в реестре.
	ErrUnknownAccount = errors.New("unknown account")
)

// RateLimitedError — аккаунты есть, но rate window ещё не истёк.
// NextAt — самое раннее время, когда отправка станет допустимой;
// оркестратор паркует задачу до этого момента.
type RateLimitedError struct {
	AccountID string
	NextAt    time.Time
}

// Error реализует error.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("account %s rate limited until %s", e.AccountID, e.NextAt.Format(time.RFC3339))
}
