package domain

import (
	"math/rand"
	"time"
)

// RetryPolicy — единая политика повторных попыток.
//
// Формула задержки: base * 2^attempt, ограничено MaxDelay,
// плюс случайный jitter в [0, base). Применяется оркестратором
// ко всем стадиям единообразно — executor'ы сами retry не делают.
type RetryPolicy struct {
	// MaxAttempts — максимум попыток на стадию.
	// Превышение переводит задачу в FAILED с последней ошибкой.
	MaxAttempts int

	// Base — базовая задержка (и верхняя граница jitter).
	Base time.Duration

	// MaxDelay — потолок экспоненциальной части.
	MaxDelay time.Duration
}

// Backoff вычисляет задержку перед попыткой attempt (нумерация с 1).
// Последовательность задержек неубывающая и ограничена MaxDelay+Base.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	jitter := time.Duration(0)
	if p.Base > 0 {
		jitter = time.Duration(rand.Int63n(int64(p.Base)))
	}
	return delay + jitter
}

// Exhausted возвращает true, если попытка attempt уже превысила лимит.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
