package domain

import "time"

// AccountStatus — статус аккаунта удалённого сервиса.
type AccountStatus string

const (
	// AccountActive — аккаунт доступен для выдачи.
	AccountActive AccountStatus = "ACTIVE"

	// AccountCooldown — аккаунт на выдержке после сигнала детекции;
	// недоступен до CooldownUntil.
	AccountCooldown AccountStatus = "COOLDOWN"

	// AccountDisabled — аккаунт выключен оператором, никогда не выдаётся.
	AccountDisabled AccountStatus = "DISABLED"
)

// Account — идентичность удалённого сервиса с квотами.
//
// Инварианты (проверяются атомарно при выдаче):
//   - DailyUsed ≤ DailyLimit
//   - ActiveCount ≤ ConcurrentLimit
//
// ActiveCount — производная величина: равен числу задач, находящихся
// в REMOTE_ACTIVE с этим аккаунтом. Реестр восстанавливает его из
// хранилища задач при старте.
type Account struct {
	// ID — идентификатор аккаунта (из конфигурации).
	ID string `json:"id"`

	// DailyLimit — суточная квота отправок.
	DailyLimit int `json:"daily_limit"`

	// DailyUsed — использовано за текущие сутки.
	// Сбрасывается на границе, заданной cron-выражением в конфигурации.
	DailyUsed int `json:"daily_used"`

	// ResetAt — момент следующего сброса суточного счётчика.
	ResetAt time.Time `json:"reset_at"`

	// ConcurrentLimit — максимум одновременных заданий на аккаунте.
	ConcurrentLimit int `json:"concurrent_limit"`

	// ActiveCount — текущее число одновременных заданий.
	ActiveCount int `json:"active_count"`

	// RateMin и RateMax — окно между последовательными отправками
	// на этом аккаунте; фактическая пауза выбирается случайно из окна.
	RateMin time.Duration `json:"rate_min"`
	RateMax time.Duration `json:"rate_max"`

	// Status — текущее состояние аккаунта.
	Status AccountStatus `json:"status"`

	// CooldownUntil — до какого момента аккаунт на выдержке.
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`

	// LastSubmitAt — момент последней отправки (для rate window).
	LastSubmitAt time.Time `json:"last_submit_at,omitempty"`
}

// Available возвращает true, если аккаунт может принять новое задание
// в момент now (без учёта rate window — его проверяет реестр отдельно).
func (a *Account) Available(now time.Time) bool {
	if a.Status == AccountDisabled {
		return false
	}
	if a.Status == AccountCooldown && now.Before(a.CooldownUntil) {
		return false
	}
	return a.DailyUsed < a.DailyLimit && a.ActiveCount < a.ConcurrentLimit
}

// ReleaseOutcome — исход задания, сообщаемый реестру при освобождении слота.
type ReleaseOutcome string

const (
	// ReleaseOK — задание завершилось штатно (успех или обычная ошибка).
	ReleaseOK ReleaseOutcome = "OK"

	// ReleaseDetection — удалённый сервис заподозрил автоматизацию;
	// аккаунт уходит в COOLDOWN вместо немедленной доступности.
	ReleaseDetection ReleaseOutcome = "DETECTION"
)
