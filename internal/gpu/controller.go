package gpu

import (
	"log/slog"
	"sync"
)

// Lease — токен допуска к локальным ресурсам.
// Держатель обязан вернуть её через Release ровно один раз.
type Lease struct {
	// StageType — тип стадии, под которую выдан допуск.
	StageType string

	// CostMB — зарезервированная оценка видеопамяти.
	CostMB int64

	released bool
}

// Controller — контроллер допуска.
//
// Инварианты (под одним мьютексом с решением о допуске):
//   - active_slots ≤ эффективный max_slots
//   - reserved_memory ≤ memory_budget
type Controller struct {
	mu sync.Mutex

	maxSlots       int
	effectiveSlots int
	activeSlots    int

	memoryBudgetMB int64
	reservedMB     int64

	// costs — настроенная оценка стоимости по типам стадий (МБ).
	// Эвристика оператора, не измеряемая величина.
	costs map[string]int64

	logger *slog.Logger
}

// Config — конфигурация контроллера.
type Config struct {
	MaxSlots       int
	MemoryBudgetMB int64
	StageCosts     map[string]int64
	Logger         *slog.Logger
}

// New создаёт контроллер.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	costs := cfg.StageCosts
	if costs == nil {
		costs = make(map[string]int64)
	}
	return &Controller{
		maxSlots:       cfg.MaxSlots,
		effectiveSlots: cfg.MaxSlots,
		memoryBudgetMB: cfg.MemoryBudgetMB,
		costs:          costs,
		logger:         logger,
	}
}

// TryAdmit пытается выдать допуск для стадии указанного типа.
//
// Допуск выдаётся, только если одновременно есть свободный слот
// и стоимость стадии помещается в остаток бюджета памяти; оба счётчика
// обновляются атомарно с решением. Возвращает (nil, false) при отказе —
// это не ошибка, задача будет повторена на следующем проходе.
func (c *Controller) TryAdmit(stageType string) (*Lease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cost := c.costs[stageType]

	if c.activeSlots >= c.effectiveSlots {
		return nil, false
	}
	if c.reservedMB+cost > c.memoryBudgetMB {
		return nil, false
	}

	c.activeSlots++
	c.reservedMB += cost

	c.logger.Debug("lease admitted",
		"stage_type", stageType,
		"active_slots", c.activeSlots,
		"reserved_mb", c.reservedMB,
	)
	return &Lease{StageType: stageType, CostMB: cost}, true
}

// Release возвращает слот и память контроллеру.
// Повторный Release той же lease — no-op.
func (c *Controller) Release(lease *Lease) {
	if lease == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if lease.released {
		return
	}
	lease.released = true

	if c.activeSlots > 0 {
		c.activeSlots--
	}
	c.reservedMB -= lease.CostMB
	if c.reservedMB < 0 {
		c.reservedMB = 0
	}
}

// Degrade временно снижает эффективный потолок слотов до n
// (не ниже одного). Уже выданные lease не прерываются — пул
// ужимается по мере их возврата.
func (c *Controller) Degrade(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n < 1 {
		n = 1
	}
	if n > c.maxSlots {
		n = c.maxSlots
	}
	c.effectiveSlots = n
	c.logger.Warn("resource pool degraded", "effective_slots", n, "max_slots", c.maxSlots)
}

// Restore возвращает потолок слотов к настроенному максимуму.
func (c *Controller) Restore() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.effectiveSlots = c.maxSlots
	c.logger.Info("resource pool restored", "max_slots", c.maxSlots)
}

// Usage возвращает текущие значения счётчиков (для метрик и отчётов).
func (c *Controller) Usage() (activeSlots, effectiveSlots int, reservedMB, budgetMB int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSlots, c.effectiveSlots, c.reservedMB, c.memoryBudgetMB
}
