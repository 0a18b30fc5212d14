package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avelkov/dancemill/internal/accounts"
	"github.com/avelkov/dancemill/internal/domain"
	"github.com/avelkov/dancemill/internal/events"
	"github.com/avelkov/dancemill/internal/executor"
	"github.com/avelkov/dancemill/internal/gpu"
	"github.com/avelkov/dancemill/internal/repo"
	"github.com/avelkov/dancemill/internal/telemetry"
)

// Default configuration values.
const (
	defaultTick         = 5 * time.Second
	defaultRemotePoll   = 30 * time.Second
	defaultRequeueDelay = 30 * time.Second
	defaultWorkers      = 4
	defaultBatchSize    = 100
)

// Store — хранилище задач, нужное оркестратору.
// Реализуется repo.TaskRepo; в тестах подменяется фейком.
type Store interface {
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	Transition(ctx context.Context, task *domain.Task, expStage domain.Stage, expStatus domain.Status) error
	AppendLog(ctx context.Context, taskID, level, message string) error
	ListEligible(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	ListOverdue(ctx context.Context, now time.Time) ([]domain.Task, error)
	ListActive(ctx context.Context) ([]domain.Task, error)
}

// Orchestrator управляет прохождением задач по конвейеру.
//
// Оркестратор — центральный компонент системы, который:
//   - Периодически выбирает доступные задачи из БД (polling)
//   - Раздаёт их пулу воркеров
//   - Выполняет переходы состояний через optimistic concurrency
//   - Применяет retry policy, карантин и отмену
//   - Watchdog'ом подбирает зависшие ACTIVE задачи
type Orchestrator struct {
	store    Store
	registry *accounts.Registry
	gpu      *gpu.Controller
	remote   executor.Remote
	local    executor.Local

	// Опциональная телеметрия и события (nil — выключено).
	publisher *events.Publisher
	metrics   *telemetry.Metrics

	// In-flight задачи этого процесса (taskID → struct{}).
	inFlight map[string]struct{}
	mu       sync.Mutex

	// Configuration
	workers        int
	batchSize      int
	tick           time.Duration
	remotePoll     time.Duration
	requeueDelay   time.Duration
	remoteDeadline time.Duration
	localDeadline  time.Duration
	retry          domain.RetryPolicy
	outputDir      string
	tempDir        string

	// Lifecycle
	logger     *slog.Logger
	dispatch   chan string
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	started    bool
	stoppedMu  sync.Mutex

	// now подменяется в тестах.
	now func() time.Time
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store    Store
	Registry *accounts.Registry
	GPU      *gpu.Controller
	Remote   executor.Remote
	Local    executor.Local

	// Опционально: публикация событий переходов и метрики.
	Publisher *events.Publisher
	Metrics   *telemetry.Metrics

	Workers        int           // размер пула воркеров (default: 4)
	BatchSize      int           // задач за один poll (default: 100)
	Tick           time.Duration // интервал планировщика (default: 5s)
	RemotePoll     time.Duration // интервал опроса удалённых заданий (default: 30s)
	RequeueDelay   time.Duration // парковка при нехватке аккаунтов/ресурсов (default: 30s)
	RemoteDeadline time.Duration // дедлайн REMOTE_ACTIVE для watchdog
	LocalDeadline  time.Duration // дедлайн LOCAL_ACTIVE (и таймаут локальной цепочки)
	Retry          domain.RetryPolicy

	OutputDir string // каталог финальных результатов
	TempDir   string // каталог промежуточных файлов

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	remotePoll := cfg.RemotePoll
	if remotePoll <= 0 {
		remotePoll = defaultRemotePoll
	}
	requeueDelay := cfg.RequeueDelay
	if requeueDelay <= 0 {
		requeueDelay = defaultRequeueDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:          cfg.Store,
		registry:       cfg.Registry,
		gpu:            cfg.GPU,
		remote:         cfg.Remote,
		local:          cfg.Local,
		publisher:      cfg.Publisher,
		metrics:        cfg.Metrics,
		inFlight:       make(map[string]struct{}),
		workers:        workers,
		batchSize:      batchSize,
		tick:           tick,
		remotePoll:     remotePoll,
		requeueDelay:   requeueDelay,
		remoteDeadline: cfg.RemoteDeadline,
		localDeadline:  cfg.LocalDeadline,
		retry:          cfg.Retry,
		outputDir:      cfg.OutputDir,
		tempDir:        cfg.TempDir,
		logger:         logger,
		now:            time.Now,
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Polling горутину планировщика
//   - Пул воркеров
//   - Watchdog зависших ACTIVE задач
func (o *Orchestrator) Start(ctx context.Context) error {
	o.stoppedMu.Lock()
	if o.started {
		o.stoppedMu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.stoppedMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel
	o.dispatch = make(chan string, o.workers*2)

	o.logger.Info("starting orchestrator",
		"workers", o.workers,
		"tick", o.tick,
		"remote_poll", o.remotePoll,
	)

	// Планировщик: единственный писатель в dispatch, закрывает канал
	// при остановке.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(o.dispatch)
		o.pollLoop(ctx)
	}()

	// Пул воркеров.
	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < o.workers; i++ {
		eg.Go(func() error {
			o.workerLoop(egCtx)
			return nil
		})
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("worker pool error", "error", err)
		}
	}()

	// Watchdog.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.watchdogLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator и дожидается воркеров.
func (o *Orchestrator) Stop() {
	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// pollLoop — цикл планировщика.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем задачи, накопившиеся
	// пока процесс был выключен)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл планирования.
func (o *Orchestrator) poll(ctx context.Context) {
	tasks, err := o.store.ListEligible(ctx, o.now(), o.batchSize)
	if err != nil {
		o.logger.Error("failed to list eligible tasks", "error", err)
		return
	}

	o.updateGauges()

	if len(tasks) == 0 {
		return
	}

	o.logger.Debug("poll found eligible tasks", "count", len(tasks))

	for i := range tasks {
		task := &tasks[i]

		if !o.markInFlight(task.ID) {
			continue
		}

		select {
		case o.dispatch <- task.ID:
		case <-ctx.Done():
			o.clearInFlight(task.ID)
			return
		}
	}
}

// workerLoop обрабатывает задачи из dispatch до закрытия канала.
func (o *Orchestrator) workerLoop(ctx context.Context) {
	for taskID := range o.dispatch {
		if ctx.Err() != nil {
			o.clearInFlight(taskID)
			return
		}
		o.runOne(ctx, taskID)
	}
}

// runOne загружает задачу и продвигает её на один переход.
func (o *Orchestrator) runOne(ctx context.Context, taskID string) {
	defer o.clearInFlight(taskID)

	logger := telemetry.WithTaskID(o.logger, taskID)

	task, err := o.store.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return
		}
		logger.Error("failed to load task", "error", err)
		return
	}

	if err := o.processTask(ctx, task); err != nil {
		if errors.Is(err, repo.ErrStaleTransition) {
			// Другой процесс уже продвинул задачу — отпускаем молча.
			logger.Debug("lost transition race")
			return
		}
		logger.Error("failed to process task", "state", task.State(), "error", err)
	}
}

// watchdogLoop переводит просроченные ACTIVE задачи на путь retry.
func (o *Orchestrator) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepOverdue(ctx)
		}
	}
}

// sweepOverdue — один проход watchdog'а.
func (o *Orchestrator) sweepOverdue(ctx context.Context) {
	tasks, err := o.store.ListOverdue(ctx, o.now())
	if err != nil {
		o.logger.Error("failed to list overdue tasks", "error", err)
		return
	}

	for i := range tasks {
		task := &tasks[i]

		// Задачи, выполняемые этим процессом прямо сейчас, не трогаем:
		// их дедлайн обеспечивается контекстом исполнения.
		if !o.markInFlight(task.ID) {
			continue
		}
		o.handleTimeout(ctx, task)
		o.clearInFlight(task.ID)
	}
}

// --- in-flight accounting ---

// markInFlight отмечает задачу как выполняемую этим процессом.
// Возвращает false, если задача уже в работе.
func (o *Orchestrator) markInFlight(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inFlight[taskID]; exists {
		return false
	}
	o.inFlight[taskID] = struct{}{}
	return true
}

// clearInFlight снимает отметку.
func (o *Orchestrator) clearInFlight(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, taskID)
}

// InFlightCount возвращает число задач в работе.
func (o *Orchestrator) InFlightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight)
}

// updateGauges публикует текущие показатели ресурсов и аккаунтов.
func (o *Orchestrator) updateGauges() {
	if o.metrics == nil {
		return
	}
	if o.gpu != nil {
		o.metrics.SetGPUUsage(o.gpu.Usage())
	}
	if o.registry != nil {
		for _, acc := range o.registry.Snapshot() {
			o.metrics.SetAccountUsage(acc.ID, acc.ActiveCount, acc.DailyUsed)
		}
	}
}
