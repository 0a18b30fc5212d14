package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/avelkov/dancemill/internal/accounts"
	"github.com/avelkov/dancemill/internal/config"
	"github.com/avelkov/dancemill/internal/domain"
	"github.com/avelkov/dancemill/internal/events"
	"github.com/avelkov/dancemill/internal/executor"
	"github.com/avelkov/dancemill/internal/gpu"
	"github.com/avelkov/dancemill/internal/pipeline"
	"github.com/avelkov/dancemill/internal/repo"
	"github.com/avelkov/dancemill/internal/report"
	"github.com/avelkov/dancemill/internal/telemetry"
)

// NewRunCmd создаёт команду run.
func NewRunCmd(cfgFn func() (*config.Config, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline until all tasks reach a terminal state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cfgFn()
			if err != nil {
				return err
			}
			out := outputFn()
			return runPipeline(cmd.Context(), cfg, out)
		},
	}
}

// runPipeline собирает все компоненты и работает до завершения
// всех задач либо до сигнала остановки.
func runPipeline(ctx context.Context, cfg *config.Config, out *Output) error {
	logger := telemetry.SetupLogger()
	logger.Info("starting dancemill run")

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("database connected")

	taskRepo := repo.NewTaskRepo(pool)
	accountRepo := repo.NewAccountRepo(pool)
	batchRepo := repo.NewBatchRepo(pool)

	// Recovery scan: ACTIVE задачи упавшего процесса возвращаются
	// в PENDING той же стадии с зачтённой попыткой.
	recovered, err := pipeline.RecoverActive(ctx, taskRepo, logger)
	if err != nil {
		return Exitf(ExitFatal, fmt.Sprintf("recovery scan: %v", err))
	}
	if recovered > 0 {
		logger.Info("recovered interrupted tasks", "count", recovered)
	}

	// Реестр аккаунтов: лимиты из конфигурации, счётчики из БД,
	// active_count — из хранилища задач.
	registry, err := buildRegistry(ctx, cfg, accountRepo, taskRepo, logger)
	if err != nil {
		return Exitf(ExitFatal, err.Error())
	}

	controller := gpu.New(gpu.Config{
		MaxSlots:       cfg.GPU.MaxSlots,
		MemoryBudgetMB: cfg.GPU.MemoryBudgetMB,
		StageCosts:     cfg.GPU.StageCosts,
		Logger:         logger,
	})

	remote := executor.NewDriverClient(cfg.DriverURL)
	local := executor.NewCommandRunner(cfg.LocalSteps, cfg.TempDir, logger)

	// RabbitMQ опционален: без него события переходов не публикуются.
	var publisher *events.Publisher
	var eventsConn *events.Connection
	if cfg.AMQPURL != "" {
		eventsConn, err = events.NewConnection(cfg.AMQPURL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, transition events disabled", "error", err)
		} else {
			defer eventsConn.Close()
			if err := events.SetupTopology(ctx, eventsConn); err != nil {
				logger.Warn("failed to setup event topology", "error", err)
			}
			publisher = events.NewPublisher(eventsConn, logger)
		}
	}

	metrics := telemetry.NewMetrics()

	orch := pipeline.New(pipeline.Config{
		Store:          taskRepo,
		Registry:       registry,
		GPU:            controller,
		Remote:         remote,
		Local:          local,
		Publisher:      publisher,
		Metrics:        metrics,
		Workers:        cfg.Workers,
		Tick:           cfg.Tick,
		RemotePoll:     cfg.RemotePoll,
		RequeueDelay:   cfg.RequeueDelay,
		RemoteDeadline: cfg.RemoteDeadline,
		LocalDeadline:  cfg.LocalDeadline,
		Retry:          cfg.Retry,
		OutputDir:      cfg.OutputDir,
		TempDir:        cfg.TempDir,
		Logger:         logger,
	})

	if err := orch.Start(ctx); err != nil {
		return Exitf(ExitFatal, fmt.Sprintf("start orchestrator: %v", err))
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	defer srv.Shutdown(context.Background())

	// Работаем до завершения всех задач либо до сигнала.
	interrupted := waitForCompletion(ctx, taskRepo, cfg.Tick, logger)

	orch.Stop()
	if interrupted {
		logger.Info("run interrupted by signal")
	}

	return finishRun(cfg, out, taskRepo, batchRepo, registry, publisher, logger)
}

// buildRegistry заполняет реестр аккаунтов из конфигурации и БД.
func buildRegistry(ctx context.Context, cfg *config.Config, accountRepo *repo.AccountRepo, taskRepo *repo.TaskRepo, logger *slog.Logger) (*accounts.Registry, error) {
	now := time.Now()

	for _, a := range cfg.Accounts {
		status := domain.AccountActive
		if a.Disabled {
			status = domain.AccountDisabled
		}
		acc := &domain.Account{
			ID:              a.ID,
			DailyLimit:      a.DailyLimit,
			ConcurrentLimit: a.ConcurrentLimit,
			RateMin:         a.RateMin,
			RateMax:         a.RateMax,
			Status:          status,
			ResetAt:         cfg.ResetSchedule.Next(now),
		}
		if err := accountRepo.Seed(ctx, acc); err != nil {
			return nil, fmt.Errorf("seed account %s: %v", a.ID, err)
		}
	}

	accs, err := accountRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %v", err)
	}

	activeCounts, err := taskRepo.CountActiveByAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active tasks: %v", err)
	}

	registry := accounts.New(accounts.Config{
		Store:    accountRepo,
		Schedule: cfg.ResetSchedule,
		Cooldown: cfg.Cooldown,
		Logger:   logger,
	})
	registry.Hydrate(accs, activeCounts)

	logger.Info("account registry ready", "accounts", len(accs))
	return registry, nil
}

// waitForCompletion блокируется, пока у оркестратора остаются задачи.
// Возвращает true, если ожидание прервано сигналом.
func waitForCompletion(ctx context.Context, taskRepo *repo.TaskRepo, tick time.Duration, logger *slog.Logger) bool {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			n, err := taskRepo.CountRunnable(ctx)
			if err != nil {
				logger.Error("failed to count runnable tasks", "error", err)
				continue
			}
			if n == 0 {
				return false
			}
		}
	}
}

// finishRun печатает итоговую сводку, публикует события batch'ей
// и выбирает код возврата.
func finishRun(cfg *config.Config, out *Output, taskRepo *repo.TaskRepo, batchRepo *repo.BatchRepo, registry *accounts.Registry, publisher *events.Publisher, logger *slog.Logger) error {
	// Контекст команды к этому моменту может быть уже отменён сигналом.
	finCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tasks, err := taskRepo.List(finCtx, repo.Filter{})
	if err != nil {
		return Exitf(ExitFatal, fmt.Sprintf("list tasks: %v", err))
	}

	summary := report.Build(tasks, registry.Snapshot(), time.Now())
	printSummary(out, summary)

	if publisher != nil {
		publishBatchResults(finCtx, tasks, batchRepo, publisher, logger)
	}

	runnable := 0
	failed := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Status == domain.StatusFailed {
			failed++
		}
		if !t.IsTerminal() && t.Status != domain.StatusNeedsIntervention {
			runnable++
		}
	}

	switch {
	case runnable > 0:
		return Exitf(ExitFailedTasks, fmt.Sprintf("run interrupted: %d task(s) unfinished", runnable))
	case failed > 0 || summary.SuccessRate < cfg.SuccessThreshold:
		return Exitf(ExitFailedTasks,
			fmt.Sprintf("run finished: %d task(s) failed, success rate %.2f (threshold %.2f)",
				failed, summary.SuccessRate, cfg.SuccessThreshold))
	default:
		logger.Info("run finished", "tasks", len(tasks), "success_rate", summary.SuccessRate)
		return nil
	}
}

// publishBatchResults публикует итог каждого batch'а.
func publishBatchResults(ctx context.Context, tasks []domain.Task, batchRepo *repo.BatchRepo, publisher *events.Publisher, logger *slog.Logger) {
	batches, err := batchRepo.List(ctx)
	if err != nil {
		logger.Warn("failed to list batches", "error", err)
		return
	}

	for _, b := range batches {
		payload := events.BatchCompletedPayload{BatchID: b.ID}
		done := true
		for i := range tasks {
			t := &tasks[i]
			if t.BatchID != b.ID {
				continue
			}
			payload.Total++
			switch {
			case t.State() == "COMPLETED":
				payload.Completed++
			case t.Status == domain.StatusFailed:
				payload.Failed++
			default:
				done = false
			}
		}
		if payload.Total == 0 || !done {
			continue
		}
		if err := publisher.PublishBatchCompleted(ctx, payload); err != nil {
			telemetry.WithBatchID(logger, b.ID.String()).
				Warn("failed to publish batch result", "error", err)
		}
	}
}
