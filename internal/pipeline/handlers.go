package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avelkov/dancemill/internal/accounts"
	"github.com/avelkov/dancemill/internal/domain"
	"github.com/avelkov/dancemill/internal/executor"
	"github.com/avelkov/dancemill/internal/repo"
	"github.com/avelkov/dancemill/internal/telemetry"
)

// processTask продвигает задачу на один переход состояния.
//
// Каждый вызов делает ровно один шаг конвейера (кроме REMOTE_DONE,
// который сцепляется с успешным poll'ом): следующий шаг задача получит
// на следующем проходе планировщика. Это удерживает воркеров короткими
// и позволяет отмене вклиниться между любыми двумя переходами.
func (o *Orchestrator) processTask(ctx context.Context, task *domain.Task) error {
	if task.CancelRequested && !task.IsTerminal() {
		return o.handleCancel(ctx, task)
	}

	switch {
	case task.Stage == domain.StageIngest && task.Status == domain.StatusPending:
		return o.handleIngested(ctx, task)
	case task.Stage == domain.StageRemote && task.Status == domain.StatusPending:
		return o.handleRemotePending(ctx, task)
	case task.Stage == domain.StageRemote && task.Status == domain.StatusActive:
		return o.handleRemotePoll(ctx, task)
	case task.Stage == domain.StageRemote && task.Status == domain.StatusCompleted:
		return o.handleRemoteDone(ctx, task)
	case task.Stage == domain.StageLocal && task.Status == domain.StatusPending:
		return o.handleLocalPending(ctx, task)
	default:
		// Выборка догнала уже продвинутую задачу — ничего не делаем.
		return nil
	}
}

// handleIngested вводит новую задачу в конвейер.
func (o *Orchestrator) handleIngested(ctx context.Context, task *domain.Task) error {
	from := task.State()
	task.Stage = domain.StageRemote
	task.Status = domain.StatusPending
	task.NotBefore = nil

	if err := o.commit(ctx, task, domain.StageIngest, domain.StatusPending, from); err != nil {
		return err
	}
	o.logTask(ctx, task.ID, "info", "task entered pipeline")
	return nil
}

// handleRemotePending выдаёт аккаунт и отправляет задание удалённому сервису.
//
// Задача с уже записанным remote_handle (пережившая рестарт) не
// отправляется заново: слот аккаунта восстанавливается и задача
// возвращается к polling существующего задания.
func (o *Orchestrator) handleRemotePending(ctx context.Context, task *domain.Task) error {
	now := o.now()
	resume := task.RemoteHandle != ""

	var handle *accounts.Handle
	var err error

	if resume {
		handle, err = o.registry.Reacquire(ctx, task.AccountID)
		if err != nil {
			// Аккаунт исчез из конфигурации — задание недостижимо,
			// отправляем заново с чистого листа.
			o.logTask(ctx, task.ID, "warn",
				fmt.Sprintf("account %s no longer configured, resubmitting", task.AccountID))
			task.RemoteHandle = ""
			task.AccountID = ""
			resume = false
		}
	}

	if !resume {
		handle, err = o.registry.Acquire(ctx)
		if err != nil {
			var rl *accounts.RateLimitedError
			switch {
			case errors.As(err, &rl):
				return o.park(ctx, task, rl.NextAt,
					fmt.Sprintf("rate window on %s, next submit at %s",
						rl.AccountID, rl.NextAt.Format(time.RFC3339)))
			case errors.Is(err, accounts.ErrNoAccountAvailable):
				return o.park(ctx, task, now.Add(o.requeueDelay), "no account available")
			default:
				o.logger.Error("account acquire failed", "task_id", task.ID, "error", err)
				return o.park(ctx, task, now.Add(o.requeueDelay), "account acquire failed")
			}
		}
		task.AccountID = handle.AccountID
	}

	// Сначала занимаем задачу, потом делаем внешний вызов: optimistic
	// transition гарантирует, что submit выполнит ровно один процесс.
	from := task.State()
	if !resume {
		task.BumpAttempt(domain.StageRemote)
	}
	task.Status = domain.StatusActive
	task.ErrorKind = ""
	task.ErrorMessage = ""
	started := now
	task.StageStartedAt = &started
	if o.remoteDeadline > 0 {
		deadline := now.Add(o.remoteDeadline)
		task.DeadlineAt = &deadline
	}
	if resume {
		// Опрос существующего задания на следующем проходе.
		task.NotBefore = &started
	} else {
		task.NotBefore = nil
	}

	if err := o.commit(ctx, task, domain.StageRemote, domain.StatusPending, from); err != nil {
		if resume {
			o.releaseAccount(ctx, task.AccountID, domain.ReleaseOK)
		} else {
			o.refundAccount(ctx, handle)
		}
		return err
	}

	if resume {
		o.logTask(ctx, task.ID, "info", "resuming poll of existing remote job")
		return nil
	}

	o.logTask(ctx, task.ID, "info",
		fmt.Sprintf("submitting to remote service (attempt %d, account %s)",
			task.Attempt(domain.StageRemote), task.AccountID))

	remoteHandle, err := o.remote.Submit(ctx, task)
	if err != nil {
		if domain.KindOf(err) == domain.ErrKindDetectionSignal {
			o.releaseAccount(ctx, task.AccountID, domain.ReleaseDetection)
		} else {
			// Отправка не состоялась — суточная квота возвращается.
			o.refundAccount(ctx, handle)
		}
		return o.failStage(ctx, task, err)
	}

	task.RemoteHandle = remoteHandle
	if err := o.registry.MarkSubmitted(ctx, task.AccountID); err != nil {
		telemetry.WithAccountID(o.logger, task.AccountID).
			Warn("failed to mark submit time", "error", err)
	}

	nextPoll := o.now().Add(o.remotePoll)
	task.NotBefore = &nextPoll
	if err := o.update(ctx, task); err != nil {
		return err
	}

	o.logTask(ctx, task.ID, "info",
		fmt.Sprintf("remote job %s submitted on account %s", remoteHandle, task.AccountID))
	return nil
}

// handleRemotePoll опрашивает удалённое задание.
func (o *Orchestrator) handleRemotePoll(ctx context.Context, task *domain.Task) error {
	now := o.now()

	result, err := o.remote.Poll(ctx, task.RemoteHandle)
	if err != nil {
		// Инфраструктурная ошибка опроса: задание живо, handle
		// сохраняется — retry возобновит polling без повторного submit.
		// Ошибка при этом может нести detection-классификацию драйвера,
		// поэтому исход освобождения выбирается по её виду.
		o.releaseAccount(ctx, task.AccountID, releaseOutcome(err))
		return o.failStage(ctx, task, err)
	}

	switch result.State {
	case executor.PollPending:
		nextPoll := now.Add(o.remotePoll)
		return o.park(ctx, task, nextPoll,
			fmt.Sprintf("remote job in progress (%d%%)", result.Progress))

	case executor.PollFailed:
		// Задание на удалённой стороне мертво — retry отправит заново.
		task.RemoteHandle = ""
		kind := result.ErrorKind
		if kind == "" {
			kind = domain.ErrKindUnknown
		}
		outcome := domain.ReleaseOK
		if kind == domain.ErrKindDetectionSignal {
			outcome = domain.ReleaseDetection
		}
		o.releaseAccount(ctx, task.AccountID, outcome)
		return o.failStage(ctx, task, domain.NewStageError(kind, result.Reason))

	case executor.PollDone:
		localPath, err := o.remote.Download(ctx, result.OutputRef, o.tempDir)
		if err != nil {
			// Результат готов, но не скачался: handle сохраняется,
			// retry вернётся к done-заданию и повторит download.
			o.releaseAccount(ctx, task.AccountID, releaseOutcome(err))
			return o.failStage(ctx, task, err)
		}

		if !result.AudioPreserved {
			o.logTask(ctx, task.ID, "warn", "remote output lost original audio track")
		}

		o.releaseAccount(ctx, task.AccountID, domain.ReleaseOK)

		from := task.State()
		o.observeStage(task, now)
		task.RemoteOutputRef = localPath
		task.Status = domain.StatusCompleted
		task.NotBefore = nil
		task.DeadlineAt = nil
		task.ErrorKind = ""
		task.ErrorMessage = ""

		if err := o.commit(ctx, task, domain.StageRemote, domain.StatusActive, from); err != nil {
			return err
		}
		o.logTask(ctx, task.ID, "info", "remote stage completed, output downloaded")

		// Сразу сцепляем с переходом в LOCAL_PENDING, не дожидаясь
		// следующего прохода планировщика.
		return o.handleRemoteDone(ctx, task)

	default:
		return fmt.Errorf("unexpected poll state %q", result.State)
	}
}

// handleRemoteDone переводит задачу на локальную стадию.
func (o *Orchestrator) handleRemoteDone(ctx context.Context, task *domain.Task) error {
	from := task.State()
	task.Stage = domain.StageLocal
	task.Status = domain.StatusPending
	task.NotBefore = nil
	task.DeadlineAt = nil

	return o.commit(ctx, task, domain.StageRemote, domain.StatusCompleted, from)
}

// handleLocalPending получает допуск к ресурсам и выполняет локальную цепочку.
func (o *Orchestrator) handleLocalPending(ctx context.Context, task *domain.Task) error {
	now := o.now()

	lease, ok := o.gpu.TryAdmit(string(domain.StageLocal))
	if !ok {
		// Отказ в допуске — не попытка: задача вернётся без счёта.
		return o.park(ctx, task, now.Add(o.requeueDelay), "resource admission denied")
	}

	from := task.State()
	task.BumpAttempt(domain.StageLocal)
	task.Status = domain.StatusActive
	task.ErrorKind = ""
	task.ErrorMessage = ""
	started := now
	task.StageStartedAt = &started
	if o.localDeadline > 0 {
		deadline := now.Add(o.localDeadline)
		task.DeadlineAt = &deadline
	}
	task.NotBefore = nil

	if err := o.commit(ctx, task, domain.StageLocal, domain.StatusPending, from); err != nil {
		o.gpu.Release(lease)
		return err
	}
	defer o.gpu.Release(lease)

	o.logTask(ctx, task.ID, "info",
		fmt.Sprintf("local processing started (attempt %d)", task.Attempt(domain.StageLocal)))

	runCtx := ctx
	if o.localDeadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.localDeadline)
		defer cancel()
	}

	outputPath, err := o.local.Run(runCtx, task, o.outputDir)
	if err != nil {
		return o.failStage(ctx, task, err)
	}

	// Успешный прогон — вернуть деградированный лимит параллелизма.
	o.gpu.Restore()

	from = task.State()
	o.observeStage(task, o.now())
	task.OutputRef = outputPath
	task.Status = domain.StatusCompleted
	task.NotBefore = nil
	task.DeadlineAt = nil

	if err := o.commit(ctx, task, domain.StageLocal, domain.StatusActive, from); err != nil {
		return err
	}
	o.logTask(ctx, task.ID, "info", "task completed: "+outputPath)
	return nil
}

// handleCancel завершает задачу по запросу оператора.
func (o *Orchestrator) handleCancel(ctx context.Context, task *domain.Task) error {
	// REMOTE_DONE не имеет прямого перехода в FAILED — сначала
	// доводим до LOCAL_PENDING.
	if task.Stage == domain.StageRemote && task.Status == domain.StatusCompleted {
		if err := o.handleRemoteDone(ctx, task); err != nil {
			return err
		}
	}

	if task.Stage == domain.StageRemote && task.Status == domain.StatusActive {
		if task.RemoteHandle != "" {
			if err := o.remote.Cancel(ctx, task.RemoteHandle); err != nil {
				o.logger.Warn("best-effort remote cancel failed",
					"task_id", task.ID, "error", err)
			}
		}
		o.releaseAccount(ctx, task.AccountID, domain.ReleaseOK)
	}

	from := task.State()
	expStage, expStatus := task.Stage, task.Status
	task.Status = domain.StatusFailed
	task.ErrorKind = domain.ErrKindCancelled
	task.ErrorMessage = "cancelled by operator"
	task.RemoteHandle = ""
	task.AccountID = ""
	task.NotBefore = nil
	task.DeadlineAt = nil
	task.StageStartedAt = nil

	if err := o.commit(ctx, task, expStage, expStatus, from); err != nil {
		return err
	}
	o.logTask(ctx, task.ID, "warn", "task cancelled")
	return nil
}

// handleTimeout обрабатывает просроченную ACTIVE задачу (watchdog).
func (o *Orchestrator) handleTimeout(ctx context.Context, task *domain.Task) {
	var cause error
	switch task.Stage {
	case domain.StageRemote:
		// Задание зависло на удалённой стороне — считаем его мёртвым.
		task.RemoteHandle = ""
		o.releaseAccount(ctx, task.AccountID, domain.ReleaseOK)
		cause = domain.NewStageError(domain.ErrKindTransientRemote, "remote stage deadline exceeded")
	default:
		cause = domain.NewStageError(domain.ErrKindTransientLocal, "local stage deadline exceeded")
	}

	o.logTask(ctx, task.ID, "warn", "watchdog: stage deadline exceeded")

	if err := o.failStage(ctx, task, cause); err != nil && !errors.Is(err, repo.ErrStaleTransition) {
		o.logger.Error("watchdog failed to fail stage", "task_id", task.ID, "error", err)
	}
}

// failStage классифицирует ошибку стадии и выбирает следующий шаг:
// backoff-retry, requeue без попытки, карантин или терминальный FAILED.
//
// Задача должна быть в ACTIVE состоянии своей стадии. Освобождение
// аккаунта/ресурсов — ответственность вызывающей стороны.
func (o *Orchestrator) failStage(ctx context.Context, task *domain.Task, cause error) error {
	now := o.now()
	from := task.State()
	expStage, expStatus := task.Stage, task.Status

	kind := domain.KindOf(cause)
	task.ErrorKind = kind
	task.ErrorMessage = cause.Error()
	task.StageStartedAt = nil
	task.DeadlineAt = nil

	switch kind {
	case domain.ErrKindTransientResource:
		// Нехватка ресурсов в рантайме ужимает параллелизм, но каждая
		// активация уже зачтена как попытка — лимит общий с остальными
		// transient ошибками, иначе задача крутилась бы бесконечно.
		if task.Stage == domain.StageLocal {
			o.gpu.Degrade(1)
		}
		if o.retry.Exhausted(task.EffectiveAttempt(task.Stage)) {
			o.finalizeFailure(task)
		} else {
			task.Status = domain.StatusPending
			nb := now.Add(o.requeueDelay)
			task.NotBefore = &nb
		}

	case domain.ErrKindAuthRequired:
		task.Status = domain.StatusNeedsIntervention
		task.NotBefore = nil

	case domain.ErrKindFatalInput, domain.ErrKindCancelled:
		o.finalizeFailure(task)

	default:
		if task.Stage == domain.StageRemote && task.RemoteHandle != "" {
			// Ошибка poll/download сохраняет handle, а возобновление
			// существующего задания не проходит через claim и счётчик
			// не трогает — зачитываем попытку здесь, иначе недоступный
			// сервис гонял бы задачу по кругу вечно.
			task.BumpAttempt(domain.StageRemote)
		}
		attempt := task.EffectiveAttempt(task.Stage)
		if o.retry.Exhausted(attempt) {
			o.finalizeFailure(task)
		} else {
			task.Status = domain.StatusPending
			nb := now.Add(o.retry.Backoff(attempt))
			task.NotBefore = &nb
			if kind == domain.ErrKindDetectionSignal {
				// Задание на этом аккаунте мертво — следующая попытка
				// уйдёт на другой аккаунт с чистым submit.
				task.RemoteHandle = ""
				task.AccountID = ""
			}
		}
	}

	level := "warn"
	if task.Status == domain.StatusFailed || task.Status == domain.StatusNeedsIntervention {
		level = "error"
	}
	o.logTask(ctx, task.ID, level,
		fmt.Sprintf("%s stage failed (%s): %s", task.Stage, kind, task.ErrorMessage))

	return o.commit(ctx, task, expStage, expStatus, from)
}

// finalizeFailure переводит задачу в терминальный FAILED.
// Handle и аккаунт очищаются: операторский retry начнёт стадию заново.
func (o *Orchestrator) finalizeFailure(task *domain.Task) {
	task.Status = domain.StatusFailed
	task.NotBefore = nil
	if task.Stage == domain.StageRemote {
		task.RemoteHandle = ""
		task.AccountID = ""
	}
}

// --- helpers ---

// releaseOutcome выбирает исход освобождения аккаунта по виду ошибки:
// detection-сигнал уводит аккаунт в cooldown, остальное — штатный выход.
func releaseOutcome(err error) domain.ReleaseOutcome {
	if domain.KindOf(err) == domain.ErrKindDetectionSignal {
		return domain.ReleaseDetection
	}
	return domain.ReleaseOK
}

// commit выполняет переход состояния с публикацией события и метрик.
func (o *Orchestrator) commit(ctx context.Context, task *domain.Task, expStage domain.Stage, expStatus domain.Status, from string) error {
	if err := o.store.Transition(ctx, task, expStage, expStatus); err != nil {
		return err
	}

	to := task.State()
	o.metrics.ObserveTransition(to)
	o.logger.Debug("task transition", "task_id", task.ID, "from", from, "to", to)

	if o.publisher != nil {
		if err := o.publisher.PublishTransition(ctx, task, from); err != nil {
			o.logger.Warn("failed to publish transition",
				"task_id", task.ID, "error", err)
		}
	}
	return nil
}

// update перезаписывает задачу без смены состояния.
func (o *Orchestrator) update(ctx context.Context, task *domain.Task) error {
	return o.store.Transition(ctx, task, task.Stage, task.Status)
}

// park откладывает задачу до момента until, не меняя состояния.
func (o *Orchestrator) park(ctx context.Context, task *domain.Task, until time.Time, reason string) error {
	task.NotBefore = &until
	if err := o.update(ctx, task); err != nil {
		return err
	}
	o.logger.Debug("task parked",
		"task_id", task.ID,
		"until", until,
		"reason", reason,
	)
	return nil
}

// observeStage закрывает интервал текущей стадии и публикует метрику.
func (o *Orchestrator) observeStage(task *domain.Task, now time.Time) {
	if task.StageStartedAt != nil {
		o.metrics.ObserveStageDuration(string(task.Stage), now.Sub(*task.StageStartedAt).Seconds())
	}
	task.RecordStageDuration(now)
}

// logTask пишет в append-only журнал задачи; ошибка журнала не валит
// основную операцию.
func (o *Orchestrator) logTask(ctx context.Context, taskID, level, message string) {
	if err := o.store.AppendLog(ctx, taskID, level, message); err != nil {
		o.logger.Warn("failed to append task log", "task_id", taskID, "error", err)
	}
}

// releaseAccount освобождает слот аккаунта по его идентификатору.
func (o *Orchestrator) releaseAccount(ctx context.Context, accountID string, outcome domain.ReleaseOutcome) {
	if accountID == "" {
		return
	}
	if err := o.registry.Release(ctx, &accounts.Handle{AccountID: accountID}, outcome); err != nil {
		o.logger.Warn("failed to release account", "account_id", accountID, "error", err)
	}
}

// refundAccount возвращает неиспользованную выдачу аккаунта.
func (o *Orchestrator) refundAccount(ctx context.Context, handle *accounts.Handle) {
	if handle == nil {
		return
	}
	if err := o.registry.Refund(ctx, handle); err != nil {
		o.logger.Warn("failed to refund account", "account_id", handle.AccountID, "error", err)
	}
}
