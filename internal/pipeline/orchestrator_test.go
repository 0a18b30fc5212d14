package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/avelkov/dancemill/internal/accounts"
	"github.com/avelkov/dancemill/internal/domain"
	"github.com/avelkov/dancemill/internal/executor"
	"github.com/avelkov/dancemill/internal/gpu"
	"github.com/avelkov/dancemill/internal/repo"
)

// --- Fakes ---

// fakeStore is an in-memory Store with the same optimistic-concurrency
// contract as the Postgres repo.
type fakeStore struct {
	mu          sync.Mutex
	tasks       map[string]*domain.Task
	transitions []string
	logs        []string
	staleNext   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*domain.Task)}
}

func (s *fakeStore) put(task *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
}

func (s *fakeStore) get(id string) *domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.tasks[id]
	return &cp
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *fakeStore) Transition(_ context.Context, task *domain.Task, expStage domain.Stage, expStatus domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staleNext {
		s.staleNext = false
		return repo.ErrStaleTransition
	}

	cur, ok := s.tasks[task.ID]
	if !ok || cur.Stage != expStage || cur.Status != expStatus {
		return repo.ErrStaleTransition
	}

	cp := *task
	s.tasks[task.ID] = &cp
	s.transitions = append(s.transitions, cur.State()+"->"+task.State())
	return nil
}

func (s *fakeStore) AppendLog(_ context.Context, taskID, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, fmt.Sprintf("%s [%s] %s", taskID, level, message))
	return nil
}

func (s *fakeStore) ListEligible(_ context.Context, now time.Time, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, task := range s.tasks {
		if len(out) >= limit {
			break
		}
		if task.CancelRequested && !task.IsTerminal() {
			out = append(out, *task)
			continue
		}
		if !task.Eligible(now) {
			continue
		}
		// ACTIVE rows are only picked up for their scheduled remote poll.
		if task.Status == domain.StatusActive && task.NotBefore == nil {
			continue
		}
		out = append(out, *task)
	}
	return out, nil
}

func (s *fakeStore) ListActive(_ context.Context) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, task := range s.tasks {
		if task.Status == domain.StatusActive {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) ListOverdue(_ context.Context, now time.Time) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, task := range s.tasks {
		if task.Status == domain.StatusActive && task.DeadlineAt != nil && task.DeadlineAt.Before(now) {
			out = append(out, *task)
		}
	}
	return out, nil
}

type fakeRemote struct {
	mu         sync.Mutex
	submits    int
	cancels    []string
	submitFn   func(task *domain.Task) (string, error)
	pollFn     func(handle string) (*executor.PollResult, error)
	downloadFn func(outputRef, destDir string) (string, error)
}

func (r *fakeRemote) Submit(_ context.Context, task *domain.Task) (string, error) {
	r.mu.Lock()
	r.submits++
	r.mu.Unlock()
	if r.submitFn != nil {
		return r.submitFn(task)
	}
	return "job-1", nil
}

func (r *fakeRemote) Poll(_ context.Context, handle string) (*executor.PollResult, error) {
	if r.pollFn != nil {
		return r.pollFn(handle)
	}
	return &executor.PollResult{State: executor.PollPending, Progress: 50}, nil
}

func (r *fakeRemote) Download(_ context.Context, outputRef, destDir string) (string, error) {
	if r.downloadFn != nil {
		return r.downloadFn(outputRef, destDir)
	}
	return filepath.Join(destDir, "remote-out.mp4"), nil
}

func (r *fakeRemote) Cancel(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, handle)
	return nil
}

func (r *fakeRemote) submitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submits
}

type fakeLocal struct {
	mu    sync.Mutex
	runs  int
	runFn func(task *domain.Task, outputDir string) (string, error)
}

func (l *fakeLocal) Run(_ context.Context, task *domain.Task, outputDir string) (string, error) {
	l.mu.Lock()
	l.runs++
	l.mu.Unlock()
	if l.runFn != nil {
		return l.runFn(task, outputDir)
	}
	return filepath.Join(outputDir, task.ID+".mp4"), nil
}

// --- Test Fixtures ---

type testEnv struct {
	orch   *Orchestrator
	store  *fakeStore
	remote *fakeRemote
	local  *fakeLocal
	reg    *accounts.Registry
	gpu    *gpu.Controller
}

type fixedSchedule struct {
	next time.Time
}

func (s fixedSchedule) Next(time.Time) time.Time { return s.next }

func testAccounts(ids ...string) []domain.Account {
	accs := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		accs = append(accs, domain.Account{
			ID:              id,
			DailyLimit:      10,
			ConcurrentLimit: 3,
			ResetAt:         time.Now().Add(12 * time.Hour),
			Status:          domain.AccountActive,
		})
	}
	return accs
}

func newTestEnv(t *testing.T, accs []domain.Account) *testEnv {
	t.Helper()

	reg := accounts.New(accounts.Config{
		Schedule: fixedSchedule{next: time.Now().Add(24 * time.Hour)},
		Cooldown: time.Hour,
	})
	reg.Hydrate(accs, nil)

	controller := gpu.New(gpu.Config{
		MaxSlots:       2,
		MemoryBudgetMB: 8192,
		StageCosts:     map[string]int64{string(domain.StageLocal): 1024},
	})

	store := newFakeStore()
	remote := &fakeRemote{}
	local := &fakeLocal{}

	orch := New(Config{
		Store:          store,
		Registry:       reg,
		GPU:            controller,
		Remote:         remote,
		Local:          local,
		RemotePoll:     30 * time.Second,
		RequeueDelay:   15 * time.Second,
		RemoteDeadline: time.Hour,
		LocalDeadline:  30 * time.Minute,
		Retry:          domain.RetryPolicy{MaxAttempts: 3, Base: 10 * time.Second, MaxDelay: 5 * time.Minute},
		OutputDir:      t.TempDir(),
		TempDir:        t.TempDir(),
	})

	return &testEnv{orch: orch, store: store, remote: remote, local: local, reg: reg, gpu: controller}
}

func newTask(stage domain.Stage, status domain.Status) *domain.Task {
	return &domain.Task{
		ID:       "task-1",
		InputRef: "/videos/in.mp4",
		Stage:    stage,
		Status:   status,
	}
}

func (e *testEnv) process(t *testing.T, task *domain.Task) {
	t.Helper()
	e.store.put(task)
	if err := e.orch.processTask(context.Background(), task); err != nil {
		t.Fatalf("processTask: %v", err)
	}
}

// wantParkedAround checks not_before landed near the expected instant.
func wantParkedAround(t *testing.T, task *domain.Task, want time.Time, slack time.Duration) {
	t.Helper()
	if task.NotBefore == nil {
		t.Fatal("expected task to be parked")
	}
	diff := task.NotBefore.Sub(want)
	if diff < -slack || diff > slack {
		t.Errorf("expected not_before near %v, got %v", want, *task.NotBefore)
	}
}

// --- Constructor Tests ---

func TestNew_Defaults(t *testing.T) {
	o := New(Config{})

	if o.workers != 4 {
		t.Errorf("expected 4 workers, got %d", o.workers)
	}
	if o.batchSize != 100 {
		t.Errorf("expected batch size 100, got %d", o.batchSize)
	}
	if o.tick != 5*time.Second {
		t.Errorf("expected 5s tick, got %v", o.tick)
	}
	if o.remotePoll != 30*time.Second {
		t.Errorf("expected 30s remote poll, got %v", o.remotePoll)
	}
}

func TestStart_Twice(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.orch.Stop()

	if err := e.orch.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

// --- Transition Handler Tests ---

func TestProcessTask_Ingested(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	task := newTask(domain.StageIngest, domain.StatusPending)

	e.process(t, task)

	if task.Stage != domain.StageRemote || task.Status != domain.StatusPending {
		t.Errorf("expected REMOTE_PENDING, got %s", task.State())
	}
	if got := e.store.get("task-1"); got.State() != "REMOTE_PENDING" {
		t.Errorf("store not updated, got %s", got.State())
	}
}

func TestProcessTask_SubmitHappyPath(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	task := newTask(domain.StageRemote, domain.StatusPending)

	start := time.Now()
	e.process(t, task)

	if task.Status != domain.StatusActive {
		t.Fatalf("expected REMOTE_ACTIVE, got %s", task.State())
	}
	if task.RemoteHandle != "job-1" {
		t.Errorf("expected remote handle recorded, got %q", task.RemoteHandle)
	}
	if task.AccountID != "acc-1" {
		t.Errorf("expected account assigned, got %q", task.AccountID)
	}
	if task.Attempt(domain.StageRemote) != 1 {
		t.Errorf("expected attempt 1, got %d", task.Attempt(domain.StageRemote))
	}
	if e.remote.submitCount() != 1 {
		t.Errorf("expected one submit, got %d", e.remote.submitCount())
	}
	// Next poll is scheduled via not_before.
	wantParkedAround(t, task, start.Add(30*time.Second), 2*time.Second)
	if task.DeadlineAt == nil {
		t.Error("expected watchdog deadline set")
	}

	acc := e.reg.Snapshot()[0]
	if acc.ActiveCount != 1 || acc.DailyUsed != 1 {
		t.Errorf("expected account counters 1/1, got %d/%d", acc.ActiveCount, acc.DailyUsed)
	}
	if acc.LastSubmitAt.IsZero() {
		t.Error("expected submit time marked for rate window")
	}
}

func TestProcessTask_ClaimBeforeSubmit(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	task := newTask(domain.StageRemote, domain.StatusPending)
	e.store.put(task)

	// Another process wins the claim: no submit may happen here.
	e.store.staleNext = true
	err := e.orch.processTask(context.Background(), task)
	if !errors.Is(err, repo.ErrStaleTransition) {
		t.Fatalf("expected stale transition, got %v", err)
	}
	if e.remote.submitCount() != 0 {
		t.Error("submit must not run after a lost claim")
	}
	// The acquired slot is returned.
	acc := e.reg.Snapshot()[0]
	if acc.ActiveCount != 0 || acc.DailyUsed != 0 {
		t.Errorf("expected refund after lost claim, got %d/%d", acc.ActiveCount, acc.DailyUsed)
	}
}

func TestProcessTask_NoAccountParks(t *testing.T) {
	e := newTestEnv(t, nil) // empty registry
	task := newTask(domain.StageRemote, domain.StatusPending)

	start := time.Now()
	e.process(t, task)

	if task.Status != domain.StatusPending {
		t.Fatalf("expected task to stay REMOTE_PENDING, got %s", task.State())
	}
	if task.Attempt(domain.StageRemote) != 0 {
		t.Error("admission denial must not count as an attempt")
	}
	wantParkedAround(t, task, start.Add(15*time.Second), 2*time.Second)
}

func TestProcessTask_RateLimitedParksUntilWindow(t *testing.T) {
	accs := testAccounts("acc-1")
	accs[0].RateMin = 5 * time.Minute
	accs[0].RateMax = 5 * time.Minute
	accs[0].LastSubmitAt = time.Now()
	e := newTestEnv(t, accs)
	task := newTask(domain.StageRemote, domain.StatusPending)

	e.process(t, task)

	if task.Status != domain.StatusPending {
		t.Fatalf("expected REMOTE_PENDING, got %s", task.State())
	}
	wantParkedAround(t, task, accs[0].LastSubmitAt.Add(5*time.Minute), 2*time.Second)
	if e.remote.submitCount() != 0 {
		t.Error("no submit may happen inside the rate window")
	}
}

func TestProcessTask_SubmitFailureRetriesWithBackoff(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.remote.submitFn = func(*domain.Task) (string, error) {
		return "", domain.NewStageError(domain.ErrKindTransientRemote, "driver unreachable")
	}
	task := newTask(domain.StageRemote, domain.StatusPending)

	start := time.Now()
	e.process(t, task)

	if task.Status != domain.StatusPending {
		t.Fatalf("expected backoff retry, got %s", task.State())
	}
	if task.ErrorKind != domain.ErrKindTransientRemote {
		t.Errorf("expected TransientRemote recorded, got %s", task.ErrorKind)
	}
	// attempt=1: backoff in [base, 2*base).
	if task.NotBefore == nil {
		t.Fatal("expected backoff park")
	}
	delay := task.NotBefore.Sub(start)
	if delay < 10*time.Second || delay > 21*time.Second {
		t.Errorf("expected first backoff in [10s, 20s+jitter], got %v", delay)
	}

	// Submit never reached the service: daily quota is refunded.
	acc := e.reg.Snapshot()[0]
	if acc.ActiveCount != 0 || acc.DailyUsed != 0 {
		t.Errorf("expected refund, got active=%d daily=%d", acc.ActiveCount, acc.DailyUsed)
	}
}

func TestProcessTask_SubmitExhaustionFails(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.remote.submitFn = func(*domain.Task) (string, error) {
		return "", domain.NewStageError(domain.ErrKindTransientRemote, "driver unreachable")
	}
	task := newTask(domain.StageRemote, domain.StatusPending)
	e.store.put(task)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		task.NotBefore = nil // fast-forward past backoff
		if err := e.orch.processTask(ctx, task); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	if task.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED after 3 attempts, got %s", task.State())
	}
	if task.AccountID != "" || task.RemoteHandle != "" {
		t.Error("terminal remote failure must clear account and handle")
	}
}

func TestProcessTask_RetriedTaskGetsFreshBudget(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.remote.submitFn = func(*domain.Task) (string, error) {
		return "", domain.NewStageError(domain.ErrKindTransientRemote, "driver unreachable")
	}

	// A task requeued by the operator: prior attempts kept in the record,
	// retry policy counts from the recorded base.
	task := newTask(domain.StageRemote, domain.StatusPending)
	task.Attempts = map[domain.Stage]int{domain.StageRemote: 3}
	task.AttemptBase = map[domain.Stage]int{domain.StageRemote: 3}

	e.process(t, task)

	if task.Status != domain.StatusPending {
		t.Fatalf("expected backoff retry on a fresh budget, got %s", task.State())
	}
	if task.Attempt(domain.StageRemote) != 4 {
		t.Errorf("expected audit counter at 4, got %d", task.Attempt(domain.StageRemote))
	}
	if task.EffectiveAttempt(domain.StageRemote) != 1 {
		t.Errorf("expected effective attempt 1, got %d", task.EffectiveAttempt(domain.StageRemote))
	}
}

func TestProcessTask_SubmitDetectionCoolsAccount(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.remote.submitFn = func(*domain.Task) (string, error) {
		return "", domain.NewStageError(domain.ErrKindDetectionSignal, "captcha challenge")
	}
	task := newTask(domain.StageRemote, domain.StatusPending)

	e.process(t, task)

	if task.Status != domain.StatusPending {
		t.Fatalf("expected backoff retry, got %s", task.State())
	}
	if task.AccountID != "" {
		t.Error("detection must unbind the account so retry picks another")
	}
	acc := e.reg.Snapshot()[0]
	if acc.Status != domain.AccountCooldown {
		t.Errorf("expected account COOLDOWN, got %s", acc.Status)
	}
}

func TestProcessTask_AuthRequiredQuarantines(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.remote.submitFn = func(*domain.Task) (string, error) {
		return "", domain.NewStageError(domain.ErrKindAuthRequired, "session expired")
	}
	task := newTask(domain.StageRemote, domain.StatusPending)

	e.process(t, task)

	if task.Status != domain.StatusNeedsIntervention {
		t.Fatalf("expected NEEDS_INTERVENTION, got %s", task.State())
	}
	if task.NotBefore != nil {
		t.Error("quarantined task must not be scheduled")
	}
}

func TestProcessTask_PollPending(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	task := newTask(domain.StageRemote, domain.StatusActive)
	task.RemoteHandle = "job-1"
	task.AccountID = "acc-1"

	start := time.Now()
	e.process(t, task)

	if task.Status != domain.StatusActive {
		t.Fatalf("expected task to stay REMOTE_ACTIVE, got %s", task.State())
	}
	wantParkedAround(t, task, start.Add(30*time.Second), 2*time.Second)
}

func TestProcessTask_PollDoneChainsToLocal(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.reg.Hydrate(testAccounts("acc-1"), map[string]int{"acc-1": 1})
	e.remote.pollFn = func(string) (*executor.PollResult, error) {
		return &executor.PollResult{State: executor.PollDone, OutputRef: "ref-1", AudioPreserved: true}, nil
	}

	task := newTask(domain.StageRemote, domain.StatusActive)
	task.RemoteHandle = "job-1"
	task.AccountID = "acc-1"
	started := time.Now().Add(-time.Minute)
	task.StageStartedAt = &started

	e.process(t, task)

	// Chained straight through REMOTE_DONE into LOCAL_PENDING.
	if task.Stage != domain.StageLocal || task.Status != domain.StatusPending {
		t.Fatalf("expected LOCAL_PENDING, got %s", task.State())
	}
	if task.RemoteOutputRef == "" {
		t.Error("expected downloaded output recorded")
	}
	if task.StageDurations[domain.StageRemote] < 59 {
		t.Errorf("expected remote duration recorded, got %v", task.StageDurations)
	}
	if acc := e.reg.Snapshot()[0]; acc.ActiveCount != 0 {
		t.Errorf("expected account slot released, got %d", acc.ActiveCount)
	}
}

func TestProcessTask_PollFailedResubmits(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.remote.pollFn = func(string) (*executor.PollResult, error) {
		return &executor.PollResult{
			State:     executor.PollFailed,
			ErrorKind: domain.ErrKindTransientRemote,
			Reason:    "render crashed",
		}, nil
	}
	task := newTask(domain.StageRemote, domain.StatusActive)
	task.RemoteHandle = "job-1"
	task.AccountID = "acc-1"
	task.BumpAttempt(domain.StageRemote)

	e.process(t, task)

	if task.Status != domain.StatusPending {
		t.Fatalf("expected backoff retry, got %s", task.State())
	}
	// The remote job is dead: retry must submit a new one.
	if task.RemoteHandle != "" {
		t.Error("expected handle cleared after remote failure")
	}
}

func TestProcessTask_PollInfraErrorKeepsHandle(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.remote.pollFn = func(string) (*executor.PollResult, error) {
		return nil, domain.NewStageError(domain.ErrKindTransientRemote, "driver timeout")
	}
	task := newTask(domain.StageRemote, domain.StatusActive)
	task.RemoteHandle = "job-1"
	task.AccountID = "acc-1"
	task.BumpAttempt(domain.StageRemote)

	e.process(t, task)

	if task.Status != domain.StatusPending {
		t.Fatalf("expected backoff retry, got %s", task.State())
	}
	// The job itself is alive: retry resumes polling, not resubmission.
	if task.RemoteHandle != "job-1" {
		t.Errorf("expected handle kept, got %q", task.RemoteHandle)
	}
	// Resume skips the claim bump, so the failed poll itself is counted.
	if task.Attempt(domain.StageRemote) != 2 {
		t.Errorf("expected poll failure counted as attempt 2, got %d", task.Attempt(domain.StageRemote))
	}
}

func TestProcessTask_UnreachableDriverEventuallyFails(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.remote.pollFn = func(string) (*executor.PollResult, error) {
		return nil, domain.NewStageError(domain.ErrKindTransientRemote, "driver unreachable")
	}
	task := newTask(domain.StageRemote, domain.StatusPending)
	e.store.put(task)

	// Submit succeeds once; every poll after it fails. The resume path
	// must not cycle PENDING<->ACTIVE forever.
	ctx := context.Background()
	for i := 0; i < 10 && !task.IsTerminal(); i++ {
		task.NotBefore = nil // fast-forward past backoff and poll delays
		if err := e.orch.processTask(ctx, task); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}

	if task.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED within the retry budget, got %s after %d attempts",
			task.State(), task.Attempt(domain.StageRemote))
	}
	if task.Attempt(domain.StageRemote) != 3 {
		t.Errorf("expected 3 attempts, got %d", task.Attempt(domain.StageRemote))
	}
	if e.remote.submitCount() != 1 {
		t.Errorf("expected a single submit, got %d", e.remote.submitCount())
	}
	if task.RemoteHandle != "" || task.AccountID != "" {
		t.Error("terminal remote failure must clear account and handle")
	}
}

func TestProcessTask_PollDetectionCoolsAccount(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.remote.pollFn = func(string) (*executor.PollResult, error) {
		return nil, domain.NewStageError(domain.ErrKindDetectionSignal, "account flagged")
	}
	task := newTask(domain.StageRemote, domain.StatusPending)
	e.store.put(task)

	ctx := context.Background()
	if err := e.orch.processTask(ctx, task); err != nil { // submit
		t.Fatalf("submit: %v", err)
	}
	task.NotBefore = nil
	if err := e.orch.processTask(ctx, task); err != nil { // poll
		t.Fatalf("poll: %v", err)
	}

	if task.Status != domain.StatusPending {
		t.Fatalf("expected backoff retry, got %s", task.State())
	}
	// Detection carried by a poll error still benches the account.
	acc := e.reg.Snapshot()[0]
	if acc.Status != domain.AccountCooldown {
		t.Errorf("expected account COOLDOWN, got %s", acc.Status)
	}
	if task.RemoteHandle != "" || task.AccountID != "" {
		t.Error("detection must unbind handle and account for a clean resubmit")
	}
}

func TestProcessTask_ResumeSkipsSubmit(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))

	// A task recovered after restart: handle recorded, slot not counted.
	task := newTask(domain.StageRemote, domain.StatusPending)
	task.RemoteHandle = "job-42"
	task.AccountID = "acc-1"
	task.BumpAttempt(domain.StageRemote)

	e.process(t, task)

	if task.Status != domain.StatusActive {
		t.Fatalf("expected REMOTE_ACTIVE, got %s", task.State())
	}
	if e.remote.submitCount() != 0 {
		t.Error("recovered task must not be resubmitted")
	}
	if task.Attempt(domain.StageRemote) != 1 {
		t.Error("resume must not count as a new attempt")
	}

	// Slot restored without touching the daily counter.
	acc := e.reg.Snapshot()[0]
	if acc.ActiveCount != 1 || acc.DailyUsed != 0 {
		t.Errorf("expected active=1 daily=0, got %d/%d", acc.ActiveCount, acc.DailyUsed)
	}
}

func TestProcessTask_ResumeUnknownAccountResubmits(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))

	task := newTask(domain.StageRemote, domain.StatusPending)
	task.RemoteHandle = "job-42"
	task.AccountID = "gone-from-config"

	e.process(t, task)

	// The old job is unreachable without its account: fresh submit.
	if e.remote.submitCount() != 1 {
		t.Errorf("expected fresh submit, got %d", e.remote.submitCount())
	}
	if task.AccountID != "acc-1" || task.RemoteHandle != "job-1" {
		t.Errorf("expected reassignment, got account=%q handle=%q", task.AccountID, task.RemoteHandle)
	}
}

func TestProcessTask_LocalHappyPath(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	task := newTask(domain.StageLocal, domain.StatusPending)
	task.RemoteOutputRef = "/tmp/remote-out.mp4"

	e.process(t, task)

	if task.Stage != domain.StageLocal || task.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", task.State())
	}
	if task.OutputRef == "" {
		t.Error("expected final output recorded")
	}
	if !task.IsTerminal() {
		t.Error("completed task must be terminal")
	}
	if active, _, reserved, _ := e.gpu.Usage(); active != 0 || reserved != 0 {
		t.Errorf("expected gpu lease released, got active=%d reserved=%d", active, reserved)
	}
}

func TestProcessTask_LocalAdmissionDeniedParks(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))

	// Occupy both slots so admission is denied.
	e.gpu.TryAdmit(string(domain.StageLocal))
	e.gpu.TryAdmit(string(domain.StageLocal))

	task := newTask(domain.StageLocal, domain.StatusPending)
	task.RemoteOutputRef = "/tmp/remote-out.mp4"

	start := time.Now()
	e.process(t, task)

	if task.Status != domain.StatusPending {
		t.Fatalf("expected LOCAL_PENDING, got %s", task.State())
	}
	if task.Attempt(domain.StageLocal) != 0 {
		t.Error("admission denial must not count as an attempt")
	}
	wantParkedAround(t, task, start.Add(15*time.Second), 2*time.Second)
	if e.local.runs != 0 {
		t.Error("local chain must not run without a lease")
	}
}

func TestProcessTask_LocalOOMDegrades(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.local.runFn = func(*domain.Task, string) (string, error) {
		return "", domain.NewStageError(domain.ErrKindTransientResource, "CUDA out of memory")
	}
	task := newTask(domain.StageLocal, domain.StatusPending)
	task.RemoteOutputRef = "/tmp/remote-out.mp4"

	start := time.Now()
	e.process(t, task)

	if task.Status != domain.StatusPending {
		t.Fatalf("expected requeue, got %s", task.State())
	}
	// Requeued on the short delay, not the retry backoff.
	wantParkedAround(t, task, start.Add(15*time.Second), 2*time.Second)

	if _, effective, _, _ := e.gpu.Usage(); effective != 1 {
		t.Errorf("expected pool degraded to 1 slot, got %d", effective)
	}
}

func TestProcessTask_LocalOOMExhaustionFails(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.local.runFn = func(*domain.Task, string) (string, error) {
		return "", domain.NewStageError(domain.ErrKindTransientResource, "CUDA out of memory")
	}
	task := newTask(domain.StageLocal, domain.StatusPending)
	task.RemoteOutputRef = "/tmp/remote-out.mp4"
	e.store.put(task)

	// Runtime OOM is counted per activation: degraded parallelism buys
	// a few more tries, not an endless requeue loop.
	ctx := context.Background()
	for i := 0; i < 10 && !task.IsTerminal(); i++ {
		task.NotBefore = nil // fast-forward past the requeue delay
		if err := e.orch.processTask(ctx, task); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}

	if task.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED after exhausting attempts, got %s", task.State())
	}
	if task.Attempt(domain.StageLocal) != 3 {
		t.Errorf("expected 3 attempts, got %d", task.Attempt(domain.StageLocal))
	}
	if e.local.runs != 3 {
		t.Errorf("expected 3 runs, got %d", e.local.runs)
	}
}

func TestProcessTask_LocalSuccessRestoresPool(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.gpu.Degrade(1)

	task := newTask(domain.StageLocal, domain.StatusPending)
	task.RemoteOutputRef = "/tmp/remote-out.mp4"

	e.process(t, task)

	if task.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", task.State())
	}
	if _, effective, _, _ := e.gpu.Usage(); effective != 2 {
		t.Errorf("expected pool restored to 2 slots, got %d", effective)
	}
}

func TestProcessTask_LocalFatalInputFails(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.local.runFn = func(*domain.Task, string) (string, error) {
		return "", domain.NewStageError(domain.ErrKindFatalInput, "moov atom not found")
	}
	task := newTask(domain.StageLocal, domain.StatusPending)
	task.RemoteOutputRef = "/tmp/remote-out.mp4"

	e.process(t, task)

	if task.Status != domain.StatusFailed {
		t.Fatalf("expected immediate FAILED, got %s", task.State())
	}
	if task.Attempt(domain.StageLocal) != 1 {
		t.Errorf("expected single attempt, got %d", task.Attempt(domain.StageLocal))
	}
}

// --- Cancellation Tests ---

func TestProcessTask_CancelPending(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	task := newTask(domain.StageRemote, domain.StatusPending)
	task.CancelRequested = true

	e.process(t, task)

	if task.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", task.State())
	}
	if task.ErrorKind != domain.ErrKindCancelled {
		t.Errorf("expected Cancelled kind, got %s", task.ErrorKind)
	}
	if e.remote.submitCount() != 0 {
		t.Error("cancelled task must not be submitted")
	}
}

func TestProcessTask_CancelActiveRemote(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.reg.Hydrate(testAccounts("acc-1"), map[string]int{"acc-1": 1})

	task := newTask(domain.StageRemote, domain.StatusActive)
	task.RemoteHandle = "job-1"
	task.AccountID = "acc-1"
	task.CancelRequested = true

	e.process(t, task)

	if task.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", task.State())
	}
	if len(e.remote.cancels) != 1 || e.remote.cancels[0] != "job-1" {
		t.Errorf("expected best-effort remote cancel, got %v", e.remote.cancels)
	}
	if acc := e.reg.Snapshot()[0]; acc.ActiveCount != 0 {
		t.Errorf("expected slot released, got %d", acc.ActiveCount)
	}
}

func TestProcessTask_CancelRemoteDone(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))

	task := newTask(domain.StageRemote, domain.StatusCompleted)
	task.RemoteOutputRef = "/tmp/remote-out.mp4"
	task.CancelRequested = true

	e.process(t, task)

	// REMOTE_DONE has no direct FAILED edge: it travels through
	// LOCAL_PENDING first.
	if task.Stage != domain.StageLocal || task.Status != domain.StatusFailed {
		t.Fatalf("expected LOCAL FAILED, got %s", task.State())
	}
}

func TestProcessTask_TerminalNoop(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	task := newTask(domain.StageLocal, domain.StatusCompleted)
	e.store.put(task)

	if err := e.orch.processTask(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(e.store.transitions) != 0 {
		t.Errorf("terminal task must not transition, got %v", e.store.transitions)
	}
}

// --- Watchdog Tests ---

func TestHandleTimeout_Remote(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))
	e.reg.Hydrate(testAccounts("acc-1"), map[string]int{"acc-1": 1})

	task := newTask(domain.StageRemote, domain.StatusActive)
	task.RemoteHandle = "job-1"
	task.AccountID = "acc-1"
	task.BumpAttempt(domain.StageRemote)
	deadline := time.Now().Add(-time.Minute)
	task.DeadlineAt = &deadline
	e.store.put(task)

	e.orch.handleTimeout(context.Background(), task)

	if task.Status != domain.StatusPending {
		t.Fatalf("expected retry after timeout, got %s", task.State())
	}
	// The stuck job is presumed dead; retry resubmits.
	if task.RemoteHandle != "" {
		t.Error("expected handle cleared on timeout")
	}
	if acc := e.reg.Snapshot()[0]; acc.ActiveCount != 0 {
		t.Errorf("expected slot released, got %d", acc.ActiveCount)
	}
}

func TestSweepOverdue_SkipsInFlight(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))

	task := newTask(domain.StageLocal, domain.StatusActive)
	deadline := time.Now().Add(-time.Minute)
	task.DeadlineAt = &deadline
	e.store.put(task)

	// Simulates a worker of this process still running the task:
	// its deadline is enforced by the run context, not the watchdog.
	e.orch.markInFlight(task.ID)
	e.orch.sweepOverdue(context.Background())

	if got := e.store.get(task.ID); got.Status != domain.StatusActive {
		t.Errorf("in-flight task must not be touched, got %s", got.State())
	}
}

// --- In-Flight Accounting Tests ---

func TestMarkInFlight(t *testing.T) {
	e := newTestEnv(t, nil)

	if !e.orch.markInFlight("t-1") {
		t.Fatal("first mark should succeed")
	}
	if e.orch.markInFlight("t-1") {
		t.Error("second mark should fail")
	}
	if e.orch.InFlightCount() != 1 {
		t.Errorf("expected 1 in flight, got %d", e.orch.InFlightCount())
	}

	e.orch.clearInFlight("t-1")
	if !e.orch.markInFlight("t-1") {
		t.Error("mark after clear should succeed")
	}
}

// --- End-to-End Scenario ---

// A freshly ingested task travels through submit, poll, download and the
// local chain to COMPLETED under a running orchestrator.
func TestOrchestrator_FullLifecycle(t *testing.T) {
	e := newTestEnv(t, testAccounts("acc-1"))

	// Tighten all timers for the test run.
	e.orch.tick = 10 * time.Millisecond
	e.orch.remotePoll = 10 * time.Millisecond
	e.orch.requeueDelay = 10 * time.Millisecond

	e.remote.pollFn = func(string) (*executor.PollResult, error) {
		return &executor.PollResult{State: executor.PollDone, OutputRef: "ref-1", AudioPreserved: true}, nil
	}

	task := newTask(domain.StageIngest, domain.StatusPending)
	e.store.put(task)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.orch.Stop()

	deadline := time.After(5 * time.Second)
	for {
		got := e.store.get(task.ID)
		if got.State() == "COMPLETED" {
			if got.OutputRef == "" {
				t.Error("expected final output recorded")
			}
			acc := e.reg.Snapshot()[0]
			if acc.ActiveCount != 0 {
				t.Errorf("expected all slots returned, got %d", acc.ActiveCount)
			}
			return
		}
		if got.Status == domain.StatusFailed {
			t.Fatalf("task failed: %s %s", got.ErrorKind, got.ErrorMessage)
		}
		select {
		case <-deadline:
			t.Fatalf("task stuck in %s", got.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
