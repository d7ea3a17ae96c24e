package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/classifier"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/executor"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/queue"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/registry"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/state"
)

type scriptedAdapter struct {
	mu      sync.Mutex
	results []executor.Result
	errs    []error
	calls   int
	started chan struct{}
}

func (f *scriptedAdapter) Execute(ctx context.Context, _ state.JobRecord, _ registry.Resource, _ int64) (executor.Result, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return executor.Result{Transient: true}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return executor.Result{ExitCode: 0, Log: "ok\n", Elapsed: time.Second}, nil
}

func (f *scriptedAdapter) Cancel(string) error { return nil }

type blockingAdapter struct {
	started chan struct{}
}

func (b *blockingAdapter) Execute(ctx context.Context, _ state.JobRecord, _ registry.Resource, _ int64) (executor.Result, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return executor.Result{ExitCode: 130, Log: "terminated\n"}, nil
}

func (b *blockingAdapter) Cancel(string) error { return nil }

type harness struct {
	mgr   *Manager
	store *state.MemoryStore
	queue *queue.AdmissionQueue
	reg   *registry.Registry
}

func newHarness(t *testing.T, adapter executor.Adapter, opts Options) *harness {
	t.Helper()
	return newHarnessCeiling(t, adapter, opts, 10)
}

func newHarnessCeiling(t *testing.T, adapter executor.Adapter, opts Options, ceiling int) *harness {
	t.Helper()
	store := state.NewMemoryStore()
	q := queue.New(ceiling, time.Minute)
	reg := registry.New(0)
	cls := classifier.New(classifier.Config{})
	mgr := New(store, q, reg, executor.Selector{"": adapter}, cls, nil, opts)
	return &harness{mgr: mgr, store: store, queue: q, reg: reg}
}

func (h *harness) registerResource(t *testing.T, id string, slots int) {
	t.Helper()
	err := h.reg.Register(registry.Resource{
		ID:            id,
		Kind:          registry.KindBuildServer,
		Architectures: []string{"x86_64"},
		Toolchains:    []string{"gcc-13"},
		Slots:         slots,
	})
	if err != nil {
		t.Fatalf("register resource: %v", err)
	}
}

func (h *harness) submit(t *testing.T, spec Spec) string {
	t.Helper()
	if spec.Architecture == "" {
		spec.Architecture = "x86_64"
	}
	if spec.Toolchain == "" {
		spec.Toolchain = "gcc-13"
	}
	if spec.PayloadRef == "" {
		spec.PayloadRef = "make test"
	}
	id, err := h.mgr.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

// schedule pops the job from the queue and hands it to the supervisor the
// way the scheduler does, synchronously.
func (h *harness) schedule(t *testing.T, resourceID string) string {
	t.Helper()
	ctx := context.Background()
	e, ok := h.queue.DequeueNextFor(h.reg.List())
	if !ok {
		t.Fatalf("queue is empty")
	}
	if err := h.reg.ReserveSlot(resourceID); err != nil {
		t.Fatalf("reserve slot: %v", err)
	}
	if err := h.mgr.MarkScheduled(ctx, e.JobID, resourceID); err != nil {
		t.Fatalf("mark scheduled: %v", err)
	}
	return e.JobID
}

func waitForState(t *testing.T, h *harness, jobID, want string) state.JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := h.store.GetJob(context.Background(), jobID)
		if err != nil || !ok {
			t.Fatalf("get job %s: ok=%v err=%v", jobID, ok, err)
		}
		if job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _, _ := h.store.GetJob(context.Background(), jobID)
	t.Fatalf("job %s state = %q, want %q", jobID, job.State, want)
	return state.JobRecord{}
}

func TestSubmitRunCompleteReleasesSlot(t *testing.T) {
	adapter := &scriptedAdapter{results: []executor.Result{
		{ExitCode: 0, Log: "build ok\nall tests passed\n", Elapsed: 3 * time.Second},
	}}
	h := newHarness(t, adapter, Options{})
	h.registerResource(t, "srv-1", 2)

	id := h.submit(t, Spec{Priority: queue.PriorityHigh})
	jobID := h.schedule(t, "srv-1")
	if jobID != id {
		t.Fatalf("scheduled %s, want %s", jobID, id)
	}
	h.mgr.supervise(context.Background(), id)

	job := waitForState(t, h, id, StateCompleted)
	if job.ResourceID != "" {
		t.Fatalf("resource id not cleared: %q", job.ResourceID)
	}
	view, _ := h.reg.Get("srv-1")
	if view.Occupied != 0 {
		t.Fatalf("occupied = %d, want 0", view.Occupied)
	}
	report, ok, err := h.mgr.GetFaultReport(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("fault report: ok=%v err=%v", ok, err)
	}
	if report.Kind != classifier.KindNone {
		t.Fatalf("fault kind = %q, want none", report.Kind)
	}
	logText, err := h.mgr.GetLogs(context.Background(), id)
	if err != nil || logText == "" {
		t.Fatalf("logs missing: %q err=%v", logText, err)
	}
}

func TestCrashLogProducesFailedWithReport(t *testing.T) {
	adapter := &scriptedAdapter{results: []executor.Result{
		{ExitCode: 128, Log: "booting\nKernel panic - not syncing: fatal\nCall Trace:\n do_exit+0x1\n", Elapsed: time.Minute},
	}}
	h := newHarness(t, adapter, Options{})
	h.registerResource(t, "srv-1", 1)

	id := h.submit(t, Spec{})
	h.schedule(t, "srv-1")
	h.mgr.supervise(context.Background(), id)

	waitForState(t, h, id, StateFailed)
	report, ok, _ := h.mgr.GetFaultReport(context.Background(), id)
	if !ok {
		t.Fatalf("no fault report")
	}
	if report.Kind != classifier.KindCrash || report.Severity != classifier.SeverityCritical {
		t.Fatalf("report = %s/%s, want crash/critical", report.Kind, report.Severity)
	}
	if len(report.Evidence) == 0 {
		t.Fatalf("crash report carries no evidence")
	}
}

func TestTransientFailureRequeuesWithRetryBudget(t *testing.T) {
	adapter := &scriptedAdapter{errs: []error{errors.New("dial tcp: connection refused")}}
	h := newHarness(t, adapter, Options{MaxRetries: 2})
	h.registerResource(t, "srv-1", 1)

	id := h.submit(t, Spec{})
	h.schedule(t, "srv-1")
	h.mgr.supervise(context.Background(), id)

	job := waitForState(t, h, id, StateQueued)
	if job.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", job.RetryCount)
	}
	view, _ := h.reg.Get("srv-1")
	if view.Occupied != 0 {
		t.Fatalf("slot not released after transient failure")
	}
	if h.queue.Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1", h.queue.Depth())
	}
}

func TestRetryBudgetExhaustionFailsPermanently(t *testing.T) {
	adapter := &scriptedAdapter{errs: []error{
		errors.New("unreachable"), errors.New("unreachable"),
	}}
	h := newHarness(t, adapter, Options{MaxRetries: 1})
	h.registerResource(t, "srv-1", 1)

	id := h.submit(t, Spec{})
	for i := 0; i < 2; i++ {
		h.schedule(t, "srv-1")
		h.mgr.supervise(context.Background(), id)
	}

	job := waitForState(t, h, id, StateFailed)
	if job.FailReason != ReasonResourceExhausted {
		t.Fatalf("fail reason = %q, want %q", job.FailReason, ReasonResourceExhausted)
	}
	if h.queue.Depth() != 0 {
		t.Fatalf("exhausted job still queued")
	}
}

func TestCancelQueuedJobIsIdempotent(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{}, Options{})
	id := h.submit(t, Spec{})

	for i := 0; i < 2; i++ {
		if err := h.mgr.Cancel(context.Background(), id); err != nil {
			t.Fatalf("cancel #%d: %v", i+1, err)
		}
	}
	job := waitForState(t, h, id, StateCancelled)
	if job.State != StateCancelled {
		t.Fatalf("state = %q", job.State)
	}
	if h.queue.Depth() != 0 {
		t.Fatalf("cancelled job still queued")
	}
}

func TestCancelRunningJobReleasesSlotOnce(t *testing.T) {
	adapter := &blockingAdapter{started: make(chan struct{}, 1)}
	h := newHarness(t, adapter, Options{CancelTimeout: time.Second})
	h.registerResource(t, "srv-1", 1)

	id := h.submit(t, Spec{})
	h.schedule(t, "srv-1")
	done := make(chan struct{})
	go func() {
		h.mgr.supervise(context.Background(), id)
		close(done)
	}()
	<-adapter.started

	if err := h.mgr.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.mgr.Cancel(context.Background(), id); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	waitForState(t, h, id, StateCancelled)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not return after cancel")
	}
	view, _ := h.reg.Get("srv-1")
	if view.Occupied != 0 {
		t.Fatalf("occupied = %d after cancel, want 0", view.Occupied)
	}
	if _, ok, _ := h.mgr.GetFaultReport(context.Background(), id); ok {
		t.Fatalf("cancelled job has a fault report")
	}
}

func TestWithdrawResourceFailsAssignedJobs(t *testing.T) {
	adapter := &blockingAdapter{started: make(chan struct{}, 2)}
	h := newHarness(t, adapter, Options{})
	h.registerResource(t, "srv-1", 2)

	ids := []string{h.submit(t, Spec{}), h.submit(t, Spec{})}
	for range ids {
		id := h.schedule(t, "srv-1")
		go h.mgr.supervise(context.Background(), id)
		<-adapter.started
	}

	if err := h.reg.Deregister("srv-1", false); !errors.Is(err, registry.ErrResourceBusy) {
		t.Fatalf("non-forced deregister of busy resource: %v", err)
	}
	failed, err := h.mgr.WithdrawResource(context.Background(), "srv-1", true)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("failed jobs = %v, want both", failed)
	}
	for _, id := range ids {
		job := waitForState(t, h, id, StateFailed)
		if job.FailReason != ReasonResourceWithdrawn {
			t.Fatalf("fail reason = %q, want %q", job.FailReason, ReasonResourceWithdrawn)
		}
	}
	if _, ok := h.reg.Get("srv-1"); ok {
		t.Fatalf("resource still registered after forced withdrawal")
	}
}

func TestCancelAfterFinalizeKeepsTerminalState(t *testing.T) {
	adapter := &scriptedAdapter{results: []executor.Result{
		{ExitCode: 0, Log: "all tests passed\n", Elapsed: time.Second},
	}}
	h := newHarness(t, adapter, Options{})
	h.registerResource(t, "srv-1", 1)

	id := h.submit(t, Spec{})
	h.schedule(t, "srv-1")
	h.mgr.supervise(context.Background(), id)
	waitForState(t, h, id, StateCompleted)

	if err := h.mgr.Cancel(context.Background(), id); err != nil {
		t.Fatalf("cancel finished job: %v", err)
	}
	job, _, _ := h.store.GetJob(context.Background(), id)
	if job.State != StateCompleted {
		t.Fatalf("state = %q after cancel, want Completed", job.State)
	}
}

func TestTransientRetryWithFullQueueFailsJob(t *testing.T) {
	h := newHarnessCeiling(t, &scriptedAdapter{}, Options{}, 1)
	ctx := context.Background()
	if err := h.store.CreateJob(ctx, state.JobRecord{
		ID: "job-x", Architecture: "x86_64", Priority: "normal", State: StateRunning,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	// Another submission took the freed admission window.
	if err := h.queue.Enqueue(queue.Entry{JobID: "job-y", Priority: "normal", Architecture: "x86_64"}); err != nil {
		t.Fatalf("fill queue: %v", err)
	}

	if err := h.mgr.RecordTransientFailure(ctx, "job-x", "host unreachable"); err != nil {
		t.Fatalf("record transient failure: %v", err)
	}
	job, _, _ := h.store.GetJob(ctx, "job-x")
	if job.State != StateFailed {
		t.Fatalf("state = %q, want Failed (must not persist Queued without a queue entry)", job.State)
	}
	if job.FailReason != "host unreachable" {
		t.Fatalf("fail reason = %q", job.FailReason)
	}
	if h.queue.Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1", h.queue.Depth())
	}
}

func TestRecoverQueuedRequeuesNonTerminalJobs(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{}, Options{})
	ctx := context.Background()
	for _, rec := range []state.JobRecord{
		{ID: "job-a", Architecture: "x86_64", Priority: "normal", State: StateRunning, ResourceID: "gone"},
		{ID: "job-b", Architecture: "x86_64", Priority: "high", State: StateScheduled, ResourceID: "gone"},
		{ID: "job-c", Architecture: "x86_64", Priority: "normal", State: StateCompleted},
	} {
		if err := h.store.CreateJob(ctx, rec); err != nil {
			t.Fatalf("seed job %s: %v", rec.ID, err)
		}
	}

	n, err := h.mgr.RecoverQueued(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d jobs, want 2", n)
	}
	if h.queue.Depth() != 2 {
		t.Fatalf("queue depth = %d, want 2", h.queue.Depth())
	}
	for _, id := range []string{"job-a", "job-b"} {
		job, _, _ := h.store.GetJob(ctx, id)
		if job.State != StateQueued || job.ResourceID != "" {
			t.Fatalf("job %s = %s/%q, want Queued with no resource", id, job.State, job.ResourceID)
		}
	}
}

func TestRecoverQueuedFailsOverflowInsteadOfAborting(t *testing.T) {
	h := newHarnessCeiling(t, &scriptedAdapter{}, Options{}, 2)
	ctx := context.Background()
	for _, id := range []string{"job-a", "job-b", "job-c"} {
		if err := h.store.CreateJob(ctx, state.JobRecord{
			ID: id, Architecture: "x86_64", Priority: "normal", State: StateRunning, ResourceID: "gone",
		}); err != nil {
			t.Fatalf("seed job %s: %v", id, err)
		}
	}

	n, err := h.mgr.RecoverQueued(ctx)
	if err != nil {
		t.Fatalf("recover with more jobs than the ceiling: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d jobs, want 2", n)
	}
	if h.queue.Depth() != 2 {
		t.Fatalf("queue depth = %d, want 2", h.queue.Depth())
	}
	queued, failed := 0, 0
	for _, id := range []string{"job-a", "job-b", "job-c"} {
		job, _, _ := h.store.GetJob(ctx, id)
		switch job.State {
		case StateQueued:
			queued++
		case StateFailed:
			failed++
			if job.FailReason == "" {
				t.Fatalf("overflow job %s failed without a reason", id)
			}
		default:
			t.Fatalf("job %s state = %q", id, job.State)
		}
	}
	if queued != 2 || failed != 1 {
		t.Fatalf("queued=%d failed=%d, want 2/1", queued, failed)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{}, Options{})
	id := h.submit(t, Spec{})
	if err := h.mgr.MarkRunning(context.Background(), id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("queued -> running: %v, want ErrInvalidTransition", err)
	}
	if err := h.mgr.MarkAnalyzing(context.Background(), id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("queued -> analyzing: %v, want ErrInvalidTransition", err)
	}
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	h := newHarness(t, &scriptedAdapter{}, Options{})
	if _, err := h.mgr.Submit(context.Background(), Spec{PayloadRef: "make"}); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("missing architecture: %v", err)
	}
	if _, err := h.mgr.Submit(context.Background(), Spec{Architecture: "x86_64"}); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("missing payload: %v", err)
	}
}

func TestConcurrencySensitiveJobRunsTrials(t *testing.T) {
	race := executor.Result{ExitCode: 1, Log: "BUG: KCSAN: data-race in tcp_poll\n", Elapsed: time.Second}
	clean := executor.Result{ExitCode: 0, Log: "ok\n", Elapsed: time.Second}
	adapter := &scriptedAdapter{results: []executor.Result{race, race, clean, clean, clean}}
	h := newHarness(t, adapter, Options{DefaultTrials: 5})
	h.registerResource(t, "srv-1", 1)

	id := h.submit(t, Spec{ConcurrencySensitive: true})
	h.schedule(t, "srv-1")
	h.mgr.supervise(context.Background(), id)

	waitForState(t, h, id, StateFailed)
	report, ok, _ := h.mgr.GetFaultReport(context.Background(), id)
	if !ok {
		t.Fatalf("no fault report")
	}
	if report.Outcome != "flaky" {
		t.Fatalf("outcome = %q, want flaky", report.Outcome)
	}
	if report.Kind != classifier.KindRace {
		t.Fatalf("kind = %q, want %q", report.Kind, classifier.KindRace)
	}
	if report.Reproducibility != 0.6 {
		t.Fatalf("reproducibility = %v, want 0.6", report.Reproducibility)
	}
	trials, err := h.mgr.ListTrials(context.Background(), id)
	if err != nil {
		t.Fatalf("list trials: %v", err)
	}
	if len(trials) != 5 {
		t.Fatalf("trials = %d, want 5", len(trials))
	}
	seeds := make(map[int64]bool)
	for _, tr := range trials {
		if tr.Seed == 0 {
			t.Fatalf("trial stored with zero seed")
		}
		seeds[tr.Seed] = true
	}
	if len(seeds) != 5 {
		t.Fatalf("seeds not distinct: %v", seeds)
	}
}
