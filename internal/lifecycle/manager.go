package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/artifacts"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/classifier"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/conctest"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/executor"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/observability"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/queue"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/registry"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/state"
)

const (
	StateQueued    = "Queued"
	StateScheduled = "Scheduled"
	StateRunning   = "Running"
	StateAnalyzing = "Analyzing"
	StateCompleted = "Completed"
	StateFailed    = "Failed"
	StateCancelled = "Cancelled"
)

var (
	ErrUnknownJob        = errors.New("job not found")
	ErrInvalidSpec       = errors.New("invalid job spec")
	ErrInvalidTransition = errors.New("invalid state transition")
)

const ReasonResourceWithdrawn = "resource withdrawn"
const ReasonResourceExhausted = "resource exhausted"

func IsTerminal(s string) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Spec is the caller-facing submission contract. The payload reference is
// opaque to the core; only the execution adapter interprets it.
type Spec struct {
	Architecture         string
	Toolchain            string
	Priority             string
	PayloadRef           string
	ConcurrencySensitive bool
	Trials               int
}

type Options struct {
	MaxRetries    int
	CancelTimeout time.Duration
	DefaultTrials int
	ExecWorkers   int
}

// Manager owns the job state machine. All job mutation flows through its
// transition methods; the scheduler and classifier pipeline never touch the
// store directly.
type Manager struct {
	store    state.Store
	queue    *queue.AdmissionQueue
	registry *registry.Registry
	adapters executor.Selector
	cls      *classifier.Classifier
	conc     *conctest.Controller
	archiver artifacts.Archiver

	maxRetries    int
	cancelTimeout time.Duration
	defaultTrials int
	sem           chan struct{}

	wake func()

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(store state.Store, q *queue.AdmissionQueue, reg *registry.Registry, adapters executor.Selector, cls *classifier.Classifier, archiver artifacts.Archiver, opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 10 * time.Second
	}
	if opts.DefaultTrials < 5 {
		opts.DefaultTrials = 5
	}
	if opts.ExecWorkers <= 0 {
		opts.ExecWorkers = 8
	}
	return &Manager{
		store:         store,
		queue:         q,
		registry:      reg,
		adapters:      adapters,
		cls:           cls,
		conc:          conctest.New(cls),
		archiver:      archiver,
		maxRetries:    opts.MaxRetries,
		cancelTimeout: opts.CancelTimeout,
		defaultTrials: opts.DefaultTrials,
		sem:           make(chan struct{}, opts.ExecWorkers),
		wake:          func() {},
		active:        make(map[string]context.CancelFunc),
	}
}

// SetWake installs the scheduler's kick function, invoked whenever a job is
// enqueued or a slot frees up.
func (m *Manager) SetWake(fn func()) {
	if fn != nil {
		m.wake = fn
	}
}

func (m *Manager) Submit(ctx context.Context, spec Spec) (string, error) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.submit",
		attribute.String("job.architecture", spec.Architecture),
		attribute.String("job.priority", spec.Priority),
	)
	defer span.End()

	if strings.TrimSpace(spec.Architecture) == "" {
		return "", fmt.Errorf("%w: architecture is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(spec.PayloadRef) == "" {
		return "", fmt.Errorf("%w: payload_ref is required", ErrInvalidSpec)
	}
	if spec.Priority == "" {
		spec.Priority = queue.PriorityNormal
	}
	trials := spec.Trials
	if spec.ConcurrencySensitive && trials < m.defaultTrials {
		trials = m.defaultTrials
	}

	id := "job-" + uuid.NewString()
	now := time.Now().UTC()
	if err := m.queue.Enqueue(queue.Entry{
		JobID:        id,
		Priority:     spec.Priority,
		Architecture: spec.Architecture,
		Toolchain:    spec.Toolchain,
		EnqueuedAt:   now,
	}); err != nil {
		return "", err
	}
	job := state.JobRecord{
		ID:                   id,
		Architecture:         spec.Architecture,
		Toolchain:            spec.Toolchain,
		Priority:             strings.ToLower(spec.Priority),
		State:                StateQueued,
		PayloadRef:           spec.PayloadRef,
		ConcurrencySensitive: spec.ConcurrencySensitive,
		Trials:               trials,
		SubmittedAt:          now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		m.queue.Remove(id)
		return "", err
	}
	observability.Default.IncCounter("jobs_submitted_total", map[string]string{"priority": job.Priority}, 1)
	m.wake()
	return id, nil
}

func (m *Manager) transition(ctx context.Context, jobID, to string, from ...string) (state.JobRecord, error) {
	job, ok, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return state.JobRecord{}, err
	}
	if !ok {
		return state.JobRecord{}, ErrUnknownJob
	}
	valid := false
	for _, f := range from {
		if job.State == f {
			valid = true
			break
		}
	}
	if !valid {
		return job, fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, job.State, to, jobID)
	}
	observed := job.State
	job.State = to
	ok, err = m.store.UpdateJobIf(ctx, job, observed)
	if err != nil {
		return job, err
	}
	if !ok {
		// A concurrent transition won; report the state it left behind.
		cur, _, _ := m.store.GetJob(ctx, jobID)
		return cur, fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, cur.State, to, jobID)
	}
	return job, nil
}

// MarkScheduled is called only by the scheduler, after it has reserved a
// slot on the resource. An out-of-order call means a double-schedule race
// and fails with ErrInvalidTransition.
func (m *Manager) MarkScheduled(ctx context.Context, jobID, resourceID string) error {
	job, ok, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownJob
	}
	if job.State != StateQueued {
		return fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, job.State, StateScheduled, jobID)
	}
	job.State = StateScheduled
	job.ResourceID = resourceID
	ok, err = m.store.UpdateJobIf(ctx, job, StateQueued)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s left Queued during scheduling", ErrInvalidTransition, jobID)
	}
	return nil
}

func (m *Manager) MarkRunning(ctx context.Context, jobID string) error {
	_, err := m.transition(ctx, jobID, StateRunning, StateScheduled)
	return err
}

func (m *Manager) MarkAnalyzing(ctx context.Context, jobID string) error {
	_, err := m.transition(ctx, jobID, StateAnalyzing, StateRunning)
	return err
}

// Finalize attaches the fault report and log exactly once and moves the job
// to its terminal state.
func (m *Manager) Finalize(ctx context.Context, jobID string, report classifier.Report, success bool) error {
	to := StateCompleted
	if !success {
		to = StateFailed
	}
	job, err := m.transition(ctx, jobID, to, StateAnalyzing)
	if err != nil {
		return err
	}
	report.JobID = jobID
	if err := m.store.SaveFaultReport(ctx, state.FaultReportRecord{
		JobID:           jobID,
		Kind:            report.Kind,
		Severity:        report.Severity,
		Evidence:        toEvidenceRecords(report.Evidence),
		Reproducibility: report.Reproducibility,
		Outcome:         report.Outcome,
	}); err != nil && !errors.Is(err, state.ErrFaultReportExists) {
		return err
	}
	if !success && job.FailReason == "" {
		job.FailReason = report.Kind
		if report.Kind == classifier.KindNone {
			job.FailReason = classifier.UnclassifiedFailure
		}
	}
	if m.archiver != nil {
		text, err := m.store.GetJobLog(ctx, jobID)
		if err == nil && text != "" {
			if uri, err := m.archiver.Archive(ctx, jobID, []byte(text)); err == nil {
				job.LogURI = uri
			} else {
				log.Printf("archive log for %s: %v", jobID, err)
			}
		}
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	observability.Default.IncCounter("jobs_finalized_total", map[string]string{"state": to, "fault_kind": report.Kind}, 1)
	m.releaseJob(ctx, jobID)
	return nil
}

// Cancel is valid from any non-terminal state and idempotent: cancelling a
// terminal job is a no-op. The reserved slot is released immediately; the
// running executor gets a best-effort signal and at most cancelTimeout to
// come back before its result is abandoned.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	var job state.JobRecord
	for {
		cur, ok, err := m.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownJob
		}
		if IsTerminal(cur.State) {
			return nil
		}
		observed := cur.State
		cur.State = StateCancelled
		won, err := m.store.UpdateJobIf(ctx, cur, observed)
		if err != nil {
			return err
		}
		if won {
			job = cur
			if observed == StateQueued {
				m.queue.Remove(jobID)
			}
			break
		}
		// The job moved while we looked. Re-read: a finished job stays
		// finished, a live one is cancelled from its new state.
	}
	m.mu.Lock()
	cancel := m.active[jobID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if job.ResourceID != "" {
		if adapter, err := m.adapters.For(resourceKind(m.registry, job.ResourceID)); err == nil {
			_ = adapter.Cancel(jobID)
		}
	}
	observability.Default.IncCounter("jobs_cancelled_total", nil, 1)
	m.releaseJob(ctx, jobID)
	return nil
}

// releaseJob returns the job's reserved slot and admission window exactly
// once, then wakes the scheduler.
func (m *Manager) releaseJob(ctx context.Context, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok, err := m.store.GetJob(ctx, jobID)
	if err != nil || !ok {
		return
	}
	if job.ResourceID != "" {
		m.registry.ReleaseSlot(job.ResourceID)
		job.ResourceID = ""
		if err := m.store.UpdateJob(ctx, job); err != nil {
			log.Printf("clear resource for %s: %v", jobID, err)
		}
	}
	m.queue.Release(jobID)
	m.wake()
}

// RecordTransientFailure handles resource-level failures: the job passes
// through Failed and, with retry budget remaining, straight back to Queued
// with its retry count incremented. Content-level failures never come here.
func (m *Manager) RecordTransientFailure(ctx context.Context, jobID, reason string) error {
	if _, err := m.transition(ctx, jobID, StateFailed, StateScheduled, StateRunning); err != nil {
		return err
	}
	m.releaseJob(ctx, jobID)
	// releaseJob persisted the cleared resource id; reload for the retry edge.
	job, ok, err := m.store.GetJob(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	if job.State != StateFailed {
		// Cancelled in the window; nothing left to retry.
		return nil
	}
	if job.RetryCount >= m.maxRetries {
		job.FailReason = ReasonResourceExhausted
		if _, err := m.store.UpdateJobIf(ctx, job, StateFailed); err != nil {
			return err
		}
		observability.Default.IncCounter("jobs_finalized_total", map[string]string{"state": StateFailed, "fault_kind": "resource"}, 1)
		return nil
	}
	// Take the admission slot back before persisting Queued, so a full queue
	// leaves the job Failed instead of stranding it Queued with no entry.
	if err := m.queue.Enqueue(queue.Entry{
		JobID:        job.ID,
		Priority:     job.Priority,
		Architecture: job.Architecture,
		Toolchain:    job.Toolchain,
	}); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			job.FailReason = reason
			if _, uerr := m.store.UpdateJobIf(ctx, job, StateFailed); uerr != nil {
				return uerr
			}
			observability.Default.IncCounter("jobs_finalized_total", map[string]string{"state": StateFailed, "fault_kind": "resource"}, 1)
			return nil
		}
		return err
	}
	job.State = StateQueued
	job.RetryCount++
	job.FailReason = reason
	won, err := m.store.UpdateJobIf(ctx, job, StateFailed)
	if err != nil {
		return err
	}
	if !won {
		// Cancelled between the transition and the retry edge; drop the
		// entry we just took.
		m.queue.Remove(job.ID)
		return nil
	}
	observability.Default.IncCounter("jobs_retried_total", nil, 1)
	m.wake()
	return nil
}

// Launch hands a scheduled job to the supervision pool. It never blocks the
// scheduler's decision loop.
func (m *Manager) Launch(ctx context.Context, jobID string) {
	go func() {
		m.sem <- struct{}{}
		defer func() { <-m.sem }()
		m.supervise(ctx, jobID)
	}()
}

func (m *Manager) supervise(ctx context.Context, jobID string) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.supervise", attribute.String("job.id", jobID))
	defer span.End()

	job, ok, err := m.store.GetJob(ctx, jobID)
	if err != nil || !ok {
		return
	}
	if job.State != StateScheduled {
		// Cancelled between scheduling and pickup.
		return
	}
	res, ok := m.registry.Get(job.ResourceID)
	if !ok {
		_ = m.RecordTransientFailure(ctx, jobID, "resource withdrawn before start")
		return
	}
	adapter, err := m.adapters.For(res.Kind)
	if err != nil {
		_ = m.RecordTransientFailure(ctx, jobID, err.Error())
		return
	}
	if err := m.MarkRunning(ctx, jobID); err != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.active[jobID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.active, jobID)
		m.mu.Unlock()
	}()

	if job.ConcurrencySensitive {
		m.superviseConcurrent(runCtx, job, res.Resource, adapter)
		return
	}

	result, execErr := m.executeWithCancelTimeout(runCtx, job, res.Resource, adapter, 0)
	m.handleResult(ctx, jobID, result, execErr)
}

func (m *Manager) superviseConcurrent(ctx context.Context, job state.JobRecord, res registry.Resource, adapter executor.Adapter) {
	report, trials, combinedLog, err := m.conc.Run(ctx, job, res, adapter, job.Trials)
	if err != nil {
		if ctx.Err() != nil {
			return // cancelled; Cancel already did the bookkeeping
		}
		_ = m.RecordTransientFailure(ctx, job.ID, err.Error())
		return
	}
	if combinedLog != "" {
		_ = m.store.AppendJobLog(ctx, job.ID, combinedLog)
	}
	for _, tr := range trials {
		if err := m.store.SaveTrial(ctx, state.TrialRecord{
			ID:        "trial-" + uuid.NewString(),
			JobID:     job.ID,
			Seed:      tr.Seed,
			Kind:      tr.Report.Kind,
			Severity:  tr.Report.Severity,
			Signature: tr.Report.Signature(),
		}); err != nil {
			log.Printf("save trial for %s: %v", job.ID, err)
		}
	}
	if err := m.MarkAnalyzing(ctx, job.ID); err != nil {
		return
	}
	success := report.Outcome == conctest.OutcomeStablePass
	if err := m.Finalize(ctx, job.ID, report, success); err != nil {
		log.Printf("finalize %s: %v", job.ID, err)
	}
}

// executeWithCancelTimeout runs the adapter and, once the context is
// cancelled, waits at most cancelTimeout for it to return. The core's
// bookkeeping never blocks indefinitely on an unresponsive executor.
func (m *Manager) executeWithCancelTimeout(ctx context.Context, job state.JobRecord, res registry.Resource, adapter executor.Adapter, seed int64) (executor.Result, error) {
	type outcome struct {
		res executor.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := adapter.Execute(ctx, job, res, seed)
		ch <- outcome{r, err}
	}()
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		select {
		case o := <-ch:
			return o.res, o.err
		case <-time.After(m.cancelTimeout):
			return executor.Result{}, ctx.Err()
		}
	}
}

func (m *Manager) handleResult(ctx context.Context, jobID string, result executor.Result, execErr error) {
	job, ok, err := m.store.GetJob(ctx, jobID)
	if err != nil || !ok {
		return
	}
	if job.State == StateCancelled {
		return
	}
	if execErr != nil || result.Transient {
		reason := "transient executor failure"
		if execErr != nil {
			reason = execErr.Error()
		}
		_ = m.RecordTransientFailure(ctx, jobID, reason)
		return
	}
	if result.Log != "" {
		_ = m.store.AppendJobLog(ctx, jobID, result.Log)
	}
	if err := m.MarkAnalyzing(ctx, jobID); err != nil {
		return
	}
	report := m.cls.Classify(jobID, classifier.Input{
		Log:       result.Log,
		ExitCode:  result.ExitCode,
		Elapsed:   result.Elapsed,
		SilentFor: result.SilentFor,
	})
	success := result.ExitCode == 0 && report.Kind == classifier.KindNone
	if err := m.Finalize(ctx, jobID, report, success); err != nil {
		log.Printf("finalize %s: %v", jobID, err)
	}
}

// WithdrawResource deregisters a resource. With force, every job still
// assigned to it is failed with reason "resource withdrawn" and its slot
// released, so the occupied count drains to zero before removal.
func (m *Manager) WithdrawResource(ctx context.Context, resourceID string, force bool) ([]string, error) {
	if !force {
		return nil, m.registry.Deregister(resourceID, false)
	}
	jobs, err := m.store.ListNonTerminalJobs(ctx)
	if err != nil {
		return nil, err
	}
	failed := make([]string, 0)
	for _, job := range jobs {
		if job.ResourceID != resourceID {
			continue
		}
		m.mu.Lock()
		cancel := m.active[job.ID]
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		observed := job.State
		job.State = StateFailed
		job.FailReason = ReasonResourceWithdrawn
		won, err := m.store.UpdateJobIf(ctx, job, observed)
		if err != nil {
			return failed, err
		}
		if !won {
			// The job finished or was cancelled on its own; whoever made
			// that transition owns the cleanup.
			continue
		}
		m.releaseJob(ctx, job.ID)
		failed = append(failed, job.ID)
	}
	if err := m.registry.Deregister(resourceID, true); err != nil && !errors.Is(err, registry.ErrUnknownResource) {
		return failed, err
	}
	return failed, nil
}

// RecoverQueued re-admits all non-terminal jobs as Queued after a restart.
// Mid-flight state cannot be trusted, so Running jobs are never resumed.
func (m *Manager) RecoverQueued(ctx context.Context) (int, error) {
	jobs, err := m.store.ListNonTerminalJobs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		observed := job.State
		if err := m.queue.Enqueue(queue.Entry{
			JobID:        job.ID,
			Priority:     job.Priority,
			Architecture: job.Architecture,
			Toolchain:    job.Toolchain,
			EnqueuedAt:   job.SubmittedAt,
		}); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				// More persisted jobs than the ceiling admits. Fail the
				// overflow instead of refusing to start.
				job.State = StateFailed
				job.FailReason = "admission ceiling reached during recovery"
				if _, uerr := m.store.UpdateJobIf(ctx, job, observed); uerr != nil {
					return n, uerr
				}
				continue
			}
			return n, err
		}
		job.State = StateQueued
		job.ResourceID = ""
		won, err := m.store.UpdateJobIf(ctx, job, observed)
		if err != nil {
			return n, err
		}
		if !won {
			m.queue.Remove(job.ID)
			continue
		}
		n++
	}
	if n > 0 {
		m.wake()
	}
	return n, nil
}

func (m *Manager) GetStatus(ctx context.Context, jobID string) (state.JobRecord, bool, error) {
	return m.store.GetJob(ctx, jobID)
}

func (m *Manager) ListJobs(ctx context.Context, filter state.JobFilter) ([]state.JobRecord, error) {
	return m.store.ListJobs(ctx, filter)
}

func (m *Manager) GetLogs(ctx context.Context, jobID string) (string, error) {
	return m.store.GetJobLog(ctx, jobID)
}

func (m *Manager) GetFaultReport(ctx context.Context, jobID string) (state.FaultReportRecord, bool, error) {
	return m.store.GetFaultReport(ctx, jobID)
}

func (m *Manager) ListTrials(ctx context.Context, jobID string) ([]state.TrialRecord, error) {
	return m.store.ListTrialsByJob(ctx, jobID)
}

func toEvidenceRecords(in []classifier.Evidence) []state.EvidenceRecord {
	out := make([]state.EvidenceRecord, 0, len(in))
	for _, e := range in {
		out = append(out, state.EvidenceRecord{Signature: e.Signature, Excerpt: e.Excerpt, Offset: e.Offset})
	}
	return out
}

func resourceKind(reg *registry.Registry, resourceID string) string {
	if v, ok := reg.Get(resourceID); ok {
		return v.Kind
	}
	return ""
}
