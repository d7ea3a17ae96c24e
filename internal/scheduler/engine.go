package scheduler

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/lifecycle"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/observability"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/queue"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/registry"
)

const (
	DefaultInterval       = 10 * time.Second
	DefaultHeartbeatGrace = 90 * time.Second
)

// Engine runs the placement loop: pop the highest-priority schedulable job,
// pick the least-loaded compatible resource, reserve a slot, and hand the
// job to the lifecycle manager's supervision pool. One pass drains as many
// placements as capacity allows; the loop wakes on a timer and on kicks from
// the manager.
type Engine struct {
	reg      *registry.Registry
	queue    *queue.AdmissionQueue
	mgr      *lifecycle.Manager
	interval time.Duration
	grace    time.Duration
	kick     chan struct{}
}

type Options struct {
	Interval       time.Duration
	HeartbeatGrace time.Duration
}

func New(reg *registry.Registry, q *queue.AdmissionQueue, mgr *lifecycle.Manager, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.HeartbeatGrace <= 0 {
		opts.HeartbeatGrace = DefaultHeartbeatGrace
	}
	return &Engine{
		reg:      reg,
		queue:    q,
		mgr:      mgr,
		interval: opts.Interval,
		grace:    opts.HeartbeatGrace,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests an immediate scheduling pass. Safe from any goroutine and
// never blocks; coalesced if a pass is already pending.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale := e.reg.MarkStale(time.Now().Add(-e.grace))
			for _, id := range stale {
				log.Printf("resource %s missed heartbeats, marked offline", id)
			}
			e.Pass(ctx)
		case <-e.kick:
			e.Pass(ctx)
		}
	}
}

// Pass performs one scheduling sweep. Dequeueing is atomic under the queue's
// lock and slot reservation is a compare-and-swap, so concurrent passes never
// double-assign a job or oversubscribe a slot.
func (e *Engine) Pass(ctx context.Context) int {
	ctx, span := observability.StartSpan(ctx, "scheduler.pass")
	defer span.End()

	placed := 0
	for {
		candidates := e.reg.FindCandidates("", "")
		if len(candidates) == 0 {
			break
		}
		entry, ok := e.queue.DequeueNextFor(candidates)
		if !ok {
			break
		}
		ok, requeued := e.place(ctx, entry)
		if requeued {
			// The entry went back to the queue; retry on the next pass
			// instead of spinning on it.
			break
		}
		if !ok {
			// Dead entry dropped (the job moved on while queued); the
			// rest of the queue is still schedulable.
			continue
		}
		placed++
	}
	if placed > 0 {
		span.SetAttributes(attribute.Int("scheduler.placed", placed))
	}
	return placed
}

// place tries to put one dequeued entry on a resource. It reports whether
// the job was launched and whether the entry went back to the queue; an
// entry that is neither (the job left Queued while waiting) is dropped.
func (e *Engine) place(ctx context.Context, entry queue.Entry) (placed, requeued bool) {
	matches := e.reg.FindCandidates(entry.Architecture, entry.Toolchain)
	if len(matches) == 0 {
		// Capacity changed between the dequeue and now; put it back.
		e.requeue(entry)
		return false, true
	}
	reserved := ""
	for _, v := range matches {
		if err := e.reg.ReserveSlot(v.ID); err == nil {
			reserved = v.ID
			break
		}
	}
	if reserved == "" {
		// Lost every slot race this pass; the next kick retries.
		e.requeue(entry)
		return false, true
	}
	if err := e.mgr.MarkScheduled(ctx, entry.JobID, reserved); err != nil {
		// Cancelled or otherwise moved on while queued.
		e.reg.ReleaseSlot(reserved)
		e.queue.Release(entry.JobID)
		log.Printf("skip scheduling %s: %v", entry.JobID, err)
		return false, false
	}
	observability.Default.IncCounter("scheduler_placements_total", map[string]string{"resource": reserved}, 1)
	e.mgr.Launch(ctx, entry.JobID)
	return true, false
}

func (e *Engine) requeue(entry queue.Entry) {
	e.queue.Release(entry.JobID)
	if err := e.queue.Enqueue(entry); err != nil {
		log.Printf("requeue %s: %v", entry.JobID, err)
	}
}
