package queue

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/observability"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/registry"
)

var (
	ErrQueueFull = errors.New("admission ceiling reached")
	ErrNotQueued = errors.New("job is not queued")
)

const (
	DefaultCeiling     = 1000
	DefaultAvgDuration = 90 * time.Second
)

const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

func PriorityRank(priority string) int {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// Entry wraps a job identity with the constraint data the scheduler needs to
// test satisfiability without loading the job record.
type Entry struct {
	JobID        string
	Priority     string
	Architecture string
	Toolchain    string
	EnqueuedAt   time.Time

	rank int
	seq  uint64
}

// AdmissionQueue orders pending jobs by priority (descending) and arrival
// (ascending) and enforces the hard admission ceiling over queued plus
// running jobs. Dequeue is atomic: an entry leaves the queue exactly once.
type AdmissionQueue struct {
	mu          sync.Mutex
	entries     []Entry
	running     map[string]struct{}
	ceiling     int
	avgDuration time.Duration
	seq         uint64
}

func New(ceiling int, avgDuration time.Duration) *AdmissionQueue {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if avgDuration <= 0 {
		avgDuration = DefaultAvgDuration
	}
	return &AdmissionQueue{
		entries:     make([]Entry, 0, 64),
		running:     make(map[string]struct{}),
		ceiling:     ceiling,
		avgDuration: avgDuration,
	}
}

func (q *AdmissionQueue) Enqueue(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	// A retry moving Running -> Queued must not count against the ceiling twice.
	delete(q.running, e.JobID)
	if len(q.entries)+len(q.running) >= q.ceiling {
		return ErrQueueFull
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	q.seq++
	e.seq = q.seq
	e.rank = PriorityRank(e.Priority)
	i := sort.Search(len(q.entries), func(i int) bool {
		if q.entries[i].rank != e.rank {
			return q.entries[i].rank < e.rank
		}
		return q.entries[i].seq > e.seq
	})
	q.entries = append(q.entries, Entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	observability.Default.IncCounter("queue_enqueued_total", map[string]string{"priority": strings.ToLower(e.Priority)}, 1)
	observability.Default.SetGauge("queue_depth", nil, float64(len(q.entries)))
	return nil
}

// DequeueNextFor returns the highest-priority entry whose constraints at
// least one of the given candidates can satisfy. Entries whose constraints
// no candidate meets are skipped so an incompatible urgent job does not
// block schedulable work behind it.
func (q *AdmissionQueue) DequeueNextFor(candidates []registry.View) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(candidates) == 0 {
		return Entry{}, false
	}
	for i, e := range q.entries {
		if !satisfiable(e, candidates) {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		q.running[e.JobID] = struct{}{}
		observability.Default.IncCounter("queue_dequeued_total", map[string]string{"priority": strings.ToLower(e.Priority)}, 1)
		observability.Default.SetGauge("queue_depth", nil, float64(len(q.entries)))
		return e, true
	}
	return Entry{}, false
}

// Remove takes a still-queued entry out of the queue (cancellation path).
func (q *AdmissionQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.JobID == jobID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			observability.Default.SetGauge("queue_depth", nil, float64(len(q.entries)))
			return true
		}
	}
	return false
}

// Release frees the job's admission slot once it reaches a terminal state.
func (q *AdmissionQueue) Release(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, jobID)
}

func (q *AdmissionQueue) Position(jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.JobID == jobID {
			return i, nil
		}
	}
	return 0, ErrNotQueued
}

// EstimatedWait is jobs-ahead times the configured average job duration.
// A rough heuristic, not a guarantee.
func (q *AdmissionQueue) EstimatedWait(jobID string) (time.Duration, error) {
	pos, err := q.Position(jobID)
	if err != nil {
		return 0, err
	}
	return time.Duration(pos) * q.avgDuration, nil
}

func (q *AdmissionQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *AdmissionQueue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *AdmissionQueue) AvgDuration() time.Duration {
	return q.avgDuration
}

func satisfiable(e Entry, candidates []registry.View) bool {
	for _, c := range candidates {
		if c.Supports(e.Architecture, e.Toolchain) {
			return true
		}
	}
	return false
}
