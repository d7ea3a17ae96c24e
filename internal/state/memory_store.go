package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrFaultReportExists = errors.New("fault report already recorded for job")

type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]JobRecord
	logs    map[string]*strings.Builder
	reports map[string]FaultReportRecord
	trials  map[string][]TrialRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]JobRecord),
		logs:    make(map[string]*strings.Builder),
		reports: make(map[string]FaultReportRecord),
		trials:  make(map[string][]TrialRecord),
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, job JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	return job, ok, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) UpdateJobIf(_ context.Context, job JobRecord, expect ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range expect {
		if cur.State == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = job
	return true, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if filter.Priority != "" && j.Priority != filter.Priority {
			continue
		}
		out = append(out, j)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListNonTerminalJobs(_ context.Context) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0)
	for _, j := range m.jobs {
		switch j.State {
		case "Completed", "Failed", "Cancelled":
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (m *MemoryStore) AppendJobLog(_ context.Context, jobID, chunk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.logs[jobID]
	if !ok {
		b = &strings.Builder{}
		m.logs[jobID] = b
	}
	b.WriteString(chunk)
	return nil
}

func (m *MemoryStore) GetJobLog(_ context.Context, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.logs[jobID]; ok {
		return b.String(), nil
	}
	return "", nil
}

func (m *MemoryStore) SaveFaultReport(_ context.Context, report FaultReportRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[report.JobID]; ok {
		return ErrFaultReportExists
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	m.reports[report.JobID] = report
	return nil
}

func (m *MemoryStore) GetFaultReport(_ context.Context, jobID string) (FaultReportRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[jobID]
	return r, ok, nil
}

func (m *MemoryStore) SaveTrial(_ context.Context, trial TrialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trial.CreatedAt.IsZero() {
		trial.CreatedAt = time.Now().UTC()
	}
	m.trials[trial.JobID] = append(m.trials[trial.JobID], trial)
	return nil
}

func (m *MemoryStore) ListTrialsByJob(_ context.Context, jobID string) ([]TrialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.trials[jobID]
	out := make([]TrialRecord, len(src))
	copy(out, src)
	return out, nil
}
