package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/registry"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/state"
)

// Result carries the raw artifacts of one execution. Transient marks a
// resource-level failure (executor unreachable, environment failed to come
// up) that is safe to retry; a content-level failure is never transient.
type Result struct {
	ExitCode  int
	Log       string
	Elapsed   time.Duration
	SilentFor time.Duration
	Transient bool
}

// Adapter is the pluggable execution transport. The core never interprets
// the job payload; it hands the payload reference to the adapter together
// with the scheduling seed for perturbed concurrency trials (zero = none).
type Adapter interface {
	Execute(ctx context.Context, job state.JobRecord, res registry.Resource, seed int64) (Result, error)
	// Cancel is a best-effort signal to abort a running execution. The
	// caller's bookkeeping never waits on it.
	Cancel(jobID string) error
}

// SeedEnv is the environment variable adapters use to inject the scheduling
// perturbation seed into the payload under test.
const SeedEnv = "TESTBED_SCHED_SEED"

// Selector maps resource kinds to the adapter that speaks their transport.
type Selector map[string]Adapter

func (s Selector) For(kind string) (Adapter, error) {
	if a, ok := s[kind]; ok {
		return a, nil
	}
	if a, ok := s[""]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("no execution adapter for resource kind %q", kind)
}
