package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/registry"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/state"
)

func TestLocalExecuteCapturesExitAndLog(t *testing.T) {
	l := NewLocal(t.TempDir(), time.Minute)
	job := state.JobRecord{ID: "job-1", PayloadRef: "echo hello; exit 3"}

	res, err := l.Execute(context.Background(), job, registry.Resource{}, 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Log, "hello") {
		t.Fatalf("log = %q", res.Log)
	}
	if res.Transient {
		t.Fatalf("content failure marked transient")
	}
}

func TestLocalExecuteInjectsSeed(t *testing.T) {
	l := NewLocal(t.TempDir(), time.Minute)
	job := state.JobRecord{ID: "job-1", PayloadRef: "echo seed=$" + SeedEnv}

	res, err := l.Execute(context.Background(), job, registry.Resource{}, 42)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Log, "seed=42") {
		t.Fatalf("log = %q, seed env not injected", res.Log)
	}
}

func TestLocalExecuteHonorsContextCancel(t *testing.T) {
	l := NewLocal(t.TempDir(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	job := state.JobRecord{ID: "job-1", PayloadRef: "sleep 30"}

	done := make(chan Result, 1)
	go func() {
		res, _ := l.Execute(ctx, job, registry.Resource{}, 0)
		done <- res
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.ExitCode == 0 {
			t.Fatalf("killed payload reported exit 0")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("execute did not return after cancel")
	}
}

func TestSelectorFallsBackToDefault(t *testing.T) {
	local := NewLocal(t.TempDir(), time.Minute)
	s := Selector{"": local}
	if _, err := s.For("physical-board"); err != nil {
		t.Fatalf("fallback adapter: %v", err)
	}
	if _, err := (Selector{}).For("physical-board"); err == nil {
		t.Fatalf("empty selector must error")
	}
}
