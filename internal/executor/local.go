package executor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/registry"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/state"
)

// Local runs payloads as shell commands in an isolated working directory.
// It serves build-server resources that are the orchestrator host itself and
// is the reference adapter for tests.
type Local struct {
	workRoot string
	timeout  time.Duration

	mu     sync.Mutex
	active map[string]*exec.Cmd
}

func NewLocal(workRoot string, timeout time.Duration) *Local {
	if workRoot == "" {
		workRoot = os.TempDir()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Local{workRoot: workRoot, timeout: timeout, active: make(map[string]*exec.Cmd)}
}

func (l *Local) Execute(ctx context.Context, job state.JobRecord, _ registry.Resource, seed int64) (Result, error) {
	workDir := filepath.Join(l.workRoot, "runs", job.ID)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return Result{Transient: true}, err
	}
	runCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	// Isolated working directory, restricted env, hard timeout.
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", job.PayloadRef)
	cmd.Dir = workDir
	cmd.Env = []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
	}
	if seed != 0 {
		cmd.Env = append(cmd.Env, SeedEnv+"="+strconv.FormatInt(seed, 10))
	}
	out := newTimestampedBuffer()
	cmd.Stdout = out
	cmd.Stderr = out

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{Transient: true}, err
	}
	l.mu.Lock()
	l.active[job.ID] = cmd
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.active, job.ID)
		l.mu.Unlock()
	}()

	err := cmd.Wait()
	res := Result{
		ExitCode:  cmd.ProcessState.ExitCode(),
		Log:       out.String(),
		Elapsed:   time.Since(started),
		SilentFor: out.SilentFor(),
	}
	if err != nil && res.ExitCode < 0 {
		// Killed by signal or timeout; the log decides what it was.
		res.ExitCode = 128
	}
	return res, nil
}

func (l *Local) Cancel(jobID string) error {
	l.mu.Lock()
	cmd := l.active[jobID]
	l.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// timestampedBuffer records when output last arrived so the classifier can
// detect stalls.
type timestampedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	lastWrite time.Time
}

func newTimestampedBuffer() *timestampedBuffer {
	return &timestampedBuffer{lastWrite: time.Now()}
}

func (b *timestampedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastWrite = time.Now()
	return b.buf.Write(p)
}

func (b *timestampedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *timestampedBuffer) SilentFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.lastWrite)
}
