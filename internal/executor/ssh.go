package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/registry"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/state"
)

// SSH executes payloads on remote build servers and boards over ssh. The
// resource's Address field carries host:port; authentication is configured
// once at construction.
type SSH struct {
	user    string
	auth    []ssh.AuthMethod
	timeout time.Duration

	mu     sync.Mutex
	active map[string]*ssh.Session
}

func NewSSH(user string, auth []ssh.AuthMethod, timeout time.Duration) *SSH {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &SSH{user: user, auth: auth, timeout: timeout, active: make(map[string]*ssh.Session)}
}

func NewSSHWithKey(user string, privateKeyPEM []byte, timeout time.Duration) (*SSH, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	return NewSSH(user, []ssh.AuthMethod{ssh.PublicKeys(signer)}, timeout), nil
}

func (s *SSH) Execute(ctx context.Context, job state.JobRecord, res registry.Resource, seed int64) (Result, error) {
	if res.Address == "" {
		return Result{Transient: true}, errors.New("resource has no ssh address")
	}
	cfg := &ssh.ClientConfig{
		User:            s.user,
		Auth:            s.auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}
	client, err := ssh.Dial("tcp", res.Address, cfg)
	if err != nil {
		// Unreachable executor is the canonical transient failure.
		return Result{Transient: true}, fmt.Errorf("dial %s: %w", res.Address, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{Transient: true}, err
	}
	defer session.Close()
	if seed != 0 {
		// Best effort; sshd may reject env vars not in AcceptEnv.
		_ = session.Setenv(SeedEnv, strconv.FormatInt(seed, 10))
	}
	out := newTimestampedBuffer()
	session.Stdout = out
	session.Stderr = out

	s.mu.Lock()
	s.active[job.ID] = session
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, job.ID)
		s.mu.Unlock()
	}()

	started := time.Now()
	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(job.PayloadRef) }()

	var err2 error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		err2 = ctx.Err()
	case err2 = <-runErr:
	case <-time.After(s.timeout):
		_ = session.Signal(ssh.SIGKILL)
		err2 = errors.New("ssh execution timed out")
	}

	res2 := Result{
		ExitCode:  0,
		Log:       out.String(),
		Elapsed:   time.Since(started),
		SilentFor: out.SilentFor(),
	}
	if err2 != nil {
		var exitErr *ssh.ExitError
		if errors.As(err2, &exitErr) {
			res2.ExitCode = exitErr.ExitStatus()
			return res2, nil
		}
		// Connection dropped mid-run: the board may have panicked and
		// rebooted, which the classifier decides from the log; still exit
		// non-zero so a signature-free drop surfaces as a failure.
		res2.ExitCode = 128
		return res2, nil
	}
	return res2, nil
}

func (s *SSH) Cancel(jobID string) error {
	s.mu.Lock()
	session := s.active[jobID]
	s.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Signal(ssh.SIGKILL)
}
