// ABOUTME: Handle is the supervisor's view of one spawned OS process.
// ABOUTME: Terminal transition is guarded so racing exit/error paths apply exactly once.

package process

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Handle tracks a single supervised process.
type Handle struct {
	ID     string
	Stdout *Broadcaster
	Stderr *Broadcaster

	cmd   *exec.Cmd
	stdin *os.File
	spec  Spec

	mu       sync.Mutex
	state    State
	exitCode int
	hasCode  bool
	err      error
	started  time.Time
	finished time.Time

	killRequested atomic.Bool
	cleanupOnce   sync.Once
	done          chan struct{}
}

func newHandle(id string, spec Spec) *Handle {
	return &Handle{
		ID:     id,
		Stdout: NewBroadcaster(),
		Stderr: NewBroadcaster(),
		spec:   spec,
		state:  StateRunning,
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitCode returns the exit code and whether one is known.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.hasCode
}

// Err returns the error recorded on a failed or killed process.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Pid returns the OS process id, or 0 if the process never started.
func (h *Handle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Duration returns how long the process has run, or ran.
func (h *Handle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished.IsZero() {
		return time.Since(h.started)
	}
	return h.finished.Sub(h.started)
}

// KillRequested reports whether Kill was called on the handle.
func (h *Handle) KillRequested() bool {
	return h.killRequested.Load()
}

// Done is closed after the process reaches a terminal state and cleanup ran.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// transition moves the handle into a terminal state. It applies only from
// StateRunning and reports whether it did.
func (h *Handle) transition(to State, code *int, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Terminal() {
		return false
	}
	h.state = to
	if code != nil {
		h.exitCode = *code
		h.hasCode = true
	}
	h.err = err
	h.finished = time.Now()
	return true
}

// cleanup releases the handle's resources. It runs exactly once.
func (h *Handle) cleanup(remove func(*Handle)) {
	h.cleanupOnce.Do(func() {
		if h.stdin != nil {
			_ = h.stdin.Close()
		}
		h.Stdout.Close()
		h.Stderr.Close()
		if h.spec.Cleanup != nil {
			h.spec.Cleanup()
		}
		if remove != nil {
			remove(h)
		}
		close(h.done)
	})
}

// classify maps the result of cmd.Wait to a terminal state.
func (h *Handle) classify(waitErr error) (State, *int, error) {
	if waitErr == nil {
		code := 0
		return StateExited, &code, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if signaled(exitErr) {
			return StateKilled, nil, waitErr
		}
		code := exitErr.ExitCode()
		return StateExited, &code, nil
	}
	return StateFailed, nil, waitErr
}
