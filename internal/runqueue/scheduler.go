// ABOUTME: Scheduler admits runs into a bounded FIFO queue and dispatches them under a concurrency limit.
// ABOUTME: Owns per-run timeouts, cancellation, stdin delivery, and exactly-once result reporting.

package runqueue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/sandbox-fleet/internal/dedupe"
	"github.com/2389/sandbox-fleet/internal/metrics"
	"github.com/2389/sandbox-fleet/internal/process"
	"github.com/2389/sandbox-fleet/internal/protocol"
	"github.com/2389/sandbox-fleet/internal/sandboxfs"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxConcurrent = 2
	DefaultMaxQueue      = 50
	DefaultTimeout       = 15 * time.Second
	DefaultFinishedTTL   = time.Hour
	DefaultFinishedMax   = 10000
)

// nodeOptions caps the heap of inline node runs.
const nodeOptions = "--max-old-space-size=256"

// Emitter receives every message the scheduler produces. Emit is called
// with the scheduler lock held and must not block or call back into the
// scheduler.
type Emitter interface {
	Emit(msg any)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(msg any)

// Emit implements Emitter.
func (f EmitterFunc) Emit(msg any) { f(msg) }

// Options configures a Scheduler.
type Options struct {
	MaxConcurrent  int
	MaxQueue       int
	DefaultTimeout time.Duration
	FinishedTTL    time.Duration
	FinishedMax    int
	Roots          *sandboxfs.Roots
	Metrics        *metrics.Agent
	Logger         *slog.Logger
}

type run struct {
	req      *protocol.RunRequest
	key      protocol.Key
	handle   *process.Handle
	timer    *time.Timer
	timedOut bool
	settled  bool
}

// Stats is a snapshot of scheduler load.
type Stats struct {
	Active int
	Queued int
}

// Scheduler is the agent's run queue.
type Scheduler struct {
	opts     Options
	sup      *process.Supervisor
	emit     Emitter
	finished *dedupe.Cache
	logger   *slog.Logger

	mu     sync.Mutex
	queue  []*run
	active map[protocol.Key]*run
}

// New creates a Scheduler that spawns through sup and reports through emit.
func New(sup *process.Supervisor, emit Emitter, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.FinishedTTL == 0 {
		opts.FinishedTTL = DefaultFinishedTTL
	}
	if opts.FinishedMax == 0 {
		opts.FinishedMax = DefaultFinishedMax
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		opts:     opts,
		sup:      sup,
		emit:     emit,
		finished: dedupe.New(opts.FinishedTTL, opts.FinishedMax),
		logger:   opts.Logger.With("component", "runqueue"),
		active:   make(map[protocol.Key]*run),
	}
}

// Submit admits req or rejects it. A rejection is reported through the
// emitter as a failed run_result and also returned, wrapping
// ErrInvalidPayload, ErrDuplicateRequest or ErrOverloaded.
func (s *Scheduler) Submit(req *protocol.RunRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.Key()
	if err := s.admit(req); err != nil {
		kind := protocol.KindOf(err)
		s.opts.Metrics.IncRejection(string(kind))
		s.logger.Debug("run rejected", "key", key.String(), "reason", kind, "error", err)
		s.emit.Emit(protocol.Failed(key, kind, nil, rejectionMessage(err)))
		return err
	}

	s.queue = append(s.queue, &run{req: req, key: key})
	s.logger.Debug("run queued", "key", key.String(), "queued", len(s.queue))
	s.dispatchLocked()
	return nil
}

func (s *Scheduler) admit(req *protocol.RunRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if !sandboxfs.ValidProjectID(req.ProjectID) {
		return fmt.Errorf("%w: invalid project id %q", protocol.ErrInvalidPayload, req.ProjectID)
	}
	key := req.Key()
	if s.finished.Check(key.String()) || s.known(key) {
		return fmt.Errorf("%w: %s", protocol.ErrDuplicateRequest, key)
	}
	if len(s.queue) >= s.opts.MaxQueue {
		return protocol.ErrOverloaded
	}
	return nil
}

func rejectionMessage(err error) string {
	if errors.Is(err, protocol.ErrOverloaded) {
		return protocol.ErrOverloaded.Error()
	}
	return err.Error()
}

func (s *Scheduler) known(key protocol.Key) bool {
	if _, ok := s.active[key]; ok {
		return true
	}
	for _, r := range s.queue {
		if r.key == key {
			return true
		}
	}
	return false
}

// dispatchLocked starts queued runs while slots are free.
func (s *Scheduler) dispatchLocked() {
	for len(s.active) < s.opts.MaxConcurrent && len(s.queue) > 0 {
		r := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.startLocked(r)
	}
	s.opts.Metrics.SetLoad(len(s.active), len(s.queue))
}

func (s *Scheduler) startLocked(r *run) {
	spec, err := s.processSpec(r.req)
	if err == nil {
		var h *process.Handle
		h, err = s.sup.Start(spec, func(h *process.Handle) { s.forward(r, h) })
		r.handle = h
	}
	if err != nil {
		s.logger.Warn("run failed to start", "key", r.key.String(), "error", err)
		s.settleLocked(r, protocol.Failed(r.key, protocol.KindSpawnError, nil, err.Error()))
		return
	}

	s.active[r.key] = r
	timeout := r.req.Timeout(s.opts.DefaultTimeout)
	r.timer = time.AfterFunc(timeout, func() { s.expire(r) })

	s.logger.Debug("run started", "key", r.key.String(), "process_id", r.handle.ID, "timeout", timeout)
	s.emit.Emit(&protocol.RunStarted{Type: protocol.TypeRunStarted, ProjectID: r.key.ProjectID, RequestID: r.key.RequestID})
}

func (s *Scheduler) processSpec(req *protocol.RunRequest) (process.Spec, error) {
	root, err := s.opts.Roots.Open(req.ProjectID)
	if err != nil {
		return process.Spec{}, err
	}
	command, args := req.Argv()
	env := make(map[string]string, len(req.Env)+1)
	if req.Type == protocol.TypeRunJS && command == "node" {
		env["NODE_OPTIONS"] = nodeOptions
	}
	for k, v := range req.Env {
		env[k] = v
	}
	return process.Spec{Command: command, Args: args, Env: env, Dir: root.Root(), Stdin: req.Stdin}, nil
}

// forward subscribes to both output streams before the process starts and
// completes the run once both streams are drained and the process is
// terminal, so every run_output precedes the run_result.
func (s *Scheduler) forward(r *run, h *process.Handle) {
	stdout, _ := h.Stdout.Subscribe()
	stderr, _ := h.Stderr.Subscribe()

	var wg sync.WaitGroup
	pump := func(stream string, ch <-chan []byte) {
		defer wg.Done()
		for chunk := range ch {
			s.output(r, stream, chunk)
		}
	}
	wg.Add(2)
	go pump(protocol.StreamStdout, stdout)
	go pump(protocol.StreamStderr, stderr)

	go func() {
		wg.Wait()
		<-h.Done()
		s.complete(r)
	}()
}

func (s *Scheduler) output(r *run, stream string, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.settled {
		return
	}
	s.emit.Emit(&protocol.RunOutput{
		Type:      protocol.TypeRunOutput,
		ProjectID: r.key.ProjectID,
		RequestID: r.key.RequestID,
		Stream:    stream,
		Chunk:     string(chunk),
	})
}

func (s *Scheduler) expire(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.settled {
		return
	}
	r.timedOut = true
	s.logger.Info("run timed out", "key", r.key.String())
	if err := s.sup.Kill(r.handle, true); err != nil && !errors.Is(err, process.ErrNotRunning) {
		s.logger.Warn("killing timed out run", "key", r.key.String(), "error", err)
	}
}

// complete reports the natural end of a run. Runs already settled by
// Cancel or KillAll are ignored.
func (s *Scheduler) complete(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.settled {
		return
	}
	result := s.outcome(r)
	s.settleLocked(r, result)
	s.dispatchLocked()
}

func (s *Scheduler) outcome(r *run) *protocol.RunResult {
	h := r.handle
	// A process that exited on its own just as the timer fired keeps its
	// real outcome.
	if r.timedOut && h.State() == process.StateKilled {
		return protocol.Failed(r.key, protocol.KindTimeout, nil, "Killed by timeout")
	}
	switch h.State() {
	case process.StateExited:
		code, _ := h.ExitCode()
		if code == 0 {
			return protocol.Succeeded(r.key)
		}
		return protocol.Failed(r.key, protocol.KindExitStatus, &code, fmt.Sprintf("Process exited with code %d", code))
	case process.StateKilled:
		return protocol.Failed(r.key, protocol.KindKilled, nil, fmt.Sprintf("Process killed: %v", h.Err()))
	default:
		return protocol.Failed(r.key, protocol.KindIOError, nil, fmt.Sprintf("Process failed: %v", h.Err()))
	}
}

// settleLocked emits the single terminal result for r and retires its key.
func (s *Scheduler) settleLocked(r *run, result *protocol.RunResult) {
	r.settled = true
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(s.active, r.key)
	s.finished.Mark(r.key.String())

	outcome := "success"
	if !result.Success {
		outcome = string(result.Reason)
	}
	var d time.Duration
	if r.handle != nil {
		d = r.handle.Duration()
	}
	s.opts.Metrics.ObserveRun(outcome, d)
	s.logger.Debug("run finished", "key", r.key.String(), "outcome", outcome)
	s.emit.Emit(result)
}

// Cancel stops the run for key. An active run is force-killed and a queued
// run is dequeued; both are reported as cancelled. An unknown key is
// answered with cancel_run:error and ErrNotFound is returned.
func (s *Scheduler) Cancel(key protocol.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.active[key]; ok {
		s.killLocked(r)
		s.settleLocked(r, protocol.Failed(key, protocol.KindCancelled, nil, "Run Cancelled"))
		s.dispatchLocked()
		return nil
	}
	for i, r := range s.queue {
		if r.key == key {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.settleLocked(r, protocol.Failed(key, protocol.KindCancelled, nil, "Run Cancelled"))
			s.opts.Metrics.SetLoad(len(s.active), len(s.queue))
			return nil
		}
	}

	s.emit.Emit(&protocol.CancelError{
		Type:      protocol.TypeCancelError,
		ProjectID: key.ProjectID,
		RequestID: key.RequestID,
		Error:     "Run not found",
		Reason:    protocol.KindNotFound,
	})
	return fmt.Errorf("%w: run %s", protocol.ErrNotFound, key)
}

// Input writes in.Data to the stdin of the active run for in's key and
// closes the stream when in.EOF is set. Failures are answered with
// run_input:error and returned: ErrNotFound when the run is not active,
// ErrInvalidPayload when it was not started with stdin or the data does not
// decode, ErrIO when the process stops reading.
func (s *Scheduler) Input(in *protocol.RunInput) error {
	key := in.Key()
	err := s.input(key, in)
	if err != nil {
		kind := protocol.KindOf(err)
		s.logger.Debug("run input rejected", "key", key.String(), "reason", kind, "error", err)
		s.mu.Lock()
		s.emit.Emit(protocol.InputFailed(key, kind, err.Error()))
		s.mu.Unlock()
	}
	return err
}

// input writes outside the lock: a write may wait on a process that is
// slow to read.
func (s *Scheduler) input(key protocol.Key, in *protocol.RunInput) error {
	data, err := in.Bytes()
	if err != nil {
		return err
	}

	s.mu.Lock()
	r, ok := s.active[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: run %s is not active", protocol.ErrNotFound, key)
	}
	if !r.req.Stdin {
		return fmt.Errorf("%w: run %s was not started with stdin", protocol.ErrInvalidPayload, key)
	}

	if len(data) > 0 {
		if err := s.sup.WriteInput(r.handle.ID, data); err != nil {
			return inputError(key, err)
		}
	}
	if in.EOF {
		if err := s.sup.CloseInput(r.handle.ID); err != nil {
			return inputError(key, err)
		}
	}
	return nil
}

func inputError(key protocol.Key, err error) error {
	if errors.Is(err, process.ErrNotFound) || errors.Is(err, process.ErrNotRunning) {
		return fmt.Errorf("%w: run %s has finished", protocol.ErrNotFound, key)
	}
	return fmt.Errorf("%w: stdin of run %s: %v", protocol.ErrIO, key, err)
}

func (s *Scheduler) killLocked(r *run) {
	if err := s.sup.Kill(r.handle, true); err != nil && !errors.Is(err, process.ErrNotRunning) {
		s.logger.Warn("killing run", "key", r.key.String(), "error", err)
	}
}

// KillAll force-kills every active run and rejects every queued run, each
// reported with reason killed. It returns the number of runs affected.
func (s *Scheduler) KillAll(msg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.active {
		s.killLocked(r)
		s.settleLocked(r, protocol.Failed(r.key, protocol.KindKilled, nil, msg))
		n++
	}
	queued := s.queue
	s.queue = nil
	for _, r := range queued {
		s.settleLocked(r, protocol.Failed(r.key, protocol.KindKilled, nil, msg))
		n++
	}
	s.opts.Metrics.SetLoad(len(s.active), len(s.queue))
	return n
}

// Stats returns the current load.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Active: len(s.active), Queued: len(s.queue)}
}
