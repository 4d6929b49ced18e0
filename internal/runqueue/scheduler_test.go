// ABOUTME: Tests for run admission, FIFO dispatch, timeouts, stdin, cancellation, and disconnect cleanup.
// ABOUTME: Runs real sh child processes inside per-test sandbox roots.

package runqueue

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sandbox-fleet/internal/process"
	"github.com/2389/sandbox-fleet/internal/protocol"
	"github.com/2389/sandbox-fleet/internal/sandboxfs"
)

type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recorder) Emit(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

func (r *recorder) results(key protocol.Key) []*protocol.RunResult {
	var out []*protocol.RunResult
	for _, m := range r.snapshot() {
		if res, ok := m.(*protocol.RunResult); ok && res.CorrelationKey() == key {
			out = append(out, res)
		}
	}
	return out
}

func (r *recorder) waitResult(t *testing.T, key protocol.Key) *protocol.RunResult {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.results(key)) > 0 }, 5*time.Second, 10*time.Millisecond,
		"no run_result for %s", key)
	return r.results(key)[0]
}

type slowRecorder struct {
	recorder
	delay time.Duration
}

func (r *slowRecorder) Emit(msg any) {
	if _, ok := msg.(*protocol.RunOutput); ok {
		time.Sleep(r.delay)
	}
	r.recorder.Emit(msg)
}

func stdoutOf(rec *recorder, key protocol.Key) string {
	var sb strings.Builder
	for _, m := range rec.snapshot() {
		if out, ok := m.(*protocol.RunOutput); ok && out.Stream == protocol.StreamStdout &&
			out.ProjectID == key.ProjectID && out.RequestID == key.RequestID {
			sb.WriteString(out.Chunk)
		}
	}
	return sb.String()
}

func waitHandle(t *testing.T, h *process.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process %s did not finish", h.ID)
	}
}

func newScheduler(t *testing.T, opts Options) (*Scheduler, *recorder, *sandboxfs.Roots) {
	t.Helper()
	rec := &recorder{}
	roots := sandboxfs.NewRoots(t.TempDir())
	opts.Roots = roots
	sup := process.NewSupervisor(nil)
	s := New(sup, rec, opts)
	t.Cleanup(func() {
		s.KillAll("test cleanup")
		sup.Shutdown()
	})
	return s, rec, roots
}

func shRun(project, id, cmd string) *protocol.RunRequest {
	return &protocol.RunRequest{Type: protocol.TypeRun, ProjectID: project, RequestID: id, Cmd: cmd}
}

func timeoutMs(ms int64) *int64 { return &ms }

func TestSubmit_SuccessEmitsStartedOutputResultInOrder(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})
	key := protocol.Key{ProjectID: "p1", RequestID: "r1"}

	require.NoError(t, s.Submit(shRun("p1", "r1", "echo hello")))
	res := rec.waitResult(t, key)

	assert.True(t, res.Success)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Nil(t, res.Error)

	msgs := rec.snapshot()
	require.GreaterOrEqual(t, len(msgs), 3)
	_, isStarted := msgs[0].(*protocol.RunStarted)
	assert.True(t, isStarted, "first message should be run_started")
	out, isOutput := msgs[1].(*protocol.RunOutput)
	require.True(t, isOutput, "second message should be run_output")
	assert.Equal(t, protocol.StreamStdout, out.Stream)
	assert.Equal(t, "hello\n", out.Chunk)
	_, isResult := msgs[len(msgs)-1].(*protocol.RunResult)
	assert.True(t, isResult, "last message should be run_result")
}

func TestSubmit_StderrTagged(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})
	key := protocol.Key{ProjectID: "p1", RequestID: "r1"}

	require.NoError(t, s.Submit(shRun("p1", "r1", "echo oops >&2")))
	rec.waitResult(t, key)

	var streams []string
	for _, m := range rec.snapshot() {
		if out, ok := m.(*protocol.RunOutput); ok {
			streams = append(streams, out.Stream)
		}
	}
	assert.Equal(t, []string{protocol.StreamStderr}, streams)
}

func TestSubmit_RunsInProjectRoot(t *testing.T) {
	s, rec, roots := newScheduler(t, Options{})
	key := protocol.Key{ProjectID: "p1", RequestID: "r1"}

	require.NoError(t, s.Submit(shRun("p1", "r1", "echo data > out.txt")))
	require.True(t, rec.waitResult(t, key).Success)

	fs, err := roots.Open("p1")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(fs.Root(), "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data\n", string(data))
}

func TestSubmit_NonZeroExit(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})
	key := protocol.Key{ProjectID: "p1", RequestID: "r1"}

	require.NoError(t, s.Submit(shRun("p1", "r1", "exit 3")))
	res := rec.waitResult(t, key)

	assert.False(t, res.Success)
	assert.Equal(t, protocol.KindExitStatus, res.Reason)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
}

func TestSubmit_TimeoutDistinctFromExit(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})
	key := protocol.Key{ProjectID: "p1", RequestID: "slow"}

	req := shRun("p1", "slow", "sleep 10")
	req.TimeoutMs = timeoutMs(100)
	start := time.Now()
	require.NoError(t, s.Submit(req))
	res := rec.waitResult(t, key)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.KindTimeout, res.Reason)
	assert.Nil(t, res.ExitCode)
	require.NotNil(t, res.Error)
	assert.Equal(t, "Killed by timeout", *res.Error)
}

func TestOutcome_NaturalExitBeatsTimer(t *testing.T) {
	s, _, _ := newScheduler(t, Options{})
	key := protocol.Key{ProjectID: "p1", RequestID: "r1"}

	exited, err := s.sup.Start(process.Spec{Command: "true"})
	require.NoError(t, err)
	waitHandle(t, exited)

	// The timer fired but the process had already exited 0.
	res := s.outcome(&run{key: key, handle: exited, timedOut: true})
	assert.True(t, res.Success)

	killed, err := s.sup.Start(process.Spec{Command: "sleep", Args: []string{"10"}})
	require.NoError(t, err)
	require.NoError(t, s.sup.Kill(killed, true))
	waitHandle(t, killed)

	assert.Equal(t, protocol.KindTimeout, s.outcome(&run{key: key, handle: killed, timedOut: true}).Reason)
	assert.Equal(t, protocol.KindKilled, s.outcome(&run{key: key, handle: killed}).Reason)
}

func TestSubmit_SlowEmitterGetsEveryChunk(t *testing.T) {
	rec := &slowRecorder{delay: 500 * time.Microsecond}
	sup := process.NewSupervisor(nil)
	s := New(sup, rec, Options{Roots: sandboxfs.NewRoots(t.TempDir())})
	t.Cleanup(sup.Shutdown)
	key := protocol.Key{ProjectID: "p1", RequestID: "chatty"}

	const lines = 2000
	require.NoError(t, s.Submit(shRun("p1", "chatty",
		fmt.Sprintf("i=0; while [ $i -lt %d ]; do echo line$i; i=$((i+1)); done", lines))))
	res := rec.waitResult(t, key)
	require.True(t, res.Success)

	var want strings.Builder
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&want, "line%d\n", i)
	}
	assert.Equal(t, want.String(), stdoutOf(&rec.recorder, key))
}

func TestSubmit_SpawnError(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})
	key := protocol.Key{ProjectID: "p1", RequestID: "r1"}

	req := &protocol.RunRequest{Type: protocol.TypeRun, ProjectID: "p1", RequestID: "r1",
		Cmd: "/definitely/not/a/binary", Args: []string{"x"}}
	require.NoError(t, s.Submit(req))
	res := rec.waitResult(t, key)

	assert.False(t, res.Success)
	assert.Equal(t, protocol.KindSpawnError, res.Reason)
	assert.Equal(t, Stats{}, s.Stats())

	// The slot is free again.
	require.NoError(t, s.Submit(shRun("p1", "r2", "true")))
	assert.True(t, rec.waitResult(t, protocol.Key{ProjectID: "p1", RequestID: "r2"}).Success)
}

func TestSubmit_InvalidPayload(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})

	tests := []struct {
		name string
		req  *protocol.RunRequest
	}{
		{"missing request id", shRun("p1", "", "true")},
		{"missing project id", shRun("", "r1", "true")},
		{"empty command", shRun("p1", "r1", "")},
		{"bad project id", shRun("../p", "r1", "true")},
		{"empty code", &protocol.RunRequest{Type: protocol.TypeRunJS, ProjectID: "p1", RequestID: "r1"}},
		{"timeout beyond a day", &protocol.RunRequest{Type: protocol.TypeRun, ProjectID: "p1", RequestID: "r1",
			Cmd: "true", TimeoutMs: timeoutMs(10_000_000_000_000)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Submit(tt.req)
			assert.ErrorIs(t, err, protocol.ErrInvalidPayload)
		})
	}

	for _, m := range rec.snapshot() {
		res, ok := m.(*protocol.RunResult)
		require.True(t, ok, "only rejections expected, got %T", m)
		assert.Equal(t, protocol.KindInvalidPayload, res.Reason)
	}
	assert.Equal(t, Stats{}, s.Stats())
}

func TestSubmit_FIFOWithConcurrencyLimit(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{MaxConcurrent: 2})

	ids := []string{"r0", "r1", "r2", "r3", "r4"}
	for _, id := range ids {
		require.NoError(t, s.Submit(shRun("p1", id, "sleep 0.2")))
	}
	assert.Equal(t, Stats{Active: 2, Queued: 3}, s.Stats())

	for _, id := range ids {
		assert.True(t, rec.waitResult(t, protocol.Key{ProjectID: "p1", RequestID: id}).Success)
	}

	var started []string
	running, maxRunning := 0, 0
	for _, m := range rec.snapshot() {
		switch msg := m.(type) {
		case *protocol.RunStarted:
			started = append(started, msg.RequestID)
			running++
			if running > maxRunning {
				maxRunning = running
			}
		case *protocol.RunResult:
			running--
		}
	}
	assert.Equal(t, ids, started)
	assert.Equal(t, 2, maxRunning)
	assert.Equal(t, Stats{}, s.Stats())
}

func TestSubmit_OverloadedLeavesQueueIntact(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{MaxConcurrent: 1, MaxQueue: 2})

	require.NoError(t, s.Submit(shRun("p1", "active", "sleep 5")))
	require.NoError(t, s.Submit(shRun("p1", "q1", "true")))
	require.NoError(t, s.Submit(shRun("p1", "q2", "true")))

	err := s.Submit(shRun("p1", "extra", "true"))
	assert.ErrorIs(t, err, protocol.ErrOverloaded)

	res := rec.results(protocol.Key{ProjectID: "p1", RequestID: "extra"})
	require.Len(t, res, 1)
	assert.Equal(t, protocol.KindOverloaded, res[0].Reason)
	require.NotNil(t, res[0].Error)
	assert.Equal(t, "agent overloaded (queue full)", *res[0].Error)
	assert.Equal(t, Stats{Active: 1, Queued: 2}, s.Stats())
}

func TestSubmit_DuplicateWhileActive(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})
	key := protocol.Key{ProjectID: "p1", RequestID: "dup"}

	require.NoError(t, s.Submit(shRun("p1", "dup", "sleep 0.3")))
	err := s.Submit(shRun("p1", "dup", "sleep 0.3"))
	assert.ErrorIs(t, err, protocol.ErrDuplicateRequest)
	assert.Equal(t, Stats{Active: 1}, s.Stats())

	require.Eventually(t, func() bool { return len(rec.results(key)) == 2 }, 5*time.Second, 10*time.Millisecond)
	results := rec.results(key)
	assert.Equal(t, protocol.KindDuplicateRequest, results[0].Reason)
	assert.True(t, results[1].Success)

	started := 0
	for _, m := range rec.snapshot() {
		if _, ok := m.(*protocol.RunStarted); ok {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestSubmit_DuplicateAfterCompletion(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})
	key := protocol.Key{ProjectID: "p1", RequestID: "once"}

	require.NoError(t, s.Submit(shRun("p1", "once", "echo run >> count.txt")))
	rec.waitResult(t, key)

	err := s.Submit(shRun("p1", "once", "echo run >> count.txt"))
	assert.ErrorIs(t, err, protocol.ErrDuplicateRequest)
	assert.Equal(t, Stats{}, s.Stats())

	// Same request id in a different project is a different run.
	require.NoError(t, s.Submit(shRun("p2", "once", "true")))
	assert.True(t, rec.waitResult(t, protocol.Key{ProjectID: "p2", RequestID: "once"}).Success)
}

func TestCancel_Active(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})
	key := protocol.Key{ProjectID: "p1", RequestID: "long"}

	require.NoError(t, s.Submit(shRun("p1", "long", "sleep 10")))
	require.NoError(t, s.Cancel(key))

	results := rec.results(key)
	require.Len(t, results, 1)
	assert.Equal(t, protocol.KindCancelled, results[0].Reason)
	require.NotNil(t, results[0].Error)
	assert.Equal(t, "Run Cancelled", *results[0].Error)
	assert.Equal(t, Stats{}, s.Stats())

	// The process exit that follows the kill must not produce a second result.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, rec.results(key), 1)

	assert.ErrorIs(t, s.Submit(shRun("p1", "long", "true")), protocol.ErrDuplicateRequest)
}

func TestCancel_QueuedIsDequeued(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{MaxConcurrent: 1})
	queued := protocol.Key{ProjectID: "p1", RequestID: "queued"}

	require.NoError(t, s.Submit(shRun("p1", "active", "sleep 0.3")))
	require.NoError(t, s.Submit(shRun("p1", "queued", "echo ran")))
	require.NoError(t, s.Cancel(queued))

	assert.Equal(t, Stats{Active: 1}, s.Stats())
	rec.waitResult(t, protocol.Key{ProjectID: "p1", RequestID: "active"})

	results := rec.results(queued)
	require.Len(t, results, 1)
	assert.Equal(t, protocol.KindCancelled, results[0].Reason)
	for _, m := range rec.snapshot() {
		if st, ok := m.(*protocol.RunStarted); ok {
			assert.NotEqual(t, "queued", st.RequestID)
		}
	}
}

func TestCancel_UnknownKey(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})

	err := s.Cancel(protocol.Key{ProjectID: "p1", RequestID: "ghost"})
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	ce, ok := msgs[0].(*protocol.CancelError)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeCancelError, ce.Type)
	assert.Equal(t, protocol.KindNotFound, ce.Reason)
	assert.Equal(t, "ghost", ce.RequestID)
}

func TestInput_FeedsStdinUntilEOF(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})
	key := protocol.Key{ProjectID: "p1", RequestID: "cat"}

	req := shRun("p1", "cat", "cat")
	req.Stdin = true
	require.NoError(t, s.Submit(req))

	require.NoError(t, s.Input(&protocol.RunInput{Type: protocol.TypeRunInput, ProjectID: "p1", RequestID: "cat", Data: "hello\n"}))
	require.NoError(t, s.Input(&protocol.RunInput{Type: protocol.TypeRunInput, ProjectID: "p1", RequestID: "cat",
		Data: base64.StdEncoding.EncodeToString([]byte("world\n")), Binary: true, EOF: true}))

	res := rec.waitResult(t, key)
	assert.True(t, res.Success)
	assert.Equal(t, "hello\nworld\n", stdoutOf(rec, key))

	err := s.Input(&protocol.RunInput{Type: protocol.TypeRunInput, ProjectID: "p1", RequestID: "cat", Data: "late"})
	assert.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestInput_Rejections(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{})
	require.NoError(t, s.Submit(shRun("p1", "closed", "sleep 10")))
	stdin := shRun("p1", "open", "sleep 10")
	stdin.Stdin = true
	require.NoError(t, s.Submit(stdin))

	tests := []struct {
		name string
		in   protocol.RunInput
		want error
		kind protocol.ErrorKind
	}{
		{"unknown run", protocol.RunInput{ProjectID: "p1", RequestID: "ghost", Data: "x"}, protocol.ErrNotFound, protocol.KindNotFound},
		{"run without stdin", protocol.RunInput{ProjectID: "p1", RequestID: "closed", Data: "x"}, protocol.ErrInvalidPayload, protocol.KindInvalidPayload},
		{"bad base64", protocol.RunInput{ProjectID: "p1", RequestID: "open", Data: "%%%", Binary: true}, protocol.ErrInvalidPayload, protocol.KindInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Type = protocol.TypeRunInput
			assert.ErrorIs(t, s.Input(&tt.in), tt.want)

			var got *protocol.InputError
			for _, m := range rec.snapshot() {
				if ie, ok := m.(*protocol.InputError); ok && ie.RequestID == tt.in.RequestID {
					got = ie
				}
			}
			require.NotNil(t, got)
			assert.Equal(t, protocol.TypeInputError, got.Type)
			assert.Equal(t, tt.kind, got.Reason)
		})
	}
	assert.Equal(t, Stats{Active: 2}, s.Stats())
}

func TestKillAll_ReportsActiveAndQueued(t *testing.T) {
	s, rec, _ := newScheduler(t, Options{MaxConcurrent: 1})

	require.NoError(t, s.Submit(shRun("p1", "a", "sleep 10")))
	require.NoError(t, s.Submit(shRun("p1", "b", "sleep 10")))

	n := s.KillAll("manager connection lost")
	assert.Equal(t, 2, n)
	assert.Equal(t, Stats{}, s.Stats())

	for _, id := range []string{"a", "b"} {
		results := rec.results(protocol.Key{ProjectID: "p1", RequestID: id})
		require.Len(t, results, 1, id)
		assert.Equal(t, protocol.KindKilled, results[0].Reason)
	}

	time.Sleep(200 * time.Millisecond)
	assert.Len(t, rec.results(protocol.Key{ProjectID: "p1", RequestID: "a"}), 1)
	assert.Equal(t, Stats{}, s.Stats())
}
