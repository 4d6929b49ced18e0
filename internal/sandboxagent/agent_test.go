// ABOUTME: Tests for the agent session against an in-process websocket manager.
// ABOUTME: Covers register, run round-trips with stdin, fs requests, unknown types, and reconnect buffering.

package sandboxagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sandbox-fleet/internal/protocol"
)

type fakeManager struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeManager(t *testing.T) *fakeManager {
	t.Helper()
	fm := &fakeManager{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	fm.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fm.conns <- conn
	}))
	t.Cleanup(fm.srv.Close)
	return fm
}

func (fm *fakeManager) url() string {
	return "ws" + strings.TrimPrefix(fm.srv.URL, "http") + "/agent"
}

func (fm *fakeManager) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fm.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not connect")
		return nil
	}
}

type frame struct {
	Type string
	Raw  map[string]any
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	typ, _ := raw["type"].(string)
	return frame{Type: typ, Raw: raw}
}

// readUntil skips heartbeats and returns the next frame of the given type.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Type == protocol.TypeHeartbeat && typ != protocol.TypeHeartbeat {
			continue
		}
		require.Equal(t, typ, f.Type, "unexpected frame %v", f.Raw)
		return f
	}
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func startAgent(t *testing.T, fm *fakeManager) *Agent {
	t.Helper()
	a, err := New(Options{
		ManagerURL:        fm.url(),
		SandboxID:         "sb-1",
		DataRoot:          t.TempDir(),
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func TestNew_RequiresIdentity(t *testing.T) {
	_, err := New(Options{SandboxID: "x", DataRoot: "/tmp"})
	assert.Error(t, err)
	_, err = New(Options{ManagerURL: "ws://x", DataRoot: "/tmp"})
	assert.Error(t, err)
	_, err = New(Options{ManagerURL: "ws://x", SandboxID: "x"})
	assert.Error(t, err)
}

func TestSession_RegistersThenHeartbeats(t *testing.T) {
	fm := newFakeManager(t)
	startAgent(t, fm)
	conn := fm.accept(t)

	reg := readFrame(t, conn)
	assert.Equal(t, protocol.TypeRegister, reg.Type)
	assert.Equal(t, "sb-1", reg.Raw["sandboxId"])
	assert.Equal(t, float64(protocol.Version), reg.Raw["protocolVersion"])
	assert.ElementsMatch(t, []any{"run_js", "run", "stream_output", "cancel_run", "fs", "run_input"}, reg.Raw["capabilities"])

	hb := readFrame(t, conn)
	assert.Equal(t, protocol.TypeHeartbeat, hb.Type)
	assert.Equal(t, float64(0), hb.Raw["activeRuns"])
	assert.Equal(t, float64(0), hb.Raw["queueLength"])
	assert.NotZero(t, hb.Raw["ts"])
}

func TestSession_RunRoundTrip(t *testing.T) {
	fm := newFakeManager(t)
	startAgent(t, fm)
	conn := fm.accept(t)
	readUntil(t, conn, protocol.TypeRegister)

	send(t, conn, map[string]any{"type": "bogus", "projectId": "p1"})
	send(t, conn, protocol.RunRequest{Type: protocol.TypeRun, ProjectID: "p1", RequestID: "r1", Cmd: "echo hi"})

	started := readUntil(t, conn, protocol.TypeRunStarted)
	assert.Equal(t, "r1", started.Raw["requestId"])

	out := readUntil(t, conn, protocol.TypeRunOutput)
	assert.Equal(t, "stdout", out.Raw["stream"])
	assert.Equal(t, "hi\n", out.Raw["chunk"])

	res := readUntil(t, conn, protocol.TypeRunResult)
	assert.Equal(t, true, res.Raw["success"])
	assert.Equal(t, float64(0), res.Raw["exitCode"])
	assert.Nil(t, res.Raw["error"])
}

func TestSession_MalformedRunAnswered(t *testing.T) {
	fm := newFakeManager(t)
	startAgent(t, fm)
	conn := fm.accept(t)
	readUntil(t, conn, protocol.TypeRegister)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"run_js","projectId":"p1","requestId":"r1","code":42}`)))

	res := readUntil(t, conn, protocol.TypeRunResult)
	assert.Equal(t, false, res.Raw["success"])
	assert.Equal(t, "r1", res.Raw["requestId"])
	assert.Equal(t, string(protocol.KindInvalidPayload), res.Raw["reason"])
}

func TestSession_FSWriteReadListStat(t *testing.T) {
	fm := newFakeManager(t)
	startAgent(t, fm)
	conn := fm.accept(t)
	readUntil(t, conn, protocol.TypeRegister)

	payload := protocol.EncodePayload([]byte{0x00, 0xff, 0x10}, true)
	send(t, conn, protocol.FSRequest{Type: protocol.TypeFSWrite, ProjectID: "p1", RequestID: "w1",
		Path: "dir/blob.bin", Data: &payload, Binary: true})
	w := readUntil(t, conn, "fs:write:ok")
	assert.Equal(t, "w1", w.Raw["requestId"])

	send(t, conn, protocol.FSRequest{Type: protocol.TypeFSRead, ProjectID: "p1", RequestID: "r1",
		Path: "dir/blob.bin", Binary: true})
	r := readUntil(t, conn, "fs:read:ok")
	assert.Equal(t, payload, r.Raw["data"])

	send(t, conn, protocol.FSRequest{Type: protocol.TypeFSList, ProjectID: "p1", RequestID: "l1", Path: "dir"})
	l := readUntil(t, conn, "fs:list:ok")
	entries, ok := l.Raw["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	assert.Equal(t, "blob.bin", entries[0].(map[string]any)["name"])

	send(t, conn, protocol.FSRequest{Type: protocol.TypeFSStat, ProjectID: "p1", RequestID: "s1", Path: "dir/blob.bin"})
	s := readUntil(t, conn, "fs:stat:ok")
	assert.Equal(t, float64(3), s.Raw["stat"].(map[string]any)["size"])
}

func TestSession_FSErrors(t *testing.T) {
	fm := newFakeManager(t)
	startAgent(t, fm)
	conn := fm.accept(t)
	readUntil(t, conn, protocol.TypeRegister)

	send(t, conn, protocol.FSRequest{Type: protocol.TypeFSRead, ProjectID: "p1", RequestID: "esc", Path: "../../etc/passwd"})
	esc := readUntil(t, conn, "fs:read:error")
	assert.Equal(t, string(protocol.KindPathEscape), esc.Raw["reason"])

	send(t, conn, protocol.FSRequest{Type: protocol.TypeFSRead, ProjectID: "p1", RequestID: "nf", Path: "missing.txt"})
	nf := readUntil(t, conn, "fs:read:error")
	assert.Equal(t, string(protocol.KindNotFound), nf.Raw["reason"])

	send(t, conn, protocol.FSRequest{Type: protocol.TypeFSWrite, ProjectID: "p1", RequestID: "nodata", Path: "a.txt"})
	nd := readUntil(t, conn, "fs:write:error")
	assert.Equal(t, string(protocol.KindInvalidPayload), nd.Raw["reason"])
}

func TestSession_CancelUnknown(t *testing.T) {
	fm := newFakeManager(t)
	startAgent(t, fm)
	conn := fm.accept(t)
	readUntil(t, conn, protocol.TypeRegister)

	send(t, conn, protocol.CancelRun{Type: protocol.TypeCancelRun, ProjectID: "p1", RequestID: "ghost"})
	ce := readUntil(t, conn, protocol.TypeCancelError)
	assert.Equal(t, string(protocol.KindNotFound), ce.Raw["reason"])
}

func TestSession_RunInputReachesStdin(t *testing.T) {
	fm := newFakeManager(t)
	startAgent(t, fm)
	conn := fm.accept(t)
	readUntil(t, conn, protocol.TypeRegister)

	send(t, conn, protocol.RunRequest{Type: protocol.TypeRun, ProjectID: "p1", RequestID: "r1", Cmd: "read line; echo got:$line", Stdin: true})
	readUntil(t, conn, protocol.TypeRunStarted)
	send(t, conn, protocol.RunInput{Type: protocol.TypeRunInput, ProjectID: "p1", RequestID: "r1", Data: "ping\n", EOF: true})

	out := readUntil(t, conn, protocol.TypeRunOutput)
	assert.Equal(t, "got:ping\n", out.Raw["chunk"])
	res := readUntil(t, conn, protocol.TypeRunResult)
	assert.Equal(t, true, res.Raw["success"])

	send(t, conn, protocol.RunInput{Type: protocol.TypeRunInput, ProjectID: "p1", RequestID: "r1", Data: "late"})
	ie := readUntil(t, conn, protocol.TypeInputError)
	assert.Equal(t, string(protocol.KindNotFound), ie.Raw["reason"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"run_input","projectId":"p1","requestId":"r2","eof":"yes"}`)))
	bad := readUntil(t, conn, protocol.TypeInputError)
	assert.Equal(t, "r2", bad.Raw["requestId"])
	assert.Equal(t, string(protocol.KindInvalidPayload), bad.Raw["reason"])
}

func TestSession_DisconnectKillsRunsAndFlushesOnReconnect(t *testing.T) {
	fm := newFakeManager(t)
	a := startAgent(t, fm)
	conn := fm.accept(t)
	readUntil(t, conn, protocol.TypeRegister)

	send(t, conn, protocol.RunRequest{Type: protocol.TypeRun, ProjectID: "p1", RequestID: "long", Cmd: "sleep 30"})
	readUntil(t, conn, protocol.TypeRunStarted)
	require.Equal(t, 1, a.Stats().Active)

	require.NoError(t, conn.Close())

	second := fm.accept(t)
	assert.Equal(t, protocol.TypeRegister, readFrame(t, second).Type)

	// The result of the killed run was buffered while offline and is
	// delivered before the first heartbeat of the new session.
	res := readFrame(t, second)
	require.Equal(t, protocol.TypeRunResult, res.Type)
	assert.Equal(t, "long", res.Raw["requestId"])
	assert.Equal(t, false, res.Raw["success"])
	assert.Equal(t, string(protocol.KindKilled), res.Raw["reason"])

	hb := readUntil(t, second, protocol.TypeHeartbeat)
	assert.Equal(t, float64(0), hb.Raw["activeRuns"])
	assert.Equal(t, 0, a.Stats().Active)
}
