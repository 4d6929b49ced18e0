// ABOUTME: Tests for the agent registry and project router.
// ABOUTME: Validates registration identity, load-based selection, and sticky pins.

package agent

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sandbox-fleet/internal/protocol"
)

// mockSocket implements FrameWriter for testing.
type mockSocket struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	err    error
}

func (m *mockSocket) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if messageType != websocket.TextMessage {
		return fmt.Errorf("unexpected message type %d", messageType)
	}
	m.frames = append(m.frames, append([]byte(nil), data...))
	return nil
}

func (m *mockSocket) SetWriteDeadline(time.Time) error { return nil }

func (m *mockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSocket) sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.frames...)
}

func newConn(id string) (*Connection, *mockSocket) {
	sock := &mockSocket{}
	return NewConnection(ConnectionParams{
		Register: protocol.NewRegister(id, protocol.DefaultCapabilities),
		Socket:   sock,
	}), sock
}

func withLoad(c *Connection, active, queued int) *Connection {
	c.UpdateLoad(protocol.NewHeartbeat(c.ID, active, queued, time.Now()))
	return c
}

func TestConnectionSend(t *testing.T) {
	t.Run("encodes message to socket", func(t *testing.T) {
		conn, sock := newConn("agent-1")

		err := conn.Send(&protocol.CancelRun{Type: protocol.TypeCancelRun, ProjectID: "p1", RequestID: "r1"})
		require.NoError(t, err)

		sent := sock.sent()
		require.Len(t, sent, 1)
		assert.JSONEq(t, `{"type":"cancel_run","projectId":"p1","requestId":"r1"}`, string(sent[0]))
	})

	t.Run("wraps socket errors as transport errors", func(t *testing.T) {
		conn, sock := newConn("agent-1")
		sock.err = fmt.Errorf("broken pipe")

		err := conn.Send(&protocol.CancelRun{Type: protocol.TypeCancelRun})
		assert.ErrorIs(t, err, protocol.ErrTransport)
	})
}

func TestConnectionLoadAndCapabilities(t *testing.T) {
	conn, _ := newConn("agent-1")
	assert.Equal(t, 0, conn.Load().ActiveRuns)
	assert.True(t, conn.HasCapability(protocol.CapFS))
	assert.False(t, conn.HasCapability("teleport"))

	before := conn.Load().LastHeartbeatAt
	time.Sleep(time.Millisecond)
	withLoad(conn, 2, 7)

	load := conn.Load()
	assert.Equal(t, 2, load.ActiveRuns)
	assert.Equal(t, 7, load.QueueLength)
	assert.True(t, load.LastHeartbeatAt.After(before))
}

func TestManagerRegister(t *testing.T) {
	t.Run("registers and lists agents", func(t *testing.T) {
		mgr := NewManager(nil, nil)
		a, _ := newConn("b-agent")
		b, _ := newConn("a-agent")
		assert.Nil(t, mgr.Register(a))
		assert.Nil(t, mgr.Register(b))

		infos := mgr.ListAgents()
		require.Len(t, infos, 2)
		assert.Equal(t, "a-agent", infos[0].ID)
		assert.Equal(t, "b-agent", infos[1].ID)
		assert.Equal(t, 2, mgr.Len())
	})

	t.Run("re-register replaces and returns previous connection", func(t *testing.T) {
		mgr := NewManager(nil, nil)
		old, _ := newConn("agent-1")
		fresh, _ := newConn("agent-1")

		mgr.Register(old)
		assert.Same(t, old, mgr.Register(fresh))

		got, ok := mgr.GetAgent("agent-1")
		require.True(t, ok)
		assert.Same(t, fresh, got)
	})
}

func TestManagerUnregister(t *testing.T) {
	t.Run("removes current connection and notifies", func(t *testing.T) {
		mgr := NewManager(nil, nil)
		var removed []string
		mgr.OnUnregister(func(id string) { removed = append(removed, id) })

		conn, _ := newConn("agent-1")
		mgr.Register(conn)
		assert.True(t, mgr.Unregister(conn))
		_, online := mgr.GetAgent("agent-1")
		assert.False(t, online)
		assert.Equal(t, []string{"agent-1"}, removed)

		assert.False(t, mgr.Unregister(conn), "second unregister is a no-op")
		assert.Len(t, removed, 1)
	})

	t.Run("stale connection does not remove its replacement", func(t *testing.T) {
		mgr := NewManager(nil, nil)
		old, _ := newConn("agent-1")
		fresh, _ := newConn("agent-1")
		mgr.Register(old)
		mgr.Register(fresh)

		assert.False(t, mgr.Unregister(old))
		_, online := mgr.GetAgent("agent-1")
		assert.True(t, online)
	})
}

func TestManagerCloseAll(t *testing.T) {
	mgr := NewManager(nil, nil)
	conn, sock := newConn("agent-1")
	mgr.Register(conn)

	mgr.CloseAll()
	assert.True(t, sock.closed)
}

func TestSelectLeastLoaded(t *testing.T) {
	a, _ := newConn("a")
	b, _ := newConn("b")
	c, _ := newConn("c")

	tests := []struct {
		name   string
		loads  [3][2]int
		expect string
	}{
		{"fewest active wins", [3][2]int{{2, 0}, {1, 9}, {3, 0}}, "b"},
		{"queue breaks active tie", [3][2]int{{1, 4}, {1, 2}, {1, 3}}, "b"},
		{"full tie picks first", [3][2]int{{0, 0}, {0, 0}, {0, 0}}, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, conn := range []*Connection{a, b, c} {
				withLoad(conn, tt.loads[i][0], tt.loads[i][1])
			}
			got, err := SelectLeastLoaded([]*Connection{a, b, c})
			require.NoError(t, err)
			assert.Equal(t, tt.expect, got.ID)
		})
	}

	_, err := SelectLeastLoaded(nil)
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)
}

func TestRouterStickyPins(t *testing.T) {
	mgr := NewManager(nil, nil)
	router := NewRouter(mgr, nil)

	_, err := router.Route("p1", protocol.CapRun)
	require.ErrorIs(t, err, ErrNoAgentsAvailable)

	a, _ := newConn("agent-a")
	mgr.Register(withLoad(a, 1, 0))

	got, err := router.Route("p1", protocol.CapRun)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got.ID)

	// A less-loaded agent arriving later does not steal the project.
	b, _ := newConn("agent-b")
	mgr.Register(withLoad(b, 0, 0))
	got, err = router.Route("p1", protocol.CapRun)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got.ID)

	// A new project goes to the least-loaded agent.
	got, err = router.Route("p2", protocol.CapRun)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", got.ID)

	// Losing the pinned agent re-pins to the least-loaded survivor.
	c, _ := newConn("agent-c")
	mgr.Register(withLoad(c, 5, 0))
	mgr.Unregister(a)
	_, pinned := router.Pin("p1")
	assert.False(t, pinned, "pin is removed with its agent")

	got, err = router.Route("p1", protocol.CapRun)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", got.ID)
	assert.Equal(t, map[string]string{"p1": "agent-b", "p2": "agent-b"}, router.Pins())
}

func TestRouterPinSurvivesReRegister(t *testing.T) {
	mgr := NewManager(nil, nil)
	router := NewRouter(mgr, nil)

	old, _ := newConn("agent-a")
	mgr.Register(old)
	_, err := router.Route("p1", protocol.CapRun)
	require.NoError(t, err)

	fresh, _ := newConn("agent-a")
	mgr.Register(fresh)
	mgr.Unregister(old)

	got, err := router.Route("p1", protocol.CapRun)
	require.NoError(t, err)
	assert.Same(t, fresh, got)
}

func TestRouterCapabilities(t *testing.T) {
	mgr := NewManager(nil, nil)
	router := NewRouter(mgr, nil)

	// Advertises run_js and fs but not run.
	jsOnly := NewConnection(ConnectionParams{
		Register: protocol.NewRegister("agent-js", []string{protocol.CapRunJS, protocol.CapStreamOutput, protocol.CapCancelRun, protocol.CapFS}),
		Socket:   &mockSocket{},
	})
	mgr.Register(jsOnly)

	_, err := router.Route("p1", protocol.CapRun)
	require.ErrorIs(t, err, ErrNoAgentsAvailable)
	_, pinned := router.Pin("p1")
	assert.False(t, pinned, "failed routing creates no pin")

	got, err := router.Route("p1", protocol.CapRunJS)
	require.NoError(t, err)
	assert.Equal(t, "agent-js", got.ID)

	// The pinned agent cannot serve run, and a capable agent does not take
	// the project over.
	full, _ := newConn("agent-full")
	mgr.Register(withLoad(full, 0, 0))
	_, err = router.Route("p1", protocol.CapRun)
	require.ErrorIs(t, err, ErrCapabilityMissing)

	got, err = router.Route("p2", protocol.CapRun)
	require.NoError(t, err)
	assert.Equal(t, "agent-full", got.ID)
}

func TestConcurrentAccess(t *testing.T) {
	mgr := NewManager(nil, nil)
	router := NewRouter(mgr, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, _ := newConn(fmt.Sprintf("agent-%d", i%5))
			mgr.Register(conn)
			_, _ = router.Route(fmt.Sprintf("project-%d", i), protocol.CapRun)
			_ = mgr.ListAgents()
			mgr.Unregister(conn)
		}(i)
	}
	wg.Wait()

	// Every surviving pin refers to a registered agent.
	for project, id := range router.Pins() {
		_, online := mgr.GetAgent(id)
		assert.True(t, online, "project %s pinned to offline agent %s", project, id)
	}
}
