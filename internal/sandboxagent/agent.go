// ABOUTME: Agent maintains the websocket session to the manager and dispatches inbound requests.
// ABOUTME: Reconnects with a fixed delay and kills owned runs whenever the session drops.

package sandboxagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/sandbox-fleet/internal/metrics"
	"github.com/2389/sandbox-fleet/internal/process"
	"github.com/2389/sandbox-fleet/internal/protocol"
	"github.com/2389/sandbox-fleet/internal/runqueue"
	"github.com/2389/sandbox-fleet/internal/sandboxfs"
)

// Fixed session timings.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultReconnectDelay    = 2 * time.Second
	writeWait                = 10 * time.Second
)

// disconnectMessage is the error text of runs killed by a lost session.
const disconnectMessage = "Killed: manager connection lost"

// Options configures an Agent.
type Options struct {
	ManagerURL   string
	SandboxID    string
	Capabilities []string
	DataRoot     string

	MaxConcurrent  int
	MaxQueue       int
	DefaultTimeout time.Duration
	FinishedTTL    time.Duration
	FinishedMax    int

	// Heartbeat and reconnect timings are fixed in production; tests
	// shorten them.
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration

	Dialer  *websocket.Dialer
	Metrics *metrics.Agent
	Logger  *slog.Logger
}

// Agent is a sandbox agent connected to one manager.
type Agent struct {
	opts   Options
	sup    *process.Supervisor
	sched  *runqueue.Scheduler
	roots  *sandboxfs.Roots
	out    *outbox
	logger *slog.Logger
}

// New creates an Agent. It does not connect until Run.
func New(opts Options) (*Agent, error) {
	if opts.ManagerURL == "" {
		return nil, errors.New("manager url is required")
	}
	if opts.SandboxID == "" {
		return nil, errors.New("sandbox id is required")
	}
	if opts.DataRoot == "" {
		return nil, errors.New("data root is required")
	}
	if opts.Capabilities == nil {
		opts.Capabilities = protocol.DefaultCapabilities
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "agent", "sandbox_id", opts.SandboxID)

	a := &Agent{
		opts:   opts,
		sup:    process.NewSupervisor(opts.Logger),
		roots:  sandboxfs.NewRoots(opts.DataRoot),
		out:    newOutbox(0, logger),
		logger: logger,
	}
	a.sched = runqueue.New(a.sup, a.out, runqueue.Options{
		MaxConcurrent:  opts.MaxConcurrent,
		MaxQueue:       opts.MaxQueue,
		DefaultTimeout: opts.DefaultTimeout,
		FinishedTTL:    opts.FinishedTTL,
		FinishedMax:    opts.FinishedMax,
		Roots:          a.roots,
		Metrics:        opts.Metrics,
		Logger:         opts.Logger,
	})
	return a, nil
}

// Stats returns the run queue load.
func (a *Agent) Stats() runqueue.Stats { return a.sched.Stats() }

// Run connects to the manager and keeps reconnecting until ctx is done.
// On return every supervised process has been killed.
func (a *Agent) Run(ctx context.Context) error {
	defer a.sup.Shutdown()

	for sessions := 0; ; sessions++ {
		err := a.session(ctx, sessions > 0)
		if n := a.sched.KillAll(disconnectMessage); n > 0 {
			a.logger.Warn("killed runs after disconnect", "runs", n)
		}
		if ctx.Err() != nil {
			a.logger.Info("agent stopped")
			return nil
		}
		a.logger.Warn("manager session ended, reconnecting",
			"error", err,
			"delay", a.opts.ReconnectDelay,
		)

		timer := time.NewTimer(a.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("agent stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (a *Agent) session(ctx context.Context, reconnect bool) error {
	conn, _, err := a.opts.Dialer.DialContext(ctx, a.opts.ManagerURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", protocol.ErrTransport, a.opts.ManagerURL, err)
	}
	defer conn.Close()

	if err := a.write(conn, protocol.NewRegister(a.opts.SandboxID, a.opts.Capabilities)); err != nil {
		return err
	}
	if reconnect {
		a.opts.Metrics.IncReconnect()
	}
	a.logger.Info("=== CONNECTED TO MANAGER ===",
		"url", a.opts.ManagerURL,
		"buffered", a.out.len(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.readLoop(conn) })
	g.Go(func() error { return a.writeLoop(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	})
	return g.Wait()
}

func (a *Agent) write(conn *websocket.Conn, msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", msg, err)
	}
	return a.writeFrame(conn, data)
}

func (a *Agent) writeFrame(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", protocol.ErrTransport, err)
	}
	return nil
}

// writeLoop is the only writer on conn after register.
func (a *Agent) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	// Frames buffered while disconnected go out before any new traffic.
	if err := a.flush(conn); err != nil {
		return err
	}
	if err := a.heartbeat(conn); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.out.ready:
		case <-ticker.C:
			if err := a.heartbeat(conn); err != nil {
				return err
			}
		}
		if err := a.flush(conn); err != nil {
			return err
		}
	}
}

// flush writes buffered frames in order. A frame is removed only after a
// successful write so a failed write is retried on the next session.
func (a *Agent) flush(conn *websocket.Conn) error {
	for {
		f, ok := a.out.peek()
		if !ok {
			return nil
		}
		if err := a.writeFrame(conn, f.data); err != nil {
			return err
		}
		a.out.pop(f)
	}
}

func (a *Agent) heartbeat(conn *websocket.Conn) error {
	st := a.sched.Stats()
	return a.write(conn, protocol.NewHeartbeat(a.opts.SandboxID, st.Active, st.Queued, time.Now()))
}

func (a *Agent) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", protocol.ErrTransport, err)
		}
		a.dispatch(data)
	}
}

// dispatch routes one inbound frame. Nothing here ends the session.
func (a *Agent) dispatch(data []byte) {
	msg, env, err := protocol.Decode(data)
	if err != nil {
		a.rejectFrame(env, err)
		return
	}

	switch m := msg.(type) {
	case *protocol.RunRequest:
		_ = a.sched.Submit(m)
	case *protocol.CancelRun:
		_ = a.sched.Cancel(m.Key())
	case *protocol.RunInput:
		_ = a.sched.Input(m)
	case *protocol.FSRequest:
		a.out.Emit(a.handleFS(m))
	case *protocol.Unknown:
		a.logger.Warn("ignoring unknown message type", "type", m.Type)
	default:
		a.logger.Warn("ignoring unexpected message", "type", env.Type)
	}
}

// rejectFrame answers a frame that could not be decoded when it can still
// be addressed.
func (a *Agent) rejectFrame(env protocol.Envelope, err error) {
	key := protocol.Key{ProjectID: env.ProjectID, RequestID: env.RequestID}
	switch env.Type {
	case protocol.TypeRunJS, protocol.TypeRun:
		a.out.Emit(protocol.Failed(key, protocol.KindInvalidPayload, nil, err.Error()))
	case protocol.TypeFSRead, protocol.TypeFSWrite, protocol.TypeFSList, protocol.TypeFSStat:
		a.out.Emit(protocol.FSFailed(env.Type, key, protocol.KindInvalidPayload, err.Error()))
	case protocol.TypeRunInput:
		a.out.Emit(protocol.InputFailed(key, protocol.KindInvalidPayload, err.Error()))
	default:
		a.logger.Warn("dropping undecodable message", "type", env.Type, "error", err)
	}
}
