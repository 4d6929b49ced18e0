// ABOUTME: Correlation table matching asynchronous agent replies to waiting callers.
// ABOUTME: Each pending entry is resolved exactly once: by reply, by deadline, or by abandonment.

package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/sandbox-fleet/internal/metrics"
	"github.com/2389/sandbox-fleet/internal/protocol"
)

// Fallback synthesizes the reply delivered when a pending request's
// deadline passes.
type Fallback func(key protocol.Key) protocol.Reply

// Table holds requests forwarded to agents and awaiting a reply.
type Table struct {
	mu      sync.Mutex
	pending map[protocol.Key]*Pending

	metrics *metrics.Manager
	logger  *slog.Logger
}

// NewTable creates an empty table. m may be nil.
func NewTable(m *metrics.Manager, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		pending: make(map[protocol.Key]*Pending),
		metrics: m,
		logger:  logger.With("component", "correlation"),
	}
}

// Pending is one outstanding request.
type Pending struct {
	Key     protocol.Key
	AgentID string

	table    *Table
	fallback Fallback
	timer    *time.Timer
	done     chan struct{}
	reply    protocol.Reply
	err      error
}

// Register records a pending request for key that resolves by itself
// after ttl. Registering a key that is already pending fails with
// ErrDuplicateRequest.
func (t *Table) Register(key protocol.Key, agentID string, ttl time.Duration, fallback Fallback) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[key]; ok {
		return nil, fmt.Errorf("%w: %s is already pending", protocol.ErrDuplicateRequest, key)
	}
	p := &Pending{
		Key:      key,
		AgentID:  agentID,
		table:    t,
		fallback: fallback,
		done:     make(chan struct{}),
	}
	t.pending[key] = p
	p.timer = time.AfterFunc(ttl, p.expire)
	t.metrics.SetPending(len(t.pending))
	return p, nil
}

// take removes p from the table if it is still pending. The caller that
// gets true owns the resolution.
func (t *Table) take(p *Pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[p.Key] != p {
		return false
	}
	delete(t.pending, p.Key)
	p.timer.Stop()
	t.metrics.SetPending(len(t.pending))
	return true
}

// Resolve delivers reply to the request with the same key. It reports
// whether a pending request was waiting; late and duplicate replies
// return false.
func (t *Table) Resolve(reply protocol.Reply) bool {
	key := reply.CorrelationKey()
	t.mu.Lock()
	p, ok := t.pending[key]
	t.mu.Unlock()
	if !ok || !t.take(p) {
		t.metrics.IncOrphanReply()
		t.logger.Debug("reply matched no pending request", "key", key.String())
		return false
	}
	p.finish(reply, nil)
	return true
}

func (p *Pending) expire() {
	if !p.table.take(p) {
		return
	}
	p.table.metrics.IncCorrelationTimeout()
	p.table.logger.Warn("request timed out waiting for agent",
		"key", p.Key.String(),
		"agent_id", p.AgentID,
	)
	if p.fallback != nil {
		p.finish(p.fallback(p.Key), nil)
		return
	}
	p.finish(nil, fmt.Errorf("%w: %s", protocol.ErrCorrelationTimeout, p.Key))
}

func (p *Pending) finish(reply protocol.Reply, err error) {
	p.reply = reply
	p.err = err
	close(p.done)
}

// Abandon removes the request without a reply. It reports whether the
// request was still pending.
func (p *Pending) Abandon() bool {
	if !p.table.take(p) {
		return false
	}
	p.finish(nil, context.Canceled)
	return true
}

// Done is closed once the request is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request resolves or ctx is done. A ctx ending
// first abandons the request.
func (p *Pending) Wait(ctx context.Context) (protocol.Reply, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		if p.Abandon() {
			return nil, ctx.Err()
		}
		// Resolved concurrently; the result is already set.
		<-p.done
		return p.reply, p.err
	}
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
