// ABOUTME: Ordered, non-blocking outbound message buffer that survives disconnects
// ABOUTME: At its bound it evicts run output first and never evicts results or replies

package sandboxagent

import (
	"log/slog"
	"sync"

	"github.com/2389/sandbox-fleet/internal/protocol"
)

// defaultOutboxLimit bounds buffered frames while disconnected.
const defaultOutboxLimit = 10000

// frameClass orders frames by how cheaply they can be lost.
type frameClass int

const (
	// classOutput frames are run_output chunks, evicted first.
	classOutput frameClass = iota
	// classProgress frames are run_started notices, evicted once no output is left.
	classProgress
	// classTerminal frames answer a request and are never evicted.
	classTerminal
)

func classOf(msg any) frameClass {
	switch msg.(type) {
	case *protocol.RunOutput:
		return classOutput
	case *protocol.RunStarted:
		return classProgress
	default:
		return classTerminal
	}
}

type outFrame struct {
	data  []byte
	class frameClass
}

// outbox queues encoded frames for the writer loop. Emit never blocks.
type outbox struct {
	mu      sync.Mutex
	frames  []*outFrame
	limit   int
	dropped int
	ready   chan struct{}
	logger  *slog.Logger
}

func newOutbox(limit int, logger *slog.Logger) *outbox {
	if limit <= 0 {
		limit = defaultOutboxLimit
	}
	return &outbox{limit: limit, ready: make(chan struct{}, 1), logger: logger}
}

// Emit encodes msg and appends it. When the buffer is full the oldest
// run_output frame is discarded, then the oldest run_started. Results and
// replies are kept even past the bound.
func (o *outbox) Emit(msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		o.logger.Error("encoding outbound message", "error", err)
		return
	}

	o.mu.Lock()
	if len(o.frames) >= o.limit {
		o.evictLocked()
	}
	o.frames = append(o.frames, &outFrame{data: data, class: classOf(msg)})
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
}

func (o *outbox) evictLocked() {
	for class := classOutput; class < classTerminal; class++ {
		for i, f := range o.frames {
			if f.class != class {
				continue
			}
			copy(o.frames[i:], o.frames[i+1:])
			o.frames[len(o.frames)-1] = nil
			o.frames = o.frames[:len(o.frames)-1]
			o.dropped++
			o.logger.Warn("outbox full, dropping buffered message", "class", class, "dropped", o.dropped)
			return
		}
	}
	o.logger.Warn("outbox over limit with only results buffered", "buffered", len(o.frames), "limit", o.limit)
}

// peek returns the oldest frame without removing it.
func (o *outbox) peek() (*outFrame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return nil, false
	}
	return o.frames[0], true
}

// pop removes f after it was written. It is a no-op when f was evicted
// while the write was in flight.
func (o *outbox) pop(f *outFrame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) > 0 && o.frames[0] == f {
		o.frames[0] = nil
		o.frames = o.frames[1:]
	}
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}
