// ABOUTME: In-memory fan-out of run events to subscribers of a project id.
// ABOUTME: Non-blocking publish; subscriptions end with their context.

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 256

// Event is one agent message relayed to project observers.
type Event struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId"`
	RequestID string          `json:"requestId,omitempty"`
	AgentID   string          `json:"agentId"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// Hub provides in-memory pub/sub of Events by project id.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // projectID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for events of projectID. The returned
// channel is closed when ctx is done, on Unsubscribe, or on Close.
func (h *Hub) Subscribe(ctx context.Context, projectID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := h.subscribers[projectID]; !ok {
		h.subscribers[projectID] = make(map[string]chan *Event)
	}
	h.subscribers[projectID][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "project_id", projectID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(projectID, subID)
	}()
	return ch, subID
}

// Publish sends ev to every subscriber of ev.ProjectID. Events are dropped
// for subscribers whose channels are full.
func (h *Hub) Publish(ev *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for subID, ch := range h.subscribers[ev.ProjectID] {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropped event for slow subscriber",
				"project_id", ev.ProjectID,
				"sub_id", subID,
				"type", ev.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(projectID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[projectID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, projectID)
	}
	h.logger.Debug("subscriber removed", "project_id", projectID, "sub_id", subID)
}

// Subscribers returns the subscriber count for projectID.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[projectID])
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for projectID, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, projectID)
	}
	h.closed = true
}
