// ABOUTME: FleetLog interface and data types for the manager's agent audit log
// ABOUTME: Records agent registrations and disconnects; queried by the HTTP API

package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidEvent is returned when an event is missing required fields.
var ErrInvalidEvent = errors.New("invalid fleet event")

// EventKind identifies what happened to an agent.
type EventKind string

const (
	EventRegistered   EventKind = "registered"
	EventReplaced     EventKind = "replaced"
	EventDisconnected EventKind = "disconnected"
)

// FleetEvent is one entry in the fleet audit log.
type FleetEvent struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agentId"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"ts"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// EventFilter specifies filtering options for listing fleet events.
type EventFilter struct {
	AgentID *string    // filter by agent
	Kind    *EventKind // filter by kind
	Since   *time.Time // entries at or after this time
	Limit   int        // max results (default 100, max 1000)
}

// FleetLog persists fleet events.
type FleetLog interface {
	AppendFleetEvent(ctx context.Context, e *FleetEvent) error
	ListFleetEvents(ctx context.Context, f EventFilter) ([]FleetEvent, error)
	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// prepare validates e and fills its generated fields.
func prepare(e *FleetEvent, newID func() string) error {
	if e.AgentID == "" || e.Kind == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return nil
}
