// ABOUTME: SQLite implementation of FleetLog using modernc.org/sqlite
// ABOUTME: Provides fleet event persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// memoryPath opens a private in-memory database.
const memoryPath = ":memory:"

// SQLiteStore implements FleetLog using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" keeps the log in
// process memory.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != memoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == memoryPath {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS fleet_events (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id    TEXT NOT NULL UNIQUE,
			agent_id    TEXT NOT NULL,
			kind        TEXT NOT NULL,
			ts_ms       INTEGER NOT NULL,
			detail_json TEXT,

			CHECK (kind IN ('registered', 'replaced', 'disconnected'))
		);

		CREATE INDEX IF NOT EXISTS idx_fleet_events_agent ON fleet_events(agent_id, seq);
		CREATE INDEX IF NOT EXISTS idx_fleet_events_ts ON fleet_events(ts_ms);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// AppendFleetEvent appends a new entry to the fleet log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendFleetEvent(ctx context.Context, e *FleetEvent) error {
	if err := prepare(e, uuid.NewString); err != nil {
		return err
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO fleet_events (event_id, agent_id, kind, ts_ms, detail_json)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.AgentID,
		string(e.Kind),
		e.Timestamp.UnixMilli(),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting fleet event: %w", err)
	}

	s.logger.Debug("appended fleet event",
		"id", e.ID,
		"agent_id", e.AgentID,
		"kind", e.Kind,
	)
	return nil
}

const fleetEventsQuery = `
	SELECT event_id, agent_id, kind, ts_ms, detail_json
	FROM fleet_events
	WHERE (? IS NULL OR agent_id = ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR ts_ms >= ?)
	ORDER BY seq DESC
	LIMIT ?
`

// ListFleetEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListFleetEvents(ctx context.Context, f EventFilter) ([]FleetEvent, error) {
	var kind *string
	if f.Kind != nil {
		k := string(*f.Kind)
		kind = &k
	}
	var since *int64
	if f.Since != nil {
		ms := f.Since.UnixMilli()
		since = &ms
	}

	rows, err := s.db.QueryContext(ctx, fleetEventsQuery,
		f.AgentID, f.AgentID,
		kind, kind,
		since, since,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying fleet events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []FleetEvent{}
	for rows.Next() {
		var e FleetEvent
		var kindStr string
		var tsMs int64
		var detailJSON *string
		if err := rows.Scan(&e.ID, &e.AgentID, &kindStr, &tsMs, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning fleet event: %w", err)
		}
		e.Kind = EventKind(kindStr)
		e.Timestamp = time.UnixMilli(tsMs).UTC()
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fleet events: %w", err)
	}
	return events, nil
}
