package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Event types appended by the engine. The log is an audit trail: the manifest
// alone decides behavior on resume.
const (
	EventSessionStarted   = "session_started"
	EventSessionResumed   = "session_resumed"
	EventSessionCompleted = "session_completed"
	EventSessionFailed    = "session_failed"
	EventSessionCancelled = "session_cancelled"
	EventNodeDispatched   = "node_dispatched"
	EventNodeCompleted    = "node_completed"
	EventNodeFailed       = "node_failed"
	EventNodeRetried      = "node_retried"
	EventNodeSkipped      = "node_skipped"
	EventSpawnApplied     = "spawn_applied"
	EventSpawnRejected    = "spawn_rejected"
	EventSkipApplied      = "skip_applied"
	EventDecisionRaised   = "decision_raised"
	EventDecisionResolved = "decision_resolved"
	EventDeadlock         = "deadlock"
	EventFault            = "fault"
)

// Event is one row of the session audit trail.
type Event struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	NodeID    string                 `json:"node_id,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// EventLog is an append-only record of everything that happened in a session,
// stored in sqlite next to the manifest.
type EventLog struct {
	db *sql.DB
}

const eventSchema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	type TEXT NOT NULL,
	node_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_node ON events(node_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`

func openEventLog(path string) (*EventLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	// The engine appends from several goroutines; the sqlite driver needs a
	// single connection to serialize writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(eventSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event log schema: %w", err)
	}
	return &EventLog{db: db}, nil
}

// Append records one event. Detail may be nil.
func (l *EventLog) Append(eventType, nodeID string, detail map[string]interface{}) error {
	if detail == nil {
		detail = map[string]interface{}{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to encode event detail: %w", err)
	}
	_, err = l.db.Exec(
		`INSERT INTO events (timestamp, type, node_id, detail) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), eventType, nodeID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Recent returns the most recent events, newest first.
func (l *EventLog) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(
		`SELECT id, timestamp, type, node_id, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ByNode returns every event recorded for one node, oldest first.
func (l *EventLog) ByNode(nodeID string) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT id, timestamp, type, node_id, detail FROM events WHERE node_id = ? ORDER BY id ASC`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query node events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountByType returns the number of events per type.
func (l *EventLog) CountByType() (map[string]int, error) {
	rows, err := l.db.Query(`SELECT type, COUNT(*) FROM events GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// Close releases the underlying database.
func (l *EventLog) Close() error {
	return l.db.Close()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			e       Event
			ts      string
			payload string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.NodeID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		if err := json.Unmarshal([]byte(payload), &e.Detail); err != nil {
			e.Detail = map[string]interface{}{"raw": payload}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
