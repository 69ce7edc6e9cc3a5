package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// #region audit-logger
// AuditLogger records append-only audit events.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// DBAuditLogger writes audit events to the audit_log table.
type DBAuditLogger struct {
	db *sql.DB
}

// NewDBAuditLogger wraps a database that already carries the audit_log table.
func NewDBAuditLogger(db *sql.DB) *DBAuditLogger {
	return &DBAuditLogger{db: db}
}

func (l *DBAuditLogger) Record(ctx context.Context, entry AuditEntry) error {
	return LogEvent(ctx, l.db, entry)
}

// MemoryAuditLogger keeps events in memory. Used by replay runs.
type MemoryAuditLogger struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (l *MemoryAuditLogger) Record(_ context.Context, entry AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a copy of the recorded events in insertion order.
func (l *MemoryAuditLogger) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]AuditEntry(nil), l.entries...)
}

// #endregion audit-logger

// #region log-event
// LogEvent writes an audit entry to the audit_log table.
func LogEvent(ctx context.Context, db *sql.DB, entry AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_log (event_type, experiment_id, arm_id, decision_id, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(entry.EventType),
		nullIfEmpty(entry.ExperimentID),
		nullIfEmpty(entry.ArmID),
		nullIfEmpty(entry.DecisionID),
		nullIfEmpty(entry.PayloadJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log event %s: %w", entry.EventType, err)
	}
	return nil
}

// ListEvents returns the newest audit entries, optionally filtered by event type.
func ListEvents(ctx context.Context, db *sql.DB, eventType EventType, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT event_type, experiment_id, arm_id, decision_id, payload_json, created_at
		 FROM audit_log WHERE (? = '' OR event_type = ?) ORDER BY id DESC LIMIT ?`,
		string(eventType), string(eventType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                               AuditEntry
			kind, createdAt                 string
			experiment, arm, decision, body sql.NullString
		)
		if err := rows.Scan(&kind, &experiment, &arm, &decision, &body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventType = EventType(kind)
		e.ExperimentID = experiment.String
		e.ArmID = arm.String
		e.DecisionID = decision.String
		e.PayloadJSON = body.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Payload marshals v for AuditEntry.PayloadJSON. Marshal failures yield an empty payload.
func Payload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// #endregion log-event

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
