package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE audit_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type    TEXT NOT NULL,
		experiment_id TEXT,
		arm_id        TEXT,
		decision_id   TEXT,
		payload_json  TEXT,
		created_at    TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

// #endregion helpers

// #region log-event-tests
func TestLogEvent_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	entry := AuditEntry{
		EventType:    EventOutcome,
		ExperimentID: "exp-1",
		ArmID:        "automate",
		DecisionID:   "d-1",
		PayloadJSON:  Payload(OutcomeRecord{DecisionID: "d-1", Reward: 1}),
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := LogEvent(context.Background(), db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	var eventType, payload string
	db.QueryRow("SELECT event_type, payload_json FROM audit_log").Scan(&eventType, &payload)
	if eventType != "outcome" {
		t.Errorf("expected event_type 'outcome', got %q", eventType)
	}
	var rec OutcomeRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if rec.Reward != 1 || rec.DecisionID != "d-1" {
		t.Errorf("unexpected payload %+v", rec)
	}
}

func TestLogEvent_ZeroCreatedAt(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	before := time.Now().UTC()
	if err := LogEvent(context.Background(), db, AuditEntry{EventType: EventReset}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var createdAtStr string
	db.QueryRow("SELECT created_at FROM audit_log").Scan(&createdAtStr)
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		t.Fatalf("parse created_at: %v", err)
	}
	if createdAt.Before(before) {
		t.Error("expected auto-filled created_at to be >= test start time")
	}
}

func TestLogEvent_EmptyOptionalFields(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	if err := LogEvent(context.Background(), db, AuditEntry{EventType: EventFeedbackSkipped}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var experiment, arm, decision, payload sql.NullString
	db.QueryRow("SELECT experiment_id, arm_id, decision_id, payload_json FROM audit_log").Scan(
		&experiment, &arm, &decision, &payload,
	)
	if experiment.Valid || arm.Valid || decision.Valid || payload.Valid {
		t.Error("expected NULL for empty optional fields")
	}
}

func TestLogEvent_Error(t *testing.T) {
	db := setupDB(t)
	db.Close() // close to force error

	if err := LogEvent(context.Background(), db, AuditEntry{EventType: EventDecision}); err == nil {
		t.Fatal("expected error on closed db")
	}
}

func TestListEvents_FilterAndOrder(t *testing.T) {
	db := setupDB(t)
	defer db.Close()
	logger := NewDBAuditLogger(db)
	ctx := context.Background()

	for _, e := range []AuditEntry{
		{EventType: EventDecision, DecisionID: "d-1"},
		{EventType: EventOutcome, DecisionID: "d-1"},
		{EventType: EventDecision, DecisionID: "d-2"},
	} {
		if err := logger.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := ListEvents(ctx, db, EventDecision, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 decision events, got %d", len(got))
	}
	if got[0].DecisionID != "d-2" {
		t.Errorf("expected newest first, got %s", got[0].DecisionID)
	}

	all, err := ListEvents(ctx, db, "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 events, got %d", len(all))
	}
}

// #endregion log-event-tests

func TestMemoryAuditLogger(t *testing.T) {
	l := &MemoryAuditLogger{}
	l.Record(context.Background(), AuditEntry{EventType: EventOutcome, DecisionID: "a"})
	l.Record(context.Background(), AuditEntry{EventType: EventOutcome, DecisionID: "b"})

	got := l.Entries()
	if len(got) != 2 || got[0].DecisionID != "a" || got[1].CreatedAt.IsZero() {
		t.Fatalf("unexpected entries %+v", got)
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("warn", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error should be enabled at warn level")
	}

	if _, err := NewLogger("loud", true); err == nil {
		t.Error("expected error for unknown level")
	}
}

// #region null-if-empty-tests
func TestNullIfEmpty_Empty(t *testing.T) {
	if result := nullIfEmpty(""); result != nil {
		t.Errorf("expected nil for empty string, got %v", result)
	}
}

func TestNullIfEmpty_NonEmpty(t *testing.T) {
	if result := nullIfEmpty("hello"); result != "hello" {
		t.Errorf("expected 'hello', got %v", result)
	}
}

// #endregion null-if-empty-tests
