package state

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS arm_models (
	experiment_id TEXT NOT NULL,
	arm_id        TEXT NOT NULL,
	dim           INTEGER NOT NULL,
	lambda        REAL NOT NULL,
	a_reward      BLOB NOT NULL,
	a_reward_inv  BLOB NOT NULL,
	b_reward      BLOB NOT NULL,
	a_safety      BLOB NOT NULL,
	a_safety_inv  BLOB NOT NULL,
	b_safety      BLOB NOT NULL,
	observations  INTEGER NOT NULL DEFAULT 0,
	version       INTEGER NOT NULL,
	updated_at    TEXT NOT NULL,
	PRIMARY KEY (experiment_id, arm_id)
);

CREATE TABLE IF NOT EXISTS decisions (
	decision_id     TEXT PRIMARY KEY,
	experiment_id   TEXT NOT NULL,
	arm_id          TEXT NOT NULL,
	context_vector  BLOB NOT NULL,
	reward_estimate REAL NOT NULL,
	reward_bound    REAL NOT NULL,
	safety_estimate REAL NOT NULL,
	safety_bound    REAL NOT NULL,
	category        TEXT,
	fallback        INTEGER NOT NULL DEFAULT 0,
	fallback_reason TEXT,
	chosen_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_experiment ON decisions (experiment_id, chosen_at);

CREATE TABLE IF NOT EXISTS outcomes (
	decision_id      TEXT PRIMARY KEY,
	reward           REAL NOT NULL,
	safety_violation INTEGER NOT NULL,
	category         TEXT,
	validated_by     TEXT NOT NULL,
	validated_at     TEXT NOT NULL,
	FOREIGN KEY (decision_id) REFERENCES decisions(decision_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type    TEXT NOT NULL,
	experiment_id TEXT,
	arm_id        TEXT,
	decision_id   TEXT,
	payload_json  TEXT,
	created_at    TEXT NOT NULL
);
`

// #endregion schema

// #region store-struct
// Store is the SQLite Backend.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already-migrated database.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the schema to db.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion db-accessor

// #region arm-models
const armColumns = `experiment_id, arm_id, dim, lambda, a_reward, a_reward_inv, b_reward,
	a_safety, a_safety_inv, b_safety, observations, version, updated_at`

// LoadArm reads one arm model. Returns ErrModelNotFound when absent.
func (s *Store) LoadArm(ctx context.Context, key ArmKey) (ArmRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+armColumns+` FROM arm_models WHERE experiment_id = ? AND arm_id = ?`,
		key.ExperimentID, key.ArmID,
	)
	rec, err := scanArm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ArmRecord{}, fmt.Errorf("load arm %s: %w", key, ErrModelNotFound)
	}
	if err != nil {
		return ArmRecord{}, classify(fmt.Sprintf("load arm %s", key), err)
	}
	return rec, nil
}

// SaveArm performs the versioned compare-and-swap write.
func (s *Store) SaveArm(ctx context.Context, rec ArmRecord, expected int64) error {
	snap := rec.Snapshot
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	var res sql.Result
	var err error
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO arm_models (`+armColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(experiment_id, arm_id) DO NOTHING`,
			rec.Key.ExperimentID, rec.Key.ArmID, snap.Dim, snap.Lambda,
			encodeFloats(snap.AReward), encodeFloats(snap.ARewardInv), encodeFloats(snap.BReward),
			encodeFloats(snap.ASafety), encodeFloats(snap.ASafetyInv), encodeFloats(snap.BSafety),
			snap.Observations, rec.Version, updated.Format(timeLayout),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE arm_models SET dim = ?, lambda = ?, a_reward = ?, a_reward_inv = ?, b_reward = ?,
				a_safety = ?, a_safety_inv = ?, b_safety = ?, observations = ?, version = ?, updated_at = ?
			 WHERE experiment_id = ? AND arm_id = ? AND version = ?`,
			snap.Dim, snap.Lambda,
			encodeFloats(snap.AReward), encodeFloats(snap.ARewardInv), encodeFloats(snap.BReward),
			encodeFloats(snap.ASafety), encodeFloats(snap.ASafetyInv), encodeFloats(snap.BSafety),
			snap.Observations, rec.Version, updated.Format(timeLayout),
			rec.Key.ExperimentID, rec.Key.ArmID, expected,
		)
	}
	if err != nil {
		return classify(fmt.Sprintf("save arm %s", rec.Key), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save arm %s: rows affected: %w", rec.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("save arm %s at version %d: %w", rec.Key, expected, ErrConflict)
	}
	return nil
}

// ListArms returns every arm model of an experiment, or of all experiments when empty.
func (s *Store) ListArms(ctx context.Context, experimentID string) ([]ArmRecord, error) {
	query := `SELECT ` + armColumns + ` FROM arm_models`
	var args []any
	if experimentID != "" {
		query += ` WHERE experiment_id = ?`
		args = append(args, experimentID)
	}
	query += ` ORDER BY experiment_id, arm_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list arms", err)
	}
	defer rows.Close()

	var records []ArmRecord
	for rows.Next() {
		rec, err := scanArm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan arm: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArm(row scanner) (ArmRecord, error) {
	var rec ArmRecord
	var aR, aRInv, bR, aS, aSInv, bS []byte
	var updatedStr string
	err := row.Scan(
		&rec.Key.ExperimentID, &rec.Key.ArmID, &rec.Snapshot.Dim, &rec.Snapshot.Lambda,
		&aR, &aRInv, &bR, &aS, &aSInv, &bS,
		&rec.Snapshot.Observations, &rec.Version, &updatedStr,
	)
	if err != nil {
		return ArmRecord{}, err
	}
	rec.Snapshot.AReward = decodeFloats(aR)
	rec.Snapshot.ARewardInv = decodeFloats(aRInv)
	rec.Snapshot.BReward = decodeFloats(bR)
	rec.Snapshot.ASafety = decodeFloats(aS)
	rec.Snapshot.ASafetyInv = decodeFloats(aSInv)
	rec.Snapshot.BSafety = decodeFloats(bS)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return rec, nil
}

// #endregion arm-models

// #region decisions
const decisionColumns = `decision_id, experiment_id, arm_id, context_vector, reward_estimate, reward_bound,
	safety_estimate, safety_bound, category, fallback, fallback_reason, chosen_at`

// InsertDecision stores a frozen decision. Re-inserting the same id is a no-op.
func (s *Store) InsertDecision(ctx context.Context, d Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (`+decisionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(decision_id) DO NOTHING`,
		d.ID, d.ExperimentID, d.ArmID, encodeFloats(d.ContextVector),
		d.RewardEstimate, d.RewardBound, d.SafetyEstimate, d.SafetyBound,
		nullIfEmpty(d.Category), boolToInt(d.Fallback), nullIfEmpty(d.FallbackReason),
		d.ChosenAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return classify(fmt.Sprintf("insert decision %s", d.ID), err)
	}
	return nil
}

// GetDecision retrieves a decision by id. Returns ErrDecisionNotFound when absent.
func (s *Store) GetDecision(ctx context.Context, id string) (Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE decision_id = ?`, id,
	)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, fmt.Errorf("get decision %s: %w", id, ErrDecisionNotFound)
	}
	if err != nil {
		return Decision{}, classify(fmt.Sprintf("get decision %s", id), err)
	}
	return d, nil
}

// ListDecisions returns the most recent decisions, newest first.
func (s *Store) ListDecisions(ctx context.Context, experimentID string, limit int) ([]Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions`
	var args []any
	if experimentID != "" {
		query += ` WHERE experiment_id = ?`
		args = append(args, experimentID)
	}
	query += ` ORDER BY chosen_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list decisions", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDecision(row scanner) (Decision, error) {
	var d Decision
	var vec []byte
	var category, reason sql.NullString
	var fallback int
	var chosenStr string
	err := row.Scan(
		&d.ID, &d.ExperimentID, &d.ArmID, &vec,
		&d.RewardEstimate, &d.RewardBound, &d.SafetyEstimate, &d.SafetyBound,
		&category, &fallback, &reason, &chosenStr,
	)
	if err != nil {
		return Decision{}, err
	}
	d.ContextVector = decodeFloats(vec)
	d.Category = category.String
	d.Fallback = fallback != 0
	d.FallbackReason = reason.String
	d.ChosenAt, _ = time.Parse(time.RFC3339Nano, chosenStr)
	return d, nil
}

// #endregion decisions

// #region outcomes
// HasOutcome reports whether an outcome was already recorded for the decision.
func (s *Store) HasOutcome(ctx context.Context, decisionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outcomes WHERE decision_id = ?`, decisionID,
	).Scan(&n)
	if err != nil {
		return false, classify(fmt.Sprintf("check outcome %s", decisionID), err)
	}
	return n > 0, nil
}

// InsertOutcome records an outcome once per decision id.
func (s *Store) InsertOutcome(ctx context.Context, o Outcome) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (decision_id, reward, safety_violation, category, validated_by, validated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(decision_id) DO NOTHING`,
		o.DecisionID, o.Reward, boolToInt(o.SafetyViolation), nullIfEmpty(o.Category),
		o.ValidatedBy, o.ValidatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, classify(fmt.Sprintf("insert outcome %s", o.DecisionID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert outcome %s: rows affected: %w", o.DecisionID, err)
	}
	return n > 0, nil
}

// #endregion outcomes

// #region encoding
// timeLayout keeps a fixed fraction width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeFloats(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeFloats(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion encoding

var _ Backend = (*Store)(nil)
