package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mintenance/critic-controller/internal/model"
)

// #region errors
var (
	// ErrModelNotFound is returned when no persisted model exists for an arm.
	ErrModelNotFound = errors.New("arm model not found")

	// ErrDecisionNotFound is returned when a decision id is unknown.
	ErrDecisionNotFound = errors.New("decision not found")

	// ErrConflict is returned by a compare-and-swap write whose expected version is stale.
	ErrConflict = errors.New("arm model version conflict")

	// ErrPersistenceTimeout wraps context deadline failures on storage I/O.
	ErrPersistenceTimeout = errors.New("persistence timeout")
)

// #endregion errors

// #region arm
// ArmKey addresses one arm model within one experiment.
type ArmKey struct {
	ExperimentID string
	ArmID        string
}

func (k ArmKey) String() string { return k.ExperimentID + "/" + k.ArmID }

// Arm is one decision option. Exactly one arm per experiment is the safe default.
type Arm struct {
	ID          string `json:"id" yaml:"id"`
	Label       string `json:"label" yaml:"label"`
	SafeDefault bool   `json:"safe_default" yaml:"safe_default"`
}

// #endregion arm

// #region arm-record
// ArmRecord is the persisted row for one arm model. Version is the compare-and-swap token:
// zero means never persisted.
type ArmRecord struct {
	Key       ArmKey
	Snapshot  model.Snapshot
	Version   int64
	UpdatedAt time.Time
}

// #endregion arm-record

// #region decision
// Decision is the frozen output of one decide call.
type Decision struct {
	ID             string    `json:"id"`
	ExperimentID   string    `json:"experiment_id"`
	ArmID          string    `json:"arm_id"`
	ContextVector  []float64 `json:"context_vector"`
	RewardEstimate float64   `json:"reward_estimate"`
	RewardBound    float64   `json:"reward_bound"`
	SafetyEstimate float64   `json:"safety_estimate"`
	SafetyBound    float64   `json:"safety_bound"`
	Category       string    `json:"category,omitempty"`
	Fallback       bool      `json:"fallback"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	ChosenAt       time.Time `json:"chosen_at"`
}

// Key returns the arm the decision was made for.
func (d Decision) Key() ArmKey {
	return ArmKey{ExperimentID: d.ExperimentID, ArmID: d.ArmID}
}

// #endregion decision

// #region outcome
// Outcome is the validated result for one decision. DecisionID is the idempotency key.
type Outcome struct {
	DecisionID      string    `json:"decision_id"`
	Reward          float64   `json:"reward"`
	SafetyViolation bool      `json:"safety_violation"`
	Category        string    `json:"category,omitempty"`
	ValidatedBy     string    `json:"validated_by"`
	ValidatedAt     time.Time `json:"validated_at"`
}

// #endregion outcome

// #region backend
// Backend is the persistence service behind the ModelStore and the feedback loop.
type Backend interface {
	LoadArm(ctx context.Context, key ArmKey) (ArmRecord, error)
	// SaveArm writes rec when the stored version equals expected (0 = not yet stored)
	// and stores rec.Version. Returns ErrConflict otherwise.
	SaveArm(ctx context.Context, rec ArmRecord, expected int64) error
	ListArms(ctx context.Context, experimentID string) ([]ArmRecord, error)

	InsertDecision(ctx context.Context, d Decision) error
	GetDecision(ctx context.Context, id string) (Decision, error)
	ListDecisions(ctx context.Context, experimentID string, limit int) ([]Decision, error)

	HasOutcome(ctx context.Context, decisionID string) (bool, error)
	// InsertOutcome is idempotent on DecisionID; inserted is false when a row already existed.
	InsertOutcome(ctx context.Context, o Outcome) (inserted bool, err error)

	Close() error
}

// #endregion backend

// #region helpers
// classify maps context deadline failures onto ErrPersistenceTimeout.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrPersistenceTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// #endregion helpers
