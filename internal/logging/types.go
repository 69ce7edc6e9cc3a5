package logging

import "time"

// #region event-type
// EventType names an audit_log row kind.
type EventType string

const (
	EventDecision        EventType = "decision"
	EventOutcome         EventType = "outcome"
	EventFeedbackSkipped EventType = "feedback_skipped"
	EventReset           EventType = "reset"
)

// #endregion event-type

// #region audit-entry
// AuditEntry is a single row in the audit_log table.
type AuditEntry struct {
	EventType    EventType
	ExperimentID string
	ArmID        string
	DecisionID   string
	PayloadJSON  string
	CreatedAt    time.Time
}

// #endregion audit-entry

// #region outcome-record
// OutcomeRecord is the decision/outcome pair serialized into audit_log.payload_json
// when feedback is applied. It carries enough to re-derive the model update.
type OutcomeRecord struct {
	DecisionID      string    `json:"decision_id"`
	ExperimentID    string    `json:"experiment_id"`
	ArmID           string    `json:"arm_id"`
	ContextVector   []float64 `json:"context_vector"`
	RewardEstimate  float64   `json:"reward_estimate"`
	SafetyEstimate  float64   `json:"safety_estimate"`
	Reward          float64   `json:"reward"`
	SafetyViolation bool      `json:"safety_violation"`
	RawSafetyFlag   bool      `json:"raw_safety_flag"`
	Category        string    `json:"category,omitempty"`
	ValidatedBy     string    `json:"validated_by"`
}

// DecisionRecord captures the gate inputs and result for one decide call.
type DecisionRecord struct {
	DecisionID      string             `json:"decision_id"`
	ArmID           string             `json:"arm_id"`
	Fallback        bool               `json:"fallback"`
	FallbackReason  string             `json:"fallback_reason,omitempty"`
	SafetyThreshold float64            `json:"safety_threshold"`
	RewardUCB       map[string]float64 `json:"reward_ucb,omitempty"`
	SafetyUCB       map[string]float64 `json:"safety_ucb,omitempty"`
	Vetoed          []string           `json:"vetoed,omitempty"`
}

// #endregion outcome-record
