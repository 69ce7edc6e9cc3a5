package gate

import "github.com/mintenance/critic-controller/internal/model"

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoSafetyBound   VetoType = "safety_bound"
	VetoNonFinite     VetoType = "non_finite_estimate"
	VetoUnknownSafety VetoType = "unknown_safety"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType
	Reason string
}

// #endregion veto-signal

// #region gate-config
// GateConfig holds thresholds for gate decisions.
type GateConfig struct {
	SafetyThreshold float64 // max safety UCB for a non-default arm
}

// DefaultGateConfig returns a conservative starting threshold.
func DefaultGateConfig() GateConfig {
	return GateConfig{SafetyThreshold: 0.2}
}

// #endregion gate-config

// #region candidate
// Candidate is one arm with its confidence-bounded estimates.
type Candidate struct {
	ArmID       string
	SafeDefault bool
	Prediction  model.Prediction
}

// #endregion candidate

// #region gate-decision
// GateDecision is the output of the gate evaluation for one arm.
type GateDecision struct {
	ArmID       string
	Action      string // "eligible" | "reject"
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal // non-empty if vetoed
	SafetyUCB   float64
}

// #endregion gate-decision
