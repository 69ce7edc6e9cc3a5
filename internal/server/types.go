package server

import "time"

// #region requests
// DecideRequest is the body of POST /v1/experiments/:experiment/decide. Either
// context_vector or signals should be set; signals go through the feature service.
type DecideRequest struct {
	ContextVector []float64      `json:"context_vector"`
	Signals       map[string]any `json:"signals"`
	CandidateArms []string       `json:"candidate_arms"`
	Category      string         `json:"category"`
}

// FeedbackRequest is the body of POST /v1/feedback.
type FeedbackRequest struct {
	DecisionID         string `json:"decision_id" binding:"required"`
	ValidatorID        string `json:"validator_id" binding:"required"`
	IsCorrect          *bool  `json:"is_correct" binding:"required"`
	HasSafetyViolation bool   `json:"has_safety_violation"`
	Category           string `json:"category"`
}

// BatchFeedbackRequest is the body of POST /v1/feedback/batch.
type BatchFeedbackRequest struct {
	DecisionIDs []string `json:"decision_ids" binding:"required,min=1,max=1000,dive,required"`
	ValidatorID string   `json:"validator_id" binding:"required"`
}

// #endregion requests

// #region responses
// DecisionResponse is the frozen decision returned to the caller.
type DecisionResponse struct {
	DecisionID     string    `json:"decision_id"`
	ExperimentID   string    `json:"experiment_id"`
	ArmID          string    `json:"arm_id"`
	RewardEstimate float64   `json:"reward_estimate"`
	RewardBound    float64   `json:"reward_bound"`
	SafetyEstimate float64   `json:"safety_estimate"`
	SafetyBound    float64   `json:"safety_bound"`
	Fallback       bool      `json:"fallback"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
	ChosenAt       time.Time `json:"chosen_at"`
}

// FeedbackResponse reports the collect status. Internal failures are not exposed.
type FeedbackResponse struct {
	DecisionID string `json:"decision_id"`
	Status     string `json:"status"`
}

// ArmSummary describes one arm model of an experiment.
type ArmSummary struct {
	ArmID        string    `json:"arm_id"`
	Label        string    `json:"label"`
	SafeDefault  bool      `json:"safe_default"`
	Observations int64     `json:"observations"`
	Version      int64     `json:"version"`
	Theta        []float64 `json:"theta,omitempty"`
	Phi          []float64 `json:"phi,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// #endregion responses
