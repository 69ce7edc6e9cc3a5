package model

import "errors"

// #region errors
var (
	// ErrConfig is returned for an invalid dimension, ridge or exploration setting.
	ErrConfig = errors.New("invalid model config")

	// ErrDimensionMismatch is returned when a context vector does not match the model dimension
	// or carries non-finite values.
	ErrDimensionMismatch = errors.New("context dimension mismatch")
)

// #endregion errors

// #region config
// Config holds the ridge-regression parameters shared by every arm of an experiment.
type Config struct {
	Dim    int     // context vector length d
	Lambda float64 // ridge regulariser, A starts at Lambda*I
	Alpha  float64 // exploration coefficient applied to confidence widths
}

// DefaultDim is the length of the feature vector produced by the extraction pipeline.
const DefaultDim = 12

// DefaultConfig returns a d=12, lambda=1, alpha=1 configuration.
func DefaultConfig() Config {
	return Config{
		Dim:    DefaultDim,
		Lambda: 1.0,
		Alpha:  1.0,
	}
}

// Validate reports ErrConfig for d<=0, lambda<=0 or alpha<0.
func (c Config) Validate() error {
	switch {
	case c.Dim <= 0:
		return fmtConfig("dimension must be positive, got %d", c.Dim)
	case !(c.Lambda > 0):
		return fmtConfig("lambda must be positive, got %g", c.Lambda)
	case c.Alpha < 0:
		return fmtConfig("alpha must be non-negative, got %g", c.Alpha)
	}
	return nil
}

// #endregion config

// #region prediction
// Prediction is the per-arm estimate for one context vector.
type Prediction struct {
	RewardMean  float64
	RewardWidth float64
	SafetyMean  float64
	SafetyWidth float64
}

// RewardUCB is the optimistic reward estimate.
func (p Prediction) RewardUCB() float64 { return p.RewardMean + p.RewardWidth }

// SafetyUCB is the conservative upper bound on violation probability.
func (p Prediction) SafetyUCB() float64 { return p.SafetyMean + p.SafetyWidth }

// #endregion prediction

// #region snapshot
// Snapshot is the serialisable form of an ArmModel. Matrices are row-major, d*d long.
type Snapshot struct {
	Dim          int       `json:"dim"`
	Lambda       float64   `json:"lambda"`
	AReward      []float64 `json:"a_reward"`
	ARewardInv   []float64 `json:"a_reward_inv"`
	BReward      []float64 `json:"b_reward"`
	ASafety      []float64 `json:"a_safety"`
	ASafetyInv   []float64 `json:"a_safety_inv"`
	BSafety      []float64 `json:"b_safety"`
	Observations int64     `json:"observations"`
}

// #endregion snapshot
