package critic

import (
	"errors"
	"time"

	"github.com/mintenance/critic-controller/internal/state"
)

// ErrInvalidArms is returned when the candidate set is empty, repeats an id, or does not
// carry exactly one safe default.
var ErrInvalidArms = errors.New("invalid candidate arms")

// Fallback reasons recorded on decisions that bypass normal selection.
const (
	ReasonInvalidContext         = "invalid_context"
	ReasonSafeDefaultUnavailable = "safe_default_unavailable"
	ReasonTimeout                = "timeout"
	ReasonNoEligibleArms         = "no_eligible_arms"
)

// #region config
// Config tunes the decide path.
type Config struct {
	SafetyThreshold float64       // max safety UCB for a non-default arm
	DecideTimeout   time.Duration // bound on model reads per decide call
	PersistTimeout  time.Duration // bound on the decision insert
}

// DefaultConfig returns threshold 0.2 and conservative timeouts.
func DefaultConfig() Config {
	return Config{
		SafetyThreshold: 0.2,
		DecideTimeout:   250 * time.Millisecond,
		PersistTimeout:  2 * time.Second,
	}
}

// #endregion config

// #region request
// Request is one decide call.
type Request struct {
	ExperimentID string
	Arms         []state.Arm
	Context      []float64
	Category     string
}

// #endregion request
