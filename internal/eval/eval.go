package eval

import (
	"fmt"
	"math"

	"github.com/mintenance/critic-controller/internal/model"
)

// #region eval-harness
// EvalHarness validates an arm model after an update and before it is published.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run checks positive-definiteness, symmetry, finiteness and inverse drift.
func (h *EvalHarness) Run(m *model.ArmModel) EvalResult {
	var metrics []EvalMetric
	passed := true
	var failReasons []string

	// 1. Positive-definiteness of both A matrices
	pd := m.PositiveDefinite()
	metrics = append(metrics, EvalMetric{Name: "positive_definite", Value: boolValue(pd), Pass: pd})
	if !pd {
		passed = false
		failReasons = append(failReasons, "A matrix not positive definite")
	}

	// 2. Symmetry
	asym := math.Max(asymmetry(m.RewardMatrix()), asymmetry(m.SafetyMatrix()))
	symPass := asym <= h.config.MaxAsymmetry
	metrics = append(metrics, EvalMetric{Name: "asymmetry", Value: asym, Pass: symPass})
	if !symPass {
		passed = false
		failReasons = append(failReasons, fmt.Sprintf("asymmetry %.3g exceeds %.3g", asym, h.config.MaxAsymmetry))
	}

	// 3. Finite coefficients
	finite := m.Finite()
	metrics = append(metrics, EvalMetric{Name: "finite_coefficients", Value: boolValue(finite), Pass: finite})
	if !finite {
		passed = false
		failReasons = append(failReasons, "theta or phi not finite")
	}

	// 4. Coefficient norm, informational unless configured
	thetaNorm := norm(m.Theta())
	thetaPass := h.config.MaxThetaNorm <= 0 || thetaNorm <= h.config.MaxThetaNorm
	metrics = append(metrics, EvalMetric{Name: "theta_norm", Value: thetaNorm, Pass: thetaPass})
	if !thetaPass {
		passed = false
		failReasons = append(failReasons, fmt.Sprintf("theta norm %.4f exceeds %.4f", thetaNorm, h.config.MaxThetaNorm))
	}

	// 5. Inverse drift: recoverable, does not fail
	drift := m.InverseDrift()
	driftPass := drift <= h.config.MaxInverseDrift
	metrics = append(metrics, EvalMetric{Name: "inverse_drift", Value: drift, Pass: driftPass})

	reason := "all checks passed"
	if !driftPass {
		reason = fmt.Sprintf("inverse drift %.3g exceeds %.3g", drift, h.config.MaxInverseDrift)
	}
	if !passed {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
		if len(failReasons) > 1 {
			reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
		}
	}

	return EvalResult{
		Passed:       passed,
		NeedsRefresh: passed && !driftPass,
		Metrics:      metrics,
		Reason:       reason,
	}
}

// #endregion eval-harness

// #region helpers
func asymmetry(a [][]float64) float64 {
	var worst float64
	for i := range a {
		for j := i + 1; j < len(a); j++ {
			if d := math.Abs(a[i][j] - a[j][i]); d > worst {
				worst = d
			}
		}
	}
	return worst
}

func norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
