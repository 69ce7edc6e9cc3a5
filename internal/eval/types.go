package eval

// #region eval-config
// EvalConfig holds tolerances for arm model health checks.
type EvalConfig struct {
	MaxInverseDrift float64 // max |A*A^{-1} - I| entry before the inverse is re-derived
	MaxAsymmetry    float64 // max |A_ij - A_ji|
	MaxThetaNorm    float64 // 0 disables; flags runaway coefficients
}

// DefaultEvalConfig returns tolerances suited to d=12 float64 statistics.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MaxInverseDrift: 1e-6,
		MaxAsymmetry:    1e-9,
		MaxThetaNorm:    0,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string
	Value float64
	Pass  bool
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of a health check. Passed is false only for defects that make
// the model unusable; NeedsRefresh flags recoverable inverse drift.
type EvalResult struct {
	Passed       bool
	NeedsRefresh bool
	Metrics      []EvalMetric
	Reason       string
}

// #endregion eval-result
