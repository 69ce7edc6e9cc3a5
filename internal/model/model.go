package model

import (
	"fmt"
	"math"
)

// #region arm-model
// ArmModel holds the ridge-regression sufficient statistics for one arm: a reward regression
// and a safety regression over the same context vectors. Each model owns its matrices;
// accessors return copies.
//
// ArmModel is not safe for concurrent mutation. Callers publish a Clone to readers and
// serialize Update per arm (see state.ModelStore).
type ArmModel struct {
	cfg Config

	aReward    []float64
	aRewardInv []float64
	bReward    []float64
	theta      []float64

	aSafety    []float64
	aSafetyInv []float64
	bSafety    []float64
	phi        []float64

	observations int64
}

// New returns a zero-state model: both A matrices at Lambda*I, both b vectors at zero.
func New(cfg Config) (*ArmModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := cfg.Dim
	m := &ArmModel{
		cfg:        cfg,
		aReward:    scaledIdentity(d, cfg.Lambda),
		aRewardInv: scaledIdentity(d, 1/cfg.Lambda),
		bReward:    make([]float64, d),
		aSafety:    scaledIdentity(d, cfg.Lambda),
		aSafetyInv: scaledIdentity(d, 1/cfg.Lambda),
		bSafety:    make([]float64, d),
	}
	m.recompute()
	return m, nil
}

// FromSnapshot rebuilds a model from persisted statistics. Alpha is taken from cfg since it is
// tuning, not state; Dim and Lambda must agree with the snapshot.
func FromSnapshot(s Snapshot, cfg Config) (*ArmModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if s.Dim != cfg.Dim {
		return nil, fmt.Errorf("%w: snapshot dim %d, configured %d", ErrDimensionMismatch, s.Dim, cfg.Dim)
	}
	if !(s.Lambda > 0) {
		return nil, fmtConfig("snapshot lambda must be positive, got %g", s.Lambda)
	}
	d := cfg.Dim
	for name, v := range map[string][]float64{
		"a_reward": s.AReward, "a_reward_inv": s.ARewardInv,
		"a_safety": s.ASafety, "a_safety_inv": s.ASafetyInv,
	} {
		if len(v) != d*d {
			return nil, fmt.Errorf("snapshot %s: expected %d values, got %d", name, d*d, len(v))
		}
	}
	if len(s.BReward) != d || len(s.BSafety) != d {
		return nil, fmt.Errorf("snapshot b vectors: expected %d values", d)
	}
	cfg.Lambda = s.Lambda
	m := &ArmModel{
		cfg:          cfg,
		aReward:      cloneFloats(s.AReward),
		aRewardInv:   cloneFloats(s.ARewardInv),
		bReward:      cloneFloats(s.BReward),
		aSafety:      cloneFloats(s.ASafety),
		aSafetyInv:   cloneFloats(s.ASafetyInv),
		bSafety:      cloneFloats(s.BSafety),
		observations: s.Observations,
	}
	m.recompute()
	return m, nil
}

// #endregion arm-model

// #region predict
// Predict returns the reward and safety means with their alpha-scaled confidence widths.
func (m *ArmModel) Predict(x []float64) (Prediction, error) {
	if err := m.checkContext(x); err != nil {
		return Prediction{}, err
	}
	d := m.cfg.Dim
	return Prediction{
		RewardMean:  dot(x, m.theta),
		RewardWidth: m.cfg.Alpha * math.Sqrt(math.Max(0, quadForm(m.aRewardInv, x, d))),
		SafetyMean:  dot(x, m.phi),
		SafetyWidth: m.cfg.Alpha * math.Sqrt(math.Max(0, quadForm(m.aSafetyInv, x, d))),
	}, nil
}

// #endregion predict

// #region update
// Update folds one observation into both regressions. It is the only mutator.
// reward is 0 or 1 today; any finite value is accepted. safety is the violation indicator.
func (m *ArmModel) Update(x []float64, reward, safety float64) error {
	if err := m.checkContext(x); err != nil {
		return err
	}
	if !allFinite([]float64{reward, safety}) {
		return fmt.Errorf("non-finite observation reward=%v safety=%v", reward, safety)
	}
	d := m.cfg.Dim

	addOuter(m.aReward, x, d)
	shermanMorrison(m.aRewardInv, x, d)
	addOuter(m.aSafety, x, d)
	shermanMorrison(m.aSafetyInv, x, d)
	for i, xi := range x {
		m.bReward[i] += reward * xi
		m.bSafety[i] += safety * xi
	}

	m.observations++
	m.recompute()
	return nil
}

// #endregion update

// #region refresh
// Refresh recomputes both inverses from the A matrices by Cholesky factorisation,
// discarding any accumulated Sherman-Morrison rounding drift.
func (m *ArmModel) Refresh() error {
	d := m.cfg.Dim
	rInv, err := invertSPD(m.aReward, d)
	if err != nil {
		return fmt.Errorf("refresh reward inverse: %w", err)
	}
	sInv, err := invertSPD(m.aSafety, d)
	if err != nil {
		return fmt.Errorf("refresh safety inverse: %w", err)
	}
	m.aRewardInv = rInv
	m.aSafetyInv = sInv
	m.recompute()
	return nil
}

// #endregion refresh

// #region accessors
// Clone returns a deep copy sharing no backing arrays.
func (m *ArmModel) Clone() *ArmModel {
	return &ArmModel{
		cfg:          m.cfg,
		aReward:      cloneFloats(m.aReward),
		aRewardInv:   cloneFloats(m.aRewardInv),
		bReward:      cloneFloats(m.bReward),
		theta:        cloneFloats(m.theta),
		aSafety:      cloneFloats(m.aSafety),
		aSafetyInv:   cloneFloats(m.aSafetyInv),
		bSafety:      cloneFloats(m.bSafety),
		phi:          cloneFloats(m.phi),
		observations: m.observations,
	}
}

// Snapshot returns the persisted form of the model.
func (m *ArmModel) Snapshot() Snapshot {
	return Snapshot{
		Dim:          m.cfg.Dim,
		Lambda:       m.cfg.Lambda,
		AReward:      cloneFloats(m.aReward),
		ARewardInv:   cloneFloats(m.aRewardInv),
		BReward:      cloneFloats(m.bReward),
		ASafety:      cloneFloats(m.aSafety),
		ASafetyInv:   cloneFloats(m.aSafetyInv),
		BSafety:      cloneFloats(m.bSafety),
		Observations: m.observations,
	}
}

func (m *ArmModel) Config() Config      { return m.cfg }
func (m *ArmModel) Dim() int            { return m.cfg.Dim }
func (m *ArmModel) Observations() int64 { return m.observations }

func (m *ArmModel) Theta() []float64 { return cloneFloats(m.theta) }
func (m *ArmModel) Phi() []float64   { return cloneFloats(m.phi) }

func (m *ArmModel) RewardMatrix() [][]float64  { return rows(m.aReward, m.cfg.Dim) }
func (m *ArmModel) RewardInverse() [][]float64 { return rows(m.aRewardInv, m.cfg.Dim) }
func (m *ArmModel) RewardVector() []float64    { return cloneFloats(m.bReward) }
func (m *ArmModel) SafetyMatrix() [][]float64  { return rows(m.aSafety, m.cfg.Dim) }
func (m *ArmModel) SafetyInverse() [][]float64 { return rows(m.aSafetyInv, m.cfg.Dim) }
func (m *ArmModel) SafetyVector() []float64    { return cloneFloats(m.bSafety) }

// #endregion accessors

// #region helpers
func (m *ArmModel) recompute() {
	d := m.cfg.Dim
	m.theta = matVec(m.aRewardInv, m.bReward, d)
	m.phi = matVec(m.aSafetyInv, m.bSafety, d)
}

func (m *ArmModel) checkContext(x []float64) error {
	if len(x) != m.cfg.Dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(x), m.cfg.Dim)
	}
	if !allFinite(x) {
		return fmt.Errorf("%w: non-finite component", ErrDimensionMismatch)
	}
	return nil
}

func fmtConfig(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...)
}

// PositiveDefinite reports whether both A matrices admit a Cholesky factorisation.
func (m *ArmModel) PositiveDefinite() bool {
	d := m.cfg.Dim
	if _, err := cholesky(m.aReward, d); err != nil {
		return false
	}
	_, err := cholesky(m.aSafety, d)
	return err == nil
}

// InverseDrift returns the worst entry of A*A^{-1} - I across both regressions.
func (m *ArmModel) InverseDrift() float64 {
	d := m.cfg.Dim
	return math.Max(identityDrift(m.aReward, m.aRewardInv, d), identityDrift(m.aSafety, m.aSafetyInv, d))
}

// Finite reports whether theta and phi are free of NaN and Inf.
func (m *ArmModel) Finite() bool {
	return allFinite(m.theta) && allFinite(m.phi)
}

// #endregion helpers
