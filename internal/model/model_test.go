package model

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T, cfg Config) *ArmModel {
	t.Helper()
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func TestNewRejectsBadConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Dim: 0, Lambda: 1, Alpha: 1},
		{Dim: -3, Lambda: 1, Alpha: 1},
		{Dim: 2, Lambda: 0, Alpha: 1},
		{Dim: 2, Lambda: -1, Alpha: 1},
		{Dim: 2, Lambda: math.NaN(), Alpha: 1},
		{Dim: 2, Lambda: 1, Alpha: -0.5},
	} {
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrConfig, "config %+v", cfg)
	}
}

func TestColdStartPrediction(t *testing.T) {
	m := mustNew(t, Config{Dim: 3, Lambda: 2, Alpha: 1.5})
	x := []float64{1, 2, 2}

	p, err := m.Predict(x)
	require.NoError(t, err)

	// A = 2I, so x^T A^{-1} x = 9/2.
	want := 1.5 * math.Sqrt(4.5)
	assert.Zero(t, p.RewardMean)
	assert.Zero(t, p.SafetyMean)
	assert.InDelta(t, want, p.RewardWidth, 1e-12)
	assert.InDelta(t, want, p.SafetyWidth, 1e-12)
	assert.InDelta(t, want, p.RewardUCB(), 1e-12)
}

func TestColdStartWidthIsMaximal(t *testing.T) {
	m := mustNew(t, Config{Dim: 2, Lambda: 1, Alpha: 1})
	x := []float64{0.6, 0.8}
	before, err := m.Predict(x)
	require.NoError(t, err)

	require.NoError(t, m.Update(x, 1, 0))
	after, err := m.Predict(x)
	require.NoError(t, err)

	assert.Less(t, after.RewardWidth, before.RewardWidth)
	assert.Less(t, after.SafetyWidth, before.SafetyWidth)
}

func TestUpdateNumericScenario(t *testing.T) {
	m := mustNew(t, Config{Dim: 2, Lambda: 1, Alpha: 1})
	x := []float64{1, 0}

	require.NoError(t, m.Update(x, 1, 0))

	assert.Equal(t, [][]float64{{2, 0}, {0, 1}}, m.RewardMatrix())
	assert.Equal(t, []float64{1, 0}, m.RewardVector())
	assert.InDeltaSlice(t, []float64{0.5, 0}, m.Theta(), 1e-12)
	assert.InDeltaSlice(t, []float64{0, 0}, m.Phi(), 1e-12)

	p, err := m.Predict(x)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p.RewardMean, 1e-12)
	assert.InDelta(t, math.Sqrt(0.5), p.RewardWidth, 1e-12)
	assert.Equal(t, int64(1), m.Observations())
}

func TestUpdateSafetyRegression(t *testing.T) {
	m := mustNew(t, Config{Dim: 2, Lambda: 1, Alpha: 1})
	x := []float64{0, 1}

	require.NoError(t, m.Update(x, 0, 1))

	assert.Equal(t, [][]float64{{1, 0}, {0, 2}}, m.SafetyMatrix())
	assert.Equal(t, []float64{0, 1}, m.SafetyVector())
	assert.InDeltaSlice(t, []float64{0, 0.5}, m.Phi(), 1e-12)
	assert.InDeltaSlice(t, []float64{0, 0}, m.Theta(), 1e-12)
}

func TestDimensionMismatch(t *testing.T) {
	m := mustNew(t, Config{Dim: 3, Lambda: 1, Alpha: 1})

	_, err := m.Predict([]float64{1, 2})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = m.Update([]float64{1, 2, 3, 4}, 1, 0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = m.Predict([]float64{1, math.NaN(), 0})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	assert.Zero(t, m.Observations(), "rejected updates must not mutate")
}

func TestUpdateRejectsNonFiniteReward(t *testing.T) {
	m := mustNew(t, Config{Dim: 1, Lambda: 1, Alpha: 1})
	assert.Error(t, m.Update([]float64{1}, math.Inf(1), 0))
	assert.Equal(t, [][]float64{{1}}, m.RewardMatrix())
}

func TestShermanMorrisonMatchesCholeskyInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := mustNew(t, Config{Dim: DefaultDim, Lambda: 0.5, Alpha: 1})

	for i := 0; i < 500; i++ {
		x := make([]float64, DefaultDim)
		for j := range x {
			x[j] = rng.Float64()*2 - 1
		}
		require.NoError(t, m.Update(x, float64(rng.Intn(2)), float64(rng.Intn(2))))
	}

	incremental := m.RewardInverse()
	direct, err := invertSPD(m.aReward, DefaultDim)
	require.NoError(t, err)

	if diff := cmp.Diff(rows(direct, DefaultDim), incremental, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("incremental inverse drifted (-direct +incremental):\n%s", diff)
	}
	assert.Less(t, m.InverseDrift(), 1e-9)
}

func TestPositiveDefiniteAfterManyUpdates(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, lambda := range []float64{1e-6, 0.1, 1, 25} {
		m := mustNew(t, Config{Dim: 4, Lambda: lambda, Alpha: 1})
		for i := 0; i < 200; i++ {
			x := make([]float64, 4)
			for j := range x {
				x[j] = rng.NormFloat64() * 10
			}
			// repeated and degenerate directions included on purpose
			if i%3 == 0 {
				x = []float64{1, 0, 0, 0}
			}
			require.NoError(t, m.Update(x, 1, 0))
			require.True(t, m.PositiveDefinite(), "lambda=%g step=%d", lambda, i)
		}
		assert.True(t, m.Finite())
	}
}

func TestCloneSharesNothing(t *testing.T) {
	m := mustNew(t, Config{Dim: 2, Lambda: 1, Alpha: 1})
	c := m.Clone()

	require.NoError(t, c.Update([]float64{1, 1}, 1, 1))

	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, m.RewardMatrix())
	assert.Zero(t, m.Observations())
	assert.Equal(t, int64(1), c.Observations())

	got := m.RewardMatrix()
	got[0][0] = 99
	assert.Equal(t, 1.0, m.RewardMatrix()[0][0], "accessors must copy")
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := Config{Dim: 3, Lambda: 1, Alpha: 0.7}
	m := mustNew(t, cfg)
	require.NoError(t, m.Update([]float64{1, 0.5, 0}, 1, 0))
	require.NoError(t, m.Update([]float64{0, 0.5, 1}, 0, 1))

	restored, err := FromSnapshot(m.Snapshot(), cfg)
	require.NoError(t, err)

	x := []float64{0.3, 0.3, 0.3}
	want, _ := m.Predict(x)
	got, err := restored.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, m.Observations(), restored.Observations())
}

func TestFromSnapshotRejectsMismatch(t *testing.T) {
	m := mustNew(t, Config{Dim: 2, Lambda: 1, Alpha: 1})

	_, err := FromSnapshot(m.Snapshot(), Config{Dim: 3, Lambda: 1, Alpha: 1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	snap := m.Snapshot()
	snap.BReward = snap.BReward[:1]
	_, err = FromSnapshot(snap, Config{Dim: 2, Lambda: 1, Alpha: 1})
	assert.Error(t, err)

	snap = m.Snapshot()
	snap.Lambda = 0
	_, err = FromSnapshot(snap, Config{Dim: 2, Lambda: 1, Alpha: 1})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestRefreshRestoresExactInverse(t *testing.T) {
	m := mustNew(t, Config{Dim: 2, Lambda: 1, Alpha: 1})
	require.NoError(t, m.Update([]float64{1, 0}, 1, 0))

	// corrupt the inverse to simulate drift
	m.aRewardInv[0] += 0.1
	require.Greater(t, m.InverseDrift(), 0.05)

	require.NoError(t, m.Refresh())
	assert.Less(t, m.InverseDrift(), 1e-12)
	assert.InDeltaSlice(t, []float64{0.5, 0}, m.Theta(), 1e-12)
}

func TestCholeskyRejectsIndefinite(t *testing.T) {
	_, err := cholesky([]float64{1, 2, 2, 1}, 2)
	assert.ErrorIs(t, err, errNotPositiveDefinite)
}
