package state

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintenance/critic-controller/internal/model"
	"github.com/mintenance/critic-controller/internal/retry"
)

func smallConfig() StoreConfig {
	cfg := DefaultStoreConfig()
	cfg.Model = model.Config{Dim: 2, Lambda: 1, Alpha: 1}
	cfg.ReadBackoff = time.Millisecond
	return cfg
}

func newArena(t *testing.T, backend Backend, retries *retry.Queue) *ModelStore {
	t.Helper()
	s, err := NewModelStore(backend, smallConfig(), retries, nil)
	require.NoError(t, err)
	return s
}

// flakyBackend fails the next failSaves SaveArm calls and the next failLoads LoadArm calls.
type flakyBackend struct {
	Backend
	failSaves atomic.Int32
	failLoads atomic.Int32
	loads     atomic.Int32
}

var errFlaky = errors.New("database is locked")

func (f *flakyBackend) SaveArm(ctx context.Context, rec ArmRecord, expected int64) error {
	if f.failSaves.Add(-1) >= 0 {
		return errFlaky
	}
	return f.Backend.SaveArm(ctx, rec, expected)
}

func (f *flakyBackend) LoadArm(ctx context.Context, key ArmKey) (ArmRecord, error) {
	f.loads.Add(1)
	if f.failLoads.Add(-1) >= 0 {
		return ArmRecord{}, errFlaky
	}
	return f.Backend.LoadArm(ctx, key)
}

// blockingBackend parks LoadArm until release is closed.
type blockingBackend struct {
	Backend
	release chan struct{}
}

func (b *blockingBackend) LoadArm(ctx context.Context, key ArmKey) (ArmRecord, error) {
	<-b.release
	return b.Backend.LoadArm(ctx, key)
}

func TestNewModelStoreRejectsBadConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.Model.Lambda = 0
	_, err := NewModelStore(NewMemoryBackend(), cfg, nil, nil)
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestSnapshotMissingArm(t *testing.T) {
	s := newArena(t, NewMemoryBackend(), nil)
	_, err := s.Snapshot(context.Background(), testKey)
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestUpdateNumericScenario(t *testing.T) {
	backend := NewMemoryBackend()
	s := newArena(t, backend, nil)
	ctx := context.Background()

	m, err := s.Update(ctx, testKey, []float64{1, 0}, 1, 0)
	require.NoError(t, err)

	assert.Equal(t, [][]float64{{2, 0}, {0, 1}}, m.RewardMatrix())
	assert.Equal(t, []float64{1, 0}, m.RewardVector())
	assert.InDeltaSlice(t, []float64{0.5, 0}, m.Theta(), 1e-12)

	rec, err := backend.LoadArm(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, int64(1), rec.Snapshot.Observations)

	snap, err := s.Snapshot(ctx, testKey)
	require.NoError(t, err)
	assert.Same(t, m, snap)
}

func TestUpdateRejectsBadContext(t *testing.T) {
	s := newArena(t, NewMemoryBackend(), nil)
	_, err := s.Update(context.Background(), testKey, []float64{1, 0, 0}, 1, 0)
	assert.ErrorIs(t, err, model.ErrDimensionMismatch)
	assert.Zero(t, s.Pending(testKey))
}

func TestUpdateIgnoresCallerCancellation(t *testing.T) {
	backend := NewMemoryBackend()
	s := newArena(t, backend, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Update(ctx, testKey, []float64{0, 1}, 1, 1)
	require.NoError(t, err)
	rec, err := backend.LoadArm(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, rec.Snapshot.BSafety)
}

func concurrentUpdates(t *testing.T, backend Backend) {
	t.Helper()
	s := newArena(t, backend, nil)
	const n = 1000
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(context.Background(), testKey, []float64{1, 0}, 1, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := backend.LoadArm(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, float64(n), rec.Snapshot.BReward[0])
	assert.Equal(t, float64(n+1), rec.Snapshot.AReward[0])
	assert.Equal(t, int64(n), rec.Snapshot.Observations)
	assert.Equal(t, int64(n), rec.Version)
}

func TestConcurrentUpdatesMemory(t *testing.T) {
	concurrentUpdates(t, NewMemoryBackend())
}

func TestConcurrentUpdatesSQLite(t *testing.T) {
	concurrentUpdates(t, tempDB(t))
}

func TestParallelArmsAreIndependent(t *testing.T) {
	backend := NewMemoryBackend()
	s := newArena(t, backend, nil)
	keys := []ArmKey{{"exp-1", "automate"}, {"exp-1", "escalate"}, {"exp-2", "automate"}}

	var wg sync.WaitGroup
	for i, k := range keys {
		for j := 0; j <= i; j++ {
			wg.Add(1)
			go func(k ArmKey) {
				defer wg.Done()
				_, err := s.Update(context.Background(), k, []float64{0, 1}, 1, 0)
				assert.NoError(t, err)
			}(k)
		}
	}
	wg.Wait()

	for i, k := range keys {
		rec, err := backend.LoadArm(context.Background(), k)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), rec.Snapshot.Observations, k.String())
	}
}

func TestConflictRebaseKeepsBothObservations(t *testing.T) {
	backend := NewMemoryBackend()
	a := newArena(t, backend, nil)
	b := newArena(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, a.EnsureArm(ctx, testKey))
	_, err := b.Snapshot(ctx, testKey)
	require.NoError(t, err)

	_, err = a.Update(ctx, testKey, []float64{1, 0}, 1, 0)
	require.NoError(t, err)
	// b still holds version 1 and must rebase onto a's write
	m, err := b.Update(ctx, testKey, []float64{1, 0}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Observations())

	rec, err := backend.LoadArm(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version)
	assert.Equal(t, 2.0, rec.Snapshot.BReward[0])
	assert.Zero(t, b.Pending(testKey))
}

func TestFailedWriteIsQueued(t *testing.T) {
	backend := &flakyBackend{Backend: NewMemoryBackend()}
	backend.failSaves.Store(1)
	q := retry.NewQueue(retry.Config{RatePerSecond: 1000, Burst: 10}, nil)
	s := newArena(t, backend, q)
	ctx := context.Background()

	m, err := s.Update(ctx, testKey, []float64{1, 0}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Observations(), "update stays applied in memory")
	assert.Equal(t, 1, s.Pending(testKey))
	assert.True(t, q.Pending("arm:"+testKey.String()))

	ok, failed := q.Drain(ctx)
	assert.Equal(t, 1, ok)
	assert.Zero(t, failed)
	assert.Zero(t, s.Pending(testKey))

	rec, err := backend.LoadArm(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Snapshot.Observations)
}

func TestFailedWriteWithoutQueueReturnsError(t *testing.T) {
	backend := &flakyBackend{Backend: NewMemoryBackend()}
	backend.failSaves.Store(1)
	s := newArena(t, backend, nil)

	_, err := s.Update(context.Background(), testKey, []float64{1, 0}, 1, 0)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, s.Pending(testKey))

	// the next successful flush carries both observations
	_, err = s.Update(context.Background(), testKey, []float64{1, 0}, 1, 0)
	require.NoError(t, err)
	rec, err := backend.LoadArm(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Snapshot.Observations)
}

func TestSnapshotRetriesReadOnce(t *testing.T) {
	mem := NewMemoryBackend()
	seed := newArena(t, mem, nil)
	require.NoError(t, seed.EnsureArm(context.Background(), testKey))

	backend := &flakyBackend{Backend: mem}
	backend.failLoads.Store(1)
	s := newArena(t, backend, nil)

	_, err := s.Snapshot(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.loads.Load())

	backend.failLoads.Store(2)
	other := newArena(t, backend, nil)
	_, err = other.Snapshot(context.Background(), testKey)
	assert.ErrorIs(t, err, errFlaky)
}

func TestSnapshotHonoursDeadline(t *testing.T) {
	backend := &blockingBackend{Backend: NewMemoryBackend(), release: make(chan struct{})}
	s := newArena(t, backend, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Snapshot(ctx, testKey)
	assert.ErrorIs(t, err, ErrPersistenceTimeout)

	close(backend.release)
	// let the in-flight load finish before goleak runs
	require.Eventually(t, func() bool {
		_, err := s.Snapshot(context.Background(), testKey)
		return errors.Is(err, ErrModelNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestEnsureArmCreatesZeroStateOnce(t *testing.T) {
	backend := NewMemoryBackend()
	s := newArena(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, s.EnsureArm(ctx, testKey))
	require.NoError(t, s.EnsureArm(ctx, testKey))

	rec, err := backend.LoadArm(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Zero(t, rec.Snapshot.Observations)
}

func TestResetRestoresZeroState(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "reset.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := newArena(t, store, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Update(ctx, testKey, []float64{1, 1}, 1, 0)
		require.NoError(t, err)
	}

	require.NoError(t, s.Reset(ctx, testKey))

	m, err := s.Snapshot(ctx, testKey)
	require.NoError(t, err)
	assert.Zero(t, m.Observations())
	rec, err := store.LoadArm(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Version)
	assert.Equal(t, []float64{0, 0}, rec.Snapshot.BReward)
}
