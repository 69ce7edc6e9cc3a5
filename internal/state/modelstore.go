package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mintenance/critic-controller/internal/eval"
	"github.com/mintenance/critic-controller/internal/metrics"
	"github.com/mintenance/critic-controller/internal/model"
	"github.com/mintenance/critic-controller/internal/retry"
)

// ErrUnhealthyModel is returned when an update would leave an arm model unusable.
var ErrUnhealthyModel = errors.New("arm model failed health check")

// #region store-config
// StoreConfig tunes the ModelStore.
type StoreConfig struct {
	Model              model.Config
	Eval               eval.EvalConfig
	ReadBackoff        time.Duration // pause before the single read retry
	WriteTimeout       time.Duration // deadline per persistence write attempt
	MaxConflictRetries int           // CAS attempts before giving up
}

// DefaultStoreConfig returns defaults around model.DefaultConfig.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Model:              model.DefaultConfig(),
		Eval:               eval.DefaultEvalConfig(),
		ReadBackoff:        25 * time.Millisecond,
		WriteTimeout:       2 * time.Second,
		MaxConflictRetries: 5,
	}
}

// #endregion store-config

// #region arena
type observation struct {
	x      []float64
	reward float64
	safety float64
}

// entry is one arm slot. current is published for lock-free readers and never mutated
// after publication; mu serializes writers.
type entry struct {
	key     ArmKey
	current atomic.Pointer[model.ArmModel]

	mu      sync.Mutex
	version int64         // last persisted version, guarded by mu
	pending []observation // applied in memory, not yet persisted, guarded by mu
}

// ModelStore is the arena of arm models keyed by (experiment, arm). Reads return the
// published snapshot without locking; updates to one arm are serialized and persisted with
// a versioned compare-and-swap; updates to different arms run in parallel.
type ModelStore struct {
	backend Backend
	cfg     StoreConfig
	health  *eval.EvalHarness
	retries *retry.Queue
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[ArmKey]*entry
	loads   singleflight.Group
}

// NewModelStore wires an arena over backend. retries may be nil, in which case failed
// writes stay pending in memory and are reported to the caller.
func NewModelStore(backend Backend, cfg StoreConfig, retries *retry.Queue, logger *zap.Logger) (*ModelStore, error) {
	if err := cfg.Model.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = DefaultStoreConfig().MaxConflictRetries
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultStoreConfig().WriteTimeout
	}
	return &ModelStore{
		backend: backend,
		cfg:     cfg,
		health:  eval.NewEvalHarness(cfg.Eval),
		retries: retries,
		logger:  logger,
		entries: make(map[ArmKey]*entry),
	}, nil
}

// ModelConfig returns the ridge configuration shared by every arm.
func (s *ModelStore) ModelConfig() model.Config { return s.cfg.Model }

// Backend exposes the persistence service for decision and outcome records.
func (s *ModelStore) Backend() Backend { return s.backend }

func (s *ModelStore) slot(key ArmKey) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{key: key}
		s.entries[key] = e
	}
	return e
}

// #endregion arena

// #region snapshot
type loaded struct {
	model   *model.ArmModel
	version int64
}

// Snapshot returns the published model for key. The result is shared and must be treated
// as read-only. Returns ErrModelNotFound when the arm has never been persisted or updated.
// Concurrent cold loads of one key share a single backend read; a caller whose ctx ends
// first returns early with ErrPersistenceTimeout.
func (s *ModelStore) Snapshot(ctx context.Context, key ArmKey) (*model.ArmModel, error) {
	e := s.slot(key)
	if m := e.current.Load(); m != nil {
		return m, nil
	}

	ch := s.loads.DoChan(key.String(), func() (any, error) {
		if m := e.current.Load(); m != nil {
			return m, nil
		}
		l, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		// a writer may have installed a model while the read was in flight
		if m := e.current.Load(); m != nil {
			return m, nil
		}
		e.version = l.version
		e.current.Store(l.model)
		return l.model, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.ArmModel), nil
	case <-ctx.Done():
		return nil, classify(fmt.Sprintf("snapshot %s", key), ctx.Err())
	}
}

// load reads and decodes one arm, retrying a failed read once after ReadBackoff.
func (s *ModelStore) load(ctx context.Context, key ArmKey) (loaded, error) {
	var rec ArmRecord
	err := s.withReadRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.backend.LoadArm(ctx, key)
		return err
	})
	if err != nil {
		return loaded{}, err
	}
	m, err := model.FromSnapshot(rec.Snapshot, s.cfg.Model)
	if err != nil {
		return loaded{}, fmt.Errorf("decode arm %s: %w", key, err)
	}
	return loaded{model: m, version: rec.Version}, nil
}

func (s *ModelStore) withReadRetry(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil || errors.Is(err, ErrModelNotFound) || ctx.Err() != nil {
		return err
	}
	s.logger.Warn("persistence read failed, retrying once", zap.Duration("backoff", s.cfg.ReadBackoff), zap.Error(err))
	timer := time.NewTimer(s.cfg.ReadBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return classify("read retry", ctx.Err())
	case <-timer.C:
	}
	return op(ctx)
}

// #endregion snapshot

// #region update
// Update applies one observation to the arm's statistics and persists the result.
// Once started it is not cancellable: ctx values are kept but its deadline is ignored.
// A missing arm starts from the zero state. If persistence fails the update stays applied
// in memory and the write is queued for retry; the returned error is then nil unless no
// retry queue is configured.
func (s *ModelStore) Update(ctx context.Context, key ArmKey, x []float64, reward, safety float64) (*model.ArmModel, error) {
	ctx = context.WithoutCancel(ctx)
	e := s.slot(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := s.ensureLoaded(ctx, e)
	if err != nil {
		return nil, err
	}

	next := cur.Clone()
	if err := next.Update(x, reward, safety); err != nil {
		return nil, fmt.Errorf("update arm %s: %w", key, err)
	}
	if err := s.check(key, next); err != nil {
		return nil, err
	}

	e.pending = append(e.pending, observation{x: append([]float64(nil), x...), reward: reward, safety: safety})
	e.current.Store(next)
	metrics.ModelUpdatesTotal.WithLabelValues(key.ExperimentID, key.ArmID).Inc()

	if err := s.flush(ctx, e); err != nil {
		return e.current.Load(), s.deferWrite(e, err)
	}
	return e.current.Load(), nil
}

// ensureLoaded returns the current model, loading it or starting from zero state.
// Caller holds e.mu.
func (s *ModelStore) ensureLoaded(ctx context.Context, e *entry) (*model.ArmModel, error) {
	if m := e.current.Load(); m != nil {
		return m, nil
	}
	l, err := s.load(ctx, e.key)
	switch {
	case err == nil:
		e.version = l.version
		e.current.Store(l.model)
		return l.model, nil
	case errors.Is(err, ErrModelNotFound):
		m, err := model.New(s.cfg.Model)
		if err != nil {
			return nil, err
		}
		e.version = 0
		e.current.Store(m)
		return m, nil
	default:
		return nil, err
	}
}

// check runs the health harness, refreshing drifted inverses in place.
func (s *ModelStore) check(key ArmKey, m *model.ArmModel) error {
	res := s.health.Run(m)
	if !res.Passed {
		return fmt.Errorf("update arm %s: %w: %s", key, ErrUnhealthyModel, res.Reason)
	}
	if res.NeedsRefresh {
		if err := m.Refresh(); err != nil {
			return fmt.Errorf("update arm %s: %w: %v", key, ErrUnhealthyModel, err)
		}
		metrics.ModelRefreshesTotal.Inc()
		s.logger.Info("arm model inverse refreshed", zap.String("arm", key.String()), zap.String("reason", res.Reason))
	}
	return nil
}

// flush persists e.current with a CAS on e.version. On conflict it reloads the stored
// model, re-applies the pending observations and tries again. Caller holds e.mu.
func (s *ModelStore) flush(ctx context.Context, e *entry) error {
	for attempt := 0; attempt < s.cfg.MaxConflictRetries; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		rec := ArmRecord{
			Key:       e.key,
			Snapshot:  e.current.Load().Snapshot(),
			Version:   e.version + 1,
			UpdatedAt: time.Now().UTC(),
		}
		err := s.backend.SaveArm(wctx, rec, e.version)
		cancel()

		switch {
		case err == nil:
			e.version = rec.Version
			e.pending = nil
			return nil
		case errors.Is(err, ErrConflict):
			metrics.CASConflictsTotal.Inc()
			if err := s.rebase(ctx, e); err != nil {
				return err
			}
			if len(e.pending) == 0 && e.version > 0 {
				return nil
			}
		default:
			return err
		}
	}
	return fmt.Errorf("flush arm %s after %d attempts: %w", e.key, s.cfg.MaxConflictRetries, ErrConflict)
}

// rebase replaces e.current with the stored model plus e.pending. Caller holds e.mu.
func (s *ModelStore) rebase(ctx context.Context, e *entry) error {
	l, err := s.load(ctx, e.key)
	if errors.Is(err, ErrModelNotFound) {
		m, nerr := model.New(s.cfg.Model)
		if nerr != nil {
			return nerr
		}
		l, err = loaded{model: m}, nil
	}
	if err != nil {
		return fmt.Errorf("rebase arm %s: %w", e.key, err)
	}
	for _, o := range e.pending {
		if err := l.model.Update(o.x, o.reward, o.safety); err != nil {
			return fmt.Errorf("rebase arm %s: %w", e.key, err)
		}
	}
	e.version = l.version
	e.current.Store(l.model)
	return nil
}

// deferWrite queues a failed flush. Caller holds e.mu.
func (s *ModelStore) deferWrite(e *entry, cause error) error {
	s.logger.Error("arm model write failed, queued for retry",
		zap.String("arm", e.key.String()),
		zap.Int("pending", len(e.pending)),
		zap.Error(cause),
	)
	if s.retries == nil {
		return fmt.Errorf("persist arm %s: %w", e.key, cause)
	}
	s.retries.Enqueue("arm:"+e.key.String(), func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.pending) == 0 {
			return nil
		}
		return s.flush(ctx, e)
	})
	return nil
}

// #endregion update

// #region lifecycle
// EnsureArm makes sure a persisted model exists for key, creating the zero state if needed.
func (s *ModelStore) EnsureArm(ctx context.Context, key ArmKey) error {
	e := s.slot(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := s.ensureLoaded(ctx, e); err != nil {
		return err
	}
	if e.version > 0 {
		return nil
	}
	return s.flush(ctx, e)
}

// Reset replaces the arm's statistics with the zero state. Pending unpersisted
// observations are discarded.
func (s *ModelStore) Reset(ctx context.Context, key ArmKey) error {
	e := s.slot(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	zero, err := model.New(s.cfg.Model)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < s.cfg.MaxConflictRetries; attempt++ {
		var version int64
		rec, err := s.backend.LoadArm(ctx, key)
		switch {
		case err == nil:
			version = rec.Version
		case errors.Is(err, ErrModelNotFound):
		default:
			return fmt.Errorf("reset arm %s: %w", key, err)
		}

		err = s.backend.SaveArm(ctx, ArmRecord{
			Key:       key,
			Snapshot:  zero.Snapshot(),
			Version:   version + 1,
			UpdatedAt: time.Now().UTC(),
		}, version)
		if errors.Is(err, ErrConflict) {
			metrics.CASConflictsTotal.Inc()
			continue
		}
		if err != nil {
			return fmt.Errorf("reset arm %s: %w", key, err)
		}
		e.version = version + 1
		e.pending = nil
		e.current.Store(zero)
		return nil
	}
	return fmt.Errorf("reset arm %s: %w", key, ErrConflict)
}

// Pending returns the number of applied but unpersisted observations for key.
func (s *ModelStore) Pending(key ArmKey) int {
	e := s.slot(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// #endregion lifecycle
