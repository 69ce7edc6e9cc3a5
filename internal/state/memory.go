package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// #region memory-backend
// MemoryBackend is an in-process Backend for replay runs and tests. It honours the same
// CAS and idempotency contracts as Store.
type MemoryBackend struct {
	mu        sync.Mutex
	arms      map[ArmKey]ArmRecord
	decisions map[string]Decision
	outcomes  map[string]Outcome
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		arms:      make(map[ArmKey]ArmRecord),
		decisions: make(map[string]Decision),
		outcomes:  make(map[string]Outcome),
	}
}

func (b *MemoryBackend) LoadArm(ctx context.Context, key ArmKey) (ArmRecord, error) {
	if err := ctx.Err(); err != nil {
		return ArmRecord{}, classify("load arm", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.arms[key]
	if !ok {
		return ArmRecord{}, fmt.Errorf("load arm %s: %w", key, ErrModelNotFound)
	}
	return rec, nil
}

func (b *MemoryBackend) SaveArm(ctx context.Context, rec ArmRecord, expected int64) error {
	if err := ctx.Err(); err != nil {
		return classify("save arm", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.arms[rec.Key]
	if (!ok && expected != 0) || (ok && cur.Version != expected) {
		return fmt.Errorf("save arm %s at version %d: %w", rec.Key, expected, ErrConflict)
	}
	b.arms[rec.Key] = rec
	return nil
}

func (b *MemoryBackend) ListArms(ctx context.Context, experimentID string) ([]ArmRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ArmRecord
	for k, rec := range b.arms {
		if experimentID == "" || k.ExperimentID == experimentID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

func (b *MemoryBackend) InsertDecision(ctx context.Context, d Decision) error {
	if err := ctx.Err(); err != nil {
		return classify("insert decision", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.decisions[d.ID]; !ok {
		d.ContextVector = append([]float64(nil), d.ContextVector...)
		b.decisions[d.ID] = d
	}
	return nil
}

func (b *MemoryBackend) GetDecision(ctx context.Context, id string) (Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.decisions[id]
	if !ok {
		return Decision{}, fmt.Errorf("get decision %s: %w", id, ErrDecisionNotFound)
	}
	d.ContextVector = append([]float64(nil), d.ContextVector...)
	return d, nil
}

func (b *MemoryBackend) ListDecisions(ctx context.Context, experimentID string, limit int) ([]Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Decision
	for _, d := range b.decisions {
		if experimentID == "" || d.ExperimentID == experimentID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChosenAt.After(out[j].ChosenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *MemoryBackend) HasOutcome(ctx context.Context, decisionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.outcomes[decisionID]
	return ok, nil
}

func (b *MemoryBackend) InsertOutcome(ctx context.Context, o Outcome) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, classify("insert outcome", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.decisions[o.DecisionID]; !ok {
		return false, fmt.Errorf("insert outcome %s: %w", o.DecisionID, ErrDecisionNotFound)
	}
	if _, ok := b.outcomes[o.DecisionID]; ok {
		return false, nil
	}
	b.outcomes[o.DecisionID] = o
	return true, nil
}

// Outcomes returns a copy of every recorded outcome.
func (b *MemoryBackend) Outcomes() []Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Outcome, 0, len(b.outcomes))
	for _, o := range b.outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecisionID < out[j].DecisionID })
	return out
}

func (b *MemoryBackend) Close() error { return nil }

var _ Backend = (*MemoryBackend)(nil)

// #endregion memory-backend
