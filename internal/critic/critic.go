// Package critic selects an arm per case with a safety-gated upper confidence bound.
package critic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mintenance/critic-controller/internal/gate"
	"github.com/mintenance/critic-controller/internal/logging"
	"github.com/mintenance/critic-controller/internal/metrics"
	"github.com/mintenance/critic-controller/internal/model"
	"github.com/mintenance/critic-controller/internal/retry"
	"github.com/mintenance/critic-controller/internal/state"
)

var tracer = otel.Tracer("critic-controller/critic")

// tieTolerance treats reward bounds this close as equal.
const tieTolerance = 1e-9

// #region critic
// Critic decides between arms of an experiment. Decide calls run concurrently and only
// read published model snapshots.
type Critic struct {
	store   *state.ModelStore
	gate    *gate.Gate
	audit   logging.AuditLogger
	retries *retry.Queue
	logger  *zap.Logger
	cfg     Config

	now   func() time.Time
	newID func() string
}

// New wires a critic. audit, retries and logger may be nil.
func New(store *state.ModelStore, cfg Config, audit logging.AuditLogger, retries *retry.Queue, logger *zap.Logger) *Critic {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DecideTimeout <= 0 {
		cfg.DecideTimeout = DefaultConfig().DecideTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultConfig().PersistTimeout
	}
	return &Critic{
		store:   store,
		gate:    gate.NewGate(gate.GateConfig{SafetyThreshold: cfg.SafetyThreshold}),
		audit:   audit,
		retries: retries,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// DecideTimeout bounds every decide call, including work done before it such as
// feature extraction.
func (c *Critic) DecideTimeout() time.Duration { return c.cfg.DecideTimeout }

// #endregion critic

// #region decide
type scored struct {
	arm  state.Arm
	pred model.Prediction
}

// Decide returns a frozen Decision. It only returns an error for a malformed arm set;
// every runtime failure falls back to the safe default and is recorded on the Decision.
func (c *Critic) Decide(ctx context.Context, req Request) (state.Decision, error) {
	safe, err := validateArms(req.Arms)
	if err != nil {
		return state.Decision{}, err
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "Critic.Decide",
		trace.WithAttributes(
			attribute.String("critic.experiment", req.ExperimentID),
			attribute.Int("critic.arms", len(req.Arms)),
		),
	)
	defer span.End()

	rctx, cancel := context.WithTimeout(ctx, c.cfg.DecideTimeout)
	defer cancel()

	d, rec := c.selectArm(rctx, req, safe)
	d.ID = c.newID()
	d.ExperimentID = req.ExperimentID
	d.ContextVector = append([]float64(nil), req.Context...)
	d.Category = req.Category
	d.ChosenAt = c.now()
	rec.DecisionID = d.ID
	rec.ArmID = d.ArmID
	rec.Fallback = d.Fallback
	rec.FallbackReason = d.FallbackReason
	rec.SafetyThreshold = c.gate.Threshold()

	c.persist(ctx, d)
	c.record(ctx, d, rec)

	span.SetAttributes(
		attribute.String("critic.arm", d.ArmID),
		attribute.Bool("critic.fallback", d.Fallback),
	)
	metrics.DecideDuration.Observe(time.Since(start).Seconds())
	metrics.DecisionsTotal.WithLabelValues(req.ExperimentID, d.ArmID, d.FallbackReason).Inc()
	return d, nil
}

// selectArm runs the bandit selection and returns the chosen arm with its estimates.
func (c *Critic) selectArm(ctx context.Context, req Request, safe state.Arm) (state.Decision, logging.DecisionRecord) {
	var rec logging.DecisionRecord
	dim := c.store.ModelConfig().Dim

	if err := checkContext(req.Context, dim); err != nil {
		c.logger.Warn("invalid context vector, escalating",
			zap.String("experiment", req.ExperimentID), zap.Error(err))
		return fallback(safe, model.Prediction{}, ReasonInvalidContext), rec
	}

	safeModel, err := c.store.Snapshot(ctx, state.ArmKey{ExperimentID: req.ExperimentID, ArmID: safe.ID})
	if err != nil {
		reason := ReasonSafeDefaultUnavailable
		if isTimeout(ctx, err) {
			reason = ReasonTimeout
		}
		c.logger.Error("safe default model unavailable, escalating",
			zap.String("experiment", req.ExperimentID),
			zap.String("arm", safe.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return fallback(safe, model.Prediction{}, reason), rec
	}
	safePred, err := safeModel.Predict(req.Context)
	if err != nil {
		return fallback(safe, model.Prediction{}, ReasonInvalidContext), rec
	}

	candidates := []scored{{arm: safe, pred: safePred}}
	for _, arm := range req.Arms {
		if arm.SafeDefault {
			continue
		}
		m, err := c.armModel(ctx, req.ExperimentID, arm.ID)
		if err != nil {
			if isTimeout(ctx, err) {
				c.logger.Warn("decide timed out reading arm models",
					zap.String("experiment", req.ExperimentID), zap.Error(err))
				return fallback(safe, safePred, ReasonTimeout), rec
			}
			c.logger.Warn("arm model unavailable, excluded from selection",
				zap.String("experiment", req.ExperimentID),
				zap.String("arm", arm.ID),
				zap.Error(err),
			)
			continue
		}
		pred, err := m.Predict(req.Context)
		if err != nil {
			return fallback(safe, safePred, ReasonInvalidContext), rec
		}
		candidates = append(candidates, scored{arm: arm, pred: pred})
	}

	gc := make([]gate.Candidate, len(candidates))
	rec.RewardUCB = make(map[string]float64, len(candidates))
	rec.SafetyUCB = make(map[string]float64, len(candidates))
	for i, s := range candidates {
		gc[i] = gate.Candidate{ArmID: s.arm.ID, SafeDefault: s.arm.SafeDefault, Prediction: s.pred}
		rec.RewardUCB[s.arm.ID] = s.pred.RewardUCB()
		rec.SafetyUCB[s.arm.ID] = s.pred.SafetyUCB()
	}
	eligible, verdicts := c.gate.Filter(gc)
	for _, v := range verdicts {
		if v.Vetoed {
			rec.Vetoed = append(rec.Vetoed, v.ArmID)
			metrics.GateRejectionsTotal.WithLabelValues(req.ExperimentID, v.ArmID).Inc()
		}
	}

	best := pick(eligible)
	d := estimates(state.Decision{ArmID: best.ArmID}, best.Prediction)
	if len(eligible) == 1 && len(candidates) > 1 {
		// only the safe default survived the gate
		d.FallbackReason = ReasonNoEligibleArms
	}
	return d, rec
}

// armModel returns the arm's snapshot, starting from the zero state when none exists.
func (c *Critic) armModel(ctx context.Context, experimentID, armID string) (*model.ArmModel, error) {
	m, err := c.store.Snapshot(ctx, state.ArmKey{ExperimentID: experimentID, ArmID: armID})
	if errors.Is(err, state.ErrModelNotFound) {
		return model.New(c.store.ModelConfig())
	}
	return m, err
}

// pick returns argmax reward UCB; ties go to the lower safety UCB, then the lower arm id.
func pick(eligible []gate.Candidate) gate.Candidate {
	sorted := append([]gate.Candidate(nil), eligible...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := sorted[i].Prediction.RewardUCB(), sorted[j].Prediction.RewardUCB()
		if math.Abs(ri-rj) > tieTolerance {
			return ri > rj
		}
		si, sj := sorted[i].Prediction.SafetyUCB(), sorted[j].Prediction.SafetyUCB()
		if math.Abs(si-sj) > tieTolerance {
			return si < sj
		}
		return sorted[i].ArmID < sorted[j].ArmID
	})
	return sorted[0]
}

// #endregion decide

// #region persistence
// persist inserts the decision outside the decide deadline. A failed insert is queued.
func (c *Critic) persist(ctx context.Context, d state.Decision) {
	backend := c.store.Backend()
	insert := func(ctx context.Context) error { return backend.InsertDecision(ctx, d) }

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PersistTimeout)
	defer cancel()
	err := insert(wctx)
	if err == nil {
		return
	}
	c.logger.Error("decision insert failed, queued for retry",
		zap.String("decision", d.ID),
		zap.String("experiment", d.ExperimentID),
		zap.Error(err),
	)
	if c.retries != nil {
		c.retries.Enqueue("decision:"+d.ID, insert)
	}
}

// record writes the audit entry under the persist deadline. A failed write is queued.
func (c *Critic) record(ctx context.Context, d state.Decision, rec logging.DecisionRecord) {
	if c.audit == nil {
		return
	}
	entry := logging.AuditEntry{
		EventType:    logging.EventDecision,
		ExperimentID: d.ExperimentID,
		ArmID:        d.ArmID,
		DecisionID:   d.ID,
		PayloadJSON:  logging.Payload(rec),
		CreatedAt:    d.ChosenAt,
	}
	write := func(ctx context.Context) error { return c.audit.Record(ctx, entry) }

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PersistTimeout)
	defer cancel()
	err := write(wctx)
	if err == nil {
		return
	}
	c.logger.Warn("audit decision failed", zap.String("decision", d.ID), zap.Error(err))
	if c.retries != nil {
		c.retries.Enqueue("audit:decision:"+d.ID, write)
	}
}

// #endregion persistence

// #region helpers
func validateArms(arms []state.Arm) (state.Arm, error) {
	if len(arms) < 2 {
		return state.Arm{}, fmt.Errorf("%w: want at least 2 arms, got %d", ErrInvalidArms, len(arms))
	}
	var safe state.Arm
	defaults := 0
	seen := make(map[string]bool, len(arms))
	for _, a := range arms {
		if a.ID == "" {
			return state.Arm{}, fmt.Errorf("%w: empty arm id", ErrInvalidArms)
		}
		if seen[a.ID] {
			return state.Arm{}, fmt.Errorf("%w: duplicate arm %q", ErrInvalidArms, a.ID)
		}
		seen[a.ID] = true
		if a.SafeDefault {
			safe = a
			defaults++
		}
	}
	if defaults != 1 {
		return state.Arm{}, fmt.Errorf("%w: want exactly one safe default, got %d", ErrInvalidArms, defaults)
	}
	return safe, nil
}

func checkContext(x []float64, dim int) error {
	if len(x) != dim {
		return fmt.Errorf("%w: got %d values, want %d", model.ErrDimensionMismatch, len(x), dim)
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: component %d is %v", model.ErrDimensionMismatch, i, v)
		}
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, state.ErrPersistenceTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}

func fallback(safe state.Arm, pred model.Prediction, reason string) state.Decision {
	d := estimates(state.Decision{ArmID: safe.ID}, pred)
	d.Fallback = true
	d.FallbackReason = reason
	return d
}

func estimates(d state.Decision, p model.Prediction) state.Decision {
	d.RewardEstimate = p.RewardMean
	d.RewardBound = p.RewardUCB()
	d.SafetyEstimate = p.SafetyMean
	d.SafetyBound = p.SafetyUCB()
	return d
}

// #endregion helpers
