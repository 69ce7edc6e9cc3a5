// Package feedback turns human validations into exactly one arm model update each.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mintenance/critic-controller/internal/logging"
	"github.com/mintenance/critic-controller/internal/metrics"
	"github.com/mintenance/critic-controller/internal/retry"
	"github.com/mintenance/critic-controller/internal/state"
)

var tracer = otel.Tracer("critic-controller/feedback")

// #region collector
// Collector applies validated outcomes to the arm models. Collect never panics or blocks
// the caller on bandit failures; problems are reported in the Result and the logs.
type Collector struct {
	store      *state.ModelStore
	classifier *Classifier
	audit      logging.AuditLogger
	retries    *retry.Queue
	logger     *zap.Logger

	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	claims map[string]struct{} // decisions being applied or awaiting an outcome write
}

// New wires a collector. audit, retries and logger may be nil.
func New(store *state.ModelStore, classifier *Classifier, audit logging.AuditLogger, retries *retry.Queue, logger *zap.Logger) *Collector {
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		store:        store,
		classifier:   classifier,
		audit:        audit,
		retries:      retries,
		logger:       logger,
		writeTimeout: 2 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
		claims:       make(map[string]struct{}),
	}
}

// #endregion collector

// #region collect
// Collect records one validation. Within one process a decision is applied to its arm
// model at most once, however many times or however concurrently its feedback arrives.
// Claims are in memory, so processes sharing a database are not deduplicated until the
// outcome row lands.
func (c *Collector) Collect(ctx context.Context, req Request) Result {
	ctx, span := tracer.Start(ctx, "Collector.Collect",
		trace.WithAttributes(attribute.String("feedback.decision", req.DecisionID)),
	)
	defer span.End()

	res := c.collect(ctx, req)
	span.SetAttributes(attribute.String("feedback.status", string(res.Status)))
	metrics.FeedbackTotal.WithLabelValues(string(res.Status)).Inc()

	log := c.logger.With(zap.String("decision", req.DecisionID), zap.String("status", string(res.Status)))
	switch {
	case res.Status == StatusFailed:
		log.Error("feedback not applied", zap.Error(res.Err))
	case res.Err != nil:
		log.Error("feedback applied, outcome write queued", zap.Error(res.Err))
	case res.Status.Skipped():
		log.Info("feedback skipped")
	default:
		log.Debug("feedback applied",
			zap.Float64("reward", res.Reward),
			zap.Bool("safety_violation", res.SafetyViolation),
		)
	}
	return res
}

func (c *Collector) collect(ctx context.Context, req Request) Result {
	res := Result{DecisionID: req.DecisionID}
	if req.DecisionID == "" {
		res.Status, res.Err = StatusFailed, errors.New("collect: empty decision id")
		return res
	}
	if !c.claim(req.DecisionID) {
		res.Status = StatusDuplicate
		return res
	}

	backend := c.store.Backend()
	d, err := backend.GetDecision(ctx, req.DecisionID)
	if errors.Is(err, state.ErrDecisionNotFound) {
		c.release(req.DecisionID)
		c.record(ctx, logging.AuditEntry{
			EventType:   logging.EventFeedbackSkipped,
			DecisionID:  req.DecisionID,
			PayloadJSON: logging.Payload(map[string]string{"reason": string(StatusUnknown), "validated_by": req.ValidatorID}),
		})
		res.Status = StatusUnknown
		return res
	}
	if err != nil {
		c.release(req.DecisionID)
		res.Status, res.Err = StatusFailed, fmt.Errorf("collect %s: %w", req.DecisionID, err)
		return res
	}

	done, err := backend.HasOutcome(ctx, req.DecisionID)
	if err != nil {
		c.release(req.DecisionID)
		res.Status, res.Err = StatusFailed, fmt.Errorf("collect %s: %w", req.DecisionID, err)
		return res
	}
	if done {
		c.release(req.DecisionID)
		res.Status = StatusDuplicate
		return res
	}

	category := d.Category
	if req.Category != "" {
		category = req.Category
	}
	category = NormalizeCategory(category)
	reward, violation := c.classifier.Classify(req.IsCorrect, req.HasSafetyViolation, category)
	res.Reward, res.SafetyViolation = reward, violation

	safety := 0.0
	if violation {
		safety = 1
	}
	m, err := c.store.Update(ctx, d.Key(), d.ContextVector, reward, safety)
	if err != nil && m == nil {
		// nothing was applied, a later delivery may try again
		c.release(req.DecisionID)
		res.Status, res.Err = StatusFailed, fmt.Errorf("collect %s: %w", req.DecisionID, err)
		return res
	}
	if err != nil {
		c.logger.Error("arm model write pending in memory",
			zap.String("arm", d.Key().String()), zap.Error(err))
	}
	if violation {
		metrics.SafetyViolationsTotal.WithLabelValues(d.ExperimentID, d.ArmID).Inc()
	}
	res.Status = StatusApplied

	outcome := state.Outcome{
		DecisionID:      d.ID,
		Reward:          reward,
		SafetyViolation: violation,
		Category:        category,
		ValidatedBy:     req.ValidatorID,
		ValidatedAt:     c.now(),
	}
	if err := c.persist(ctx, outcome); err != nil {
		res.Err = err
	}

	c.record(ctx, logging.AuditEntry{
		EventType:    logging.EventOutcome,
		ExperimentID: d.ExperimentID,
		ArmID:        d.ArmID,
		DecisionID:   d.ID,
		PayloadJSON: logging.Payload(logging.OutcomeRecord{
			DecisionID:      d.ID,
			ExperimentID:    d.ExperimentID,
			ArmID:           d.ArmID,
			ContextVector:   d.ContextVector,
			RewardEstimate:  d.RewardEstimate,
			SafetyEstimate:  d.SafetyEstimate,
			Reward:          reward,
			SafetyViolation: violation,
			RawSafetyFlag:   req.HasSafetyViolation,
			Category:        category,
			ValidatedBy:     req.ValidatorID,
		}),
		CreatedAt: outcome.ValidatedAt,
	})
	return res
}

// persist writes the outcome. On failure the write is queued and the claim is kept until
// it lands, so duplicates stay rejected in the meantime.
func (c *Collector) persist(ctx context.Context, o state.Outcome) error {
	backend := c.store.Backend()
	insert := func(ctx context.Context) error {
		inserted, err := backend.InsertOutcome(ctx, o)
		if err != nil {
			return err
		}
		if !inserted {
			c.logger.Warn("outcome already recorded by another writer", zap.String("decision", o.DecisionID))
		}
		c.release(o.DecisionID)
		return nil
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()
	err := insert(wctx)
	if err == nil {
		return nil
	}
	if c.retries == nil {
		return fmt.Errorf("persist outcome %s: %w", o.DecisionID, err)
	}
	c.retries.Enqueue("outcome:"+o.DecisionID, insert)
	return fmt.Errorf("persist outcome %s (queued): %w", o.DecisionID, err)
}

// #endregion collect

// #region batch
// BatchCollect approves each decision in turn. One failure never stops the batch.
func (c *Collector) BatchCollect(ctx context.Context, decisionIDs []string, validatorID string) BatchResult {
	var out BatchResult
	for _, id := range decisionIDs {
		res := c.Collect(ctx, Request{
			DecisionID:  id,
			ValidatorID: validatorID,
			IsCorrect:   true,
		})
		switch {
		case res.Status == StatusFailed:
			out.Errors++
		case res.Status.Skipped():
			out.Skipped++
		default:
			out.Processed++
		}
	}
	return out
}

// #endregion batch

// #region claims
func (c *Collector) claim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.claims[id]; ok {
		return false
	}
	c.claims[id] = struct{}{}
	return true
}

func (c *Collector) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, id)
}

// InFlight returns the number of decisions currently claimed.
func (c *Collector) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

func (c *Collector) record(ctx context.Context, entry logging.AuditEntry) {
	if c.audit == nil {
		return
	}
	write := func(ctx context.Context) error { return c.audit.Record(ctx, entry) }

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()
	err := write(wctx)
	if err == nil {
		return
	}
	c.logger.Warn("audit outcome failed", zap.String("decision", entry.DecisionID), zap.Error(err))
	if c.retries != nil {
		c.retries.Enqueue("audit:"+string(entry.EventType)+":"+entry.DecisionID, write)
	}
}

// #endregion claims
