package replay

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mintenance/critic-controller/internal/critic"
	"github.com/mintenance/critic-controller/internal/feedback"
	"github.com/mintenance/critic-controller/internal/logging"
	"github.com/mintenance/critic-controller/internal/model"
	"github.com/mintenance/critic-controller/internal/state"
)

// #region types
// Case is one recorded case for replay.
type Case struct {
	CaseID             string
	Context            []float64
	Category           string
	IsCorrect          bool
	HasSafetyViolation bool
	ValidatorID        string
	SkipFeedback       bool
}

// ReplayConfig bundles the model and critic settings for a run.
type ReplayConfig struct {
	Model          model.Config
	Critic         critic.Config
	SafetyCritical []string
}

// ReplayResult captures what happened to one case.
type ReplayResult struct {
	CaseID         string  `json:"case_id"`
	DecisionID     string  `json:"decision_id"`
	ArmID          string  `json:"arm_id"`
	Automated      bool    `json:"automated"` // a non-default arm was chosen
	Fallback       bool    `json:"fallback"`
	FallbackReason string  `json:"fallback_reason"`
	RewardBound    float64 `json:"reward_bound"`
	SafetyBound    float64 `json:"safety_bound"`

	// Feedback stage, empty when skipped
	FeedbackStatus  feedback.Status `json:"feedback_status"`
	Reward          float64         `json:"reward"`
	SafetyViolation bool            `json:"safety_violation"`
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalCases       int              `json:"total_cases"`
	Automated        int              `json:"automated"`
	Escalated        int              `json:"escalated"`
	Fallbacks        int              `json:"fallbacks"`
	SafetyViolations int              `json:"safety_violations"` // safety violations on automated cases
	FeedbackApplied  int              `json:"feedback_applied"`
	Observations     map[string]int64 `json:"observations"` // per arm, after the run
}

// #endregion types

// #region replay
// Replay runs every case through decide then feedback against an in-memory backend.
// Arms start from the zero state; the safe default is bootstrapped like at startup.
func Replay(ctx context.Context, experimentID string, arms []state.Arm, cases []Case, cfg ReplayConfig, logger *zap.Logger) ([]ReplayResult, ReplaySummary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := state.NewMemoryBackend()
	scfg := state.DefaultStoreConfig()
	scfg.Model = cfg.Model
	store, err := state.NewModelStore(backend, scfg, nil, logger)
	if err != nil {
		return nil, ReplaySummary{}, err
	}
	for _, a := range arms {
		if err := store.EnsureArm(ctx, state.ArmKey{ExperimentID: experimentID, ArmID: a.ID}); err != nil {
			return nil, ReplaySummary{}, fmt.Errorf("bootstrap arm %s: %w", a.ID, err)
		}
	}

	audit := &logging.MemoryAuditLogger{}
	c := critic.New(store, cfg.Critic, audit, nil, logger)
	collector := feedback.New(store, feedback.NewClassifier(cfg.SafetyCritical), audit, nil, logger)

	safe := map[string]bool{}
	for _, a := range arms {
		safe[a.ID] = a.SafeDefault
	}

	results := make([]ReplayResult, 0, len(cases))
	for _, cs := range cases {
		d, err := c.Decide(ctx, critic.Request{
			ExperimentID: experimentID,
			Arms:         arms,
			Context:      cs.Context,
			Category:     cs.Category,
		})
		if err != nil {
			return results, ReplaySummary{}, fmt.Errorf("case %s: %w", cs.CaseID, err)
		}
		r := ReplayResult{
			CaseID:         cs.CaseID,
			DecisionID:     d.ID,
			ArmID:          d.ArmID,
			Automated:      !safe[d.ArmID],
			Fallback:       d.Fallback,
			FallbackReason: d.FallbackReason,
			RewardBound:    d.RewardBound,
			SafetyBound:    d.SafetyBound,
		}
		if !cs.SkipFeedback {
			res := collector.Collect(ctx, feedback.Request{
				DecisionID:         d.ID,
				ValidatorID:        cs.ValidatorID,
				IsCorrect:          cs.IsCorrect,
				HasSafetyViolation: cs.HasSafetyViolation,
			})
			r.FeedbackStatus = res.Status
			r.Reward = res.Reward
			r.SafetyViolation = res.SafetyViolation
		}
		results = append(results, r)
	}

	summary := Summarize(results)
	summary.Observations = make(map[string]int64, len(arms))
	for _, a := range arms {
		m, err := store.Snapshot(ctx, state.ArmKey{ExperimentID: experimentID, ArmID: a.ID})
		if err != nil {
			return results, summary, fmt.Errorf("read arm %s: %w", a.ID, err)
		}
		summary.Observations[a.ID] = m.Observations()
	}
	return results, summary, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{TotalCases: len(results)}
	for _, r := range results {
		if r.Automated {
			s.Automated++
			if r.SafetyViolation {
				s.SafetyViolations++
			}
		} else {
			s.Escalated++
		}
		if r.Fallback {
			s.Fallbacks++
		}
		if r.FeedbackStatus == feedback.StatusApplied {
			s.FeedbackApplied++
		}
	}
	return s
}

// #endregion replay
