// Package metrics holds the Prometheus collectors shared by the critic, the feedback
// collector and the model store. Collectors register on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// #region collectors
var (
	// DecisionsTotal counts decisions by experiment, chosen arm and fallback reason
	// ("" when the bandit selected normally).
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_decisions_total",
		Help: "Decisions emitted by the critic",
	}, []string{"experiment", "arm", "fallback_reason"})

	DecideDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "critic_decide_duration_seconds",
		Help:    "Latency of a decide call including model reads",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// GateRejectionsTotal counts arms excluded by the safety gate.
	GateRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_gate_rejections_total",
		Help: "Arms excluded by the safety gate",
	}, []string{"experiment", "arm"})

	// FeedbackTotal counts collect results: applied, skipped_unknown_decision,
	// skipped_duplicate, failed.
	FeedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_feedback_total",
		Help: "Feedback events by result",
	}, []string{"status"})

	SafetyViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_safety_violations_total",
		Help: "Outcomes classified as bandit safety violations",
	}, []string{"experiment", "arm"})

	ModelUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_model_updates_total",
		Help: "Arm model updates applied",
	}, []string{"experiment", "arm"})

	CASConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "critic_model_cas_conflicts_total",
		Help: "Versioned arm model writes that lost a compare-and-swap",
	})

	ModelRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "critic_model_refreshes_total",
		Help: "Inverse re-derivations triggered by drift",
	})

	RetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "critic_retry_queue_depth",
		Help: "Persistence writes waiting for retry",
	})

	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "critic_retry_attempts_total",
		Help: "Retried persistence writes by result",
	}, []string{"result"})
)

// #endregion collectors
