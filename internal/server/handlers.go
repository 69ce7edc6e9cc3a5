// Package server exposes the critic and the feedback collector over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mintenance/critic-controller/internal/config"
	"github.com/mintenance/critic-controller/internal/critic"
	"github.com/mintenance/critic-controller/internal/feedback"
	"github.com/mintenance/critic-controller/internal/model"
	"github.com/mintenance/critic-controller/internal/state"
)

// Extractor builds a context vector from raw case signals.
type Extractor interface {
	Extract(ctx context.Context, signals map[string]any) ([]float64, error)
}

// #region handlers
// Handlers holds the HTTP endpoints.
type Handlers struct {
	experiments map[string][]state.Arm
	critic      *critic.Critic
	collector   *feedback.Collector
	store       *state.ModelStore
	features    Extractor
	logger      *zap.Logger
}

// NewHandlers wires the endpoints. features may be nil, in which case decide requests
// must carry a context vector.
func NewHandlers(experiments []config.Experiment, c *critic.Critic, collector *feedback.Collector, store *state.ModelStore, features Extractor, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := make(map[string][]state.Arm, len(experiments))
	for _, e := range experiments {
		reg[e.ID] = e.Arms
	}
	return &Handlers{
		experiments: reg,
		critic:      c,
		collector:   collector,
		store:       store,
		features:    features,
		logger:      logger,
	}
}

// #endregion handlers

// #region decide
// HandleDecide handles POST /v1/experiments/:experiment/decide.
//
// 200 with a Decision for every well-formed request, including fallbacks.
// 400 for a malformed body or an unknown candidate arm, 404 for an unknown experiment.
func (h *Handlers) HandleDecide(c *gin.Context) {
	experiment := c.Param("experiment")
	logger := h.logger.With(zap.String("request_id", requestID(c)), zap.String("experiment", experiment))

	arms, ok := h.experiments[experiment]
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown experiment " + experiment, Code: "UNKNOWN_EXPERIMENT"})
		return
	}

	var req DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid decide body", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	candidates, err := selectArms(arms, req.CandidateArms)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_ARM"})
		return
	}

	x := req.ContextVector
	if len(x) == 0 && len(req.Signals) > 0 && h.features != nil {
		// an extraction failure or deadline leaves x empty and the critic escalates
		ectx, cancel := context.WithTimeout(c.Request.Context(), h.critic.DecideTimeout())
		x, err = h.features.Extract(ectx, req.Signals)
		cancel()
		if err != nil {
			logger.Warn("feature extraction failed", zap.Error(err))
			x = nil
		}
	}

	d, err := h.critic.Decide(c.Request.Context(), critic.Request{
		ExperimentID: experiment,
		Arms:         candidates,
		Context:      x,
		Category:     req.Category,
	})
	if err != nil {
		logger.Error("decide rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_ARMS"})
		return
	}

	c.JSON(http.StatusOK, DecisionResponse{
		DecisionID:     d.ID,
		ExperimentID:   d.ExperimentID,
		ArmID:          d.ArmID,
		RewardEstimate: d.RewardEstimate,
		RewardBound:    d.RewardBound,
		SafetyEstimate: d.SafetyEstimate,
		SafetyBound:    d.SafetyBound,
		Fallback:       d.Fallback,
		FallbackReason: d.FallbackReason,
		ChosenAt:       d.ChosenAt,
	})
}

var errUnknownArm = errors.New("unknown candidate arm")

// selectArms narrows the registered arms to ids, always keeping the safe default.
func selectArms(registered []state.Arm, ids []string) ([]state.Arm, error) {
	if len(ids) == 0 {
		return registered, nil
	}
	byID := make(map[string]state.Arm, len(registered))
	for _, a := range registered {
		byID[a.ID] = a
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w %q", errUnknownArm, id)
		}
		want[id] = true
	}
	out := make([]state.Arm, 0, len(ids)+1)
	for _, a := range registered {
		if want[a.ID] || a.SafeDefault {
			out = append(out, a)
		}
	}
	return out, nil
}

// #endregion decide

// #region feedback
// HandleFeedback handles POST /v1/feedback. Always 202 for a well-formed body: the
// validation workflow never sees bandit failures.
func (h *Handlers) HandleFeedback(c *gin.Context) {
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	res := h.collector.Collect(c.Request.Context(), feedback.Request{
		DecisionID:         req.DecisionID,
		ValidatorID:        req.ValidatorID,
		IsCorrect:          *req.IsCorrect,
		HasSafetyViolation: req.HasSafetyViolation,
		Category:           req.Category,
	})
	c.JSON(http.StatusAccepted, FeedbackResponse{DecisionID: req.DecisionID, Status: string(res.Status)})
}

// HandleBatchFeedback handles POST /v1/feedback/batch.
func (h *Handlers) HandleBatchFeedback(c *gin.Context) {
	var req BatchFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	c.JSON(http.StatusAccepted, h.collector.BatchCollect(c.Request.Context(), req.DecisionIDs, req.ValidatorID))
}

// #endregion feedback

// #region arms
// HandleListArms handles GET /v1/experiments/:experiment/arms.
func (h *Handlers) HandleListArms(c *gin.Context) {
	experiment := c.Param("experiment")
	arms, ok := h.experiments[experiment]
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown experiment " + experiment, Code: "UNKNOWN_EXPERIMENT"})
		return
	}

	records, err := h.store.Backend().ListArms(c.Request.Context(), experiment)
	if err != nil {
		h.logger.Error("list arms failed", zap.String("experiment", experiment), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "arm models unavailable", Code: "STORE_UNAVAILABLE"})
		return
	}
	byArm := make(map[string]state.ArmRecord, len(records))
	for _, r := range records {
		byArm[r.Key.ArmID] = r
	}

	out := make([]ArmSummary, 0, len(arms))
	for _, a := range arms {
		s := ArmSummary{ArmID: a.ID, Label: a.Label, SafeDefault: a.SafeDefault}
		if rec, ok := byArm[a.ID]; ok {
			s.Version = rec.Version
			s.Observations = rec.Snapshot.Observations
			s.UpdatedAt = rec.UpdatedAt
			if m, err := model.FromSnapshot(rec.Snapshot, h.store.ModelConfig()); err == nil {
				s.Theta = m.Theta()
				s.Phi = m.Phi()
			}
		}
		out = append(out, s)
	}
	c.JSON(http.StatusOK, out)
}

// #endregion arms

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// #region middleware
const requestIDHeader = "X-Request-ID"

func requestID(c *gin.Context) string {
	if id := c.GetString(requestIDHeader); id != "" {
		return id
	}
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDHeader, id)
	return id
}

// #endregion middleware
