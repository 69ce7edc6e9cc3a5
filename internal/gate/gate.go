package gate

import (
	"fmt"
	"math"
)

// #region gate
// Gate decides which arms are safe enough to be selected.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Threshold returns the configured safety threshold.
func (g *Gate) Threshold() float64 { return g.config.SafetyThreshold }

// Evaluate checks one candidate against the safety threshold. The safe default is
// always eligible, whatever its own estimates say.
func (g *Gate) Evaluate(c Candidate) GateDecision {
	safetyUCB := c.Prediction.SafetyUCB()
	if c.SafeDefault {
		return GateDecision{
			ArmID:     c.ArmID,
			Action:    "eligible",
			Reason:    "safe default",
			SafetyUCB: safetyUCB,
		}
	}

	var vetoes []VetoSignal

	// 1. NaN or Inf estimates cannot be compared against the threshold
	rewardUCB := c.Prediction.RewardUCB()
	if math.IsNaN(rewardUCB) || math.IsInf(rewardUCB, 0) || math.IsInf(safetyUCB, 0) {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoNonFinite,
			Reason: fmt.Sprintf("non-finite estimate reward_ucb=%v safety_ucb=%v", rewardUCB, safetyUCB),
		})
	}

	// 2. Safety bound unknown
	if math.IsNaN(safetyUCB) {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoUnknownSafety,
			Reason: "safety upper bound is NaN",
		})
	} else if safetyUCB > g.config.SafetyThreshold {
		// 3. Pessimistic violation bound above threshold
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoSafetyBound,
			Reason: fmt.Sprintf("safety ucb %.4f exceeds threshold %.4f", safetyUCB, g.config.SafetyThreshold),
		})
	}

	if len(vetoes) > 0 {
		return GateDecision{
			ArmID:       c.ArmID,
			Action:      "reject",
			Reason:      fmt.Sprintf("hard veto: %s", vetoes[0].Reason),
			Vetoed:      true,
			VetoSignals: vetoes,
			SafetyUCB:   safetyUCB,
		}
	}

	return GateDecision{
		ArmID:     c.ArmID,
		Action:    "eligible",
		Reason:    fmt.Sprintf("passed gate: safety_ucb=%.4f", safetyUCB),
		SafetyUCB: safetyUCB,
	}
}

// Filter evaluates every candidate and returns the eligible ones in input order,
// together with the per-arm decisions.
func (g *Gate) Filter(candidates []Candidate) ([]Candidate, []GateDecision) {
	eligible := make([]Candidate, 0, len(candidates))
	decisions := make([]GateDecision, 0, len(candidates))
	for _, c := range candidates {
		d := g.Evaluate(c)
		decisions = append(decisions, d)
		if !d.Vetoed {
			eligible = append(eligible, c)
		}
	}
	return eligible, decisions
}

// #endregion gate
