package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mintenance/critic-controller/internal/critic"
	"github.com/mintenance/critic-controller/internal/model"
	"github.com/mintenance/critic-controller/internal/state"
)

// #region fixture-types

// Fixture is a recorded sequence of cases with their ground truth.
type Fixture struct {
	Description     string                  `json:"description" yaml:"description"`
	Experiment      FixtureExperiment       `json:"experiment" yaml:"experiment"`
	Config          FixtureConfig           `json:"config" yaml:"config"`
	Cases           []FixtureCase           `json:"cases" yaml:"cases"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results" yaml:"expected_results"`
}

// FixtureExperiment names the experiment and its arms.
type FixtureExperiment struct {
	ID   string      `json:"id" yaml:"id"`
	Arms []state.Arm `json:"arms" yaml:"arms"`
}

// FixtureCase is one case: the context the critic sees and the later validation.
type FixtureCase struct {
	CaseID             string    `json:"case_id" yaml:"case_id"`
	ContextVector      []float64 `json:"context_vector" yaml:"context_vector"`
	Category           string    `json:"category" yaml:"category"`
	IsCorrect          bool      `json:"is_correct" yaml:"is_correct"`
	HasSafetyViolation bool      `json:"has_safety_violation" yaml:"has_safety_violation"`
	ValidatorID        string    `json:"validator_id" yaml:"validator_id"`
	SkipFeedback       bool      `json:"skip_feedback" yaml:"skip_feedback"`
}

// FixtureExpectedResult captures the expected arm per case.
type FixtureExpectedResult struct {
	CaseID string `json:"case_id" yaml:"case_id"`
	ArmID  string `json:"arm_id" yaml:"arm_id"`
}

// FixtureConfig mirrors the model and gate settings of a run. Zero values take defaults.
type FixtureConfig struct {
	Dim             int      `json:"dim" yaml:"dim"`
	Lambda          float64  `json:"lambda" yaml:"lambda"`
	Alpha           *float64 `json:"alpha" yaml:"alpha"`
	SafetyThreshold *float64 `json:"safety_threshold" yaml:"safety_threshold"`
	SafetyCritical  []string `json:"safety_critical" yaml:"safety_critical"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads a JSON fixture, or YAML when the extension is .yaml or .yml.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToReplayConfig converts a FixtureConfig to a ReplayConfig over the defaults.
func (fc *FixtureConfig) ToReplayConfig() ReplayConfig {
	cfg := DefaultReplayConfig()
	if fc.Dim > 0 {
		cfg.Model.Dim = fc.Dim
	}
	if fc.Lambda > 0 {
		cfg.Model.Lambda = fc.Lambda
	}
	if fc.Alpha != nil {
		cfg.Model.Alpha = *fc.Alpha
	}
	if fc.SafetyThreshold != nil {
		cfg.Critic.SafetyThreshold = *fc.SafetyThreshold
	}
	cfg.SafetyCritical = fc.SafetyCritical
	return cfg
}

// ToCase converts a FixtureCase to a domain Case.
func (fc *FixtureCase) ToCase() Case {
	return Case{
		CaseID:             fc.CaseID,
		Context:            fc.ContextVector,
		Category:           fc.Category,
		IsCorrect:          fc.IsCorrect,
		HasSafetyViolation: fc.HasSafetyViolation,
		ValidatorID:        fc.ValidatorID,
		SkipFeedback:       fc.SkipFeedback,
	}
}

// ToCases converts every fixture case.
func (f *Fixture) ToCases() []Case {
	out := make([]Case, len(f.Cases))
	for i := range f.Cases {
		out[i] = f.Cases[i].ToCase()
	}
	return out
}

// #endregion fixture-loader

// DefaultReplayConfig returns the production model and critic defaults.
func DefaultReplayConfig() ReplayConfig {
	c := critic.DefaultConfig()
	// replay reads from memory, a deadline would only add flakiness
	c.DecideTimeout = time.Minute
	return ReplayConfig{
		Model:  model.DefaultConfig(),
		Critic: c,
	}
}
