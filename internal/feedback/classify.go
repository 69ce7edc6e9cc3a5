package feedback

import "strings"

// DefaultSafetyCritical lists the damage categories whose missed detection is a safety
// violation for the bandit.
var DefaultSafetyCritical = []string{
	"structural_failure",
	"electrical_hazard",
	"fire_hazard",
	"asbestos",
	"toxic_mold",
}

// NormalizeCategory lowercases and joins words with underscores, so "Fire Hazard" and
// "fire-hazard" both become "fire_hazard".
func NormalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	c = strings.NewReplacer("-", "_", " ", "_").Replace(c)
	for strings.Contains(c, "__") {
		c = strings.ReplaceAll(c, "__", "_")
	}
	return c
}

// Classifier turns a validation into a bandit signal.
type Classifier struct {
	critical map[string]bool
}

// NewClassifier builds a classifier over the given safety-critical categories.
// An empty list selects DefaultSafetyCritical.
func NewClassifier(categories []string) *Classifier {
	if len(categories) == 0 {
		categories = DefaultSafetyCritical
	}
	critical := make(map[string]bool, len(categories))
	for _, c := range categories {
		critical[NormalizeCategory(c)] = true
	}
	return &Classifier{critical: critical}
}

// Critical reports whether category is safety-critical.
func (c *Classifier) Critical(category string) bool {
	return c.critical[NormalizeCategory(category)]
}

// Classify returns the reward and the safety indicator. A rejection only counts as a
// safety violation when the validator flagged one and the category is safety-critical.
func (c *Classifier) Classify(isCorrect, hasSafetyViolation bool, category string) (float64, bool) {
	if isCorrect {
		return 1, false
	}
	return 0, hasSafetyViolation && c.Critical(category)
}
