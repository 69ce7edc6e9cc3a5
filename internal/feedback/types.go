package feedback

// #region status
// Status is the outcome kind of one Collect call.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusUnknown   Status = "skipped_unknown_decision"
	StatusDuplicate Status = "skipped_duplicate"
	StatusFailed    Status = "failed"
)

// Skipped reports whether the call was a no-op.
func (s Status) Skipped() bool { return s == StatusUnknown || s == StatusDuplicate }

// #endregion status

// #region request
// Request is one human validation of a decision.
type Request struct {
	DecisionID         string
	ValidatorID        string
	IsCorrect          bool
	HasSafetyViolation bool
	Category           string // overrides the decision's category when set
}

// Result reports what Collect did. Err is set for failed calls and for applied calls
// whose outcome write was deferred to the retry queue.
type Result struct {
	DecisionID      string
	Status          Status
	Reward          float64
	SafetyViolation bool
	Err             error
}

// BatchResult aggregates a BatchCollect run.
type BatchResult struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// #endregion request
