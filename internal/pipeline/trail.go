package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Stage identifies one pipeline stage.
type Stage string

// Pipeline stages in evaluation order.
const (
	StageRouteResolution    Stage = "route_resolution"
	StageIdentityResolution Stage = "identity_resolution"
	StageResourceLoading    Stage = "resource_loading"
	StageResourceAccess     Stage = "resource_access"
	StageRouteAccess        Stage = "route_access"
	StageInputValidation    Stage = "input_validation"
)

// Outcome classifies how a stage ended.
type Outcome string

const (
	// OutcomePass means the stage succeeded and the run continued.
	OutcomePass Outcome = "pass"

	// OutcomeFail means the stage produced the terminal verdict.
	OutcomeFail Outcome = "fail"

	// OutcomeSkip means the stage did not apply to this route.
	OutcomeSkip Outcome = "skip"

	// OutcomeError means an infrastructure fault aborted the run.
	OutcomeError Outcome = "error"
)

// StageRecord is one entry of the decision trail.
type StageRecord struct {
	Stage   Stage         `json:"stage"`
	Outcome Outcome       `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Trail is the ordered, append-only record of stage outcomes for one
// request. It exists for logs, audit events, and traces; rendered
// responses must never include it, since it records exactly the
// distinctions the verdict is built to conceal.
type Trail []StageRecord

// add appends one stage record.
func (t *Trail) add(stage Stage, outcome Outcome, reason string, elapsed time.Duration) {
	*t = append(*t, StageRecord{Stage: stage, Outcome: outcome, Reason: reason, Elapsed: elapsed})
}

// Last returns the most recent record.
func (t Trail) Last() (StageRecord, bool) {
	if len(t) == 0 {
		return StageRecord{}, false
	}
	return t[len(t)-1], true
}

// Summary renders the trail as a compact single line for log and audit
// fields.
func (t Trail) Summary() string {
	if len(t) == 0 {
		return ""
	}
	parts := make([]string, len(t))
	for i, r := range t {
		parts[i] = fmt.Sprintf("%s:%s", r.Stage, r.Outcome)
	}
	return strings.Join(parts, " ")
}
