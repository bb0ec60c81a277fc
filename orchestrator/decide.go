package orchestrator

import (
	"fmt"

	"github.com/hazyhaar/regprobe/defense"
)

// State is a step of the registration state machine. States only move
// forward; any failure jumps to StateDecided.
type State string

const (
	StateCreated   State = "created"
	StateNavigated State = "navigated"
	StateScanned   State = "scanned"
	StateAnalyzed  State = "analyzed"
	StateFilled    State = "filled"
	StateDecided   State = "decided"
)

// Outcome is the terminal result of an attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeBlocked Outcome = "blocked"
)

// MinFields is the number of filled fields an attempt needs before it can
// be submitted.
const MinFields = 3

const notSubmitted = "ready but not submitted to avoid abuse on non-sandbox domains"

// Verdict is the decision gate's answer. When Submit is set, Outcome is
// empty: the submission result decides.
type Verdict struct {
	Outcome  Outcome
	Submit   bool
	Message  string
	Blocking *defense.Finding
}

// Decide gates submission. A blocking finding wins over everything, then
// the field minimum, then the allow list.
func Decide(findings []defense.Finding, filled int, allowed bool) Verdict {
	if top, ok := defense.Blocking(findings); ok {
		return Verdict{
			Outcome:  OutcomeBlocked,
			Message:  fmt.Sprintf("blocked by %s", top),
			Blocking: &top,
		}
	}
	if filled < MinFields {
		return Verdict{
			Outcome: OutcomeFailed,
			Message: fmt.Sprintf("insufficient fields (%d/%d minimum)", filled, MinFields),
		}
	}
	if !allowed {
		return Verdict{Outcome: OutcomeFailed, Message: notSubmitted}
	}
	return Verdict{Submit: true, Message: "submitting"}
}
