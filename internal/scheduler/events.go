package scheduler

import (
	"time"

	"checkind/internal/checkin"
)

// Event types published on the bus. Tests and operators subscribe to these
// instead of parsing log output.
const (
	EventTriggerPlanned = "trigger.planned"
	EventTriggerCleared = "trigger.cleared"
	EventRunStarted     = "run.started"
	EventRunFinished    = "run.finished"
	EventAccountSkipped = "account.skipped"
)

// TriggerEvent describes a planned (or cleared) wake-up.
type TriggerEvent struct {
	At    time.Time `json:"at,omitempty"`
	Retry bool      `json:"retry,omitempty"` // next wake is a retry, not a window slot
}

// RunEvent summarizes one finished pass.
type RunEvent struct {
	StartedAt time.Time          `json:"startedAt"`
	Duration  time.Duration      `json:"duration"`
	Verdict   checkin.RunVerdict `json:"verdict,omitempty"`
	Summary   checkin.RunSummary `json:"summary"`
}

// SkipEvent records one account excluded from a pass.
type SkipEvent struct {
	AccountID string             `json:"accountId"`
	Reason    checkin.SkipReason `json:"reason"`
}
