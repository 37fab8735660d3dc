// Package checkin holds the domain model for automated daily check-ins:
// per-account results, run summaries, the persisted scheduler status, and
// the pure trigger/window/budget math the scheduler is built on.
package checkin

import "time"

// ResultStatus is the outcome of one account's check-in attempt.
type ResultStatus string

const (
	StatusSuccess        ResultStatus = "success"
	StatusAlreadyChecked ResultStatus = "already_checked"
	StatusFailed         ResultStatus = "failed"
	StatusSkipped        ResultStatus = "skipped"
)

// SkipReason enumerates why an account was excluded from a pass.
type SkipReason string

const (
	SkipDetectionDisabled SkipReason = "detection_disabled"
	SkipAutoRunDisabled   SkipReason = "auto_checkin_disabled"
	SkipAlreadyChecked    SkipReason = "already_checked_today"
	SkipNoProvider        SkipReason = "no_provider"
	SkipProviderNotReady  SkipReason = "provider_not_ready"
)

// RunVerdict is the overall outcome of a pass.
type RunVerdict string

const (
	RunSuccess RunVerdict = "success"
	RunPartial RunVerdict = "partial"
	RunFailed  RunVerdict = "failed"
)

// ScheduleMode selects how the daily trigger instant is chosen.
type ScheduleMode string

const (
	ModeRandom        ScheduleMode = "random"
	ModeDeterministic ScheduleMode = "deterministic"
)

// RetryStrategy bounds retry-on-failure behavior.
type RetryStrategy struct {
	Enabled           bool `json:"enabled"`
	IntervalMinutes   int  `json:"intervalMinutes"`
	MaxAttemptsPerDay int  `json:"maxAttemptsPerDay"`
}

// Settings is the schedule configuration consumed by the planner and the
// run coordinator. WindowStart == WindowEnd means "no valid window".
type Settings struct {
	GlobalEnabled     bool          `json:"globalEnabled"`
	WindowStart       string        `json:"windowStart"` // HH:MM
	WindowEnd         string        `json:"windowEnd"`   // HH:MM
	ScheduleMode      ScheduleMode  `json:"scheduleMode"`
	DeterministicTime string        `json:"deterministicTime,omitempty"` // HH:MM
	RetryStrategy     RetryStrategy `json:"retryStrategy"`
}

// SettingsPatch is a partial settings update. Nil fields keep the current value.
type SettingsPatch struct {
	GlobalEnabled     *bool          `json:"globalEnabled,omitempty"`
	WindowStart       *string        `json:"windowStart,omitempty"`
	WindowEnd         *string        `json:"windowEnd,omitempty"`
	ScheduleMode      *ScheduleMode  `json:"scheduleMode,omitempty"`
	DeterministicTime *string        `json:"deterministicTime,omitempty"`
	RetryStrategy     *RetryStrategy `json:"retryStrategy,omitempty"`
}

// Apply merges the patch into s and returns the result.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.GlobalEnabled != nil {
		s.GlobalEnabled = *p.GlobalEnabled
	}
	if p.WindowStart != nil {
		s.WindowStart = *p.WindowStart
	}
	if p.WindowEnd != nil {
		s.WindowEnd = *p.WindowEnd
	}
	if p.ScheduleMode != nil {
		s.ScheduleMode = *p.ScheduleMode
	}
	if p.DeterministicTime != nil {
		s.DeterministicTime = *p.DeterministicTime
	}
	if p.RetryStrategy != nil {
		s.RetryStrategy = *p.RetryStrategy
	}
	return s
}

// Account is one externally registered site account.
type Account struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	SiteType         string `json:"siteType"`
	DetectionEnabled bool   `json:"detectionEnabled"`
	AutoRunEnabled   bool   `json:"autoRunEnabled"`
	DoneToday        bool   `json:"doneToday"`
	LastDoneDate     string `json:"lastDoneDate,omitempty"` // YYYY-MM-DD
}

// RunResult is one account's outcome within a pass (or a manual retry).
type RunResult struct {
	AccountID   string       `json:"accountId"`
	AccountName string       `json:"accountName"`
	Status      ResultStatus `json:"status"`
	Message     string       `json:"message"`
	ReasonCode  SkipReason   `json:"reasonCode,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// AccountSnapshot captures an account's eligibility at run time.
// Immutable once attached to a status, except LastResult which a manual
// single-account retry may patch.
type AccountSnapshot struct {
	AccountID         string     `json:"accountId"`
	AccountName       string     `json:"accountName"`
	SiteType          string     `json:"siteType"`
	DetectionEnabled  bool       `json:"detectionEnabled"`
	AutoRunEnabled    bool       `json:"autoRunEnabled"`
	ProviderAvailable bool       `json:"providerAvailable"`
	DoneToday         bool       `json:"doneToday"`
	LastDoneDate      string     `json:"lastDoneDate,omitempty"`
	SkipReason        SkipReason `json:"skipReason,omitempty"`
	LastResult        *RunResult `json:"lastResult,omitempty"`
}

// RunSummary is derived from the full per-account map, never hand-edited.
type RunSummary struct {
	TotalEligible int  `json:"totalEligible"`
	Executed      int  `json:"executed"`
	SuccessCount  int  `json:"successCount"`
	FailedCount   int  `json:"failedCount"`
	SkippedCount  int  `json:"skippedCount"`
	NeedsRetry    bool `json:"needsRetry"`
}

// AttemptsTracker counts passes per calendar day.
// Attempts only increases within the same day; a new date resets it.
type AttemptsTracker struct {
	Date     string `json:"date"` // YYYY-MM-DD
	Attempts int    `json:"attempts"`
}

// Status is the single persisted source of truth across restarts.
// It is always replaced wholesale.
type Status struct {
	LastRunAt        time.Time            `json:"lastRunAt"`
	LastRunResult    RunVerdict           `json:"lastRunResult,omitempty"`
	PerAccount       map[string]RunResult `json:"perAccount"`
	NextScheduledAt  time.Time            `json:"nextScheduledAt"`
	Summary          RunSummary           `json:"summary"`
	Attempts         AttemptsTracker      `json:"attempts"`
	PendingRetry     bool                 `json:"pendingRetry"`
	AccountsSnapshot []AccountSnapshot    `json:"accountsSnapshot,omitempty"`
}

// Summarize recomputes the run summary from a full per-account map.
// Skipped accounts must be present in the map (with StatusSkipped) for the
// counts to line up with the snapshot list.
func Summarize(perAccount map[string]RunResult) RunSummary {
	s := RunSummary{TotalEligible: len(perAccount)}
	for _, r := range perAccount {
		switch r.Status {
		case StatusSuccess, StatusAlreadyChecked:
			s.Executed++
			s.SuccessCount++
		case StatusFailed:
			s.Executed++
			s.FailedCount++
		case StatusSkipped:
			s.SkippedCount++
		}
	}
	s.NeedsRetry = s.FailedCount > 0
	return s
}

// Verdict derives the overall run result from the summary counts.
func (s RunSummary) Verdict() RunVerdict {
	switch {
	case s.FailedCount == 0:
		return RunSuccess
	case s.SuccessCount > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

// DateOf formats t as the calendar-day key used by the attempts tracker
// and the done-today bookkeeping.
func DateOf(t time.Time) string { return t.Format("2006-01-02") }
