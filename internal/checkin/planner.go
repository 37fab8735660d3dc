package checkin

import (
	"math/rand"
	"strings"
	"time"
)

// Clock abstracts wall-clock time so trigger math and passes can be tested
// without waiting on real time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// ComputeNextTrigger returns the next wake instant for the given settings
// and persisted status, or the zero time when no valid trigger exists.
//
// Precedence:
//  1. pending retry (bounded by the per-day attempt budget)
//  2. deterministic slot (must fall inside the window)
//  3. random slot inside the current or next occurrence of the window
//
// Invalid time strings and degenerate windows never error; the affected
// tier is simply skipped.
func ComputeNextTrigger(set Settings, st Status, now time.Time, rng *rand.Rand) time.Time {
	if t, ok := retryTrigger(set, st, now); ok {
		return t
	}
	if set.ScheduleMode == ModeDeterministic {
		if t, ok := deterministicTrigger(set, now); ok {
			return t
		}
	}
	return randomTrigger(set, now, rng)
}

func retryTrigger(set Settings, st Status, now time.Time) (time.Time, bool) {
	rs := set.RetryStrategy
	if !rs.Enabled || !st.PendingRetry {
		return time.Time{}, false
	}
	if st.Attempts.Date != DateOf(now) || st.Attempts.Attempts >= rs.MaxAttemptsPerDay {
		return time.Time{}, false
	}
	if st.LastRunAt.IsZero() {
		return time.Time{}, false
	}
	target := st.LastRunAt.Add(time.Duration(rs.IntervalMinutes) * time.Minute)
	if !target.After(now) {
		// Interval already elapsed; fire almost immediately instead of
		// handing the wake primitive a past instant.
		return now.Add(15 * time.Second), true
	}
	return target, true
}

func deterministicTrigger(set Settings, now time.Time) (time.Time, bool) {
	at := strings.TrimSpace(set.DeterministicTime)
	if at == "" {
		at = set.WindowStart
	}
	m, err := ToMinutes(at)
	if err != nil {
		return time.Time{}, false
	}
	ws, err := ToMinutes(set.WindowStart)
	if err != nil {
		return time.Time{}, false
	}
	we, err := ToMinutes(set.WindowEnd)
	if err != nil {
		return time.Time{}, false
	}
	if !InWindow(m, ws, we) {
		return time.Time{}, false
	}
	candidate := dayStart(now).Add(time.Duration(m) * time.Minute)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, true
}

// randomTrigger picks a uniformly random second inside the relevant
// occurrence of the window. Windows with end <= start span midnight and are
// treated as one continuous interval across two calendar days.
func randomTrigger(set Settings, now time.Time, rng *rand.Rand) time.Time {
	ws, err := ToMinutes(set.WindowStart)
	if err != nil {
		return time.Time{}
	}
	we, err := ToMinutes(set.WindowEnd)
	if err != nil {
		return time.Time{}
	}
	if ws == we {
		return time.Time{}
	}

	start := dayStart(now).Add(time.Duration(ws) * time.Minute)
	end := dayStart(now).Add(time.Duration(we) * time.Minute)
	nowMinute := now.Hour()*60 + now.Minute()

	if !end.After(start) {
		// Crosses midnight: the interval runs into the next day. If we are
		// currently in the early-morning tail, the active occurrence
		// started yesterday.
		end = end.AddDate(0, 0, 1)
		if now.Before(start) && nowMinute <= we {
			start = start.AddDate(0, 0, -1)
			end = end.AddDate(0, 0, -1)
		}
	}

	switch {
	case !now.Before(end):
		// Window already passed; use tomorrow's occurrence in full.
		start = start.AddDate(0, 0, 1)
		end = end.AddDate(0, 0, 1)
	case now.Before(start):
		// Today's window has not opened yet; use it in full.
	default:
		// Mid-window: never pick a point in the past.
		start = now
	}

	span := end.Sub(start)
	if span <= 0 {
		return start
	}
	offset := time.Duration(rng.Int63n(int64(span/time.Second)+1)) * time.Second
	return start.Add(offset)
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
