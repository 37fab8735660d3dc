package checkin

// BumpAttempts consumes one attempt of the per-day budget. The tracker
// resets implicitly when the stored date differs from today.
//
// Callers bump at the start of a pass, before any execution, so even a
// crash mid-pass has consumed an attempt for the day.
func BumpAttempts(t AttemptsTracker, today string) AttemptsTracker {
	if t.Date == today {
		t.Attempts++
		return t
	}
	return AttemptsTracker{Date: today, Attempts: 1}
}
