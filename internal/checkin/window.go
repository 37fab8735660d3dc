package checkin

import (
	"fmt"
	"strconv"
	"strings"
)

// MinutesPerDay is the number of minute slots in a calendar day.
const MinutesPerDay = 24 * 60

// ToMinutes parses an "HH:MM" string into minutes since midnight.
func ToMinutes(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// InWindow reports whether a minute-of-day falls inside [start, end].
// start == end is a degenerate window and never matches.
// start > end means the window crosses midnight.
func InWindow(minute, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}
