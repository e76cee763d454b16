package database

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar date format used on the CLI and HTTP API.
const DateLayout = "2006-01-02"

// ParseDate accepts YYYY-MM-DD or a full RFC 3339 timestamp and returns UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date is empty")
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), nil
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last representable instant of t's UTC calendar day.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).Add(24*time.Hour - time.Microsecond)
}

// PreviousDay returns the full UTC calendar day before now.
func PreviousDay(now time.Time) (start, end time.Time) {
	start = StartOfDay(now).AddDate(0, 0, -1)
	return start, EndOfDay(start)
}

// FormatRange formats an audit window for human-readable display.
// Single day: "Feb 06, 2026"
// Range: "Feb 01 - Feb 06, 2026"
func FormatRange(start, end time.Time) string {
	if StartOfDay(start).Equal(StartOfDay(end)) {
		return start.UTC().Format("Jan 02, 2006")
	}
	if start.UTC().Year() != end.UTC().Year() {
		return fmt.Sprintf("%s - %s", start.UTC().Format("Jan 02, 2006"), end.UTC().Format("Jan 02, 2006"))
	}
	return fmt.Sprintf("%s - %s", start.UTC().Format("Jan 02"), end.UTC().Format("Jan 02, 2006"))
}
