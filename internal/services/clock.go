package services

import "time"

// Clock is the source of "now" for due dates, expirations and overdue checks.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// startOfDay truncates t to midnight UTC. Fines are keyed by these calendar days.
func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// EndOfDay returns the last instant of t's calendar day in UTC. A sweep "as of" a date sees
// everything that happened during that day.
func EndOfDay(t time.Time) time.Time {
	return startOfDay(t).Add(24*time.Hour - time.Nanosecond)
}

// ParseAsOf reads a sweep date. A bare YYYY-MM-DD means the end of that day; RFC 3339
// timestamps are taken as given.
func ParseAsOf(value string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return EndOfDay(t), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
