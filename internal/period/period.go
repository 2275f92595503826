// Package period derives the day and month keys that gate once-per-period work.
// All calculations happen in the location passed in, so a deployment can pin
// period boundaries to its users' timezone.
package period

import (
	"time"
)

const (
	// DayLayout formats day keys, e.g. "2025-01-31".
	DayLayout = "2006-01-02"
	// MonthLayout formats month keys, e.g. "January2025".
	MonthLayout = "January2006"
)

// DayKey returns the calendar day of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return in(t, loc).Format(DayLayout)
}

// MonthKey returns the league period of t in loc.
func MonthKey(t time.Time, loc *time.Location) string {
	return in(t, loc).Format(MonthLayout)
}

// IsLastDayOfMonth reports whether tomorrow falls in a different month.
func IsLastDayOfMonth(t time.Time, loc *time.Location) bool {
	local := in(t, loc)
	return local.AddDate(0, 0, 1).Month() != local.Month()
}

// StartOfDay returns midnight of t's day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := in(t, loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// DaysSince returns whole 24h periods elapsed between then and now.
// Times in the future count as zero.
func DaysSince(then, now time.Time) int {
	if !now.After(then) {
		return 0
	}
	return int(now.Sub(then) / (24 * time.Hour))
}

// LoadLocation resolves a timezone name, falling back to UTC for "" and unknown names.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func in(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc)
}
