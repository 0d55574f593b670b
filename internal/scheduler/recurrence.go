package scheduler

import (
	"time"

	"github.com/inlet-sync/inlet/internal/ledger"
)

// nextFireScanLimit bounds the calendar scan. A valid calendar recurrence
// always matches within a few years of minutes.
const nextFireScanLimit = 4 * 366 * 24 * 60

// NextFire returns the first instant strictly after the given time at
// which the recurrence fires, as a pure function of the variant and the
// reference time. Returns the zero time when the recurrence can never
// fire (e.g. day-of-month 31 in a months list without a 31st).
func NextFire(rec ledger.Recurrence, after time.Time) time.Time {
	if rec.Every > 0 {
		// Interval ticks are aligned to multiples of the interval so
		// every process derives the same boundaries.
		return after.Truncate(rec.Every).Add(rec.Every)
	}
	if rec.Calendar == nil {
		return time.Time{}
	}

	current := after.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < nextFireScanLimit; i++ {
		if calendarMatches(rec.Calendar, current) {
			return current
		}
		current = current.Add(time.Minute)
	}
	return time.Time{}
}

// calendarMatches reports whether t matches every restricted field.
// Standard cron day semantics apply: when both day-of-month and
// day-of-week are restricted, matching either suffices.
func calendarMatches(c *ledger.Calendar, t time.Time) bool {
	if !fieldMatches(c.Minutes, t.Minute()) {
		return false
	}
	if !fieldMatches(c.Hours, t.Hour()) {
		return false
	}
	if !fieldMatches(c.Months, int(t.Month())) {
		return false
	}

	domRestricted := len(c.DaysOfMonth) > 0
	dowRestricted := len(c.DaysOfWeek) > 0
	switch {
	case domRestricted && dowRestricted:
		return fieldMatches(c.DaysOfMonth, t.Day()) || fieldMatches(c.DaysOfWeek, int(t.Weekday()))
	case domRestricted:
		return fieldMatches(c.DaysOfMonth, t.Day())
	case dowRestricted:
		return fieldMatches(c.DaysOfWeek, int(t.Weekday()))
	default:
		return true
	}
}

// fieldMatches treats an empty list as a wildcard.
func fieldMatches(vals []int, v int) bool {
	if len(vals) == 0 {
		return true
	}
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// withinValidity reports whether t falls inside the definition's optional
// validity window.
func withinValidity(d *ledger.ScheduleDefinition, t time.Time) bool {
	if d.ValidFrom != nil && t.Before(*d.ValidFrom) {
		return false
	}
	if d.ValidUntil != nil && t.After(*d.ValidUntil) {
		return false
	}
	return true
}
