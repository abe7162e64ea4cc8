// Package schedule expands recurring bookings into concrete occurrences and
// runs the periodic reservation sweep.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/apperror"
	"github.com/example/ride-dispatch/internal/models"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseDays turns weekday tokens into a set. Tokens are matched on their
// first three letters, case-insensitively, so "Monday" and "mon" agree.
func ParseDays(tokens []string) (map[time.Weekday]bool, error) {
	if len(tokens) == 0 {
		return nil, apperror.BadRequest("at least one weekday is required")
	}
	set := make(map[time.Weekday]bool, len(tokens))
	for _, tok := range tokens {
		t := strings.ToLower(strings.TrimSpace(tok))
		if len(t) < 3 {
			return nil, apperror.BadRequest("unknown weekday %q", tok)
		}
		wd, ok := weekdays[t[:3]]
		if !ok {
			return nil, apperror.BadRequest("unknown weekday %q", tok)
		}
		set[wd] = true
	}
	return set, nil
}

// ParseTimeOfDay reads "HH:MM" into hour and minute.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, apperror.BadRequest("time of day %q must be HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Expand lists the timestamps a booking is due at between today and
// today+lookaheadDays inclusive, clipped to the booking's own date range.
// Timestamps at or before now are skipped. Dates are computed in loc.
func Expand(b *models.Booking, now time.Time, lookaheadDays int, loc *time.Location) ([]time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	days, err := ParseDays(b.Days)
	if err != nil {
		return nil, fmt.Errorf("booking %s: %w", b.ID, err)
	}
	hour, minute, err := ParseTimeOfDay(b.TimeOfDay)
	if err != nil {
		return nil, fmt.Errorf("booking %s: %w", b.ID, err)
	}

	first := midnight(now, loc)
	last := first.AddDate(0, 0, lookaheadDays)
	if !b.StartDate.IsZero() {
		if s := midnight(b.StartDate, loc); s.After(first) {
			first = s
		}
	}
	if b.EndDate != nil {
		if e := midnight(*b.EndDate, loc); e.Before(last) {
			last = e
		}
	}

	var out []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if !days[d.Weekday()] {
			continue
		}
		at := time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc)
		if at.After(now) {
			out = append(out, at)
		}
	}
	return out, nil
}
