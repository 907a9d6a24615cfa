package schedule

import (
	"strings"
	"time"
)

// dateLayouts are tried in order. Layouts without a zone are read in the
// resolver's location.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006",
}

// ParseDate parses a stored calendar date and returns local midnight of
// that day in loc. Time-of-day is discarded. A nil loc means time.Local.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, &MalformedDateError{Field: "date", Value: value, MedicineIndex: -1}
	}

	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return Midnight(t, loc), nil
		}
		lastErr = err
	}
	return time.Time{}, &MalformedDateError{Field: "date", Value: value, MedicineIndex: -1, Err: lastErr}
}

// Midnight returns the start of t's calendar day in loc
func Midnight(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// DaysBetween returns the number of whole calendar days from one date to
// another. Only the calendar dates are compared, so DST transitions do not
// shift the result. Unix seconds are used because time.Duration saturates
// at about 292 years.
func DaysBetween(from, to time.Time) int {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int((b.Unix() - a.Unix()) / 86400)
}

// DayIndex returns the zero-based course day of target for a course
// starting on startDate.
func DayIndex(startDate string, target time.Time, loc *time.Location) (int, error) {
	start, err := ParseDate(startDate, loc)
	if err != nil {
		return 0, err
	}
	return DaysBetween(start, Midnight(target, loc)), nil
}
