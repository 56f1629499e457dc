package subscriptions

import "time"

// EndOfMonth returns the last millisecond (23:59:59.999) of t's calendar
// month in loc.
func EndOfMonth(t time.Time, loc *time.Location) time.Time {
	return StartOfNextMonth(t, loc).Add(-time.Millisecond)
}

// StartOfNextMonth returns midnight of the first day of the month after t's
// in loc.
func StartOfNextMonth(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
}
