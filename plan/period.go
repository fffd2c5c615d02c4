package plan

import "time"

// Period is the billing window a plan's counters accumulate over.
type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
	PeriodHourly  Period = "hourly"
	PeriodMinute  Period = "minute"
)

func (p Period) Valid() bool {
	switch p {
	case PeriodMonthly, PeriodYearly, PeriodHourly, PeriodMinute:
		return true
	}
	return false
}

// Next returns the exclusive end of the period that starts at start.
//
// Calendar periods keep the start's day of month, clamped to the last day
// of a shorter month: Jan 31 ends on Feb 28 and Feb 29 2028 on Feb 28 2029.
// A start on the last day of its month stays on month ends, so the period
// after Feb 28 ends on Mar 31.
func (p Period) Next(start time.Time) time.Time {
	switch p {
	case PeriodYearly:
		return addMonths(start, 12)
	case PeriodHourly:
		return start.Add(time.Hour)
	case PeriodMinute:
		return start.Add(time.Minute)
	default:
		return addMonths(start, 1)
	}
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := daysIn(first.Year(), first.Month())
	if d > last || d == daysIn(y, m) {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Advance walks forward from [start, end) one period at a time until the
// window contains now. Windows already containing now are returned as-is.
func (p Period) Advance(start, end, now time.Time) (time.Time, time.Time) {
	for !now.Before(end) {
		start = end
		end = p.Next(start)
	}
	return start, end
}

// Window is a half-open [Start, End) interval.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) Equal(other Window) bool {
	return w.Start.Equal(other.Start) && w.End.Equal(other.End)
}

func (w Window) IsZero() bool { return w.Start.IsZero() && w.End.IsZero() }
