package domain

import "time"

// DateLayout keys ledger rows by calendar day in the effective day-boundary
// location.
const DateLayout = "2006-01-02"

// DayKey returns the ledger key for the instant t.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// UsageIncrement is one additive charge against a profile's daily ledger.
// Increments are commutative: concurrent session ends may apply them in any
// order and the per-day totals still sum correctly.
type UsageIncrement struct {
	Date    string
	Minutes int
}

// SplitIncrements converts a session interval [start, end) into per-day
// ledger charges. An interval crossing midnight in loc is split at each
// boundary and every sub-interval is ceiling-rounded independently, so a
// 23:50-00:10 session charges 10 minutes to each day rather than 20 to one.
func SplitIncrements(start, end time.Time, loc *time.Location) []UsageIncrement {
	if !end.After(start) {
		return nil
	}

	var out []UsageIncrement
	cur := start.In(loc)
	last := end.In(loc)
	for cur.Before(last) {
		next := startOfNextDay(cur)
		segEnd := last
		if next.Before(last) {
			segEnd = next
		}
		if minutes := ceilMinutes(segEnd.Sub(cur)); minutes > 0 {
			out = append(out, UsageIncrement{
				Date:    cur.Format(DateLayout),
				Minutes: minutes,
			})
		}
		cur = next
	}
	return out
}

// ceilMinutes rounds a duration up to whole minutes. The ledger always
// rounds up at commit time so aggregate usage can never undershoot the
// configured limit.
func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}

func startOfNextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
