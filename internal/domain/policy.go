package domain

import "time"

// Decision is the outcome of a daily-limit check.
type Decision struct {
	Allowed bool
	// RemainingMinutes is nil for unlimited profiles, otherwise the budget
	// left today, floored at zero.
	RemainingMinutes *int
}

// Decide applies the daily-limit policy. The boundary is exclusive on the
// allow side: a profile that has used exactly its limit is denied.
//
// limitMinutes nil means the profile is unlimited and every request is
// allowed with a nil remainder.
func Decide(limitMinutes *int, ledgerMinutes, liveMinutes int) Decision {
	if limitMinutes == nil {
		return Decision{Allowed: true}
	}

	used := ledgerMinutes + liveMinutes
	remaining := *limitMinutes - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:          used < *limitMinutes,
		RemainingMinutes: &remaining,
	}
}

// LiveElapsedMinutes converts a live session's running time to whole minutes.
// Live estimates floor; only the final ledger commit rounds up, so a session
// is never denied earlier than its budget requires.
func LiveElapsedMinutes(startedAt, now time.Time) int {
	if !now.After(startedAt) {
		return 0
	}
	return int(now.Sub(startedAt) / time.Minute)
}
