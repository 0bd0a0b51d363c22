// Package domain defines the business logic for the Medio watch service:
// watch-session lifecycle, daily-time-limit enforcement, and the ledger
// accounting behind the parent-facing usage reports.
package domain

import "time"

// StopReason explains why a watch session reached its terminal state.
type StopReason string

const (
	StopReasonManual     StopReason = "manual"
	StopReasonTimeLimit  StopReason = "time_limit"
	StopReasonDailyLimit StopReason = "daily_limit"
	StopReasonError      StopReason = "error"
	StopReasonSwipeExit  StopReason = "swipe_exit"
	StopReasonStale      StopReason = "stale"
)

// Valid reports whether the reason is one of the known terminal reasons.
func (r StopReason) Valid() bool {
	switch r {
	case StopReasonManual, StopReasonTimeLimit, StopReasonDailyLimit,
		StopReasonError, StopReasonSwipeExit, StopReasonStale:
		return true
	}
	return false
}

// WatchSession is the canonical session record stored in PostgreSQL. A row
// exists only for live or ended sessions; a denied start never creates one.
// Once EndedAt is set the row is immutable.
type WatchSession struct {
	ID              string
	AccountID       string
	ProfileID       string
	VideoID         string
	TokenID         string
	MaxWatchMinutes *int
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	PositionSeconds *int
	EndedAt         *time.Time
	DurationSeconds *int
	StopReason      StopReason
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Live reports whether the session is still accruing time.
func (s *WatchSession) Live() bool {
	return s != nil && s.EndedAt == nil
}

// ChildProfile is the viewer a session is accounted against. A nil
// DailyLimitMinutes means unlimited viewing, which is distinct from zero.
type ChildProfile struct {
	ID                string
	AccountID         string
	DisplayName       string
	DailyLimitMinutes *int
}

// Video is a playable item curated by the parent account. Immutable here;
// the catalog CRUD lives in another service.
type Video struct {
	ID          string
	AccountID   string
	Title       string
	ExternalURL string
	AgeRating   string
}

// NFCToken is a physical chip registered to a parent account.
type NFCToken struct {
	ID        string
	AccountID string
	ChipUID   string
	Label     string
	Active    bool
}

// TokenVideoBinding is one entry of a token's ordered playlist. SequenceOrder
// values are contiguous starting at 1; MaxWatchMinutes optionally caps a
// single sitting of the bound video.
type TokenVideoBinding struct {
	ID              string
	TokenID         string
	VideoID         string
	ProfileID       string
	SequenceOrder   int
	MaxWatchMinutes *int
}

// DailyUsage is one row of the per-profile, per-day minute ledger.
type DailyUsage struct {
	ProfileID    string
	Date         string
	TotalMinutes int
}
