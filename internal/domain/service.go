package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionRepository captures persistence operations for sessions and the
// daily-usage ledger. CompleteSession and TouchSession are compare-and-swap
// operations on the live state: they report false when a concurrent caller
// already performed the terminal transition.
type SessionRepository interface {
	CreateSession(ctx context.Context, session WatchSession) error
	GetSession(ctx context.Context, sessionID string) (*WatchSession, error)
	// TouchSession renews the heartbeat on a live session.
	TouchSession(ctx context.Context, sessionID string, heartbeatAt time.Time, positionSeconds *int) (bool, error)
	// CompleteSession applies the terminal transition, the ledger increments,
	// and the outgoing events atomically. Exactly one concurrent caller wins.
	CompleteSession(ctx context.Context, end SessionEnd) (bool, error)
	// ListStaleSessions returns live sessions whose heartbeat is older than
	// the cutoff.
	ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]WatchSession, error)
	// LedgerTotal returns the accumulated minutes for one profile-day, zero
	// if the row does not exist yet.
	LedgerTotal(ctx context.Context, profileID, date string) (int, error)
	// DailyTotals returns existing ledger rows in [from, to], ordered by date.
	DailyTotals(ctx context.Context, profileID, from, to string) ([]DailyUsage, error)
}

// SessionEnd describes a terminal transition together with its ledger
// charges, so the repository can apply both in one transaction.
type SessionEnd struct {
	SessionID            string
	AccountID            string
	ProfileID            string
	VideoID              string
	EndedAt              time.Time
	DurationSeconds      int
	StopReason           StopReason
	FinalPositionSeconds *int
	Increments           []UsageIncrement
}

// ServiceConfig carries the accounting tunables.
type ServiceConfig struct {
	// HeartbeatInterval is the nominal client pulse period.
	HeartbeatInterval time.Duration
	// StaleMultiplier times HeartbeatInterval gives the staleness window.
	StaleMultiplier int
	// DayBoundary is the location whose midnight keys ledger rows.
	DayBoundary *time.Location
}

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service owns the watch-session state machine: creation, liveness,
// termination, and the ledger accounting on every termination path.
type Service struct {
	sessions SessionRepository
	catalog  CatalogRepository
	resolver *Resolver
	cfg      ServiceConfig
	now      func() time.Time
}

// NewService constructs a Service, applying defaults for unset config.
func NewService(sessions SessionRepository, catalog CatalogRepository, cfg ServiceConfig, opts ...Option) *Service {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.StaleMultiplier <= 0 {
		cfg.StaleMultiplier = 2
	}
	if cfg.DayBoundary == nil {
		cfg.DayBoundary = time.UTC
	}
	s := &Service{
		sessions: sessions,
		catalog:  catalog,
		resolver: NewResolver(catalog),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StaleAfter is the window after which an unrenewed heartbeat makes a
// session reclaimable.
func (s *Service) StaleAfter() time.Duration {
	return s.cfg.HeartbeatInterval * time.Duration(s.cfg.StaleMultiplier)
}

// StartSessionInput captures the payload from the API layer. TokenID or
// ChipUID route through the resolver; a bare VideoID (parent-supervised
// testing) skips it.
type StartSessionInput struct {
	// AccountID is the authenticated account, empty on kiosk paths.
	AccountID string
	ProfileID string
	TokenID   string
	ChipUID   string
	VideoID   string
	// PlaylistPosition selects a binding when no explicit video is given.
	PlaylistPosition int
	Source           string
}

// StartSessionResult is returned on a successful start.
type StartSessionResult struct {
	SessionID        string
	VideoID          string
	VideoTitle       string
	RemainingMinutes *int
}

// StartSession resolves the video, checks the daily budget, and creates a
// live session. A denied start returns *DailyLimitError and creates no
// session record.
func (s *Service) StartSession(ctx context.Context, in StartSessionInput) (*StartSessionResult, error) {
	profile, err := s.catalog.GetProfile(ctx, in.ProfileID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrProfileNotFound
	}
	if in.AccountID != "" && profile.AccountID != in.AccountID {
		return nil, ErrProfileNotFound
	}

	var (
		video    *Video
		tokenID  string
		watchCap *int
	)
	if in.TokenID != "" || in.ChipUID != "" {
		res, err := s.resolver.Resolve(ctx, ResolveInput{
			AccountID: profile.AccountID,
			TokenID:   in.TokenID,
			ChipUID:   in.ChipUID,
			VideoID:   in.VideoID,
			Position:  in.PlaylistPosition,
		})
		if err != nil {
			return nil, err
		}
		video = &res.Video
		tokenID = res.Token.ID
		watchCap = res.Binding.MaxWatchMinutes
	} else {
		video, err = s.catalog.GetVideo(ctx, profile.AccountID, in.VideoID)
		if err != nil {
			return nil, err
		}
		if video == nil {
			return nil, ErrVideoNotFound
		}
	}

	now := s.now().UTC()
	used, err := s.sessions.LedgerTotal(ctx, profile.ID, DayKey(now, s.cfg.DayBoundary))
	if err != nil {
		return nil, err
	}

	decision := Decide(profile.DailyLimitMinutes, used, 0)
	if !decision.Allowed {
		return nil, &DailyLimitError{LimitMinutes: *profile.DailyLimitMinutes, UsedMinutes: used}
	}

	session := WatchSession{
		ID:              uuid.NewString(),
		AccountID:       profile.AccountID,
		ProfileID:       profile.ID,
		VideoID:         video.ID,
		TokenID:         tokenID,
		MaxWatchMinutes: watchCap,
		StartedAt:       now,
		LastHeartbeatAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	return &StartSessionResult{
		SessionID:        session.ID,
		VideoID:          video.ID,
		VideoTitle:       video.Title,
		RemainingMinutes: decision.RemainingMinutes,
	}, nil
}

// HeartbeatResult reports the renewed budget, or the terminal outcome when
// the heartbeat itself ended the session (binding watch cap).
type HeartbeatResult struct {
	RemainingMinutes *int
	Ended            bool
	StopReason       StopReason
	DurationSeconds  int
}

// Heartbeat renews liveness on a session and re-evaluates the daily budget.
// A session found stale is reclaimed first and reported as not found. A
// newly denied budget ends the session with stop reason daily_limit and
// surfaces *DailyLimitError.
func (s *Service) Heartbeat(ctx context.Context, sessionID string, positionSeconds *int) (*HeartbeatResult, error) {
	session, err := s.lookupLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	elapsed := LiveElapsedMinutes(session.StartedAt, now)

	if session.MaxWatchMinutes != nil && elapsed >= *session.MaxWatchMinutes {
		summary, err := s.terminate(ctx, session, StopReasonTimeLimit, now, positionSeconds)
		if err != nil {
			return nil, err
		}
		return &HeartbeatResult{
			Ended:           true,
			StopReason:      summary.StopReason,
			DurationSeconds: summary.DurationSeconds,
		}, nil
	}

	profile, err := s.catalog.GetProfile(ctx, session.ProfileID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrProfileNotFound
	}

	used, err := s.sessions.LedgerTotal(ctx, session.ProfileID, DayKey(now, s.cfg.DayBoundary))
	if err != nil {
		return nil, err
	}

	decision := Decide(profile.DailyLimitMinutes, used, elapsed)
	if !decision.Allowed {
		if _, err := s.terminate(ctx, session, StopReasonDailyLimit, now, positionSeconds); err != nil {
			return nil, err
		}
		// The terminal transition charges the ceiling of the elapsed interval
		// while the live estimate floors it; re-read the ledger so the denial
		// reports the committed total.
		committed, err := s.sessions.LedgerTotal(ctx, session.ProfileID, DayKey(now, s.cfg.DayBoundary))
		if err != nil {
			return nil, err
		}
		return nil, &DailyLimitError{LimitMinutes: *profile.DailyLimitMinutes, UsedMinutes: committed}
	}

	renewed, err := s.sessions.TouchSession(ctx, session.ID, now, positionSeconds)
	if err != nil {
		return nil, err
	}
	if !renewed {
		// A concurrent End won the race between our lookup and the update.
		return nil, ErrSessionNotFound
	}

	return &HeartbeatResult{RemainingMinutes: decision.RemainingMinutes}, nil
}

// SessionSummary is the terminal record of an ended session.
type SessionSummary struct {
	SessionID       string
	ProfileID       string
	VideoID         string
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int
	DurationMinutes int
	StopReason      StopReason
}

// EndSession performs the idempotent-safe terminal transition. Ending an
// already-ended session returns the stored terminal record without touching
// the ledger again, so client retries and late beacons never double count.
func (s *Service) EndSession(ctx context.Context, sessionID string, reason StopReason, finalPositionSeconds *int) (*SessionSummary, error) {
	if !reason.Valid() {
		reason = StopReasonError
	}

	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if !session.Live() {
		return summaryOf(session), nil
	}

	endedAt := s.now().UTC()
	if reason == StopReasonStale {
		// Time after the last heartbeat was never observed by any client and
		// must not be charged against the profile.
		endedAt = session.LastHeartbeatAt
	}
	return s.terminate(ctx, session, reason, endedAt, finalPositionSeconds)
}

// ReapStale ends every live session whose heartbeat has lapsed beyond the
// staleness window, charging only up to the last heartbeat. Called by the
// periodic sweep; the same reclamation also happens lazily on lookup.
func (s *Service) ReapStale(ctx context.Context, limit int) (int, error) {
	cutoff := s.now().UTC().Add(-s.StaleAfter())
	stale, err := s.sessions.ListStaleSessions(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	reaped := 0
	var errs error
	for i := range stale {
		session := stale[i]
		if _, err := s.terminate(ctx, &session, StopReasonStale, session.LastHeartbeatAt, nil); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		reaped++
	}
	return reaped, errs
}

// DailyReport returns the ledger rows for a profile within [from, to],
// ordered by date.
func (s *Service) DailyReport(ctx context.Context, accountID, profileID string, from, to time.Time) ([]DailyUsage, error) {
	if _, err := s.ownedProfile(ctx, accountID, profileID); err != nil {
		return nil, err
	}
	return s.sessions.DailyTotals(ctx, profileID,
		DayKey(from, s.cfg.DayBoundary), DayKey(to, s.cfg.DayBoundary))
}

// WeeklySummary aggregates the 7-day window ending today.
type WeeklySummary struct {
	TotalMinutes        int
	AverageDailyMinutes float64
	DaysWatched         int
}

// WeeklyReport computes the weekly summary for a profile.
func (s *Service) WeeklyReport(ctx context.Context, accountID, profileID string) (*WeeklySummary, error) {
	if _, err := s.ownedProfile(ctx, accountID, profileID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rows, err := s.sessions.DailyTotals(ctx, profileID,
		DayKey(now.AddDate(0, 0, -6), s.cfg.DayBoundary), DayKey(now, s.cfg.DayBoundary))
	if err != nil {
		return nil, err
	}

	summary := WeeklySummary{}
	for _, row := range rows {
		summary.TotalMinutes += row.TotalMinutes
		if row.TotalMinutes > 0 {
			summary.DaysWatched++
		}
	}
	summary.AverageDailyMinutes = float64(summary.TotalMinutes) / 7
	return &summary, nil
}

// lookupLive fetches a session and lazily reclaims it when stale.
func (s *Service) lookupLive(ctx context.Context, sessionID string) (*WatchSession, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.Live() {
		return nil, ErrSessionNotFound
	}

	if s.now().UTC().Sub(session.LastHeartbeatAt) > s.StaleAfter() {
		if _, err := s.terminate(ctx, session, StopReasonStale, session.LastHeartbeatAt, nil); err != nil {
			return nil, err
		}
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// terminate computes the final duration, splits it across day boundaries,
// and applies the CAS terminal transition. When a concurrent caller already
// ended the session, the stored terminal record is returned and the ledger
// is left untouched.
func (s *Service) terminate(ctx context.Context, session *WatchSession, reason StopReason, endedAt time.Time, finalPositionSeconds *int) (*SessionSummary, error) {
	if endedAt.Before(session.StartedAt) {
		endedAt = session.StartedAt
	}
	duration := int(endedAt.Sub(session.StartedAt) / time.Second)

	won, err := s.sessions.CompleteSession(ctx, SessionEnd{
		SessionID:            session.ID,
		AccountID:            session.AccountID,
		ProfileID:            session.ProfileID,
		VideoID:              session.VideoID,
		EndedAt:              endedAt,
		DurationSeconds:      duration,
		StopReason:           reason,
		FinalPositionSeconds: finalPositionSeconds,
		Increments:           SplitIncrements(session.StartedAt, endedAt, s.cfg.DayBoundary),
	})
	if err != nil {
		return nil, err
	}
	if !won {
		stored, err := s.sessions.GetSession(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		if stored == nil || stored.Live() {
			return nil, ErrSessionNotFound
		}
		return summaryOf(stored), nil
	}

	return &SessionSummary{
		SessionID:       session.ID,
		ProfileID:       session.ProfileID,
		VideoID:         session.VideoID,
		StartedAt:       session.StartedAt,
		EndedAt:         endedAt,
		DurationSeconds: duration,
		DurationMinutes: ceilMinutes(endedAt.Sub(session.StartedAt)),
		StopReason:      reason,
	}, nil
}

func (s *Service) ownedProfile(ctx context.Context, accountID, profileID string) (*ChildProfile, error) {
	profile, err := s.catalog.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, ErrProfileNotFound
	}
	if accountID != "" && profile.AccountID != accountID {
		return nil, ErrProfileNotFound
	}
	return profile, nil
}

func summaryOf(session *WatchSession) *SessionSummary {
	summary := &SessionSummary{
		SessionID:  session.ID,
		ProfileID:  session.ProfileID,
		VideoID:    session.VideoID,
		StartedAt:  session.StartedAt,
		StopReason: session.StopReason,
	}
	if session.EndedAt != nil {
		summary.EndedAt = *session.EndedAt
		summary.DurationMinutes = ceilMinutes(session.EndedAt.Sub(session.StartedAt))
	}
	if session.DurationSeconds != nil {
		summary.DurationSeconds = *session.DurationSeconds
	}
	return summary
}
