// Package postgres provides pgx-backed persistence for sessions, the daily
// usage ledger, the resolver catalog, and the transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rayberirondelsol/medio-sub007/internal/domain"
	"github.com/rayberirondelsol/medio-sub007/internal/events"
	"github.com/rayberirondelsol/medio-sub007/internal/observability"
)

// Repository implements domain.SessionRepository and domain.CatalogRepository
// on a shared pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `session_id, account_id, profile_id, video_id, token_id, max_watch_minutes,
        started_at, last_heartbeat_at, position_seconds, ended_at, duration_seconds, stop_reason, created_at, updated_at`

// CreateSession persists a live session and records the session.started
// outbox event inside a single transaction.
func (r *Repository) CreateSession(ctx context.Context, session domain.WatchSession) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.account_id', $1, true)", session.AccountID); err != nil {
		return err
	}

	const insertSession = `INSERT INTO watch_sessions (session_id, account_id, profile_id, video_id, token_id, max_watch_minutes,
            started_at, last_heartbeat_at, position_seconds, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err = tx.Exec(ctx, insertSession,
		session.ID,
		session.AccountID,
		session.ProfileID,
		session.VideoID,
		nullIfEmpty(session.TokenID),
		session.MaxWatchMinutes,
		session.StartedAt,
		session.LastHeartbeatAt,
		session.PositionSeconds,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return err
	}

	err = insertOutbox(ctx, tx, outboxRecord{
		TenantID:      session.AccountID,
		AggregateID:   session.ID,
		EventType:     "session.started",
		PartitionKey:  fmt.Sprintf("%s:%s", session.AccountID, session.ProfileID),
		DedupeKey:     fmt.Sprintf("%s:session.started", session.ID),
		Payload: events.SessionStarted{
			SessionID: session.ID,
			AccountID: session.AccountID,
			ProfileID: session.ProfileID,
			VideoID:   session.VideoID,
			TokenID:   session.TokenID,
			StartedAt: session.StartedAt,
		},
	})
	if err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordSessionStarted()
	return nil
}

// GetSession retrieves a session by id, nil when absent. Not tenant-scoped:
// kiosk heartbeats and end beacons carry no account context.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*domain.WatchSession, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM watch_sessions WHERE session_id=$1`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return session, nil
}

// TouchSession renews the heartbeat; the ended_at guard makes it a no-op
// when a concurrent terminal transition already won.
func (r *Repository) TouchSession(ctx context.Context, sessionID string, heartbeatAt time.Time, positionSeconds *int) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE watch_sessions
            SET last_heartbeat_at = $2,
                position_seconds = COALESCE($3, position_seconds),
                updated_at = NOW()
          WHERE session_id = $1 AND ended_at IS NULL`,
		sessionID, heartbeatAt, positionSeconds,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteSession applies the terminal transition, the additive ledger
// increments, and the outgoing events in one transaction. The compare-and-
// swap on ended_at guarantees exactly one winner under concurrent Heartbeat,
// End, and reaper calls; losers get (false, nil) and must not re-increment.
func (r *Repository) CompleteSession(ctx context.Context, end domain.SessionEnd) (won bool, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.account_id', $1, true)", end.AccountID); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE watch_sessions
            SET ended_at = $2,
                duration_seconds = $3,
                stop_reason = $4,
                position_seconds = COALESCE($5, position_seconds),
                updated_at = NOW()
          WHERE session_id = $1 AND ended_at IS NULL`,
		end.SessionID, end.EndedAt, end.DurationSeconds, string(end.StopReason), end.FinalPositionSeconds,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		tx.Rollback(ctx)
		return false, nil
	}

	totalMinutes := 0
	for _, inc := range end.Increments {
		// Atomic additive upsert: concurrent session ends for the same
		// profile-day interleave in any order and still sum correctly.
		if _, err = tx.Exec(ctx,
			`INSERT INTO daily_usage (profile_id, usage_date, total_minutes, updated_at)
                 VALUES ($1, $2::date, $3, NOW())
             ON CONFLICT (profile_id, usage_date)
             DO UPDATE SET total_minutes = daily_usage.total_minutes + EXCLUDED.total_minutes,
                           updated_at = NOW()`,
			end.ProfileID, inc.Date, inc.Minutes,
		); err != nil {
			return false, err
		}
		totalMinutes += inc.Minutes

		if err = insertOutbox(ctx, tx, outboxRecord{
			TenantID:     end.AccountID,
			AggregateID:  end.SessionID,
			EventType:    "usage.incremented",
			PartitionKey: fmt.Sprintf("%s:%s", end.AccountID, end.ProfileID),
			DedupeKey:    fmt.Sprintf("%s:usage.incremented:%s", end.SessionID, inc.Date),
			Payload: events.UsageIncremented{
				AccountID: end.AccountID,
				ProfileID: end.ProfileID,
				SessionID: end.SessionID,
				UsageDate: inc.Date,
				Minutes:   inc.Minutes,
			},
		}); err != nil {
			return false, err
		}
	}

	err = insertOutbox(ctx, tx, outboxRecord{
		TenantID:     end.AccountID,
		AggregateID:  end.SessionID,
		EventType:    "session.ended",
		PartitionKey: fmt.Sprintf("%s:%s", end.AccountID, end.ProfileID),
		DedupeKey:    fmt.Sprintf("%s:session.ended", end.SessionID),
		Payload: events.SessionEnded{
			SessionID:       end.SessionID,
			AccountID:       end.AccountID,
			ProfileID:       end.ProfileID,
			VideoID:         end.VideoID,
			EndedAt:         end.EndedAt,
			DurationSeconds: end.DurationSeconds,
			StopReason:      string(end.StopReason),
		},
	})
	if err != nil {
		return false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	observability.RecordSessionEnded(string(end.StopReason), totalMinutes)
	return true, nil
}

// ListStaleSessions returns live sessions whose heartbeat predates cutoff.
func (r *Repository) ListStaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]domain.WatchSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
           FROM watch_sessions
          WHERE ended_at IS NULL AND last_heartbeat_at < $1
          ORDER BY last_heartbeat_at
          LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.WatchSession, 0, limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// LedgerTotal returns the accumulated minutes for one profile-day, zero when
// the row has not been created yet.
func (r *Repository) LedgerTotal(ctx context.Context, profileID, date string) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT total_minutes FROM daily_usage WHERE profile_id=$1 AND usage_date=$2::date`,
		profileID, date,
	).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return total, nil
}

// DailyTotals returns ledger rows within [from, to] ordered by date.
func (r *Repository) DailyTotals(ctx context.Context, profileID, from, to string) ([]domain.DailyUsage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT profile_id, to_char(usage_date, 'YYYY-MM-DD'), total_minutes
           FROM daily_usage
          WHERE profile_id=$1 AND usage_date BETWEEN $2::date AND $3::date
          ORDER BY usage_date`,
		profileID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make([]domain.DailyUsage, 0)
	for rows.Next() {
		var row domain.DailyUsage
		if err := rows.Scan(&row.ProfileID, &row.Date, &row.TotalMinutes); err != nil {
			return nil, err
		}
		totals = append(totals, row)
	}
	return totals, rows.Err()
}

// GetProfile retrieves a child profile by id, nil when absent.
func (r *Repository) GetProfile(ctx context.Context, profileID string) (*domain.ChildProfile, error) {
	var profile domain.ChildProfile
	err := r.pool.QueryRow(ctx,
		`SELECT profile_id, account_id, display_name, daily_limit_minutes FROM child_profiles WHERE profile_id=$1`,
		profileID,
	).Scan(&profile.ID, &profile.AccountID, &profile.DisplayName, &profile.DailyLimitMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetToken retrieves a token by id, nil when absent.
func (r *Repository) GetToken(ctx context.Context, tokenID string) (*domain.NFCToken, error) {
	return r.scanToken(r.pool.QueryRow(ctx,
		`SELECT token_id, account_id, chip_uid, COALESCE(label, ''), active FROM nfc_tokens WHERE token_id=$1`,
		tokenID,
	))
}

// GetTokenByChipUID retrieves a token by its physical chip identifier. Kiosk
// scans only know the UID printed into the tag.
func (r *Repository) GetTokenByChipUID(ctx context.Context, chipUID string) (*domain.NFCToken, error) {
	return r.scanToken(r.pool.QueryRow(ctx,
		`SELECT token_id, account_id, chip_uid, COALESCE(label, ''), active FROM nfc_tokens WHERE chip_uid=$1`,
		chipUID,
	))
}

func (r *Repository) scanToken(row pgx.Row) (*domain.NFCToken, error) {
	var token domain.NFCToken
	err := row.Scan(&token.ID, &token.AccountID, &token.ChipUID, &token.Label, &token.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// GetVideo retrieves a video owned by the account, nil when absent.
func (r *Repository) GetVideo(ctx context.Context, accountID, videoID string) (*domain.Video, error) {
	var video domain.Video
	err := r.pool.QueryRow(ctx,
		`SELECT video_id, account_id, title, COALESCE(external_url, ''), COALESCE(age_rating, '')
           FROM videos WHERE video_id=$1 AND account_id=$2`,
		videoID, accountID,
	).Scan(&video.ID, &video.AccountID, &video.Title, &video.ExternalURL, &video.AgeRating)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &video, nil
}

// ListBindings returns a token's playlist ordered by sequence.
func (r *Repository) ListBindings(ctx context.Context, tokenID string) ([]domain.TokenVideoBinding, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT binding_id, token_id, video_id, COALESCE(profile_id::text, ''), sequence_order, max_watch_minutes
           FROM token_video_bindings
          WHERE token_id=$1
          ORDER BY sequence_order`,
		tokenID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bindings := make([]domain.TokenVideoBinding, 0)
	for rows.Next() {
		var b domain.TokenVideoBinding
		if err := rows.Scan(&b.ID, &b.TokenID, &b.VideoID, &b.ProfileID, &b.SequenceOrder, &b.MaxWatchMinutes); err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// ReplaceBindings swaps a token's playlist atomically. The deferred unique
// constraint on (token_id, sequence_order) lets the delete-insert pair run
// in one transaction without ordering conflicts.
func (r *Repository) ReplaceBindings(ctx context.Context, tokenID string, bindings []domain.TokenVideoBinding) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `DELETE FROM token_video_bindings WHERE token_id=$1`, tokenID); err != nil {
		return err
	}

	for _, b := range bindings {
		if _, err = tx.Exec(ctx,
			`INSERT INTO token_video_bindings (binding_id, token_id, video_id, profile_id, sequence_order, max_watch_minutes)
                 VALUES ($1,$2,$3,$4,$5,$6)`,
			b.ID, b.TokenID, b.VideoID, nullIfEmpty(b.ProfileID), b.SequenceOrder, b.MaxWatchMinutes,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSession(row sessionScanner) (*domain.WatchSession, error) {
	var (
		session    domain.WatchSession
		tokenID    *string
		stopReason *string
	)
	err := row.Scan(
		&session.ID,
		&session.AccountID,
		&session.ProfileID,
		&session.VideoID,
		&tokenID,
		&session.MaxWatchMinutes,
		&session.StartedAt,
		&session.LastHeartbeatAt,
		&session.PositionSeconds,
		&session.EndedAt,
		&session.DurationSeconds,
		&stopReason,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tokenID != nil {
		session.TokenID = *tokenID
	}
	if stopReason != nil {
		session.StopReason = domain.StopReason(*stopReason)
	}
	return &session, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// outboxRecord is one event queued for the dispatcher.
type outboxRecord struct {
	TenantID     string
	AggregateID  string
	EventType    string
	PartitionKey string
	DedupeKey    string
	Payload      any
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

var eventCatalog = map[string]EventMetadata{
	"session.started": {
		Topic:         "watch_session_events",
		SchemaSubject: "watch_session_events-value",
	},
	"session.ended": {
		Topic:         "watch_session_events",
		SchemaSubject: "watch_session_events-value",
	},
	"usage.incremented": {
		Topic:         "daily_usage_events",
		SchemaSubject: "daily_usage_events-value",
	},
}

func insertOutbox(ctx context.Context, tx pgx.Tx, record outboxRecord) error {
	body, err := json.Marshal(record.Payload)
	if err != nil {
		return err
	}

	meta := eventCatalog[record.EventType]
	if meta.Topic == "" {
		return fmt.Errorf("unknown event type: %s", record.EventType)
	}

	const stmt = `INSERT INTO outbox (tenant_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		record.TenantID,
		"watch_session",
		record.AggregateID,
		record.EventType,
		meta.Topic,
		meta.SchemaSubject,
		record.PartitionKey,
		body,
		record.DedupeKey,
	)
	return err
}
