package consumer

import (
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rayberirondelsol/medio-sub007/internal/domain"
)

func newRecoveryFixture(t *testing.T) (*recoveryStore, *RecoveryHandler) {
	t.Helper()
	store := &recoveryStore{
		sessions: map[string]*domain.WatchSession{},
		ledger:   map[string]int{},
	}
	service := domain.NewService(store, store, domain.ServiceConfig{
		HeartbeatInterval: 30 * time.Minute,
		StaleMultiplier:   2,
		DayBoundary:       time.UTC,
	})
	handler := NewRecoveryHandler(service)
	handler.logger = log.New(testWriter{t}, "", 0)
	return store, handler
}

func endBeaconMessage(t *testing.T, payload any) Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return Message{
		Topic:     "watch_session_recovery",
		EventType: "session.end_requested",
		TenantID:  "acc-1",
		Payload:   raw,
	}
}

func TestRecoveryHandlerEndsLiveSession(t *testing.T) {
	store, handler := newRecoveryFixture(t)
	started := time.Now().UTC().Add(-10 * time.Minute)
	store.sessions["sess-1"] = &domain.WatchSession{
		ID: "sess-1", AccountID: "acc-1", ProfileID: "p1", VideoID: "v1",
		StartedAt: started, LastHeartbeatAt: time.Now().UTC(),
	}

	position := 540
	err := handler.Handle(context.Background(), endBeaconMessage(t, map[string]any{
		"session_id":             "sess-1",
		"stop_reason":            "swipe_exit",
		"final_position_seconds": position,
	}))
	require.NoError(t, err)

	session := store.sessions["sess-1"]
	require.False(t, session.Live())
	require.Equal(t, domain.StopReasonSwipeExit, session.StopReason)
	require.Positive(t, store.ledger["p1|"+domain.DayKey(time.Now().UTC(), time.UTC)])
}

func TestRecoveryHandlerSkipsUnknownSession(t *testing.T) {
	_, handler := newRecoveryFixture(t)

	err := handler.Handle(context.Background(), endBeaconMessage(t, map[string]any{
		"session_id":  "missing",
		"stop_reason": "manual",
	}))
	require.NoError(t, err)
}

func TestRecoveryHandlerIsIdempotent(t *testing.T) {
	store, handler := newRecoveryFixture(t)
	started := time.Now().UTC().Add(-10 * time.Minute)
	store.sessions["sess-1"] = &domain.WatchSession{
		ID: "sess-1", AccountID: "acc-1", ProfileID: "p1", VideoID: "v1",
		StartedAt: started, LastHeartbeatAt: time.Now().UTC(),
	}

	msg := endBeaconMessage(t, map[string]any{
		"session_id":  "sess-1",
		"stop_reason": "manual",
	})
	require.NoError(t, handler.Handle(context.Background(), msg))
	charged := store.ledger["p1|"+domain.DayKey(time.Now().UTC(), time.UTC)]

	require.NoError(t, handler.Handle(context.Background(), msg))
	require.Equal(t, charged, store.ledger["p1|"+domain.DayKey(time.Now().UTC(), time.UTC)])
}

func TestRecoveryHandlerIgnoresForeignEventTypes(t *testing.T) {
	store, handler := newRecoveryFixture(t)
	store.sessions["sess-1"] = &domain.WatchSession{
		ID: "sess-1", AccountID: "acc-1", ProfileID: "p1", VideoID: "v1",
		StartedAt: time.Now().UTC(), LastHeartbeatAt: time.Now().UTC(),
	}

	err := handler.Handle(context.Background(), Message{
		Topic:     "watch_session_recovery",
		EventType: "session.started",
		Payload:   json.RawMessage(`{"session_id":"sess-1"}`),
	})
	require.NoError(t, err)
	require.True(t, store.sessions["sess-1"].Live())
}

func TestRecoveryHandlerRejectsMalformedBeacon(t *testing.T) {
	_, handler := newRecoveryFixture(t)

	err := handler.Handle(context.Background(), Message{
		Topic:     "watch_session_recovery",
		EventType: "session.end_requested",
		Payload:   json.RawMessage(`{broken`),
	})
	require.Error(t, err)

	err = handler.Handle(context.Background(), endBeaconMessage(t, map[string]any{
		"stop_reason": "manual",
	}))
	require.Error(t, err)
}

// recoveryStore is a minimal in-memory repository for exercising the handler.
type recoveryStore struct {
	sessions map[string]*domain.WatchSession
	ledger   map[string]int
}

func (m *recoveryStore) GetProfile(context.Context, string) (*domain.ChildProfile, error) {
	return nil, nil
}

func (m *recoveryStore) GetToken(context.Context, string) (*domain.NFCToken, error) {
	return nil, nil
}

func (m *recoveryStore) GetTokenByChipUID(context.Context, string) (*domain.NFCToken, error) {
	return nil, nil
}

func (m *recoveryStore) GetVideo(context.Context, string, string) (*domain.Video, error) {
	return nil, nil
}

func (m *recoveryStore) ListBindings(context.Context, string) ([]domain.TokenVideoBinding, error) {
	return nil, nil
}

func (m *recoveryStore) ReplaceBindings(context.Context, string, []domain.TokenVideoBinding) error {
	return nil
}

func (m *recoveryStore) CreateSession(_ context.Context, session domain.WatchSession) error {
	copied := session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *recoveryStore) GetSession(_ context.Context, sessionID string) (*domain.WatchSession, error) {
	if s, ok := m.sessions[sessionID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (m *recoveryStore) TouchSession(_ context.Context, sessionID string, heartbeatAt time.Time, positionSeconds *int) (bool, error) {
	s, ok := m.sessions[sessionID]
	if !ok || !s.Live() {
		return false, nil
	}
	s.LastHeartbeatAt = heartbeatAt
	return true, nil
}

func (m *recoveryStore) CompleteSession(_ context.Context, end domain.SessionEnd) (bool, error) {
	s, ok := m.sessions[end.SessionID]
	if !ok || !s.Live() {
		return false, nil
	}
	endedAt := end.EndedAt
	duration := end.DurationSeconds
	s.EndedAt = &endedAt
	s.DurationSeconds = &duration
	s.StopReason = end.StopReason
	for _, inc := range end.Increments {
		m.ledger[end.ProfileID+"|"+inc.Date] += inc.Minutes
	}
	return true, nil
}

func (m *recoveryStore) ListStaleSessions(context.Context, time.Time, int) ([]domain.WatchSession, error) {
	return nil, nil
}

func (m *recoveryStore) LedgerTotal(_ context.Context, profileID, date string) (int, error) {
	return m.ledger[profileID+"|"+date], nil
}

func (m *recoveryStore) DailyTotals(context.Context, string, string, string) ([]domain.DailyUsage, error) {
	return nil, nil
}
