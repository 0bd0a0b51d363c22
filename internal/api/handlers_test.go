package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rayberirondelsol/medio-sub007/internal/auth"
	"github.com/rayberirondelsol/medio-sub007/internal/domain"
)

func intPtr(v int) *int { return &v }

func TestStartSessionSuccess(t *testing.T) {
	store := newStubStore()
	store.ledger["p1|2026-03-01"] = 30
	mux := newTestMux(store)

	rr := doJSON(t, mux, http.MethodPost, "/v1/sessions", map[string]any{
		"profile_id": "p1",
		"video_id":   "v1",
	}, parentClaims(auth.ScopeSessionsWrite))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp StartSessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if resp.VideoTitle != "Moon Landing" {
		t.Fatalf("unexpected title %q", resp.VideoTitle)
	}
	if resp.RemainingMinutes == nil || *resp.RemainingMinutes != 30 {
		t.Fatalf("expected remaining 30, got %v", resp.RemainingMinutes)
	}
}

func TestStartSessionDailyLimitExceeded(t *testing.T) {
	store := newStubStore()
	store.ledger["p1|2026-03-01"] = 65
	mux := newTestMux(store)

	rr := doJSON(t, mux, http.MethodPost, "/v1/sessions", map[string]any{
		"profile_id": "p1",
		"video_id":   "v1",
	}, parentClaims(auth.ScopeSessionsWrite))

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp DailyLimitExceededResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Type != "daily_limit_exceeded" {
		t.Fatalf("unexpected type %q", resp.Type)
	}
	if resp.LimitMinutes != 60 || resp.UsedMinutes != 65 {
		t.Fatalf("expected limit=60 used=65, got %+v", resp)
	}
}

func TestStartSessionRequiresAuth(t *testing.T) {
	mux := newTestMux(newStubStore())

	rr := doJSON(t, mux, http.MethodPost, "/v1/sessions", map[string]any{
		"profile_id": "p1",
		"video_id":   "v1",
	}, nil)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
}

func TestStartSessionRequiresWriteScope(t *testing.T) {
	mux := newTestMux(newStubStore())

	rr := doJSON(t, mux, http.MethodPost, "/v1/sessions", map[string]any{
		"profile_id": "p1",
		"video_id":   "v1",
	}, parentClaims(auth.ScopeSessionsRead))

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestStartSessionValidatesBody(t *testing.T) {
	mux := newTestMux(newStubStore())

	rr := doJSON(t, mux, http.MethodPost, "/v1/sessions", map[string]any{
		"video_id": "v1",
	}, parentClaims(auth.ScopeSessionsWrite))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestKioskStartSessionWithoutAuth(t *testing.T) {
	mux := newTestMux(newStubStore())

	rr := doJSON(t, mux, http.MethodPost, "/kiosk/v1/sessions", map[string]any{
		"profile_id": "p1",
		"chip_uid":   "04:A3:22:F1",
	}, nil)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp StartSessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.VideoID != "v1" {
		t.Fatalf("expected resolved video v1, got %s", resp.VideoID)
	}
}

func TestKioskStartSessionUnknownChip(t *testing.T) {
	mux := newTestMux(newStubStore())

	rr := doJSON(t, mux, http.MethodPost, "/kiosk/v1/sessions", map[string]any{
		"profile_id": "p1",
		"chip_uid":   "FF:FF:FF:FF",
	}, nil)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "token_not_found") {
		t.Fatalf("expected token_not_found body, got %s", rr.Body.String())
	}
}

func TestHeartbeatUnknownSession(t *testing.T) {
	mux := newTestMux(newStubStore())

	rr := doJSON(t, mux, http.MethodPost, "/kiosk/v1/sessions/missing/heartbeat", nil, nil)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "session_not_found") {
		t.Fatalf("expected session_not_found body, got %s", rr.Body.String())
	}
}

func TestHeartbeatToleratesEmptyBody(t *testing.T) {
	store := newStubStore()
	mux := newTestMux(store)

	sessionID := startKioskSession(t, mux)

	req := httptest.NewRequest(http.MethodPost, "/kiosk/v1/sessions/"+sessionID+"/heartbeat", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SessionEnded {
		t.Fatal("session should still be live")
	}
	if resp.RemainingMinutes == nil || *resp.RemainingMinutes != 60 {
		t.Fatalf("expected remaining 60, got %v", resp.RemainingMinutes)
	}
}

func TestEndSessionReturnsSummary(t *testing.T) {
	store := newStubStore()
	mux := newTestMux(store)

	sessionID := startKioskSession(t, mux)

	rr := doJSON(t, mux, http.MethodPost, "/kiosk/v1/sessions/"+sessionID+"/end", map[string]any{
		"stop_reason":            "manual",
		"final_position_seconds": 42,
	}, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp SessionSummaryView
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SessionID != sessionID {
		t.Fatalf("unexpected session id %s", resp.SessionID)
	}
	if resp.StopReason != "manual" {
		t.Fatalf("expected stop_reason manual, got %s", resp.StopReason)
	}
}

func TestSessionActionRejectsGet(t *testing.T) {
	mux := newTestMux(newStubStore())

	req := httptest.NewRequest(http.MethodGet, "/kiosk/v1/sessions/abc/heartbeat", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", rr.Code)
	}
}

func TestDailyReportRejectsInvertedRange(t *testing.T) {
	mux := newTestMux(newStubStore())

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/p1/usage/daily?from=2026-03-05&to=2026-03-01", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), parentClaims(auth.ScopeSessionsRead)))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestDailyReportReturnsRows(t *testing.T) {
	store := newStubStore()
	store.ledger["p1|2026-03-01"] = 25
	store.ledger["p1|2026-02-28"] = 40
	mux := newTestMux(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/p1/usage/daily?from=2026-02-28&to=2026-03-01", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), parentClaims(auth.ScopeSessionsRead)))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp DailyReportResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(resp.Items))
	}
	if resp.Items[0].Date != "2026-02-28" || resp.Items[0].TotalMinutes != 40 {
		t.Fatalf("unexpected first row %+v", resp.Items[0])
	}
}

func TestWeeklyReportAggregates(t *testing.T) {
	store := newStubStore()
	store.ledger["p1|2026-03-01"] = 45
	store.ledger["p1|2026-02-27"] = 30
	mux := newTestMux(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/p1/usage/weekly", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), parentClaims(auth.ScopeSessionsRead)))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp WeeklySummaryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.TotalMinutes != 75 || resp.DaysWatched != 2 {
		t.Fatalf("unexpected summary %+v", resp)
	}
}

func TestReplaceBindingsRejectsGap(t *testing.T) {
	mux := newTestMux(newStubStore())

	rr := doJSON(t, mux, http.MethodPut, "/v1/tokens/tok-1/bindings", map[string]any{
		"bindings": []map[string]any{
			{"video_id": "v1", "sequence_order": 1},
			{"video_id": "v2", "sequence_order": 3},
		},
	}, parentClaims(auth.ScopeBindingsWrite))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ValidationErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Code != domain.CodeNonContiguousSequence {
		t.Fatalf("expected code %s, got %s", domain.CodeNonContiguousSequence, resp.Code)
	}
}

func TestReplaceBindingsSuccess(t *testing.T) {
	store := newStubStore()
	mux := newTestMux(store)

	rr := doJSON(t, mux, http.MethodPut, "/v1/tokens/tok-1/bindings", map[string]any{
		"bindings": []map[string]any{
			{"video_id": "v2", "sequence_order": 1, "max_watch_minutes": 20},
			{"video_id": "v1", "sequence_order": 2},
		},
	}, parentClaims(auth.ScopeBindingsWrite))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ReplaceBindingsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(resp.Items))
	}
	if resp.Items[0].VideoID != "v2" || resp.Items[0].MaxWatchMinutes == nil || *resp.Items[0].MaxWatchMinutes != 20 {
		t.Fatalf("unexpected first binding %+v", resp.Items[0])
	}
}

func TestReplaceBindingsRequiresScope(t *testing.T) {
	mux := newTestMux(newStubStore())

	rr := doJSON(t, mux, http.MethodPut, "/v1/tokens/tok-1/bindings", map[string]any{
		"bindings": []map[string]any{},
	}, parentClaims(auth.ScopeSessionsWrite))

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	mux := newTestMux(newStubStore())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

// --- helpers ---

func newTestMux(store *stubStore) *http.ServeMux {
	service := domain.NewService(store, store, domain.ServiceConfig{
		HeartbeatInterval: 30 * time.Minute,
		StaleMultiplier:   2,
		DayBoundary:       time.UTC,
	}, domain.WithClock(func() time.Time {
		return time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	}))
	handler := NewHandler(service)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return mux
}

func parentClaims(scopes ...string) *auth.Claims {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return &auth.Claims{
		Subject:   "parent-1",
		AccountID: "acc-1",
		Scopes:    set,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body map[string]any, claims *auth.Claims) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if claims != nil {
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func startKioskSession(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	rr := doJSON(t, mux, http.MethodPost, "/kiosk/v1/sessions", map[string]any{
		"profile_id": "p1",
		"chip_uid":   "04:A3:22:F1",
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to start session: %d %s", rr.Code, rr.Body.String())
	}
	var resp StartSessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.SessionID
}

// stubStore is an in-memory stand-in for the Postgres repository.
type stubStore struct {
	profiles map[string]domain.ChildProfile
	tokens   map[string]domain.NFCToken
	videos   map[string]domain.Video
	bindings map[string][]domain.TokenVideoBinding
	sessions map[string]*domain.WatchSession
	ledger   map[string]int
}

func newStubStore() *stubStore {
	return &stubStore{
		profiles: map[string]domain.ChildProfile{
			"p1": {ID: "p1", AccountID: "acc-1", DisplayName: "Alex", DailyLimitMinutes: intPtr(60)},
		},
		tokens: map[string]domain.NFCToken{
			"tok-1": {ID: "tok-1", AccountID: "acc-1", ChipUID: "04:A3:22:F1", Label: "dino", Active: true},
		},
		videos: map[string]domain.Video{
			"v1": {ID: "v1", AccountID: "acc-1", Title: "Moon Landing"},
			"v2": {ID: "v2", AccountID: "acc-1", Title: "Deep Sea"},
		},
		bindings: map[string][]domain.TokenVideoBinding{
			"tok-1": {
				{ID: "b1", TokenID: "tok-1", VideoID: "v1", SequenceOrder: 1},
				{ID: "b2", TokenID: "tok-1", VideoID: "v2", SequenceOrder: 2},
			},
		},
		sessions: map[string]*domain.WatchSession{},
		ledger:   map[string]int{},
	}
}

func (m *stubStore) GetProfile(_ context.Context, profileID string) (*domain.ChildProfile, error) {
	if p, ok := m.profiles[profileID]; ok {
		copied := p
		return &copied, nil
	}
	return nil, nil
}

func (m *stubStore) GetToken(_ context.Context, tokenID string) (*domain.NFCToken, error) {
	if tok, ok := m.tokens[tokenID]; ok {
		copied := tok
		return &copied, nil
	}
	return nil, nil
}

func (m *stubStore) GetTokenByChipUID(_ context.Context, chipUID string) (*domain.NFCToken, error) {
	for _, tok := range m.tokens {
		if tok.ChipUID == chipUID {
			copied := tok
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *stubStore) GetVideo(_ context.Context, accountID, videoID string) (*domain.Video, error) {
	if v, ok := m.videos[videoID]; ok && v.AccountID == accountID {
		copied := v
		return &copied, nil
	}
	return nil, nil
}

func (m *stubStore) ListBindings(_ context.Context, tokenID string) ([]domain.TokenVideoBinding, error) {
	out := append([]domain.TokenVideoBinding(nil), m.bindings[tokenID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out, nil
}

func (m *stubStore) ReplaceBindings(_ context.Context, tokenID string, bindings []domain.TokenVideoBinding) error {
	m.bindings[tokenID] = append([]domain.TokenVideoBinding(nil), bindings...)
	return nil
}

func (m *stubStore) CreateSession(_ context.Context, session domain.WatchSession) error {
	copied := session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *stubStore) GetSession(_ context.Context, sessionID string) (*domain.WatchSession, error) {
	if s, ok := m.sessions[sessionID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (m *stubStore) TouchSession(_ context.Context, sessionID string, heartbeatAt time.Time, positionSeconds *int) (bool, error) {
	s, ok := m.sessions[sessionID]
	if !ok || !s.Live() {
		return false, nil
	}
	s.LastHeartbeatAt = heartbeatAt
	if positionSeconds != nil {
		s.PositionSeconds = positionSeconds
	}
	return true, nil
}

func (m *stubStore) CompleteSession(_ context.Context, end domain.SessionEnd) (bool, error) {
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

func (m *stubStore) ListStaleSessions(_ context.Context, cutoff time.Time, limit int) ([]domain.WatchSession, error) {
	var out []domain.WatchSession
	for _, s := range m.sessions {
		if s.Live() && s.LastHeartbeatAt.Before(cutoff) {
			out = append(out, *s)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *stubStore) LedgerTotal(_ context.Context, profileID, date string) (int, error) {
	return m.ledger[profileID+"|"+date], nil
}

func (m *stubStore) DailyTotals(_ context.Context, profileID, from, to string) ([]domain.DailyUsage, error) {
	var out []domain.DailyUsage
	for key, minutes := range m.ledger {
		id, date, ok := strings.Cut(key, "|")
		if !ok || id != profileID || date < from || date > to {
			continue
		}
		out = append(out, domain.DailyUsage{ProfileID: profileID, Date: date, TotalMinutes: minutes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}
