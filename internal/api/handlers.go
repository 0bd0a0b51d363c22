// Package api exposes HTTP handlers for the watch service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rayberirondelsol/medio-sub007/internal/auth"
	"github.com/rayberirondelsol/medio-sub007/internal/domain"
	"github.com/rayberirondelsol/medio-sub007/internal/observability"
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires endpoints to the mux. The /kiosk/ variants bypass
// authentication (see auth.DefaultSkipper) and delegate to the same core.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sessions", h.startSession)
	mux.HandleFunc("/v1/sessions/", h.sessionByID)
	mux.HandleFunc("/v1/profiles/", h.profileUsage)
	mux.HandleFunc("/v1/tokens/", h.tokenBindings)
	mux.HandleFunc("/kiosk/v1/sessions", h.kioskStartSession)
	mux.HandleFunc("/kiosk/v1/sessions/", h.kioskSessionByID)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSessionsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sessions:write required")
		return
	}

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	h.handleStart(w, r, domain.StartSessionInput{
		AccountID:        claims.AccountID,
		ProfileID:        req.ProfileID,
		TokenID:          req.TokenID,
		VideoID:          req.VideoID,
		PlaylistPosition: req.PlaylistPosition,
		Source:           "parent",
	})
}

func (h *Handler) kioskStartSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	var req KioskStartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	h.handleStart(w, r, domain.StartSessionInput{
		ProfileID:        req.ProfileID,
		ChipUID:          req.ChipUID,
		VideoID:          req.VideoID,
		PlaylistPosition: req.PlaylistPosition,
		Source:           "kiosk",
	})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request, input domain.StartSessionInput) {
	result, err := h.service.StartSession(r.Context(), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, StartSessionResponse{
		SessionID:        result.SessionID,
		VideoID:          result.VideoID,
		VideoTitle:       result.VideoTitle,
		RemainingMinutes: result.RemainingMinutes,
	})
}

func (h *Handler) sessionByID(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSessionsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sessions:write required")
		return
	}
	h.dispatchSessionAction(w, r, strings.TrimPrefix(r.URL.Path, "/v1/sessions/"))
}

func (h *Handler) kioskSessionByID(w http.ResponseWriter, r *http.Request) {
	h.dispatchSessionAction(w, r, strings.TrimPrefix(r.URL.Path, "/kiosk/v1/sessions/"))
}

func (h *Handler) dispatchSessionAction(w http.ResponseWriter, r *http.Request, rest string) {
	id, action, found := strings.Cut(rest, "/")
	if id == "" || !found {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing session id or action")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	switch action {
	case "heartbeat":
		h.heartbeat(w, r, id)
	case "end":
		h.endSession(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown session action")
	}
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req HeartbeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
			return
		}
	}

	result, err := h.service.Heartbeat(r.Context(), sessionID, req.PositionSeconds)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := HeartbeatResponse{RemainingMinutes: result.RemainingMinutes}
	if result.Ended {
		resp.SessionEnded = true
		resp.StopReason = string(result.StopReason)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req EndSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
			return
		}
	}

	summary, err := h.service.EndSession(r.Context(), sessionID, domain.StopReason(req.StopReason), req.FinalPositionSeconds)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionSummaryView(summary))
}

func (h *Handler) profileUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSessionsRead) && !claims.HasScope(auth.ScopeSessionsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sessions:read required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/profiles/")
	profileID, report, found := strings.Cut(rest, "/usage/")
	if profileID == "" || !found {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing profile id or report")
		return
	}

	switch report {
	case "daily":
		h.dailyReport(w, r, claims.AccountID, profileID)
	case "weekly":
		h.weeklyReport(w, r, claims.AccountID, profileID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown usage report")
	}
}

func (h *Handler) dailyReport(w http.ResponseWriter, r *http.Request, accountID, profileID string) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -6)
	to := now

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(domain.DateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid from date")
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(domain.DateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid to date")
			return
		}
		to = parsed
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "validation_failed", "to precedes from")
		return
	}

	rows, err := h.service.DailyReport(r.Context(), accountID, profileID, from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]DailyUsageView, 0, len(rows))
	for _, row := range rows {
		items = append(items, DailyUsageView{Date: row.Date, TotalMinutes: row.TotalMinutes})
	}
	writeJSON(w, http.StatusOK, DailyReportResponse{Items: items})
}

func (h *Handler) weeklyReport(w http.ResponseWriter, r *http.Request, accountID, profileID string) {
	summary, err := h.service.WeeklyReport(r.Context(), accountID, profileID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WeeklySummaryResponse{
		TotalMinutes:        summary.TotalMinutes,
		AverageDailyMinutes: summary.AverageDailyMinutes,
		DaysWatched:         summary.DaysWatched,
	})
}

func (h *Handler) tokenBindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeBindingsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope bindings:write required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/tokens/")
	tokenID, resource, found := strings.Cut(rest, "/")
	if tokenID == "" || !found || resource != "bindings" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing token id or resource")
		return
	}

	var req ReplaceBindingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	batch := make([]domain.BindingInput, 0, len(req.Bindings))
	for _, b := range req.Bindings {
		batch = append(batch, domain.BindingInput{
			VideoID:         b.VideoID,
			ProfileID:       b.ProfileID,
			SequenceOrder:   b.SequenceOrder,
			MaxWatchMinutes: b.MaxWatchMinutes,
		})
	}

	bindings, err := h.service.ReplaceBindings(r.Context(), claims.AccountID, tokenID, batch)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]BindingView, 0, len(bindings))
	for _, b := range bindings {
		items = append(items, BindingView{
			BindingID:       b.ID,
			VideoID:         b.VideoID,
			ProfileID:       b.ProfileID,
			SequenceOrder:   b.SequenceOrder,
			MaxWatchMinutes: b.MaxWatchMinutes,
		})
	}
	writeJSON(w, http.StatusOK, ReplaceBindingsResponse{Items: items})
}

// writeDomainError maps domain errors onto the wire contract. Daily-limit
// denials carry their numeric context verbatim so the client can render a
// precise, non-technical message.
func writeDomainError(w http.ResponseWriter, err error) {
	var limitErr *domain.DailyLimitError
	if errors.As(err, &limitErr) {
		observability.RecordLimitDenied()
		writeJSON(w, http.StatusForbidden, DailyLimitExceededResponse{
			Type:         "daily_limit_exceeded",
			Detail:       limitErr.Error(),
			LimitMinutes: limitErr.LimitMinutes,
			UsedMinutes:  limitErr.UsedMinutes,
		})
		return
	}

	var bindingErr *domain.BindingValidationError
	if errors.As(err, &bindingErr) {
		writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{
			Type:   "validation_failed",
			Code:   bindingErr.Code,
			Detail: bindingErr.Detail,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session missing or already ended")
	case errors.Is(err, domain.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "profile_not_found", "child profile not found")
	case errors.Is(err, domain.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "token_not_found", "token missing, inactive, or not owned")
	case errors.Is(err, domain.ErrNoBindings):
		writeError(w, http.StatusNotFound, "no_bindings", "token has no video bindings")
	case errors.Is(err, domain.ErrVideoNotFound):
		writeError(w, http.StatusNotFound, "video_not_found", "video not found for token")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// StartSessionRequest is the payload for POST /v1/sessions.
type StartSessionRequest struct {
	ProfileID        string `json:"profile_id"`
	TokenID          string `json:"token_id"`
	VideoID          string `json:"video_id"`
	PlaylistPosition int    `json:"playlist_position"`
}

// Validate ensures request correctness.
func (r StartSessionRequest) Validate() error {
	if strings.TrimSpace(r.ProfileID) == "" {
		return errors.New("profile_id is required")
	}
	if strings.TrimSpace(r.TokenID) == "" && strings.TrimSpace(r.VideoID) == "" {
		return errors.New("token_id or video_id is required")
	}
	if r.PlaylistPosition < 0 {
		return errors.New("playlist_position must be >= 0")
	}
	return nil
}

// KioskStartSessionRequest is the payload for POST /kiosk/v1/sessions. The
// kiosk identifies the token by its physical chip UID.
type KioskStartSessionRequest struct {
	ProfileID        string `json:"profile_id"`
	ChipUID          string `json:"chip_uid"`
	VideoID          string `json:"video_id"`
	PlaylistPosition int    `json:"playlist_position"`
}

// Validate ensures request correctness.
func (r KioskStartSessionRequest) Validate() error {
	if strings.TrimSpace(r.ProfileID) == "" {
		return errors.New("profile_id is required")
	}
	if strings.TrimSpace(r.ChipUID) == "" {
		return errors.New("chip_uid is required")
	}
	if r.PlaylistPosition < 0 {
		return errors.New("playlist_position must be >= 0")
	}
	return nil
}

// StartSessionResponse describes the response body for a successful start.
type StartSessionResponse struct {
	SessionID  string `json:"session_id"`
	VideoID    string `json:"video_id"`
	VideoTitle string `json:"video_title"`
	// RemainingMinutes is null for unlimited profiles.
	RemainingMinutes *int `json:"remaining_minutes"`
}

// HeartbeatRequest carries the optional playback position.
type HeartbeatRequest struct {
	PositionSeconds *int `json:"position_seconds"`
}

// HeartbeatResponse reports the renewed budget, or the terminal outcome when
// the heartbeat itself ended the session.
type HeartbeatResponse struct {
	RemainingMinutes *int   `json:"remaining_minutes"`
	SessionEnded     bool   `json:"session_ended,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
}

// EndSessionRequest is the payload for the end transition. It is also the
// shape of the best-effort unload beacon, so every field tolerates absence.
type EndSessionRequest struct {
	StopReason           string `json:"stop_reason"`
	FinalPositionSeconds *int   `json:"final_position_seconds"`
}

// SessionSummaryView is the terminal record returned by End.
type SessionSummaryView struct {
	SessionID       string    `json:"session_id"`
	ProfileID       string    `json:"profile_id"`
	VideoID         string    `json:"video_id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
	DurationMinutes int       `json:"duration_minutes"`
	StopReason      string    `json:"stop_reason"`
}

// DailyLimitExceededResponse is the 403 body for budget denials.
type DailyLimitExceededResponse struct {
	Type         string `json:"type"`
	Detail       string `json:"detail"`
	LimitMinutes int    `json:"limit_minutes"`
	UsedMinutes  int    `json:"used_minutes"`
}

// ValidationErrorResponse is the 400 body for binding batch rejections.
type ValidationErrorResponse struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// DailyUsageView is one row of the daily report.
type DailyUsageView struct {
	Date         string `json:"date"`
	TotalMinutes int    `json:"total_minutes"`
}

// DailyReportResponse packages daily report rows.
type DailyReportResponse struct {
	Items []DailyUsageView `json:"items"`
}

// WeeklySummaryResponse is the aggregate for the trailing 7-day window.
type WeeklySummaryResponse struct {
	TotalMinutes        int     `json:"total_minutes"`
	AverageDailyMinutes float64 `json:"average_daily_minutes"`
	DaysWatched         int     `json:"days_watched"`
}

// BindingRequestEntry is one entry of a binding batch replace.
type BindingRequestEntry struct {
	VideoID         string `json:"video_id"`
	ProfileID       string `json:"profile_id"`
	SequenceOrder   int    `json:"sequence_order"`
	MaxWatchMinutes *int   `json:"max_watch_minutes"`
}

// ReplaceBindingsRequest is the payload for PUT /v1/tokens/{id}/bindings.
type ReplaceBindingsRequest struct {
	Bindings []BindingRequestEntry `json:"bindings"`
}

// BindingView echoes a persisted binding.
type BindingView struct {
	BindingID       string `json:"binding_id"`
	VideoID         string `json:"video_id"`
	ProfileID       string `json:"profile_id,omitempty"`
	SequenceOrder   int    `json:"sequence_order"`
	MaxWatchMinutes *int   `json:"max_watch_minutes,omitempty"`
}

// ReplaceBindingsResponse packages the replaced playlist.
type ReplaceBindingsResponse struct {
	Items []BindingView `json:"items"`
}

func toSessionSummaryView(summary *domain.SessionSummary) SessionSummaryView {
	return SessionSummaryView{
		SessionID:       summary.SessionID,
		ProfileID:       summary.ProfileID,
		VideoID:         summary.VideoID,
		StartedAt:       summary.StartedAt,
		EndedAt:         summary.EndedAt,
		DurationSeconds: summary.DurationSeconds,
		DurationMinutes: summary.DurationMinutes,
		StopReason:      string(summary.StopReason),
	}
}
