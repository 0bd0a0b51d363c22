// Package kioskclient implements the device-side heartbeat loop for kiosk
// playback surfaces.
package kioskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// PositionFunc reports the current playback position in seconds, if known.
type PositionFunc func() *int

// HeartbeatResult mirrors the server's heartbeat response.
type HeartbeatResult struct {
	RemainingMinutes *int   `json:"remaining_minutes"`
	SessionEnded     bool   `json:"session_ended"`
	StopReason       string `json:"stop_reason,omitempty"`
}

// Client talks to the kiosk surface of the watch service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger overrides the logger used to report delivery failures.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient constructs a Client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: log.New(log.Writer(), "[kiosk] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Runner drives the heartbeat loop for one session. On repeated delivery
// failures the interval backs off exponentially up to five times the nominal
// interval and resets after the first success.
type Runner struct {
	client    *Client
	sessionID string
	interval  time.Duration
	position  PositionFunc

	endOnce sync.Once
}

// NewRunner constructs a Runner for the given session.
func NewRunner(client *Client, sessionID string, interval time.Duration, position PositionFunc) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Runner{
		client:    client,
		sessionID: sessionID,
		interval:  interval,
		position:  position,
	}
}

// Run sends heartbeats until the server reports the session ended, rejects
// it outright, or the context is cancelled. A 4xx response means the server
// has already settled the session's fate (daily limit reached, session gone),
// so the loop stops and surfaces the rejection; only transport and server
// failures back off and retry. When the context is cancelled a best-effort
// end beacon is sent before returning.
func (r *Runner) Run(ctx context.Context, stopReason string) (*HeartbeatResult, error) {
	delay := r.interval
	maxDelay := 5 * r.interval

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.SendEndBeacon(stopReason)
			return nil, ctx.Err()
		case <-timer.C:
		}

		result, err := r.client.Heartbeat(ctx, r.sessionID, r.currentPosition())
		var apiErr *APIError
		switch {
		case err == nil:
			if result.SessionEnded {
				return result, nil
			}
			delay = r.interval
		case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return nil, apiErr
		default:
			r.client.logger.Printf("heartbeat failed (session=%s): %v", r.sessionID, err)
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
		timer.Reset(delay)
	}
}

// SendEndBeacon fires a non-blocking end request. It is sent at most once per
// runner; the server treats a lost beacon as a stale session and charges
// through the last heartbeat.
func (r *Runner) SendEndBeacon(stopReason string) {
	r.endOnce.Do(func() {
		position := r.currentPosition()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.client.EndSession(ctx, r.sessionID, stopReason, position); err != nil {
				r.client.logger.Printf("end beacon failed (session=%s): %v", r.sessionID, err)
			}
		}()
	})
}

func (r *Runner) currentPosition() *int {
	if r.position == nil {
		return nil
	}
	return r.position()
}

// Heartbeat posts a single heartbeat for the session.
func (c *Client) Heartbeat(ctx context.Context, sessionID string, positionSeconds *int) (*HeartbeatResult, error) {
	body := map[string]any{}
	if positionSeconds != nil {
		body["position_seconds"] = *positionSeconds
	}

	var result HeartbeatResult
	if err := c.post(ctx, fmt.Sprintf("/kiosk/v1/sessions/%s/heartbeat", sessionID), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EndSession reports the session's terminal state.
func (c *Client) EndSession(ctx context.Context, sessionID, stopReason string, positionSeconds *int) error {
	body := map[string]any{
		"stop_reason": stopReason,
	}
	if positionSeconds != nil {
		body["final_position_seconds"] = *positionSeconds
	}
	return c.post(ctx, fmt.Sprintf("/kiosk/v1/sessions/%s/end", sessionID), body, nil)
}

// StartSession starts playback for the scanned chip.
func (c *Client) StartSession(ctx context.Context, chipUID, profileID string, positionSeconds *int) (*StartSessionResult, error) {
	body := map[string]any{
		"chip_uid":   chipUID,
		"profile_id": profileID,
	}
	if positionSeconds != nil {
		body["position_seconds"] = *positionSeconds
	}

	var result StartSessionResult
	if err := c.post(ctx, "/kiosk/v1/sessions", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartSessionResult mirrors the server's start response.
type StartSessionResult struct {
	SessionID        string `json:"session_id"`
	VideoID          string `json:"video_id"`
	VideoTitle       string `json:"video_title"`
	RemainingMinutes *int   `json:"remaining_minutes"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kiosk api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: data}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
