// Package events defines the payloads published through the outbox.
package events

import "time"

// SessionStarted is emitted when a watch session is accepted.
type SessionStarted struct {
	SessionID string    `json:"session_id"`
	AccountID string    `json:"account_id"`
	ProfileID string    `json:"profile_id"`
	VideoID   string    `json:"video_id"`
	TokenID   string    `json:"token_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// SessionEnded is emitted exactly once per session, on the terminal transition.
type SessionEnded struct {
	SessionID       string    `json:"session_id"`
	AccountID       string    `json:"account_id"`
	ProfileID       string    `json:"profile_id"`
	VideoID         string    `json:"video_id"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
	StopReason      string    `json:"stop_reason"`
}

// UsageIncremented is emitted per ledger charge; a session that crossed a
// day boundary produces one event per affected day.
type UsageIncremented struct {
	AccountID string `json:"account_id"`
	ProfileID string `json:"profile_id"`
	SessionID string `json:"session_id"`
	UsageDate string `json:"usage_date"`
	Minutes   int    `json:"minutes"`
}

// SessionEndRequested is the recovery beacon relayed by the kiosk edge when
// a device flushes its last known state after a network loss.
type SessionEndRequested struct {
	SessionID            string `json:"session_id"`
	StopReason           string `json:"stop_reason"`
	FinalPositionSeconds *int   `json:"final_position_seconds,omitempty"`
}
