package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session is missing or already
	// terminal and the operation expected it to be live.
	ErrSessionNotFound = errors.New("watch session not found")
	// ErrProfileNotFound is returned when a child profile is missing or not
	// owned by the requesting account.
	ErrProfileNotFound = errors.New("child profile not found")
	// ErrTokenNotFound is returned when a token is missing, inactive, or not
	// owned by the requesting account.
	ErrTokenNotFound = errors.New("token not found")
	// ErrNoBindings is returned when a scanned token has no videos bound.
	ErrNoBindings = errors.New("token has no video bindings")
	// ErrVideoNotFound is returned when an explicit video is not among a
	// token's bindings, or does not exist at all.
	ErrVideoNotFound = errors.New("video not found")
)

// DailyLimitError is a business-rule denial, not a fault. It always carries
// the configured limit and the minutes already used so the client can render
// a precise message.
type DailyLimitError struct {
	LimitMinutes int
	UsedMinutes  int
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("daily limit exceeded: %d of %d minutes used", e.UsedMinutes, e.LimitMinutes)
}

// Binding batch validation codes. These are stable identifiers surfaced to
// API clients, not display text.
const (
	CodeMaxVideosExceeded     = "MaxVideosExceeded"
	CodeNonContiguousSequence = "NonContiguousSequence"
	CodeDuplicateVideo        = "DuplicateVideo"
)

// BindingValidationError rejects a malformed binding batch with a distinct code.
type BindingValidationError struct {
	Code   string
	Detail string
}

func (e *BindingValidationError) Error() string {
	return fmt.Sprintf("invalid binding batch (%s): %s", e.Code, e.Detail)
}
