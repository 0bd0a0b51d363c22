package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/rayberirondelsol/medio-sub007/internal/domain"
	"github.com/rayberirondelsol/medio-sub007/internal/events"
)

const eventTypeSessionEndRequested = "session.end_requested"

// RecoveryHandler replays late end-of-session beacons against the session
// service. Devices that lost connectivity flush their last known state through
// the kiosk edge, which relays it onto the recovery topic.
type RecoveryHandler struct {
	service *domain.Service
	logger  *log.Logger
}

// NewRecoveryHandler constructs a handler backed by the session service.
func NewRecoveryHandler(service *domain.Service) *RecoveryHandler {
	return &RecoveryHandler{
		service: service,
		logger:  log.New(log.Writer(), "[recovery] ", log.LstdFlags|log.Lshortfile),
	}
}

// Handle ends the referenced session if it is still live. Sessions already
// closed by a heartbeat denial or the reaper are skipped, so replaying the
// topic is safe.
func (h *RecoveryHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != eventTypeSessionEndRequested {
		// Other event types on the topic are not ours to process.
		return nil
	}

	var beacon events.SessionEndRequested
	if err := json.Unmarshal(msg.Payload, &beacon); err != nil {
		return fmt.Errorf("unmarshal end beacon: %w", err)
	}
	if beacon.SessionID == "" {
		return errors.New("end beacon missing session_id")
	}

	summary, err := h.service.EndSession(ctx, beacon.SessionID, domain.StopReason(beacon.StopReason), beacon.FinalPositionSeconds)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			h.logger.Printf("skipping beacon for unknown session %s", beacon.SessionID)
			return nil
		}
		return fmt.Errorf("end session %s: %w", beacon.SessionID, err)
	}

	h.logger.Printf("recovered session %s (stop_reason=%s, duration=%ds)", summary.SessionID, summary.StopReason, summary.DurationSeconds)
	return nil
}
