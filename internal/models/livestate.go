package models

import (
	"time"

	"github.com/google/uuid"
)

// HostInfo is the display information of the session host, carried in the
// ephemeral state so viewers can render it without a durable-store read.
type HostInfo struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
}

// LiveSessionState is the ephemeral, Redis-backed view of a live session.
// It is fully derivable from participant rows and treated as a TTL cache,
// never the source of truth. TotalViewers and PeakViewers are historical
// counters that cannot be re-derived after expiry; that loss is accepted.
type LiveSessionState struct {
	SessionID    uuid.UUID     `json:"session_id"`
	Status       SessionStatus `json:"status"`
	Participants []string      `json:"participants"` // currently-joined user ids
	StartedAt    time.Time     `json:"started_at"`
	ViewerCount  int           `json:"viewer_count"`
	TotalViewers int           `json:"total_viewers"`
	PeakViewers  int           `json:"peak_viewers"`
	Host         HostInfo      `json:"host"`
}
