package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a livestream session.
type SessionStatus string

const (
	// SessionScheduled: row created, LiveKit room not confirmed yet.
	SessionScheduled SessionStatus = "scheduled"
	// SessionActive: LiveKit room created, stream is live.
	SessionActive SessionStatus = "active"
	// SessionEnded: terminated by owner, room_finished webhook, or reconciliation.
	SessionEnded SessionStatus = "ended"
	// SessionError: room creation failed. Terminal.
	SessionError SessionStatus = "error"
)

// Session is one livestream instance. RoomName maps 1:1 to the LiveKit room
// and is immutable once set.
type Session struct {
	ID              uuid.UUID       `json:"id"`
	RoomName        string          `json:"room_name"`
	Title           string          `json:"title"`
	Status          SessionStatus   `json:"status"`
	OwnerID         uuid.UUID       `json:"owner_id"`
	MaxParticipants int             `json:"max_participants"`
	EmptyTimeoutSec int             `json:"empty_timeout_sec"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
