package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ParticipantRole distinguishes the stream host from viewers.
type ParticipantRole string

const (
	RoleHost   ParticipantRole = "host"
	RoleViewer ParticipantRole = "viewer"
)

// ParticipantStatus is the membership state of a participant row.
type ParticipantStatus string

const (
	ParticipantJoined ParticipantStatus = "joined"
	ParticipantLeft   ParticipantStatus = "left"
)

// Participant is one user's membership span in a session.
//
// ParticipantSID is the LiveKit participant SID, assigned when the
// participant_joined webhook confirms the join. It is the only safe key for
// marking departure: a user may rejoin with a new SID before a stale
// participant_left event for the old SID arrives, so (user, session) must
// never be used to flip status.
type Participant struct {
	ID             uuid.UUID         `json:"id"`
	SessionID      uuid.UUID         `json:"session_id"`
	UserID         uuid.UUID         `json:"user_id"`
	DisplayName    string            `json:"display_name"`
	Role           ParticipantRole   `json:"role"`
	Status         ParticipantStatus `json:"status"`
	ParticipantSID *string           `json:"participant_sid,omitempty"`
	RoomSID        *string           `json:"room_sid,omitempty"`
	JoinedAt       time.Time         `json:"joined_at"`
	LeftAt         *time.Time        `json:"left_at,omitempty"`
	Metadata       json.RawMessage   `json:"metadata,omitempty"`
}
