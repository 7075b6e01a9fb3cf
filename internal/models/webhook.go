package models

import "time"

// EventKind labels a LiveKit webhook notification type.
type EventKind string

const (
	EventRoomStarted       EventKind = "room_started"
	EventRoomFinished      EventKind = "room_finished"
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
)

// RoomEvent is the typed form of a LiveKit webhook notification, carrying
// only the fields the event kind guarantees. Participant fields are empty
// for room-level events.
type RoomEvent struct {
	ID       string    `json:"id"` // LiveKit event id, the dedup key
	Kind     EventKind `json:"kind"`
	RoomName string    `json:"room_name"`
	RoomSID  string    `json:"room_sid,omitempty"`

	ParticipantIdentity string `json:"participant_identity,omitempty"`
	ParticipantSID      string `json:"participant_sid,omitempty"`
	ParticipantName     string `json:"participant_name,omitempty"`
}

// ProcessedWebhook is a dedup ledger entry. The primary key is the LiveKit
// event id; an insert race on it is a benign duplicate, not an error.
type ProcessedWebhook struct {
	ID          string    `json:"id"`
	EventKind   EventKind `json:"event_kind"`
	ProcessedAt time.Time `json:"processed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
