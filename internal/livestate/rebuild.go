package livestate

import (
	"context"

	"github.com/google/uuid"

	"github.com/streamhive/backend/internal/models"
)

// SessionSource supplies the durable session row for a rebuild.
type SessionSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// ParticipantSource supplies the currently joined participants for a rebuild.
type ParticipantSource interface {
	ListJoined(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
}

// DurableRebuilder returns a Rebuilder that reconstructs live state for an
// active session from its durable rows. Sessions that are not active rebuild
// to nil; historical counters come back zeroed.
func DurableRebuilder(sessions SessionSource, participants ParticipantSource) Rebuilder {
	return func(ctx context.Context, sessionID uuid.UUID) (*models.LiveSessionState, error) {
		s, err := sessions.GetByID(ctx, sessionID)
		if err != nil {
			if err == models.ErrNotFound {
				return nil, nil
			}
			return nil, err
		}
		if s.Status != models.SessionActive {
			return nil, nil
		}
		joined, err := participants.ListJoined(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		st := &models.LiveSessionState{
			SessionID:    sessionID,
			Status:       s.Status,
			Participants: []string{},
			Host:         models.HostInfo{UserID: s.OwnerID},
		}
		if s.StartedAt != nil {
			st.StartedAt = *s.StartedAt
		}
		for _, p := range joined {
			st.Participants = append(st.Participants, p.UserID.String())
			if p.Role == models.RoleHost {
				st.Host = models.HostInfo{UserID: p.UserID, DisplayName: p.DisplayName}
			}
		}
		st.ViewerCount = len(st.Participants)
		return st, nil
	}
}
