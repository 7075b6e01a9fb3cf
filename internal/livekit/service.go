// Package livekit wraps the LiveKit server APIs this service depends on:
// room management, access-token issuance, and webhook verification.
package livekit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"go.uber.org/zap"

	"github.com/streamhive/backend/config"
	"github.com/streamhive/backend/internal/models"
)

// Service talks to a LiveKit deployment.
type Service struct {
	rooms     *lksdk.RoomServiceClient
	keys      auth.KeyProvider
	apiKey    string
	apiSecret string
	tokenTTL  time.Duration
	logger    *zap.Logger
}

// New creates a LiveKit service from config.
func New(cfg config.LiveKitConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		rooms:     lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		keys:      auth.NewSimpleKeyProvider(cfg.APIKey, cfg.APISecret),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		tokenTTL:  time.Duration(cfg.TokenTTLHours) * time.Hour,
		logger:    logger,
	}
}

// CreateRoom creates a LiveKit room. emptyTimeoutSec is how long LiveKit keeps
// an empty room alive before closing it (which triggers room_finished).
func (s *Service) CreateRoom(ctx context.Context, name string, emptyTimeoutSec, maxParticipants int) error {
	_, err := s.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            name,
		EmptyTimeout:    uint32(emptyTimeoutSec),
		MaxParticipants: uint32(maxParticipants),
	})
	if err != nil {
		return fmt.Errorf("create room %s: %w", name, err)
	}
	return nil
}

// DeleteRoom deletes a LiveKit room, disconnecting everyone in it.
func (s *Service) DeleteRoom(ctx context.Context, name string) error {
	_, err := s.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", name, err)
	}
	return nil
}

// ListRoomNames returns the names of currently-live rooms.
func (s *Service) ListRoomNames(ctx context.Context) (map[string]struct{}, error) {
	resp, err := s.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	names := make(map[string]struct{}, len(resp.Rooms))
	for _, room := range resp.Rooms {
		names[room.Name] = struct{}{}
	}
	return names, nil
}

// AccessToken issues a join token for a room. Hosts can publish; viewers are
// subscribe-only.
func (s *Service) AccessToken(room, identity, displayName string, role models.ParticipantRole, metadata string) (string, error) {
	canPublish := role == models.RoleHost
	canSubscribe := true

	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         room,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}
	at := auth.NewAccessToken(s.apiKey, s.apiSecret).
		AddGrant(grant).
		SetIdentity(identity).
		SetName(displayName).
		SetMetadata(metadata).
		SetValidFor(s.tokenTTL)
	return at.ToJWT()
}

// ReceiveEvent verifies the webhook signature on r and returns the parsed
// event. A signature or parse failure returns an error and the request must
// be rejected as unauthorized.
func (s *Service) ReceiveEvent(r *http.Request) (*livekit.WebhookEvent, error) {
	ev, err := webhook.ReceiveWebhookEvent(r, s.keys)
	if err != nil {
		return nil, fmt.Errorf("receive webhook: %w", err)
	}
	return ev, nil
}
