package sessions

import (
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamhive/backend/internal/livestate"
	"github.com/streamhive/backend/internal/middleware"
	"github.com/streamhive/backend/internal/models"
	"github.com/streamhive/backend/internal/orchestrator"
	"github.com/streamhive/backend/pkg/response"
)

// Handler exposes the session API. The business logic lives in the
// orchestrator; this layer binds requests and translates errors.
type Handler struct {
	orch   *orchestrator.Orchestrator
	repo   *Repository
	state  *livestate.Manager
	hub    *livestate.Hub
	logger *zap.Logger
}

// NewHandler creates a session handler.
func NewHandler(orch *orchestrator.Orchestrator, repo *Repository, state *livestate.Manager, hub *livestate.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orch: orch, repo: repo, state: state, hub: hub, logger: logger}
}

// CreateSessionRequest is the POST /sessions body.
type CreateSessionRequest struct {
	Title           string          `json:"title" binding:"required"`
	RoomName        string          `json:"room_name"`
	MaxParticipants int             `json:"max_participants"`
	EmptyTimeoutSec int             `json:"empty_timeout_sec"`
	Metadata        json.RawMessage `json:"metadata"`
}

// Create handles POST /sessions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	callerID, ok := middleware.CallerID(c)
	if !ok {
		response.Unauthorized(c, "caller identity missing")
		return
	}

	s, err := h.orch.CreateSession(c.Request.Context(), orchestrator.CreateRequest{
		OwnerID:         callerID,
		OwnerName:       middleware.CallerName(c),
		Title:           req.Title,
		RoomName:        req.RoomName,
		MaxParticipants: req.MaxParticipants,
		EmptyTimeoutSec: req.EmptyTimeoutSec,
		Metadata:        req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalid):
			response.BadRequest(c, "invalid session fields")
		case errors.Is(err, models.ErrConflict):
			response.Conflict(c, "room name already taken")
		default:
			h.logger.Error("create session failed", zap.Error(err))
			response.ServiceUnavailable(c, "session creation failed")
		}
		return
	}
	response.Created(c, s)
}

// List handles GET /sessions. ?mine=true filters to the caller's sessions.
func (h *Handler) List(c *gin.Context) {
	var owner *uuid.UUID
	if c.Query("mine") == "true" {
		if callerID, ok := middleware.CallerID(c); ok {
			owner = &callerID
		}
	}
	list, err := h.repo.List(c.Request.Context(), owner)
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		response.Internal(c, "failed to list sessions")
		return
	}
	response.OK(c, list)
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			response.NotFound(c, "session not found")
			return
		}
		h.logger.Error("get session failed", zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	response.OK(c, s)
}

// Delete handles DELETE /sessions/:id. Only the owner may end a session;
// ending an already-ended session succeeds.
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	callerID, ok := middleware.CallerID(c)
	if !ok {
		response.Unauthorized(c, "caller identity missing")
		return
	}
	if err := h.orch.DeleteSession(c.Request.Context(), id, callerID); err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			response.NotFound(c, "session not found")
		case errors.Is(err, models.ErrForbidden):
			response.Forbidden(c, "only the owner can end a session")
		default:
			h.logger.Error("delete session failed", zap.Error(err))
			response.Internal(c, "failed to end session")
		}
		return
	}
	response.OK(c, gin.H{"status": models.SessionEnded})
}

// JoinRequest is the POST /sessions/:id/join body.
type JoinRequest struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"` // host or viewer; defaults to viewer
}

// Join handles POST /sessions/:id/join: records the participant and returns
// a LiveKit access token.
func (h *Handler) Join(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	callerID, ok := middleware.CallerID(c)
	if !ok {
		response.Unauthorized(c, "caller identity missing")
		return
	}
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = middleware.CallerName(c)
	}

	token, p, err := h.orch.JoinSession(c.Request.Context(), id, callerID, displayName, models.ParticipantRole(req.Role))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			response.NotFound(c, "session not found")
		case errors.Is(err, models.ErrNotActive):
			response.BadRequest(c, "session is not live")
		case errors.Is(err, models.ErrConflict):
			response.Conflict(c, "already joined")
		default:
			h.logger.Error("join session failed", zap.Error(err))
			response.ServiceUnavailable(c, "join failed")
		}
		return
	}
	response.OK(c, gin.H{"token": token, "participant": p})
}

// State handles GET /sessions/:id/state: the ephemeral snapshot.
func (h *Handler) State(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	st, err := h.state.GetState(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("read live state failed", zap.Error(err))
		response.Internal(c, "state unavailable")
		return
	}
	if st == nil {
		response.NotFound(c, "session state not found")
		return
	}
	response.OK(c, st)
}

// Events handles GET /sessions/:id/events: the SSE subscription.
func (h *Handler) Events(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	livestate.StreamSSE(c, h.hub, h.state, id, h.logger)
}
