package webhooks

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	"go.uber.org/zap"

	"github.com/streamhive/backend/internal/models"
	"github.com/streamhive/backend/pkg/queue"
	"github.com/streamhive/backend/pkg/response"
)

// EventReceiver verifies and parses an inbound LiveKit webhook request.
type EventReceiver interface {
	ReceiveEvent(r *http.Request) (*livekit.WebhookEvent, error)
}

// JobQueue accepts verified events for asynchronous processing and exposes
// the jobs that exhausted their retries.
type JobQueue interface {
	Submit(ctx context.Context, id, kind string, payload any) error
	Failed(ctx context.Context, limit int64) ([]queue.Job, error)
}

// Handler is the webhook intake endpoint. Once the signature checks out the
// response is 200 no matter what: LiveKit redelivers forever on non-2xx, and
// an unprocessable event is better dropped (and logged) than redelivered in
// a storm.
type Handler struct {
	receiver EventReceiver
	queue    JobQueue
	logger   *zap.Logger
}

// NewHandler creates the webhook intake handler.
func NewHandler(receiver EventReceiver, queue JobQueue, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{receiver: receiver, queue: queue, logger: logger}
}

// HandleLiveKit handles POST /webhooks/livekit.
func (h *Handler) HandleLiveKit(c *gin.Context) {
	ev, err := h.receiver.ReceiveEvent(c.Request)
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
		return
	}

	event := ConvertEvent(ev)
	if event == nil {
		// Verified but not an event kind we track. Ack so LiveKit stops resending.
		h.logger.Debug("webhook event ignored", zap.String("event", ev.Event), zap.String("event_id", ev.Id))
		c.JSON(http.StatusOK, gin.H{"queued": false})
		return
	}

	if err := h.queue.Submit(c.Request.Context(), event.ID, string(event.Kind), event); err != nil {
		// Still 200: a non-2xx would put LiveKit into a redelivery storm
		// while Redis is down. The sweeper reconciles whatever this loses.
		h.logger.Error("webhook enqueue failed", zap.Error(err), zap.String("event_id", event.ID))
		c.JSON(http.StatusOK, gin.H{"queued": false})
		return
	}

	h.logger.Info("webhook queued",
		zap.String("event_id", event.ID), zap.String("kind", string(event.Kind)), zap.String("room", event.RoomName))
	c.JSON(http.StatusOK, gin.H{"queued": true})
}

// ListFailed handles GET /admin/failed-jobs: jobs that exhausted their
// retries, for operator inspection.
func (h *Handler) ListFailed(c *gin.Context) {
	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := h.queue.Failed(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list failed jobs", zap.Error(err))
		response.Internal(c, "failed to list jobs")
		return
	}
	response.OK(c, gin.H{"jobs": jobs, "count": len(jobs)})
}

// ConvertEvent maps a LiveKit webhook event to the typed internal form.
// Returns nil for event kinds this service does not track.
func ConvertEvent(ev *livekit.WebhookEvent) *models.RoomEvent {
	kind := models.EventKind(ev.Event)
	switch kind {
	case models.EventRoomStarted, models.EventRoomFinished,
		models.EventParticipantJoined, models.EventParticipantLeft:
	default:
		return nil
	}

	out := &models.RoomEvent{ID: ev.Id, Kind: kind}
	if out.ID == "" {
		// Old LiveKit versions omit the event id; synthesize one so the
		// dedup ledger still has a key (duplicates then process twice,
		// which the SID-scoped updates tolerate).
		out.ID = uuid.NewString()
	}
	if ev.Room != nil {
		out.RoomName = ev.Room.Name
		out.RoomSID = ev.Room.Sid
	}
	if ev.Participant != nil {
		out.ParticipantIdentity = ev.Participant.Identity
		out.ParticipantSID = ev.Participant.Sid
		out.ParticipantName = ev.Participant.Name
	}
	if out.RoomName == "" {
		return nil
	}
	return out
}
