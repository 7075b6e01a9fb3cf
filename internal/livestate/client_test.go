package livestate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhive/backend/internal/models"
)

func sseRequest(t *testing.T, sessionID uuid.UUID) (*gin.Context, *httptest.ResponseRecorder, context.CancelFunc) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/sessions/"+sessionID.String()+"/events", nil)
	require.NoError(t, err)
	c.Request = req
	return c, w, cancel
}

func TestStreamSSEWritesSnapshotFirst(t *testing.T) {
	backend := newMemBackend()
	hub := NewHub(nil, nil)
	mgr := NewManager(backend, hub, nil)
	sessionID := uuid.New()
	require.NoError(t, mgr.Initialize(context.Background(), sessionID, models.HostInfo{}, time.Now()))

	c, w, cancel := sseRequest(t, sessionID)
	cancel() // stream returns right after the snapshot

	StreamSSE(c, hub, mgr, sessionID, nil)

	body := w.Body.String()
	assert.Contains(t, body, "event: state\n")
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, 0, hub.SubscriberCount(sessionID), "connection unregistered on return")
}

// snapshotRaceSubscriber mutates the stored state while the subscription is
// being opened, standing in for an event that lands between the state
// pre-check and the subscribe call.
type snapshotRaceSubscriber struct {
	backend   *memBackend
	sessionID uuid.UUID
}

func (s *snapshotRaceSubscriber) Subscribe(string, func([]byte)) (func(), error) {
	key := stateKeyPrefix + s.sessionID.String()
	var st models.LiveSessionState
	if raw := s.backend.store[key]; raw != nil {
		_ = json.Unmarshal(raw, &st)
	}
	st.Participants = append(st.Participants, "late-joiner")
	st.ViewerCount = len(st.Participants)
	raw, _ := json.Marshal(&st)
	s.backend.store[key] = raw
	return func() {}, nil
}

func TestStreamSSESnapshotIncludesEventsDuringSubscribe(t *testing.T) {
	backend := newMemBackend()
	sessionID := uuid.New()
	hub := NewHub(&snapshotRaceSubscriber{backend: backend, sessionID: sessionID}, nil)
	mgr := NewManager(backend, hub, nil)
	require.NoError(t, mgr.Initialize(context.Background(), sessionID, models.HostInfo{}, time.Now()))

	c, w, cancel := sseRequest(t, sessionID)
	cancel()

	StreamSSE(c, hub, mgr, sessionID, nil)

	// The join that raced the subscription must show up in the snapshot.
	assert.Contains(t, w.Body.String(), "late-joiner")
}

func TestStreamSSEUnknownSessionIs404(t *testing.T) {
	hub := NewHub(nil, nil)
	mgr := NewManager(newMemBackend(), hub, nil)

	c, w, cancel := sseRequest(t, uuid.New())
	defer cancel()

	StreamSSE(c, hub, mgr, uuid.New(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
