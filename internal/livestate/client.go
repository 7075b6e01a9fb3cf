package livestate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS policy is enforced by middleware on the API surface
	},
}

// wsConn adapts a WebSocket connection to the hub's Conn interface.
type wsConn struct {
	conn   *websocket.Conn
	send   chan Event
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (c *wsConn) Send(ev Event) bool {
	select {
	case <-c.done:
		return false
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Flush whatever is already queued before the close frame;
			// the terminal room_ended rides this path on force-close.
			for {
				select {
				case ev := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteJSON(ev); err != nil {
						return
					}
				default:
					_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Event == EventRoomEnded {
				// The stream contract ends here.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains inbound frames to keep pong handling alive. Subscribers
// are read-only; anything they send is discarded.
func (c *wsConn) readPump() {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// ServeWS upgrades GET /ws?session_id=... to a WebSocket event subscription.
// The first frame is a state snapshot; the connection closes after room_ended.
func ServeWS(hub *Hub, mgr *Manager, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		sessionID, err := uuid.Parse(c.Query("session_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
			return
		}
		st, err := mgr.GetState(c.Request.Context(), sessionID)
		if err != nil {
			logger.Error("read live state", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "state unavailable"})
			return
		}
		if st == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session state not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &wsConn{
			conn:   conn,
			send:   make(chan Event, sendBuffer),
			done:   make(chan struct{}),
			logger: logger,
		}
		connID := uuid.NewString()
		if err := hub.Subscribe(sessionID, connID, client); err != nil {
			logger.Error("subscribe failed", zap.Error(err), zap.String("session_id", sessionID.String()))
			_ = conn.Close()
			return
		}

		// Re-read after subscribing: anything published in between lands in
		// this snapshot, in the stream, or both, never in neither.
		if fresh, err := mgr.GetState(c.Request.Context(), sessionID); err == nil && fresh != nil {
			st = fresh
		}
		snapshot, _ := json.Marshal(st)
		client.Send(Event{Event: EventState, Data: snapshot})

		go client.writePump()
		client.readPump()

		hub.Unsubscribe(sessionID, connID)
		client.Close()
	}
}

// sseConn adapts a server-sent-events response to the hub's Conn interface.
type sseConn struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func (c *sseConn) Send(ev Event) bool {
	select {
	case <-c.done:
		return false
	case c.ch <- ev:
		return true
	default:
		return false
	}
}

func (c *sseConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// StreamSSE serves a text/event-stream subscription for one session: a
// `state` snapshot first, then room/viewer events until room_ended or the
// client disconnects.
func StreamSSE(c *gin.Context, hub *Hub, mgr *Manager, sessionID uuid.UUID, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := mgr.GetState(c.Request.Context(), sessionID)
	if err != nil {
		logger.Error("read live state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state unavailable"})
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session state not found"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	conn := &sseConn{ch: make(chan Event, sendBuffer), done: make(chan struct{})}
	connID := uuid.NewString()
	if err := hub.Subscribe(sessionID, connID, conn); err != nil {
		logger.Error("subscribe failed", zap.Error(err), zap.String("session_id", sessionID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}
	defer func() {
		hub.Unsubscribe(sessionID, connID)
		conn.Close()
	}()

	// Re-read after subscribing so no event falls between snapshot and stream.
	if fresh, err := mgr.GetState(c.Request.Context(), sessionID); err == nil && fresh != nil {
		st = fresh
	}
	snapshot, _ := json.Marshal(st)
	writeSSE(c.Writer, Event{Event: EventState, Data: snapshot})
	c.Writer.Flush()

	heartbeat := time.NewTicker(pingInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-conn.done:
			// Drain queued events before closing; the terminal room_ended
			// rides this path on force-close.
			for {
				select {
				case ev := <-conn.ch:
					writeSSE(c.Writer, ev)
					c.Writer.Flush()
				default:
					return
				}
			}
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		case ev := <-conn.ch:
			writeSSE(c.Writer, ev)
			c.Writer.Flush()
			if ev.Event == EventRoomEnded {
				return
			}
		}
	}
}

func writeSSE(w gin.ResponseWriter, ev Event) {
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, data)
}
