package live

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/prepmate/liveroom/internal/auth"
	"github.com/prepmate/liveroom/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one authenticated websocket connection. A user may hold several
// concurrent clients; each carries its own connection id.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	identity auth.Identity
	limiter  *ratelimit.Limiter
}

// ServeWS authenticates the handshake token and hands the connection to the
// hub. Identity is verified once here; every later event trusts it.
func ServeWS(hub *Hub, secret string, rate float64, burst int, w http.ResponseWriter, r *http.Request) {
	token := handshakeToken(r)
	identity, err := auth.Verify(secret, token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 512),
		id:       uuid.NewString(),
		identity: *identity,
		limiter:  ratelimit.NewLimiter(rate, burst),
	}

	hub.dispatch(evRegister{c: client})

	go client.writePump()
	go client.readPump()
}

func handshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (c *Client) readPump() {
	defer func() {
		c.hub.dispatch(evUnregister{c: c})
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithError(err).WithField("conn_id", c.id).Debug("Websocket closed")
			}
			break
		}

		if !c.limiter.Allow() {
			logrus.WithFields(logrus.Fields{
				"conn_id": c.id,
				"user_id": c.identity.UserID,
			}).Warn("Rate limit exceeded, message dropped")
			continue
		}

		c.route(message)
	}
}

// route parses one envelope and queues the matching hub event. Malformed
// frames are dropped; only join-shaped requests get an error reply.
func (c *Client) route(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.sendEvent(EventRoomError, errorPayload{Message: "Malformed payload."})
		return
	}

	switch env.Event {
	case EventJoinRoom:
		c.requestJoin(c.roomIDFrom(env.Payload))

	case EventAskToJoin:
		c.requestAsk(c.roomIDFrom(env.Payload))

	case EventLeaveRoom:
		if roomID := c.roomIDFrom(env.Payload); roomID != "" {
			c.hub.dispatch(evLeave{c: c, roomID: roomID})
		}

	case EventAdminResponse:
		var p adminResponsePayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RoomID != "" && p.ConnectionID != "" {
			c.hub.dispatch(evAdmin{c: c, p: p})
		}

	case EventCanvasUpdate:
		var p canvasPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RoomID != "" {
			c.hub.dispatch(evCanvas{c: c, p: p})
		}

	case EventCodeUpdate:
		var p codePayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RoomID != "" {
			c.hub.dispatch(evCode{c: c, p: p})
		}

	case EventQuestionUpdate:
		var p questionPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RoomID != "" {
			c.hub.dispatch(evQuestion{c: c, p: p})
		}

	case EventCursorUpdate:
		var p cursorPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RoomID != "" {
			c.hub.dispatch(evCursor{c: c, p: p})
		}

	case EventCodeCursor:
		var p codeCursorPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RoomID != "" {
			c.hub.dispatch(evCodeCursor{c: c, p: p})
		}

	default:
		logrus.WithField("event", env.Event).Debug("Unknown event dropped")
	}
}

func (c *Client) roomIDFrom(payload json.RawMessage) string {
	var ref roomRef
	if err := json.Unmarshal(payload, &ref); err != nil {
		return ""
	}
	return strings.TrimSpace(ref.RoomID)
}

// requestJoin loads the durable record here, in the connection's goroutine,
// so the store read never blocks the hub loop. Per-connection ordering is
// preserved because the read loop queues events one at a time.
func (c *Client) requestJoin(roomID string) {
	if roomID == "" {
		c.sendEvent(EventRoomError, errorPayload{Message: "Room identifier is required."})
		return
	}
	rec, err := c.hub.store.GetRoom(roomID)
	c.hub.dispatch(evJoin{c: c, roomID: roomID, rec: rec, loadErr: err})
}

func (c *Client) requestAsk(roomID string) {
	if roomID == "" {
		c.sendEvent(EventRoomError, errorPayload{Message: "Room identifier is required."})
		return
	}
	rec, err := c.hub.store.GetRoom(roomID)
	c.hub.dispatch(evAsk{c: c, roomID: roomID, rec: rec, loadErr: err})
}

func (c *Client) sendEvent(event string, payload interface{}) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		logrus.WithError(err).WithField("event", event).Error("Failed to encode event")
		return
	}
	c.enqueue(data)
}

// enqueue never blocks the caller; a client that cannot keep up loses the
// frame rather than stalling the room.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		logrus.WithField("conn_id", c.id).Warn("Send buffer full, frame dropped")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
