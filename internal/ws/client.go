package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"presence-service/internal/observability"
	"presence-service/internal/registry"
)

var _ registry.Conn = (*Client)(nil)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
	readLimit  = 8 * 1024
)

// envelope is the wire frame for every event in either direction.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Client is one live websocket session. It implements registry.Conn.
// All network writes happen on the write pump goroutine; Send only
// enqueues, so callers never block on a slow socket and no shared lock
// is ever held across a network write.
type Client struct {
	id          string
	userID      int
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
	logger      *zap.SugaredLogger
}

func newClient(id string, userID int, conn *websocket.Conn, logger *zap.SugaredLogger) *Client {
	return &Client{
		id:          id,
		userID:      userID,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		logger:      logger,
	}
}

func (c *Client) UserID() int { return c.userID }

// Send enqueues an event for delivery. A full buffer or a closing
// connection drops the push: delivery is best-effort and presence
// correction on the next registry update supersedes any lost push.
func (c *Client) Send(event string, payload any) error {
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		observability.IncPushDropped()
		c.logger.Debugw("push dropped", "conn_id", c.id, "user_id", c.userID, "event", event)
	}
	return nil
}

// Close tears down the transport. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

// writePump drains the send buffer onto the socket and keeps the
// connection alive with pings. Exits on the first write error or Close.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debugw("websocket write failed", "conn_id", c.id, "user_id", c.userID, "error", err)
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
