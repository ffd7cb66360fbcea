package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	domainchat "resortchat/internal/domain/chat"
	"resortchat/internal/infra/realtime"
)

var (
	writeWait      = 10 * time.Second
	maxMessageSize = int64(64 * 1024)
	sendBufSize    = 256
	sendTimeout    = 2 * time.Second
)

// Client is one authenticated socket.
type Client struct {
	ID     string
	UserID string
	Role   domainchat.Role

	conn   *websocket.Conn
	hub    *Hub
	egress chan realtime.Frame
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// guarded by hub.mu
	joined bool
	rooms  map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, userID string, role domainchat.Role) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		conn:   conn,
		hub:    hub,
		egress: make(chan realtime.Frame, sendBufSize),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Close()
	}()

	pongWait := c.hub.pongWait()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame realtime.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.logReadError(err)
			return
		}
		c.hub.handle(c.ctx, c, frame)
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) logReadError(err error) {
	log := c.hub.logger
	if log == nil {
		return
	}
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		log.Debug("socket closed", "client_id", c.ID, "user_id", c.UserID)
	case errors.As(err, &ne) && ne.Timeout():
		log.Info("socket timed out", "client_id", c.ID, "user_id", c.UserID)
	default:
		log.Debug("socket read failed", "client_id", c.ID, "user_id", c.UserID, "error", err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				if c.hub.logger != nil {
					c.hub.logger.Debug("socket write failed", "client_id", c.ID, "error", err)
				}
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Send enqueues a frame. A client that cannot keep up is disconnected.
func (c *Client) Send(frame realtime.Frame) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.egress <- frame:
		return true
	case <-c.ctx.Done():
		return false
	case <-time.After(sendTimeout):
		if c.hub.logger != nil {
			c.hub.logger.Warn("socket egress full, disconnecting", "client_id", c.ID, "user_id", c.UserID)
		}
		c.Close()
		return false
	}
}

// Close stops both pumps. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(c.cancel)
}
