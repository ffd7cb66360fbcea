package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	writeWait      = 10 * time.Second
)

// Conn is one established realtime connection.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens realtime connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// WebsocketDialer dials the gateway with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	// IdleTimeout closes the connection when neither data nor pings arrive in time.
	IdleTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	wc := &wsConn{conn: conn, idle: d.IdleTimeout}
	if wc.idle > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(wc.idle))
		conn.SetPingHandler(wc.onPing)
	}
	return wc, nil
}

type wsConn struct {
	conn *websocket.Conn
	idle time.Duration
	wmu  sync.Mutex
}

func (c *wsConn) ReadJSON(v any) error {
	if err := c.conn.ReadJSON(v); err != nil {
		return err
	}
	if c.idle > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idle))
	}
	return nil
}

func (c *wsConn) WriteJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) onPing(data string) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idle))
	err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}
	return err
}

// EndpointFromBaseURL derives the socket endpoint from the REST base URL by stripping
// its API path suffix: https://host/api/v1 -> wss://host/socket.
func EndpointFromBaseURL(baseURL, socketPath string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("realtime: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime: unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("realtime: base url has no host")
	}
	path := u.Path
	if idx := strings.Index(path, "/api"); idx >= 0 {
		path = path[:idx]
	}
	path = strings.TrimRight(path, "/")
	if socketPath == "" {
		socketPath = "/socket"
	}
	if !strings.HasPrefix(socketPath, "/") {
		socketPath = "/" + socketPath
	}
	u.Path = path + socketPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
