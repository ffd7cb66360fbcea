// Package realtime owns the persistent, auto-reconnecting socket between a chat client
// and the gateway.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"resortchat/internal/domain/chat"
	"resortchat/internal/infra/identity"
)

var (
	ErrNotConnected       = errors.New("realtime: not connected")
	ErrHandshakeTimeout   = errors.New("realtime: handshake timed out")
	ErrHandshakeFailed    = errors.New("realtime: handshake failed")
	ErrConnectionLost     = errors.New("realtime: connection lost")
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")
	ErrClosed             = errors.New("realtime: channel disconnected")
	ErrServer             = errors.New("realtime: server error")
)

const defaultHandshakeTimeout = 10 * time.Second

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is a snapshot of the connection state, delivered on KindStateChanged.
type Status struct {
	State     State
	Attempts  int
	LastError string
	UserID    string
	Role      chat.Role
}

// Options configures a Channel.
type Options struct {
	Endpoint         string
	Dialer           Dialer
	HandshakeTimeout time.Duration
	Backoff          Backoff
	Logger           *slog.Logger
}

// Channel keeps exactly one connection per role context. Construct one per session and
// share it by reference; handlers registered by different consumers do not interfere.
type Channel struct {
	endpoint         string
	dialer           Dialer
	provider         identity.Provider
	handshakeTimeout time.Duration
	backoff          Backoff
	logger           *slog.Logger
	registry         *Registry
	after            func(time.Duration) <-chan time.Time

	connectMu sync.Mutex

	mu            sync.Mutex
	conn          Conn
	gen           uint64
	epoch         uint64
	state         State
	ident         identity.Identity
	attempts      int
	lastErr       string
	closing       bool
	reconnectID   uint64
	reconnecting  bool
	stopReconnect context.CancelFunc
}

// NewChannel builds a disconnected channel that resolves identity through provider.
func NewChannel(provider identity.Provider, opts Options) *Channel {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &Channel{
		endpoint:         opts.Endpoint,
		dialer:           dialer,
		provider:         provider,
		handshakeTimeout: timeout,
		backoff:          opts.Backoff,
		logger:           opts.Logger,
		registry:         NewRegistry(opts.Logger),
		after:            time.After,
		state:            StateDisconnected,
	}
}

// Registry exposes the subscriber registry.
func (c *Channel) Registry() *Registry {
	return c.registry
}

// On registers a raw handler for kind.
func (c *Channel) On(kind Kind, fn Handler) func() {
	return c.registry.On(kind, fn)
}

// Connect opens the connection and announces the identity with a join command.
// It returns nil immediately when already connected. A failed Connect does not
// schedule retries; only unexpected drops do.
func (c *Channel) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	c.mu.Lock()
	if c.state == StateConnected && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Channel) connect(ctx context.Context) error {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	if c.provider == nil {
		return c.failConnect(fmt.Errorf("realtime: resolve identity: %w", identity.ErrTokenMissing))
	}
	id, err := c.provider.Identity(ctx)
	if err == nil {
		err = id.Validate()
	}
	if err != nil {
		return c.failConnect(fmt.Errorf("realtime: resolve identity: %w", err))
	}

	c.setState(StateConnecting, nil)
	hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+id.Token)
	conn, err := c.dialer.Dial(hsCtx, c.endpoint, header)
	if err != nil && c.disconnectedSince(epoch) {
		return ErrClosed
	}
	if err != nil {
		if errors.Is(hsCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrHandshakeTimeout, c.handshakeTimeout, err)
		} else {
			err = fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}
		return c.failConnect(err)
	}

	join, err := NewFrame(EventJoin, JoinPayload{UserID: id.UserID, Role: id.Role})
	if err == nil {
		err = conn.WriteJSON(join)
	}
	if err != nil {
		_ = conn.Close()
		return c.failConnect(fmt.Errorf("%w: join: %v", ErrHandshakeFailed, err))
	}

	c.mu.Lock()
	if c.epoch != epoch || c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.ident = id
	c.attempts = 0
	c.lastErr = ""
	stop := c.stopReconnect
	c.reconnecting = false
	c.stopReconnect = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}

	c.setState(StateConnected, nil)
	if c.logger != nil {
		c.logger.Info("realtime connected", "endpoint", c.endpoint, "user_id", id.UserID, "role", id.Role)
	}
	go c.readLoop(gen, conn)
	return nil
}

func (c *Channel) disconnectedSince(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch != epoch || c.closing
}

func (c *Channel) failConnect(err error) error {
	c.setState(StateDisconnected, err)
	c.ReportError(err)
	if c.logger != nil {
		c.logger.Warn("realtime connect failed", "endpoint", c.endpoint, "error", err)
	}
	return err
}

// Disconnect closes the connection, forgets the identity and stops reconnecting.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	c.epoch++
	c.gen++
	conn := c.conn
	c.conn = nil
	stop := c.stopReconnect
	c.stopReconnect = nil
	c.reconnecting = false
	c.ident = identity.Identity{}
	c.attempts = 0
	c.lastErr = ""
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateDisconnected, nil)
	if c.logger != nil && conn != nil {
		c.logger.Info("realtime disconnected", "endpoint", c.endpoint)
	}
}

// Emit writes one command frame.
func (c *Channel) Emit(event string, payload any) error {
	frame, err := NewFrame(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("realtime: emit %s: %w", event, err)
	}
	return nil
}

// Connected reports whether the handshake completed and the connection is live.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

// Identity returns the identity announced on the live connection.
func (c *Channel) Identity() (identity.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.ident.UserID == "" {
		return identity.Identity{}, false
	}
	return c.ident, true
}

// Status returns the current connection snapshot.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Channel) statusLocked() Status {
	return Status{
		State:     c.state,
		Attempts:  c.attempts,
		LastError: c.lastErr,
		UserID:    c.ident.UserID,
		Role:      c.ident.Role,
	}
}

// ReportError delivers err to KindError subscribers.
func (c *Channel) ReportError(err error) {
	if err == nil {
		return
	}
	c.registry.Publish(KindError, ErrorEvent{Message: err.Error(), Err: err})
}

func (c *Channel) setState(state State, err error) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	if err != nil {
		c.lastErr = err.Error()
	}
	snapshot := c.statusLocked()
	c.mu.Unlock()
	if changed || err != nil {
		c.registry.Publish(KindStateChanged, snapshot)
	}
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.handleDrop(gen, conn, err)
			return
		}
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(frame Frame) {
	kind, payload, err := decode(frame)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("realtime frame dropped", "event", frame.Event, "error", err)
		}
		return
	}
	c.registry.Publish(kind, payload)
}

func (c *Channel) handleDrop(gen uint64, conn Conn, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	manual := c.closing
	c.mu.Unlock()
	_ = conn.Close()
	if manual {
		return
	}

	err := fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	if c.logger != nil {
		c.logger.Warn("realtime connection dropped", "endpoint", c.endpoint, "error", cause)
	}
	c.setState(StateDisconnected, err)
	c.ReportError(err)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.closing {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectID++
	id := c.reconnectID
	c.reconnecting = true
	c.stopReconnect = cancel
	c.mu.Unlock()
	go c.reconnectLoop(ctx, cancel, id)
}

func (c *Channel) reconnectLoop(ctx context.Context, cancel context.CancelFunc, id uint64) {
	defer func() {
		cancel()
		c.mu.Lock()
		if c.reconnectID == id && c.reconnecting {
			c.reconnecting = false
			c.stopReconnect = nil
		}
		c.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		if c.backoff.Exhausted(attempt) {
			if c.logger != nil {
				c.logger.Error("realtime reconnect gave up", "endpoint", c.endpoint, "attempts", attempt)
			}
			c.setState(StateDisconnected, ErrReconnectExhausted)
			c.ReportError(ErrReconnectExhausted)
			return
		}
		delay := c.backoff.Delay(attempt)
		c.mu.Lock()
		c.attempts = attempt + 1
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Info("realtime reconnect scheduled", "attempt", attempt+1, "delay", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.after(delay):
		}

		c.connectMu.Lock()
		if ctx.Err() != nil {
			c.connectMu.Unlock()
			return
		}
		if c.Connected() {
			c.connectMu.Unlock()
			return
		}
		err := c.connect(ctx)
		c.connectMu.Unlock()
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
	}
}
