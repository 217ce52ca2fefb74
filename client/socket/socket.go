// Package socket manages the process-wide realtime connection. One Manager
// owns at most one live connection, authenticated once at handshake time and
// shared by every conversation session the application opens. Connection
// drops are retried with bounded exponential backoff; drops and redeliveries
// surface as log diagnostics, never as user-facing failures, so consumers
// check IsConnected before operations that must not be silently lost.
package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/triplocal/chatsync/protocol"
)

// ErrNotConnected is returned by Emit when there is no live connection. The
// caller should prompt the user to retry rather than tear anything down.
var ErrNotConnected = errors.New("socket: not connected")

const (
	defaultReconnectDelay    = time.Second
	defaultReconnectDelayMax = 5 * time.Second
	defaultReconnectAttempts = 5

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Handler receives the raw payload of one event.
type Handler func(data json.RawMessage)

// Config describes how the Manager reaches the server.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://chat.example.com/ws".
	URL string

	// Reconnection behaviour. Zero values select the defaults: 1s initial
	// delay doubling up to 5s, 5 attempts per drop.
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	ReconnectAttempts int

	Logger *zap.Logger
	Dialer *websocket.Dialer
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = defaultReconnectDelay
	}
	if out.ReconnectDelayMax <= 0 {
		out.ReconnectDelayMax = defaultReconnectDelayMax
	}
	if out.ReconnectAttempts <= 0 {
		out.ReconnectAttempts = defaultReconnectAttempts
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	return out
}

// Manager owns the shared connection. It is an explicit object passed to the
// code that needs it, not package-level state, so tests can run isolated
// instances side by side.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu   sync.Mutex
	conn *Conn
}

func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{cfg: cfg, log: cfg.Logger}
}

// Connect returns the existing connection unchanged when one is live.
// Otherwise it dials a new connection authenticated with token. The token is
// presented once at handshake time, not per message.
func (m *Manager) Connect(tok string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.IsConnected() {
		m.log.Debug("socket already connected")
		return m.conn, nil
	}
	if m.conn != nil {
		// A previous connection gave up reconnecting; replace it.
		m.conn.Close()
		m.conn = nil
	}

	conn, err := dial(m.cfg, tok)
	if err != nil {
		return nil, err
	}
	m.conn = conn
	return conn, nil
}

// Get returns the current connection handle, or nil when none exists. It
// never blocks and never dials.
func (m *Manager) Get() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// IsConnected reports whether a live connection exists.
func (m *Manager) IsConnected() bool {
	c := m.Get()
	return c != nil && c.IsConnected()
}

// Disconnect tears down the shared connection and clears the handle. Safe to
// call when not connected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		m.log.Debug("socket disconnecting")
		conn.Close()
	}
}

// Conn is one authenticated connection. Event handlers registered with On are
// invoked from the read loop; Off is synchronous, so an event delivered after
// Off returns is not handled. Handlers must not call On or Off themselves.
type Conn struct {
	cfg   Config
	log   *zap.Logger
	wsURL string

	mu        sync.Mutex // guards ws, connected, closed
	ws        *websocket.Conn
	connected bool
	closed    bool

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string][]Handler

	hookMu    sync.Mutex
	hookSeq   int
	reconnect map[int]func()

	done chan struct{}
}

func dial(cfg Config, tok string) (*Conn, error) {
	wsURL, err := authURL(cfg.URL, tok)
	if err != nil {
		return nil, err
	}

	ws, _, err := cfg.Dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("socket: dial %s: %w", cfg.URL, err)
	}

	c := &Conn{
		cfg:       cfg,
		log:       cfg.Logger,
		wsURL:     wsURL,
		ws:        ws,
		connected: true,
		handlers:  make(map[string][]Handler),
		reconnect: make(map[int]func()),
		done:      make(chan struct{}),
	}
	c.setupDeadlines(ws)
	c.log.Info("socket connected", zap.String("url", cfg.URL))

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func authURL(raw, tok string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("socket: invalid url %q: %w", raw, err)
	}
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Conn) setupDeadlines(ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}

// IsConnected reports whether the connection is currently usable. False
// while a reconnect is in progress or after the retry budget is exhausted.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// Emit sends one event to the server. Fails fast with ErrNotConnected when
// the connection is down; nothing is queued.
func (c *Conn) Emit(event string, payload interface{}) error {
	c.mu.Lock()
	ws := c.ws
	ok := c.connected && !c.closed
	c.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	data, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("socket: emit %s: %w", event, err)
	}
	return nil
}

// On registers a handler for an event. Multiple handlers per event are
// allowed and run in registration order.
func (c *Conn) On(event string, h Handler) {
	c.handlerMu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.handlerMu.Unlock()
}

// Off removes every handler registered for event. It blocks until any
// in-flight dispatch completes, so once Off returns no handler for this
// event will run again.
func (c *Conn) Off(event string) {
	c.handlerMu.Lock()
	delete(c.handlers, event)
	c.handlerMu.Unlock()
}

// OnReconnect registers a hook invoked after the connection is
// re-established following a drop. The returned function removes the hook.
func (c *Conn) OnReconnect(fn func()) (remove func()) {
	c.hookMu.Lock()
	c.hookSeq++
	id := c.hookSeq
	c.reconnect[id] = fn
	c.hookMu.Unlock()

	return func() {
		c.hookMu.Lock()
		delete(c.reconnect, id)
		c.hookMu.Unlock()
	}
}

// Close tears the connection down for good. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		ws.Close()
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) readLoop() {
	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()

		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.log.Warn("socket read failed", zap.Error(err))
			if !c.redial() {
				return
			}
			continue
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.log.Warn("socket dropped malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

// dispatch runs the handlers for one event while holding the registry read
// lock. Off takes the write lock, which is what makes teardown synchronous.
func (c *Conn) dispatch(env protocol.Envelope) {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	for _, h := range c.handlers[env.Event] {
		h(env.Data)
	}
}

// redial re-establishes the connection with bounded exponential backoff.
// Returns false when the connection was closed or the attempt budget ran out.
func (c *Conn) redial() bool {
	c.mu.Lock()
	c.connected = false
	if old := c.ws; old != nil {
		old.Close()
	}
	c.mu.Unlock()

	delay := c.cfg.ReconnectDelay
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return false
		case <-time.After(delay):
		}

		ws, _, err := c.cfg.Dialer.Dial(c.wsURL, nil)
		if err != nil {
			c.log.Warn("socket reconnect failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.ReconnectAttempts),
				zap.Error(err))
			delay *= 2
			if delay > c.cfg.ReconnectDelayMax {
				delay = c.cfg.ReconnectDelayMax
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return false
		}
		c.ws = ws
		c.connected = true
		c.mu.Unlock()

		c.setupDeadlines(ws)
		c.log.Info("socket reconnected", zap.Int("attempt", attempt))
		c.fireReconnectHooks()
		return true
	}

	c.log.Error("socket gave up reconnecting",
		zap.Int("attempts", c.cfg.ReconnectAttempts))
	return false
}

func (c *Conn) fireReconnectHooks() {
	c.hookMu.Lock()
	hooks := make([]func(), 0, len(c.reconnect))
	for _, fn := range c.reconnect {
		hooks = append(hooks, fn)
	}
	c.hookMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			ws := c.ws
			ok := c.connected && !c.closed
			c.mu.Unlock()
			if !ok {
				continue
			}
			ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
	}
}
