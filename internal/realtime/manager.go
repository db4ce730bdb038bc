// Package realtime manages the client side of the persistent connection.
//
// The Manager owns one WebSocket at a time and walks it through
// disconnected → connecting → connected → authenticated, with reconnecting as
// a timed sub-state of disconnected. The server must push an explicit
// connection_established or auth_error within the auth timeout; silence is
// itself a connection failure. Abnormal closes reconnect with capped
// exponential backoff up to a bounded attempt count; auth rejections and
// clean closes never auto-retry.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// State is the connection lifecycle state, observable via Manager.State.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected" // transport open, not yet authenticated
	StateAuthenticated State = "authenticated"
	StateReconnecting  State = "reconnecting"
	StateFailed        State = "failed" // terminal until the next explicit Connect
)

// closeStatusAuthRejected is the application close code the server uses to
// reject a credential at the transport level.
const closeStatusAuthRejected websocket.StatusCode = 4401

// TokenSource supplies the current access token for connection attempts.
type TokenSource func(ctx context.Context) (string, error)

// RefreshFunc is invoked when the server signals an expired credential; it
// must obtain a fresh token pair so the next attempt can succeed.
type RefreshFunc func(ctx context.Context) error

// Config tunes the connection state machine.
type Config struct {
	// URL is the ws(s) endpoint, typically derived from the configured host
	// plus the user ID.
	URL string

	// TokenInQuery conveys the credential as a query parameter. When false the
	// deployment relies on ambient cookies and the dialer's HTTP client must
	// carry the jar. The token is sensitive either way and never logged.
	TokenInQuery bool
	// TokenQueryParam names the query parameter, default "token".
	TokenQueryParam string

	// AuthTimeout bounds the wait for the server's handshake verdict.
	AuthTimeout time.Duration

	// HeartbeatInterval spaces protocol pings once authenticated. Missed pongs
	// are logged, not acted on: only transport close/error drives reconnects.
	HeartbeatInterval time.Duration

	// Reconnect backoff: BaseDelay × Factor^attempt, capped at MaxDelay, at
	// most MaxAttempts before the terminal failed state.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	MaxAttempts int

	// SendQueueSize bounds the pre-auth outbound buffer (oldest dropped).
	SendQueueSize int

	WriteTimeout time.Duration
}

// DefaultConfig returns conservative connection defaults.
func DefaultConfig() Config {
	return Config{
		TokenQueryParam:   "token",
		AuthTimeout:       12 * time.Second,
		HeartbeatInterval: 35 * time.Second,
		BaseDelay:         2 * time.Second,
		MaxDelay:          30 * time.Second,
		Factor:            1.7,
		MaxAttempts:       8,
		SendQueueSize:     64,
		WriteTimeout:      5 * time.Second,
	}
}

// Manager drives the connection lifecycle. All methods are safe for
// concurrent use; internally a single mutex and a generation counter keep
// stale goroutines from mutating state after Disconnect.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	dialer  Dialer
	token   TokenSource
	refresh RefreshFunc

	onMessage func([]byte)
	onState   func(State)

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	state   State
	attempt int
	gen     int
	conn    Conn
	timer   *time.Timer
	queue   *sendQueue
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithMessageHandler delivers non-handshake frames to fn.
func WithMessageHandler(fn func([]byte)) Option {
	return func(m *Manager) { m.onMessage = fn }
}

// WithStateListener reports every state transition to fn.
func WithStateListener(fn func(State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// NewManager constructs a Manager. dialer defaults to WSDialer; refresh may be
// nil when the deployment has no silent-refresh path.
func NewManager(cfg Config, log *slog.Logger, dialer Dialer, token TokenSource, refresh RefreshFunc, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if dialer == nil {
		dialer = WSDialer{}
	}
	if cfg.TokenQueryParam == "" {
		cfg.TokenQueryParam = "token"
	}
	d := DefaultConfig()
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = d.AuthTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if cfg.Factor < 1 {
		cfg.Factor = d.Factor
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}

	m := &Manager{
		cfg:     cfg,
		log:     log,
		dialer:  dialer,
		token:   token,
		refresh: refresh,
		state:   StateDisconnected,
		queue:   newSendQueue(cfg.SendQueueSize),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connection loop. At most one attempt is outstanding at
// any time; calling Connect while already connecting or connected is an error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected && m.state != StateFailed {
		m.mu.Unlock()
		return errors.New("realtime: already connecting or connected")
	}

	m.gen++
	gen := m.gen
	m.attempt = 0
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	go m.runAttempt(runCtx, gen)
	return nil
}

// Disconnect tears everything down. Idempotent and always safe to call:
// it cancels any pending reconnect timer so no duplicate socket can appear.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempt = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// Send writes a message when authenticated; otherwise it parks the message in
// the bounded queue for flushing after authentication.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	if m.state != StateAuthenticated || m.conn == nil {
		m.queue.Push(data)
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	return m.write(ctx, conn, data)
}

// QueuedMessages reports how many outbound messages await authentication.
func (m *Manager) QueuedMessages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// ---- connection loop ----

func (m *Manager) runAttempt(ctx context.Context, gen int) {
	target, err := m.dialURL(ctx)
	if err != nil {
		m.log.Info("ws.token.fail", "err", err)
		m.scheduleReconnect(gen)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	conn, err := m.dialer.Dial(dialCtx, target)
	cancel()
	if err != nil {
		m.log.Info("ws.dial.fail", "err", err)
		m.scheduleReconnect(gen)
		return
	}

	if !m.adopt(gen, conn, StateConnected) {
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}

	if !m.awaitHandshake(ctx, gen, conn) {
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go m.heartbeat(heartbeatCtx, conn)

	m.readLoop(ctx, gen, conn)
}

// awaitHandshake waits for the server's explicit verdict. Absence of any
// verdict within the auth timeout is a connection failure.
func (m *Manager) awaitHandshake(ctx context.Context, gen int, conn Conn) bool {
	hsCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()

	for {
		data, err := conn.Read(hsCtx)
		if err != nil {
			_ = conn.Close(websocket.StatusAbnormalClosure, "handshake failed")
			if ctx.Err() != nil {
				return false // explicit disconnect
			}
			m.log.Info("ws.handshake.timeout_or_error", "err", err)
			m.dropConn(gen)
			m.scheduleReconnect(gen)
			return false
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case TypeConnectionEstablished:
			m.onAuthenticated(ctx, gen, conn)
			return true

		case TypeAuthError:
			_ = conn.Close(closeStatusAuthRejected, "auth rejected")
			m.dropConn(gen)
			m.handleAuthFailure(ctx, gen, env)
			return false

		default:
			// Frames before the verdict are ignored.
		}
	}
}

func (m *Manager) onAuthenticated(ctx context.Context, gen int, conn Conn) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.attempt = 0
	pending := m.queue.Drain()
	m.setStateLocked(StateAuthenticated)
	m.mu.Unlock()

	// Flush in order; a write failure here will surface through the read loop.
	for _, msg := range pending {
		if err := m.write(ctx, conn, msg); err != nil {
			m.log.Info("ws.flush.fail", "err", err)
			return
		}
	}
}

// handleAuthFailure classifies the server's rejection: session-expired is
// recoverable (refresh, then retry); anything else is terminal and must not
// auto-retry.
func (m *Manager) handleAuthFailure(ctx context.Context, gen int, env Envelope) {
	if recoverableAuthCode(env.Code) {
		m.log.Info("ws.auth.expired", "code", env.Code)
		if m.refresh != nil {
			if err := m.refresh(ctx); err != nil {
				m.log.Warn("ws.auth.refresh.fail", "err", err)
				m.fail(gen)
				return
			}
		}
		m.scheduleReconnect(gen)
		return
	}

	m.log.Warn("ws.auth.rejected", "code", env.Code)
	m.fail(gen)
}

func (m *Manager) readLoop(ctx context.Context, gen int, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // explicit disconnect already settled state
			}
			m.dropConn(gen)

			switch status := websocket.CloseStatus(err); {
			case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
				m.log.Info("ws.closed.clean", "status", int(status))
				m.settle(gen, StateDisconnected)
			case status == closeStatusAuthRejected:
				m.log.Warn("ws.closed.auth_rejected")
				m.fail(gen)
			default:
				m.log.Info("ws.closed.abnormal", "status", int(status), "err", err)
				m.scheduleReconnect(gen)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err == nil && env.Type == TypeAuthError {
			// Server signals imminent expiry mid-session: refresh in the
			// background; the server will close the socket if we are too late.
			if recoverableAuthCode(env.Code) && m.refresh != nil {
				go func() {
					if err := m.refresh(ctx); err != nil {
						m.log.Warn("ws.midstream.refresh.fail", "err", err)
					}
				}()
				continue
			}
		}

		if m.onMessage != nil {
			m.onMessage(data)
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn Conn) {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Not a failure trigger: the transport's own close/error events
				// drive reconnection.
				m.log.Info("ws.ping.fail", "err", err)
			}
		}
	}
}

// ---- state plumbing ----

func (m *Manager) scheduleReconnect(gen int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	m.attempt++
	if m.attempt > m.cfg.MaxAttempts {
		m.setStateLocked(StateFailed)
		m.mu.Unlock()
		m.log.Warn("ws.reconnect.exhausted", "attempts", m.cfg.MaxAttempts)
		return
	}

	delay := nextDelay(m.cfg.BaseDelay, m.cfg.MaxDelay, m.cfg.Factor, m.attempt-1)
	m.setStateLocked(StateReconnecting)
	runCtx := m.ctx
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		m.setStateLocked(StateConnecting)
		m.mu.Unlock()

		m.runAttempt(runCtx, gen)
	})
	attempt := m.attempt
	m.mu.Unlock()

	m.log.Info("ws.reconnect.scheduled", "attempt", attempt, "delay", delay)
}

func (m *Manager) adopt(gen int, conn Conn, st State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.conn = conn
	m.setStateLocked(st)
	return true
}

func (m *Manager) dropConn(gen int) {
	m.mu.Lock()
	if gen == m.gen {
		m.conn = nil
	}
	m.mu.Unlock()
}

func (m *Manager) settle(gen int, st State) {
	m.mu.Lock()
	if gen == m.gen {
		m.setStateLocked(st)
	}
	m.mu.Unlock()
}

func (m *Manager) fail(gen int) {
	m.settle(gen, StateFailed)
}

func (m *Manager) setStateLocked(st State) {
	if m.state == st {
		return
	}
	m.state = st
	if m.onState != nil {
		// Listener runs inline; it must not call back into the Manager.
		m.onState(st)
	}
}

func (m *Manager) write(ctx context.Context, conn Conn, data []byte) error {
	wCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wCtx, data)
}

func (m *Manager) dialURL(ctx context.Context) (string, error) {
	if !m.cfg.TokenInQuery {
		return m.cfg.URL, nil
	}

	token, err := m.token(ctx)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(m.cfg.TokenQueryParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
