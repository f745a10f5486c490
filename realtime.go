package tradepost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Close codes and errors
// ============================================================================

// Close codes with agreed server-side meaning. Everything non-normal and not
// listed here is treated as retryable.
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	CloseServerError  = 1011
	CloseAuthRejected = 4401

	// Sent by the liveness monitor when the peer stops answering pings.
	closeHeartbeatTimeout = 4000
	// Synthesized locally when the transport fails without a close frame.
	closeAbnormal = 1006
)

var (
	// ErrAuthRejected is surfaced when the server closes the socket with the
	// authentication-rejection code. Terminal: no reconnect is attempted.
	ErrAuthRejected = errors.New("tradepost: authentication rejected by server")

	// ErrRetriesExhausted is surfaced after the reconnect attempt budget is
	// spent. Recover with ForceReconnect.
	ErrRetriesExhausted = errors.New("tradepost: reconnect attempts exhausted")

	// ErrNotConnected is returned by operations that need a live socket.
	ErrNotConnected = errors.New("tradepost: not connected")
)

// CloseError carries the close code and reason of a terminated socket.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
}

// ParseError reports a malformed inbound frame. Non-fatal: the frame is
// dropped and the connection stays open.
type ParseError struct {
	Frame string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed frame %q: %v", e.Frame, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ============================================================================
// Transport
// ============================================================================

// Conn is a single full-duplex message connection.
type Conn interface {
	// ReadFrame blocks until the next text frame arrives. When the connection
	// terminates it returns a *CloseError if a close code is known.
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Transport opens connections to the notification endpoint. The default
// implementation speaks WebSocket; tests substitute an in-memory pipe.
type Transport interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

type wsTransport struct{}

func (wsTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return nil, &CloseError{Code: int(status), Reason: err.Error()}
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteFrame(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// ============================================================================
// Configuration
// ============================================================================

// ConnectionState represents the notification socket state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	// BaseURL is the Tradepost server root, e.g. "https://tradepost.example".
	// http(s) schemes are rewritten to ws(s).
	BaseURL string
	// UserID selects the per-user notification channel.
	UserID string
	// Tokens supplies the auth credential, read once per connection attempt.
	// Optional: without it the socket connects anonymously.
	Tokens TokenSource

	// OnMessage receives every canonical new message pushed by the server.
	OnMessage func(Message)

	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ForceReconnectDelay  time.Duration

	DialTimeout      time.Duration
	InitialPingDelay time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	StaleThreshold   time.Duration

	Transport Transport
	Clock     Clock
	Logger    *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ForceReconnectDelay == 0 {
		c.ForceReconnectDelay = 500 * time.Millisecond
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.InitialPingDelay == 0 {
		c.InitialPingDelay = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 15 * time.Second
	}
	if c.StaleThreshold == 0 {
		c.StaleThreshold = 45 * time.Second
	}
	if c.Transport == nil {
		c.Transport = wsTransport{}
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// backoffDelay returns the reconnect delay for a 0-indexed attempt:
// min(base * 2^attempt, max).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt >= 62 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handlers run synchronously on the socket read goroutine, mirroring the
// single-dispatch ordering the rest of the client relies on. Keep them fast.
type eventDispatcher struct {
	mu            sync.RWMutex
	onMessage     []func(Message)
	onPresence    []func(PresenceChange)
	onOnlineUsers []func(OnlineUsersList)
	onState       []func(ConnectionState)
}

func (d *eventDispatcher) dispatchMessage(m Message) {
	d.mu.RLock()
	handlers := append([]func(Message){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(m)
	}
}

func (d *eventDispatcher) dispatchPresence(p PresenceChange) {
	d.mu.RLock()
	handlers := append([]func(PresenceChange){}, d.onPresence...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

func (d *eventDispatcher) dispatchOnlineUsers(l OnlineUsersList) {
	d.mu.RLock()
	handlers := append([]func(OnlineUsersList){}, d.onOnlineUsers...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(l)
	}
}

func (d *eventDispatcher) dispatchState(s ConnectionState) {
	d.mu.RLock()
	handlers := append([]func(ConnectionState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns one notification-socket connection per user: lifecycle,
// heartbeat liveness, bounded exponential reconnect, and inbound event
// routing. All failures degrade to an observable State/Err pair; nothing
// escapes the public boundary as a panic or unexpected error.
type RealtimeClient struct {
	cfg        RealtimeConfig
	log        *zerolog.Logger
	dispatcher *eventDispatcher
	clock      Clock

	mu         sync.Mutex
	state      ConnectionState
	lastErr    error
	conn       Conn
	gen        int // socket generation; bumped on every teardown
	closed     bool
	attempts   int
	cancelRead context.CancelFunc
	lastPong   time.Time

	pingTimer      Timer
	pongTimer      Timer
	reconnectTimer Timer
}

// NewRealtimeClient creates a disconnected client. Call Connect to establish
// the socket.
func NewRealtimeClient(cfg RealtimeConfig) (*RealtimeClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("tradepost: BaseURL is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("tradepost: UserID is required")
	}
	cfg.defaults()

	rc := &RealtimeClient{
		cfg:        cfg,
		log:        cfg.Logger,
		dispatcher: &eventDispatcher{},
		clock:      cfg.Clock,
		state:      StateDisconnected,
	}
	if cfg.OnMessage != nil {
		rc.dispatcher.onMessage = append(rc.dispatcher.onMessage, cfg.OnMessage)
	}
	return rc, nil
}

// OnMessage registers an additional handler for pushed messages.
func (rc *RealtimeClient) OnMessage(h func(Message)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onMessage = append(rc.dispatcher.onMessage, h)
	rc.dispatcher.mu.Unlock()
}

// OnPresenceChange registers a handler for user_status events.
func (rc *RealtimeClient) OnPresenceChange(h func(PresenceChange)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onPresence = append(rc.dispatcher.onPresence, h)
	rc.dispatcher.mu.Unlock()
}

// OnOnlineUsersList registers a handler for online_users_list events.
func (rc *RealtimeClient) OnOnlineUsersList(h func(OnlineUsersList)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onOnlineUsers = append(rc.dispatcher.onOnlineUsers, h)
	rc.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (rc *RealtimeClient) OnStateChange(h func(ConnectionState)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onState = append(rc.dispatcher.onState, h)
	rc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() ConnectionState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Err returns the most recent surfaced error, or nil.
func (rc *RealtimeClient) Err() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lastErr
}

func (rc *RealtimeClient) socketURL() string {
	base := strings.Replace(rc.cfg.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	endpoint := strings.TrimRight(base, "/") + "/ws/notifications/" + rc.cfg.UserID + "/"

	if rc.cfg.Tokens != nil {
		token, err := rc.cfg.Tokens.Token()
		if err != nil {
			rc.log.Warn().Err(err).Msg("token lookup failed, connecting without credential")
		} else if token != "" {
			endpoint += "?token=" + url.QueryEscape(token)
		}
	}
	return endpoint
}

// Connect establishes the notification socket. It is a no-op when a socket is
// already connecting or connected. The context bounds only this dial; use
// Disconnect to tear the client down.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	prev := rc.conn
	rc.teardownLocked()
	rc.closed = false
	rc.state = StateConnecting
	gen := rc.gen
	rc.mu.Unlock()

	if prev != nil {
		prev.Close(CloseGoingAway, "superseded")
	}
	rc.emitState(StateConnecting)

	endpoint := rc.socketURL()
	rc.log.Debug().Str("endpoint", endpoint).Msg("dialing notification socket")

	dialCtx, cancel := context.WithTimeout(ctx, rc.cfg.DialTimeout)
	defer cancel()
	conn, err := rc.cfg.Transport.Dial(dialCtx, endpoint)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("connection attempt timed out after %s: %w", rc.cfg.DialTimeout, err)
		} else {
			err = fmt.Errorf("dial notification socket: %w", err)
		}
		rc.mu.Lock()
		if rc.gen != gen || rc.closed {
			rc.mu.Unlock()
			return nil
		}
		rc.state = StateError
		rc.lastErr = err
		rc.mu.Unlock()
		rc.log.Warn().Err(err).Msg("connect failed")
		rc.emitState(StateError)
		return err
	}

	rc.mu.Lock()
	if rc.gen != gen || rc.closed {
		rc.mu.Unlock()
		conn.Close(CloseNormal, "superseded")
		return nil
	}
	readCtx, cancelRead := context.WithCancel(context.Background())
	rc.conn = conn
	rc.cancelRead = cancelRead
	rc.state = StateConnected
	rc.lastErr = nil
	rc.attempts = 0
	rc.lastPong = rc.clock.Now()
	// Initial grace delay before the first ping avoids racing the handshake.
	rc.pingTimer = rc.clock.AfterFunc(rc.cfg.InitialPingDelay, func() { rc.heartbeat(gen) })
	rc.mu.Unlock()

	rc.log.Info().Str("user", rc.cfg.UserID).Msg("notification socket connected")
	rc.emitState(StateConnected)

	go rc.readLoop(readCtx, conn, gen)
	return nil
}

// Disconnect intentionally tears the client down: all timers are cancelled and
// the socket closed before it returns, so no callback fires afterwards.
// Auto-reconnect stays suppressed until the next Connect or ForceReconnect.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.closed = true
	conn := rc.conn
	rc.teardownLocked()
	rc.state = StateDisconnected
	rc.lastErr = nil
	rc.mu.Unlock()

	if conn != nil {
		conn.Close(CloseNormal, "client disconnect")
	}
	rc.log.Info().Msg("notification socket disconnected")
	rc.emitState(StateDisconnected)
	return nil
}

// ForceReconnect resets the attempt budget and the intentional-teardown flag,
// drops any existing socket, and reconnects after a short fixed delay.
func (rc *RealtimeClient) ForceReconnect() {
	rc.mu.Lock()
	rc.closed = false
	rc.attempts = 0
	rc.lastErr = nil
	conn := rc.conn
	rc.teardownLocked()
	rc.state = StateReconnecting
	gen := rc.gen
	rc.reconnectTimer = rc.clock.AfterFunc(rc.cfg.ForceReconnectDelay, func() { rc.retry(gen) })
	rc.mu.Unlock()

	if conn != nil {
		conn.Close(CloseNormal, "force reconnect")
	}
	rc.log.Info().Msg("forcing reconnect")
	rc.emitState(StateReconnecting)
}

// RequestOnlineUsers asks the server to push a fresh online_users_list frame.
func (rc *RealtimeClient) RequestOnlineUsers(ctx context.Context) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, _ := json.Marshal(Frame{Type: frameTypeGetOnlineUsers})
	return conn.WriteFrame(ctx, data)
}

// teardownLocked detaches the current socket: it bumps the generation so every
// outstanding timer and read callback becomes a no-op, cancels all timers, and
// drops the conn reference. The caller closes the conn outside the lock.
func (rc *RealtimeClient) teardownLocked() {
	rc.gen++
	if rc.pingTimer != nil {
		rc.pingTimer.Stop()
		rc.pingTimer = nil
	}
	if rc.pongTimer != nil {
		rc.pongTimer.Stop()
		rc.pongTimer = nil
	}
	if rc.reconnectTimer != nil {
		rc.reconnectTimer.Stop()
		rc.reconnectTimer = nil
	}
	if rc.cancelRead != nil {
		rc.cancelRead()
		rc.cancelRead = nil
	}
	rc.conn = nil
}

func (rc *RealtimeClient) emitState(s ConnectionState) {
	rc.dispatcher.dispatchState(s)
}

// ── Read loop ─────────────────────────────────────────────

func (rc *RealtimeClient) readLoop(ctx context.Context, conn Conn, gen int) {
	for {
		data, err := conn.ReadFrame(ctx)
		if err != nil {
			rc.mu.Lock()
			if rc.gen != gen || rc.closed {
				// Superseded or intentionally torn down; the close was
				// already handled.
				rc.mu.Unlock()
				return
			}
			rc.teardownLocked()
			rc.mu.Unlock()

			var ce *CloseError
			if !errors.As(err, &ce) {
				ce = &CloseError{Code: closeAbnormal, Reason: err.Error()}
			}
			rc.handleClose(ce)
			return
		}
		rc.handleFrame(gen, data)
	}
}

func (rc *RealtimeClient) handleFrame(gen int, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		if err == nil {
			err = errors.New("missing type discriminator")
		}
		perr := &ParseError{Frame: truncateFrame(data), Err: err}
		rc.mu.Lock()
		if rc.gen == gen {
			rc.lastErr = perr
		}
		rc.mu.Unlock()
		rc.log.Warn().Err(perr).Msg("dropping malformed frame")
		return
	}

	switch f.Type {
	case frameTypePong:
		rc.handlePong(gen)

	case frameTypeNewMessage:
		msg, ok := decodeMessageFrame(f.Payload)
		if !ok {
			// Some server paths flatten the message into the frame itself.
			var flat Message
			if json.Unmarshal(data, &flat) == nil && flat.Valid() {
				msg, ok = &flat, true
			}
		}
		if !ok {
			rc.log.Debug().Str("frame", truncateFrame(data)).Msg("dropping new_message without identity fields")
			return
		}
		rc.dispatcher.dispatchMessage(*msg)

	case frameTypeUserStatus:
		var p PresenceChange
		if json.Unmarshal(f.Payload, &p) != nil || p.UserID == "" {
			return
		}
		rc.dispatcher.dispatchPresence(p)

	case frameTypeOnlineUsers:
		var l OnlineUsersList
		if json.Unmarshal(f.Payload, &l) != nil {
			return
		}
		if l.Count == 0 {
			l.Count = len(l.OnlineUsers)
		}
		rc.dispatcher.dispatchOnlineUsers(l)

	default:
		// Unrecognized types are ignored without error.
	}
}

func truncateFrame(data []byte) string {
	const limit = 120
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}

// ── Liveness monitor ──────────────────────────────────────

func (rc *RealtimeClient) heartbeat(gen int) {
	rc.mu.Lock()
	if rc.gen != gen || rc.closed || rc.state != StateConnected {
		rc.mu.Unlock()
		return
	}
	if rc.clock.Now().Sub(rc.lastPong) > rc.cfg.StaleThreshold {
		rc.mu.Unlock()
		rc.log.Warn().Msg("no pong within staleness threshold, forcing close")
		rc.forceClose(gen, closeHeartbeatTimeout, "pong staleness exceeded")
		return
	}
	conn := rc.conn
	rc.pongTimer = rc.clock.AfterFunc(rc.cfg.PongTimeout, func() { rc.pongDeadlineExpired(gen) })
	rc.pingTimer = rc.clock.AfterFunc(rc.cfg.PingInterval, func() { rc.heartbeat(gen) })
	rc.mu.Unlock()

	data, _ := json.Marshal(Frame{Type: frameTypePing})
	ctx, cancel := context.WithTimeout(context.Background(), rc.cfg.PongTimeout)
	defer cancel()
	if err := conn.WriteFrame(ctx, data); err != nil {
		// A dead transport surfaces through the read loop; nothing to do here.
		rc.log.Debug().Err(err).Msg("ping write failed")
	}
}

func (rc *RealtimeClient) handlePong(gen int) {
	rc.mu.Lock()
	if rc.gen != gen {
		rc.mu.Unlock()
		return
	}
	rc.lastPong = rc.clock.Now()
	if rc.pongTimer != nil {
		rc.pongTimer.Stop()
		rc.pongTimer = nil
	}
	rc.mu.Unlock()
}

func (rc *RealtimeClient) pongDeadlineExpired(gen int) {
	rc.mu.Lock()
	if rc.gen != gen || rc.closed || rc.state != StateConnected {
		rc.mu.Unlock()
		return
	}
	rc.mu.Unlock()
	rc.log.Warn().Msg("pong deadline missed, forcing close")
	rc.forceClose(gen, closeHeartbeatTimeout, "pong deadline missed")
}

// forceClose tears down the current socket with the given close code and
// routes the closure through the normal close path (and so the reconnection
// policy).
func (rc *RealtimeClient) forceClose(gen, code int, reason string) {
	rc.mu.Lock()
	if rc.gen != gen || rc.closed {
		rc.mu.Unlock()
		return
	}
	conn := rc.conn
	rc.teardownLocked()
	rc.mu.Unlock()

	if conn != nil {
		conn.Close(code, reason)
	}
	rc.handleClose(&CloseError{Code: code, Reason: reason})
}

// ── Close handling and reconnection policy ────────────────

func (rc *RealtimeClient) handleClose(ce *CloseError) {
	rc.log.Info().Int("code", ce.Code).Str("reason", ce.Reason).Msg("notification socket closed")

	switch ce.Code {
	case CloseAuthRejected:
		rc.mu.Lock()
		rc.state = StateError
		rc.lastErr = fmt.Errorf("%w: %s", ErrAuthRejected, ce.Reason)
		rc.mu.Unlock()
		rc.emitState(StateError)

	case CloseNormal, CloseGoingAway:
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.lastErr = nil
		rc.mu.Unlock()
		rc.emitState(StateDisconnected)

	case CloseServerError:
		rc.mu.Lock()
		rc.lastErr = ce
		rc.mu.Unlock()
		rc.scheduleReconnect()

	default:
		rc.scheduleReconnect()
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	rc.mu.Lock()
	if rc.closed || rc.cfg.DisableReconnect {
		rc.state = StateDisconnected
		rc.mu.Unlock()
		rc.emitState(StateDisconnected)
		return
	}
	if rc.attempts >= rc.cfg.MaxReconnectAttempts {
		rc.state = StateError
		rc.lastErr = fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, rc.attempts)
		rc.mu.Unlock()
		rc.log.Error().Int("attempts", rc.cfg.MaxReconnectAttempts).Msg("giving up on reconnect")
		rc.emitState(StateError)
		return
	}
	delay := backoffDelay(rc.attempts, rc.cfg.ReconnectBaseDelay, rc.cfg.ReconnectMaxDelay)
	rc.attempts++
	attempt := rc.attempts
	rc.state = StateReconnecting
	gen := rc.gen
	rc.reconnectTimer = rc.clock.AfterFunc(delay, func() { rc.retry(gen) })
	rc.mu.Unlock()

	rc.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	rc.emitState(StateReconnecting)
}

func (rc *RealtimeClient) retry(gen int) {
	rc.mu.Lock()
	if rc.gen != gen || rc.closed {
		rc.mu.Unlock()
		return
	}
	// Leave StateReconnecting so Connect's connecting/connected no-op guard
	// does not trip.
	rc.mu.Unlock()

	if err := rc.Connect(context.Background()); err != nil {
		rc.scheduleReconnect()
	}
}
