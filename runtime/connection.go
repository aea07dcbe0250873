package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/genstream/iox"
	"github.com/pithecene-io/genstream/ipc"
	"github.com/pithecene-io/genstream/log"
	"github.com/pithecene-io/genstream/metrics"
	"github.com/pithecene-io/genstream/types"
)

// Connection defaults.
const (
	DefaultSessionParam     = "firebaseId"
	DefaultMaxAttempts      = 5
	DefaultReconnectDelay   = 3 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	// ErrReconnectExhausted is recorded once MaxAttempts consecutive abnormal
	// closures have occurred. Connect refuses until ResetAttempts.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrNoOutstandingJobs is returned by Connect when nothing awaits delivery.
	ErrNoOutstandingJobs = errors.New("no outstanding jobs")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("connection manager closed")
)

// TransportError wraps a dial or read failure on the result stream.
// It is never returned from Connect; it surfaces as ConnectionState.LastError.
type TransportError struct {
	// Op is "dial" or "read".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError returns true if err is a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ConnectionConfig configures the result stream connection.
type ConnectionConfig struct {
	// URL is the ws:// or wss:// stream endpoint (required).
	URL string
	// SessionParam is the query parameter carrying the session id.
	SessionParam string
	// Headers are added to the handshake request.
	Headers map[string]string
	// MaxAttempts is the consecutive abnormal closure limit (default 5).
	MaxAttempts int
	// ReconnectDelay is the fixed delay before a reconnect (default 3s).
	ReconnectDelay time.Duration
	// HandshakeTimeout bounds the dial (default 10s).
	HandshakeTimeout time.Duration
	// ReadLimit caps a single message. Defaults to the frame size limit plus
	// the header window.
	ReadLimit int64
}

func (c *ConnectionConfig) applyDefaults() {
	if c.SessionParam == "" {
		c.SessionParam = DefaultSessionParam
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = int64(ipc.MaxFrameSize + ipc.HeaderWindow)
	}
}

// MessageHandler receives inbound messages from the read loop.
// Calls are sequential per connection. HandleExhausted is called once when
// the reconnect budget runs out.
type MessageHandler interface {
	HandleBinary(data []byte)
	HandleText(data []byte)
	HandleExhausted(err error)
}

// ConnectionManager owns the single result stream connection of a session:
// dial, read loop dispatch and bounded fixed-delay reconnect.
type ConnectionManager struct {
	cfg       ConnectionConfig
	handler   MessageHandler
	gate      func() bool
	dialer    *websocket.Dialer
	logger    *log.Logger
	collector *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     types.ConnectionState
	lastErr   error
	sessionID string
	gen       uint64 // bumped on every connect or teardown; stale loops compare it
	conn      *websocket.Conn
	timer     *time.Timer
	closed    bool
	listeners []func(types.ConnectionState)
}

// NewConnectionManager creates a connection manager.
//
// gate reports whether any job still awaits delivery; Connect and scheduled
// reconnects are skipped when it returns false. A nil gate always allows.
func NewConnectionManager(
	cfg ConnectionConfig,
	handler MessageHandler,
	gate func() bool,
	logger *log.Logger,
	collector *metrics.Collector,
) (*ConnectionManager, error) {
	if handler == nil {
		return nil, errors.New("connection manager requires a message handler")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stream URL must be ws:// or wss://, got %q", cfg.URL)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = log.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		cfg:     cfg,
		handler: handler,
		gate:    gate,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:    logger,
		collector: collector,
		ctx:       ctx,
		cancel:    cancel,
		state:     types.ConnectionState{Phase: types.PhaseDisconnected},
	}, nil
}

// OnStateChange registers a listener for connection state changes.
// Listeners run outside the manager lock and may be invoked concurrently.
func (m *ConnectionManager) OnStateChange(fn func(types.ConnectionState)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *ConnectionManager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error behind the current state, if any.
// After exhaustion it wraps ErrReconnectExhausted.
func (m *ConnectionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect starts a connection for sessionID. The dial runs asynchronously;
// transport failures surface only through state changes.
//
// Returns nil when already connecting or connected. Refuses with
// ErrNoOutstandingJobs, ErrReconnectExhausted (while Failed) or ErrClosed.
func (m *ConnectionManager) Connect(sessionID string) error {
	if m.gate != nil && !m.gate() {
		return ErrNoOutstandingJobs
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.state.IsActive():
		m.mu.Unlock()
		return nil
	case m.state.Phase == types.PhaseFailed:
		m.mu.Unlock()
		return ErrReconnectExhausted
	}
	m.stopTimerLocked()
	m.sessionID = sessionID
	m.gen++
	gen := m.gen
	st := m.setStateLocked(types.PhaseConnecting, m.state.Attempt, m.lastErr)
	m.wg.Add(1)
	m.mu.Unlock()

	m.emit(st)
	go m.run(gen, sessionID)
	return nil
}

// ResetAttempts clears the consecutive failure count and leaves the Failed
// phase so Connect is accepted again.
func (m *ConnectionManager) ResetAttempts() {
	m.mu.Lock()
	if m.state.Attempt == 0 && m.state.Phase != types.PhaseFailed {
		m.mu.Unlock()
		return
	}
	phase := m.state.Phase
	if phase == types.PhaseFailed {
		phase = types.PhaseDisconnected
	}
	st := m.setStateLocked(phase, 0, nil)
	m.mu.Unlock()
	m.emit(st)
}

// Disconnect closes the current connection with a normal closure and
// cancels any scheduled reconnect. It does not wait for the read loop and
// is safe to call from a MessageHandler. A Failed state is kept.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	conn := m.conn
	m.conn = nil
	var st types.ConnectionState
	changed := m.state.IsActive()
	if changed {
		st = m.setStateLocked(types.PhaseDisconnected, m.state.Attempt, nil)
	}
	m.mu.Unlock()

	if conn != nil {
		closeNormal(conn)
		m.logger.Info("stream disconnected", nil)
	}
	if changed {
		m.emit(st)
	}
}

// Close tears the manager down and waits for the read loop to exit.
// Must not be called from a MessageHandler.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	m.stopTimerLocked()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		closeNormal(conn)
	}
	m.wg.Wait()
	return nil
}

// run dials and, on success, reads until the connection ends.
func (m *ConnectionManager) run(gen uint64, sessionID string) {
	defer m.wg.Done()

	conn, err := m.dial(sessionID)
	if err != nil {
		m.handleClose(gen, &TransportError{Op: "dial", Err: err})
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		closeNormal(conn)
		return
	}
	m.conn = conn
	st := m.setStateLocked(types.PhaseConnected, 0, nil)
	m.mu.Unlock()

	m.collector.IncConnectionsOpened()
	m.logger.Info("stream connected", map[string]any{"url": m.cfg.URL})
	m.emit(st)

	m.readLoop(gen, conn)
}

func (m *ConnectionManager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			m.handler.HandleBinary(data)
		case websocket.TextMessage:
			m.handler.HandleText(data)
		}
	}
}

// handleClose classifies the end of connection gen and schedules a
// reconnect, or gives up after MaxAttempts consecutive abnormal closures.
func (m *ConnectionManager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		// Closed by us, or superseded by a newer connect.
		m.mu.Unlock()
		return
	}
	m.conn = nil

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		st := m.setStateLocked(types.PhaseDisconnected, m.state.Attempt, nil)
		m.mu.Unlock()
		m.logger.Info("stream closed normally", nil)
		m.emit(st)
		return
	}

	if !IsTransportError(err) {
		err = &TransportError{Op: "read", Err: err}
	}
	attempt := m.state.Attempt + 1

	if attempt >= m.cfg.MaxAttempts {
		exhausted := fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempt, err)
		st := m.setStateLocked(types.PhaseFailed, attempt, exhausted)
		m.mu.Unlock()

		m.collector.IncReconnectExhausted()
		m.logger.Error("stream reconnect exhausted", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		m.emit(st)
		m.handler.HandleExhausted(exhausted)
		return
	}

	st := m.setStateLocked(types.PhaseDisconnected, attempt, err)
	m.timer = time.AfterFunc(m.cfg.ReconnectDelay, func() { m.retry(gen) })
	m.mu.Unlock()

	m.logger.Warn("stream closed abnormally, reconnect scheduled", map[string]any{
		"attempt":      attempt,
		"max_attempts": m.cfg.MaxAttempts,
		"delay_ms":     m.cfg.ReconnectDelay.Milliseconds(),
		"error":        err.Error(),
	})
	m.emit(st)
}

// retry runs when the reconnect timer for gen fires.
func (m *ConnectionManager) retry(gen uint64) {
	if m.gate != nil && !m.gate() {
		m.logger.Debug("reconnect skipped, nothing outstanding", nil)
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.gen++
	next := m.gen
	sessionID := m.sessionID
	st := m.setStateLocked(types.PhaseConnecting, m.state.Attempt, m.lastErr)
	m.wg.Add(1)
	m.mu.Unlock()

	m.collector.IncReconnects()
	m.emit(st)
	go m.run(next, sessionID)
}

func (m *ConnectionManager) dial(sessionID string) (*websocket.Conn, error) {
	endpoint, err := m.endpoint(sessionID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	for k, v := range m.cfg.Headers {
		header.Set(k, v)
	}

	conn, resp, err := m.dialer.DialContext(m.ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		iox.DrainClose(resp.Body)
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	conn.SetReadLimit(m.cfg.ReadLimit)
	return conn, nil
}

func (m *ConnectionManager) endpoint(sessionID string) (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(m.cfg.SessionParam, sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *ConnectionManager) setStateLocked(phase types.ConnectionPhase, attempt int, err error) types.ConnectionState {
	m.lastErr = err
	m.state = types.ConnectionState{Phase: phase, Attempt: attempt}
	if err != nil {
		m.state.LastError = err.Error()
	}
	return m.state
}

func (m *ConnectionManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *ConnectionManager) emit(st types.ConnectionState) {
	m.mu.Lock()
	listeners := append([]func(types.ConnectionState){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
