package runtime

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/genstream/metrics"
	"github.com/pithecene-io/genstream/types"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// recordingHandler captures dispatched messages.
type recordingHandler struct {
	mu        sync.Mutex
	binary    [][]byte
	text      []string
	exhausted chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{exhausted: make(chan error, 1)}
}

func (h *recordingHandler) HandleBinary(data []byte) {
	h.mu.Lock()
	h.binary = append(h.binary, data)
	h.mu.Unlock()
}

func (h *recordingHandler) HandleText(data []byte) {
	h.mu.Lock()
	h.text = append(h.text, string(data))
	h.mu.Unlock()
}

func (h *recordingHandler) HandleExhausted(err error) {
	h.exhausted <- err
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.binary), len(h.text)
}

// holdOpen upgrades and reads until the client goes away.
func holdOpen(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// dropAbruptly upgrades and closes the TCP connection without a close frame.
func dropAbruptly(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.Close()
}

func reject(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "unavailable", http.StatusServiceUnavailable)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newTestManager(t *testing.T, url string, h MessageHandler, gate func() bool, c *metrics.Collector) *ConnectionManager {
	t.Helper()
	m, err := NewConnectionManager(ConnectionConfig{
		URL:              url,
		ReconnectDelay:   10 * time.Millisecond,
		HandshakeTimeout: time.Second,
	}, h, gate, nil, c)
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnection_DispatchesMessages(t *testing.T) {
	var session atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session.Store(r.URL.Query().Get(DefaultSessionParam))
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("j1|image/png|abc"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"job_id":"j1","status":"completed"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	h := newRecordingHandler()
	c := metrics.NewCollector("", "", "sess-1")
	m := newTestManager(t, wsURL(ts), h, nil, c)

	if err := m.Connect("sess-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "messages", func() bool {
		b, tx := h.counts()
		return b == 1 && tx == 1
	})

	if got := session.Load(); got != "sess-1" {
		t.Errorf("session param = %v, want sess-1", got)
	}
	h.mu.Lock()
	if string(h.binary[0]) != "j1|image/png|abc" {
		t.Errorf("binary = %q", h.binary[0])
	}
	if !strings.Contains(h.text[0], `"completed"`) {
		t.Errorf("text = %q", h.text[0])
	}
	h.mu.Unlock()

	st := m.State()
	if st.Phase != types.PhaseConnected || st.Attempt != 0 {
		t.Errorf("state = %+v, want connected/0", st)
	}
	if got := c.Snapshot().ConnectionsOpened; got != 1 {
		t.Errorf("ConnectionsOpened = %d, want 1", got)
	}
}

func TestConnection_ExhaustsAfterConsecutiveDialFailures(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		reject(w, r)
	}))
	t.Cleanup(ts.Close)

	h := newRecordingHandler()
	c := metrics.NewCollector("", "", "")
	m := newTestManager(t, wsURL(ts), h, nil, c)

	if err := m.Connect("sess-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var exhausted error
	select {
	case exhausted = <-h.exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exhaustion")
	}

	if !errors.Is(exhausted, ErrReconnectExhausted) {
		t.Errorf("exhausted error = %v, want ErrReconnectExhausted", exhausted)
	}
	if !IsTransportError(exhausted) {
		t.Errorf("exhausted error should carry the transport error: %v", exhausted)
	}
	if got := requests.Load(); got != DefaultMaxAttempts {
		t.Errorf("handshake requests = %d, want %d", got, DefaultMaxAttempts)
	}

	st := m.State()
	if st.Phase != types.PhaseFailed || st.Attempt != DefaultMaxAttempts {
		t.Errorf("state = %+v, want failed/%d", st, DefaultMaxAttempts)
	}
	if !errors.Is(m.LastError(), ErrReconnectExhausted) {
		t.Errorf("LastError = %v", m.LastError())
	}
	if err := m.Connect("sess-1"); !errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("Connect while failed = %v, want ErrReconnectExhausted", err)
	}

	snap := c.Snapshot()
	if snap.ReconnectExhausted != 1 {
		t.Errorf("ReconnectExhausted = %d, want 1", snap.ReconnectExhausted)
	}
	if snap.Reconnects != DefaultMaxAttempts-1 {
		t.Errorf("Reconnects = %d, want %d", snap.Reconnects, DefaultMaxAttempts-1)
	}

	m.ResetAttempts()
	st = m.State()
	if st.Phase != types.PhaseDisconnected || st.Attempt != 0 || st.LastError != "" {
		t.Errorf("state after reset = %+v", st)
	}
}

func TestConnection_AbnormalCloseCountsTowardExhaustion(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			dropAbruptly(w, r)
			return
		}
		reject(w, r)
	}))
	t.Cleanup(ts.Close)

	h := newRecordingHandler()
	m := newTestManager(t, wsURL(ts), h, nil, nil)
	if err := m.Connect("sess-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-h.exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exhaustion")
	}
	if got := requests.Load(); got != DefaultMaxAttempts {
		t.Errorf("handshake requests = %d, want %d", got, DefaultMaxAttempts)
	}
}

func TestConnection_ReconnectResetsAttempt(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			dropAbruptly(w, r)
			return
		}
		holdOpen(w, r)
	}))
	t.Cleanup(ts.Close)

	c := metrics.NewCollector("", "", "")
	m := newTestManager(t, wsURL(ts), newRecordingHandler(), nil, c)
	if err := m.Connect("sess-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, "reconnect", func() bool {
		return requests.Load() == 2 && m.State().Phase == types.PhaseConnected
	})
	if st := m.State(); st.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0 after successful reconnect", st.Attempt)
	}
	if got := c.Snapshot().Reconnects; got != 1 {
		t.Errorf("Reconnects = %d, want 1", got)
	}
}

func TestConnection_NormalClosureDoesNotReconnect(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(ts.Close)

	var mu sync.Mutex
	var phases []types.ConnectionPhase
	m := newTestManager(t, wsURL(ts), newRecordingHandler(), nil, nil)
	m.OnStateChange(func(st types.ConnectionState) {
		mu.Lock()
		phases = append(phases, st.Phase)
		mu.Unlock()
	})

	if err := m.Connect("sess-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "normal close", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) > 0 && phases[len(phases)-1] == types.PhaseDisconnected
	})

	time.Sleep(50 * time.Millisecond)
	if got := requests.Load(); got != 1 {
		t.Errorf("handshake requests = %d, want 1", got)
	}
	if st := m.State(); st.Attempt != 0 || st.LastError != "" {
		t.Errorf("state = %+v, want clean disconnect", st)
	}
}

func TestConnection_ConnectIsIdempotentWhileActive(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		holdOpen(w, r)
	}))
	t.Cleanup(ts.Close)

	m := newTestManager(t, wsURL(ts), newRecordingHandler(), nil, nil)
	for range 3 {
		if err := m.Connect("sess-1"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	waitFor(t, "connected", func() bool { return m.State().Phase == types.PhaseConnected })
	if err := m.Connect("sess-1"); err != nil {
		t.Fatalf("Connect while connected: %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("handshake requests = %d, want 1", got)
	}
}

func TestConnection_GateRefusesWithoutOutstandingJobs(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		holdOpen(w, r)
	}))
	t.Cleanup(ts.Close)

	m := newTestManager(t, wsURL(ts), newRecordingHandler(), func() bool { return false }, nil)
	if err := m.Connect("sess-1"); !errors.Is(err, ErrNoOutstandingJobs) {
		t.Fatalf("Connect = %v, want ErrNoOutstandingJobs", err)
	}
	if st := m.State(); st.Phase != types.PhaseDisconnected {
		t.Errorf("phase = %s, want disconnected", st.Phase)
	}
	if got := requests.Load(); got != 0 {
		t.Errorf("handshake requests = %d, want 0", got)
	}
}

func TestConnection_DisconnectCancelsScheduledReconnect(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		reject(w, r)
	}))
	t.Cleanup(ts.Close)

	m, err := NewConnectionManager(ConnectionConfig{
		URL:            wsURL(ts),
		ReconnectDelay: 100 * time.Millisecond,
	}, newRecordingHandler(), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	if err := m.Connect("sess-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "first failure", func() bool { return m.State().Attempt == 1 })
	m.Disconnect()

	time.Sleep(250 * time.Millisecond)
	if got := requests.Load(); got != 1 {
		t.Errorf("handshake requests = %d, want 1", got)
	}
}

func TestConnection_DisconnectClosesLiveConnection(t *testing.T) {
	closed := make(chan int, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			closed <- ce.Code
		}
	}))
	t.Cleanup(ts.Close)

	m := newTestManager(t, wsURL(ts), newRecordingHandler(), nil, nil)
	if err := m.Connect("sess-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State().Phase == types.PhaseConnected })

	m.Disconnect()
	select {
	case code := <-closed:
		if code != websocket.CloseNormalClosure {
			t.Errorf("close code = %d, want %d", code, websocket.CloseNormalClosure)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw a close frame")
	}
	if st := m.State(); st.Phase != types.PhaseDisconnected || st.Attempt != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestConnection_ClosedRefusesConnect(t *testing.T) {
	m, err := NewConnectionManager(ConnectionConfig{URL: "ws://127.0.0.1:1/ws"}, newRecordingHandler(), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Connect("sess-1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect = %v, want ErrClosed", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestNewConnectionManager_Validation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		handler MessageHandler
	}{
		{"http scheme", "http://example.com/ws", newRecordingHandler()},
		{"empty url", "", newRecordingHandler()},
		{"nil handler", "ws://example.com/ws", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewConnectionManager(ConnectionConfig{URL: tt.url}, tt.handler, nil, nil, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}
