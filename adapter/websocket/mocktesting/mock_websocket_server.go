package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ReplyMode controls how the mock answers authenticate and re-authenticate.
type ReplyMode int

const (
	ReplyAccept ReplyMode = iota
	ReplyReject
	ReplySilent
)

// ReceivedEvent is one event the mock read from a client.
type ReceivedEvent struct {
	ConnID  int64
	Name    string
	Payload json.RawMessage
}

type mockConn struct {
	id            int64
	conn          *websocket.Conn
	writeMu       sync.Mutex
	authenticated bool
}

func (c *mockConn) write(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// MockRealtimeServer mimics the order backend: a Socket.IO endpoint speaking
// Engine.IO v4 over websocket, a token endpoint and an order-list endpoint.
type MockRealtimeServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conns         map[int64]*mockConn
	events        []ReceivedEvent
	authMode      ReplyMode
	reauthMode    ReplyMode
	ackHeartbeats bool
	rejectConnect bool
	pingInterval  time.Duration
	pingTimeout   time.Duration
	orders        []map[string]interface{}
	tokenTTL      time.Duration
	tokenFailures int

	connCounter   int64
	tokensIssued  atomic.Int64
	ordersFetched atomic.Int64
}

// NewMockRealtimeServer starts a plain-HTTP mock.
func NewMockRealtimeServer() *MockRealtimeServer {
	m := newMock()
	m.server = httptest.NewServer(m.routes())
	return m
}

// NewMockRealtimeTLSServer starts an HTTPS mock (wss:// for the socket).
func NewMockRealtimeTLSServer() *MockRealtimeServer {
	m := newMock()
	m.server = httptest.NewTLSServer(m.routes())
	return m
}

func newMock() *MockRealtimeServer {
	return &MockRealtimeServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:         make(map[int64]*mockConn),
		ackHeartbeats: true,
		pingInterval:  25 * time.Second,
		pingTimeout:   20 * time.Second,
		tokenTTL:      24 * time.Hour,
	}
}

func (m *MockRealtimeServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/", m.handleSocket)
	mux.HandleFunc("/token", m.handleToken)
	mux.HandleFunc("/orders", m.handleOrders)
	return mux
}

// URL is the server base URL (http:// or https://).
func (m *MockRealtimeServer) URL() string {
	return m.server.URL
}

// GetHTTPClient returns a client that trusts the test certificate.
func (m *MockRealtimeServer) GetHTTPClient() *http.Client {
	return m.server.Client()
}

// Dialer returns a websocket dialer that trusts the test certificate.
func (m *MockRealtimeServer) Dialer() *websocket.Dialer {
	d := &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if tr, ok := m.server.Client().Transport.(*http.Transport); ok {
		d.TLSClientConfig = tr.TLSClientConfig
	}
	return d
}

// Close drops every client and stops the server.
func (m *MockRealtimeServer) Close() {
	m.DropAll()
	m.server.Close()
}

func (m *MockRealtimeServer) SetAuthMode(mode ReplyMode) {
	m.mu.Lock()
	m.authMode = mode
	m.mu.Unlock()
}

func (m *MockRealtimeServer) SetReauthMode(mode ReplyMode) {
	m.mu.Lock()
	m.reauthMode = mode
	m.mu.Unlock()
}

func (m *MockRealtimeServer) SetHeartbeatAck(enabled bool) {
	m.mu.Lock()
	m.ackHeartbeats = enabled
	m.mu.Unlock()
}

// SetRejectConnect makes the namespace handshake answer CONNECT_ERROR.
func (m *MockRealtimeServer) SetRejectConnect(reject bool) {
	m.mu.Lock()
	m.rejectConnect = reject
	m.mu.Unlock()
}

// SetPing sets the Engine.IO ping interval and timeout advertised in the open packet.
func (m *MockRealtimeServer) SetPing(interval, timeout time.Duration) {
	m.mu.Lock()
	m.pingInterval = interval
	m.pingTimeout = timeout
	m.mu.Unlock()
}

// SetOrders sets what the order-list endpoint returns.
func (m *MockRealtimeServer) SetOrders(orders []map[string]interface{}) {
	m.mu.Lock()
	m.orders = orders
	m.mu.Unlock()
}

// FailTokens makes the next n token requests fail with 503.
func (m *MockRealtimeServer) FailTokens(n int) {
	m.mu.Lock()
	m.tokenFailures = n
	m.mu.Unlock()
}

// Connections reports how many sockets completed the Socket.IO connect.
func (m *MockRealtimeServer) Connections() int64 {
	return atomic.LoadInt64(&m.connCounter)
}

// ActiveConnections reports how many sockets are currently open.
func (m *MockRealtimeServer) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *MockRealtimeServer) TokensIssued() int64 {
	return m.tokensIssued.Load()
}

func (m *MockRealtimeServer) OrdersFetched() int64 {
	return m.ordersFetched.Load()
}

// Events returns every received event called name, oldest first.
func (m *MockRealtimeServer) Events(name string) []ReceivedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ReceivedEvent
	for _, e := range m.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Emit sends an event to every authenticated client.
func (m *MockRealtimeServer) Emit(name string, payload interface{}) error {
	body, err := json.Marshal([]interface{}{name, payload})
	if err != nil {
		return err
	}
	return m.broadcast("42"+string(body), true)
}

// EmitRaw sends a pre-encoded frame to every authenticated client.
func (m *MockRealtimeServer) EmitRaw(frame string) error {
	return m.broadcast(frame, true)
}

// DisconnectAll performs a server-initiated Socket.IO disconnect.
func (m *MockRealtimeServer) DisconnectAll() {
	_ = m.broadcast("41", false)
	m.DropAll()
}

// DropAll closes every socket without a goodbye.
func (m *MockRealtimeServer) DropAll() {
	m.mu.Lock()
	conns := make([]*mockConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

func (m *MockRealtimeServer) broadcast(frame string, authenticatedOnly bool) error {
	m.mu.Lock()
	conns := make([]*mockConn, 0, len(m.conns))
	for _, c := range m.conns {
		if !authenticatedOnly || c.authenticated {
			conns = append(conns, c)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.write(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MockRealtimeServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	m.mu.Lock()
	interval, timeout, reject := m.pingInterval, m.pingTimeout, m.rejectConnect
	m.mu.Unlock()

	mc := &mockConn{conn: conn}
	open, _ := json.Marshal(map[string]interface{}{
		"sid":          uuid.NewString(),
		"upgrades":     []string{},
		"pingInterval": interval.Milliseconds(),
		"pingTimeout":  timeout.Milliseconds(),
		"maxPayload":   1000000,
	})
	if err := mc.write("0" + string(open)); err != nil {
		return
	}

	// Namespace connect.
	_, data, err := conn.ReadMessage()
	if err != nil || !strings.HasPrefix(string(data), "40") {
		return
	}
	if reject {
		_ = mc.write(`44{"message":"not authorized"}`)
		return
	}
	if err := mc.write(`40{"sid":"` + uuid.NewString() + `"}`); err != nil {
		return
	}

	mc.id = atomic.AddInt64(&m.connCounter, 1)
	m.mu.Lock()
	m.conns[mc.id] = mc
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.conns, mc.id)
		m.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame := string(data)
		switch {
		case frame == "3":
		case frame == "41":
			return
		case strings.HasPrefix(frame, "42"):
			m.handleEvent(mc, frame[2:])
		}
	}
}

func (m *MockRealtimeServer) handleEvent(mc *mockConn, body string) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(body), &items); err != nil || len(items) == 0 {
		return
	}
	var name string
	if err := json.Unmarshal(items[0], &name); err != nil {
		return
	}
	var payload json.RawMessage
	if len(items) > 1 {
		payload = items[1]
	}

	m.mu.Lock()
	m.events = append(m.events, ReceivedEvent{ConnID: mc.id, Name: name, Payload: payload})
	authMode, reauthMode, ackHeartbeats := m.authMode, m.reauthMode, m.ackHeartbeats
	m.mu.Unlock()

	switch name {
	case "authenticate":
		switch authMode {
		case ReplyAccept:
			m.mu.Lock()
			mc.authenticated = true
			m.mu.Unlock()
			_ = mc.write(`42["authenticated",{"success":true}]`)
		case ReplyReject:
			_ = mc.write(`42["authentication_failed",{"message":"invalid token"}]`)
		}
	case "re-authenticate":
		switch reauthMode {
		case ReplyAccept:
			_ = mc.write(`42["re-authenticated",{"success":true}]`)
		case ReplyReject:
			_ = mc.write(`42["re-authentication_failed",{"message":"token rejected"}]`)
		}
	case "heartbeat":
		if ackHeartbeats {
			_ = mc.write(fmt.Sprintf(`42["heartbeat_ack",{"timestamp":%q}]`, time.Now().UTC().Format(time.RFC3339)))
		}
	}
}

func (m *MockRealtimeServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req["storeId"] == "" || req["storeId"] == nil {
		http.Error(w, `{"error":"storeId required"}`, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	fail := m.tokenFailures > 0
	if fail {
		m.tokenFailures--
	}
	ttl := m.tokenTTL
	m.mu.Unlock()
	if fail {
		http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	n := m.tokensIssued.Add(1)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"token":     fmt.Sprintf("mock-token-%d", n),
		"expiresAt": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

func (m *MockRealtimeServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	m.ordersFetched.Add(1)
	m.mu.Lock()
	orders := m.orders
	m.mu.Unlock()
	if orders == nil {
		orders = []map[string]interface{}{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"orders": orders})
}
