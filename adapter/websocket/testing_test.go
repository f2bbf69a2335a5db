package websocket

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	osd "github.com/bjoelf/osd-realtime/adapter"
	"github.com/bjoelf/osd-realtime/adapter/websocket/mocktesting"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"
)

var testParams = SessionParams{StoreID: "store-1", OrganizationID: "org-1", DisplayID: "display-1"}

var testIdentity = Identity{DeviceID: "device-1", StableDeviceID: "stable-1"}

// testConfig shrinks every timer so lifecycle tests finish in milliseconds.
func testConfig(serverURL string) *osd.Config {
	cfg := osd.DefaultConfig()
	cfg.ServerURL = serverURL
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatMissLimit = 3
	cfg.ConnectTimeout = 2 * time.Second
	cfg.AuthTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.ReconnectMinDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 200 * time.Millisecond
	cfg.MaxReconnectAttempts = 10
	cfg.RotationInterval = time.Hour
	cfg.RotationRetryDelay = 20 * time.Millisecond
	cfg.MaxRotationFailures = 3
	cfg.ResyncDebounce = 0
	return cfg
}

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
}

// fakeTokens issues sequential credentials and records how it was called.
type fakeTokens struct {
	mu      sync.Mutex
	issued  int
	forced  int
	cleared int
	err     error
}

func (f *fakeTokens) GetToken(ctx context.Context, req osd.TokenRequest, forceRefresh bool) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if forceRefresh {
		f.forced++
	}
	f.issued++
	return &oauth2.Token{
		AccessToken: fmt.Sprintf("tok-%d", f.issued),
		Expiry:      time.Now().Add(24 * time.Hour),
	}, nil
}

func (f *fakeTokens) ClearToken() error {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
	return nil
}

func (f *fakeTokens) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTokens) counts() (issued, forced, cleared int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued, f.forced, f.cleared
}

// recorder is a Listener that remembers everything it was told.
type recorder struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	refreshes    int
	errors       []string
	orders       []osd.Order
	ready        []string
	served       []string
	restored     map[string]osd.OrderStatus
}

func (r *recorder) OnConnected() {
	r.mu.Lock()
	r.connected++
	r.mu.Unlock()
}

func (r *recorder) OnDisconnected() {
	r.mu.Lock()
	r.disconnected++
	r.mu.Unlock()
}

func (r *recorder) OnError(message string) {
	r.mu.Lock()
	r.errors = append(r.errors, message)
	r.mu.Unlock()
}

func (r *recorder) OnNewOrder(order osd.Order) {
	r.mu.Lock()
	r.orders = append(r.orders, order)
	r.mu.Unlock()
}

func (r *recorder) OnOrderReady(id string) {
	r.mu.Lock()
	r.ready = append(r.ready, id)
	r.mu.Unlock()
}

func (r *recorder) OnOrderServed(id string) {
	r.mu.Lock()
	r.served = append(r.served, id)
	r.mu.Unlock()
}

func (r *recorder) OnOrderRestored(id string, target osd.OrderStatus) {
	r.mu.Lock()
	if r.restored == nil {
		r.restored = make(map[string]osd.OrderStatus)
	}
	r.restored[id] = target
	r.mu.Unlock()
}

func (r *recorder) OnDataRefreshRequested() {
	r.mu.Lock()
	r.refreshes++
	r.mu.Unlock()
}

func (r *recorder) counts() (connected, disconnected, refreshes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.disconnected, r.refreshes
}

func (r *recorder) errorMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

func (r *recorder) receivedOrders() []osd.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]osd.Order(nil), r.orders...)
}

type testHarness struct {
	server *mocktesting.MockRealtimeServer
	client *Client
	tokens *fakeTokens
	rec    *recorder
}

func newHarness(t *testing.T, mutate func(*osd.Config)) *testHarness {
	t.Helper()
	server := mocktesting.NewMockRealtimeServer()
	t.Cleanup(server.Close)
	return newHarnessFor(t, server, mutate)
}

func newHarnessFor(t *testing.T, server *mocktesting.MockRealtimeServer, mutate func(*osd.Config), opts ...Option) *testHarness {
	t.Helper()
	cfg := testConfig(server.URL())
	if mutate != nil {
		mutate(cfg)
	}
	tokens := &fakeTokens{}
	client := NewClient(cfg, tokens, testIdentity, testLogger(t), opts...)
	rec := &recorder{}
	client.Subscribe(rec)
	t.Cleanup(func() { client.Close() })
	return &testHarness{server: server, client: client, tokens: tokens, rec: rec}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
