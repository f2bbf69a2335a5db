package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	osd "github.com/bjoelf/osd-realtime/adapter"
	"github.com/bjoelf/osd-realtime/adapter/metrics"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// session is the state of one store display's connection. It persists across
// reconnects and is discarded on explicit disconnect.
type session struct {
	params            SessionParams
	token             *oauth2.Token
	pendingToken      *oauth2.Token
	reconnectAttempts int
	lastConnectedAt   time.Time
	lastDisconnectAt  time.Time
	resyncOwed        bool
	rotationFailures  int
	missedHeartbeats  int
	autoReconnect     bool
	forceRefresh      bool
	exhausted         bool
}

// Option customizes a Client.
type Option func(*Client)

// WithMetrics records lifecycle counters on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDialer replaces the default websocket dialer (TLS settings, proxies, tests).
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClock replaces time.Now for timestamps and debounce decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client keeps one authenticated real-time connection alive for a store display.
//
// Every state transition runs on a single event loop goroutine. Socket
// readers, timers and credential fetches post their results onto the loop, and
// results from a superseded connection attempt are dropped by generation.
type Client struct {
	cfg      *osd.Config
	tokens   TokenSource
	identity Identity
	dialer   Dialer
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	listeners *listenerRegistry
	handler   *MessageHandler
	recovery  *RecoveryCoordinator
	timers    *scheduler
	backoff   *reconnectBackoff

	events    chan func()
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	state     atomic.Int32

	// Loop-owned.
	status        State
	sess          *session
	sock          *socketConn
	attemptCancel context.CancelFunc
	waiters       []chan error
	reachable     bool
}

// NewClient creates a client and starts its event loop. Call Close to release it.
func NewClient(cfg *osd.Config, tokens TokenSource, identity Identity, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:       cfg,
		tokens:    tokens,
		identity:  identity,
		dialer:    defaultDialer(),
		logger:    logger.Named("realtime"),
		now:       time.Now,
		events:    make(chan func(), 256),
		stop:      make(chan struct{}),
		reachable: true,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.listeners = newListenerRegistry(c.logger)
	c.handler = NewMessageHandler(identity.DeviceID, c.listeners, c.metrics, c.logger)
	c.handler.now = c.now
	c.recovery = NewRecoveryCoordinator(cfg.ResyncDebounce, c.fireResync, c.logger)
	c.recovery.now = c.now
	c.timers = newScheduler(c.post)
	c.backoff = newReconnectBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMinDelay, cfg.ReconnectMaxDelay)

	c.wg.Add(1)
	go c.loop()
	return c
}

func (c *Client) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		select {
		case <-c.stop:
			return
		case fn := <-c.events:
			c.run(fn)
		}
	}
}

func (c *Client) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("Recovered from panic in event loop",
				zap.String("function", "run"),
				zap.Any("panic", rec))
		}
	}()
	fn()
}

// post queues fn on the loop. It reports false once the client is closed.
func (c *Client) post(fn func()) bool {
	select {
	case <-c.stop:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.stop:
		return false
	}
}

// query runs fn on the loop and waits for it.
func (c *Client) query(fn func()) bool {
	done := make(chan struct{})
	if !c.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.stop:
		return false
	}
}

func (c *Client) await(ctx context.Context, result chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrClientClosed
	}
}

// Subscribe registers l and returns a function that removes it.
func (c *Client) Subscribe(l Listener) func() {
	id := c.listeners.add(l)
	return func() { c.listeners.remove(id) }
}

// State returns the current connection state without touching the loop.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Snapshot returns a consistent copy of the session.
func (c *Client) Snapshot() Snapshot {
	var snap Snapshot
	c.query(func() {
		snap = Snapshot{
			State:            c.status,
			HasSocket:        c.sock != nil,
			Generation:       c.timers.generation,
			ReconnectPending: c.timers.pending(timerReconnect),
			Reachable:        c.reachable,
		}
		if s := c.sess; s != nil {
			snap.HasSession = true
			snap.Params = s.params
			snap.ReconnectAttempts = s.reconnectAttempts
			snap.Exhausted = s.exhausted
			snap.ResyncOwed = s.resyncOwed
			snap.RotationFailures = s.rotationFailures
			snap.LastConnectedAt = s.lastConnectedAt
			snap.LastDisconnectAt = s.lastDisconnectAt
			if s.token != nil {
				snap.TokenExpiry = s.token.Expiry
			}
		}
	})
	return snap
}

// Connect opens an authenticated session for params and reconnects
// automatically after any later failure. It returns once the server has
// accepted the credential, or with the reason the first attempt failed.
func (c *Client) Connect(ctx context.Context, params SessionParams) error {
	return c.connect(ctx, params, true)
}

// ConnectOnce is Connect without automatic reconnection, for startup
// sequences that retry on their own. EnableAutoReconnect hands over to the
// steady-state policy.
func (c *Client) ConnectOnce(ctx context.Context, params SessionParams) error {
	return c.connect(ctx, params, false)
}

func (c *Client) connect(ctx context.Context, params SessionParams, auto bool) error {
	result := make(chan error, 1)
	if !c.post(func() { c.handleConnect(params, auto, result) }) {
		return ErrClientClosed
	}
	return c.await(ctx, result)
}

// EnableAutoReconnect switches the session to steady-state reconnection and
// schedules an attempt if it is currently down.
func (c *Client) EnableAutoReconnect() {
	c.post(func() {
		s := c.sess
		if s == nil || s.autoReconnect {
			return
		}
		s.autoReconnect = true
		if c.status == StateDisconnected && c.sock == nil {
			c.scheduleReconnect()
		}
	})
}

// Reconnect tears down any current socket and starts over with a fresh
// reconnect budget.
func (c *Client) Reconnect(ctx context.Context) error {
	result := make(chan error, 1)
	if !c.post(func() {
		s := c.sess
		if s == nil {
			result <- ErrNoSession
			return
		}
		c.logger.Info("Manual reconnect",
			zap.String("function", "Reconnect"),
			zap.String("store_id", s.params.StoreID))
		c.resetAttempts()
		s.autoReconnect = true
		c.waiters = append(c.waiters, result)
		c.startConnect()
	}) {
		return ErrClientClosed
	}
	return c.await(ctx, result)
}

// Disconnect ends the session on purpose. Nothing reconnects afterwards.
func (c *Client) Disconnect() {
	c.query(c.handleDisconnect)
}

// RequestResync asks listeners for a full data refresh, subject to the
// debounce window. It reports whether the refresh was issued.
func (c *Client) RequestResync() bool {
	var fired bool
	c.query(func() { fired = c.recovery.Request("requested") })
	return fired
}

// SetReachable tells the client whether the server can currently be reached.
// While unreachable no reconnect is scheduled; regaining reachability after a
// failure reconnects immediately with a fresh budget.
func (c *Client) SetReachable(reachable bool) {
	c.post(func() { c.handleReachability(reachable) })
}

// Close disconnects, stops the event loop and waits for every goroutine.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.query(c.handleDisconnect)
		close(c.stop)
		c.wg.Wait()
	})
	return nil
}

func (c *Client) setStatus(state State) {
	if c.status == state {
		return
	}
	c.logger.Debug("State change",
		zap.String("function", "setStatus"),
		zap.Stringer("from", c.status),
		zap.Stringer("to", state))
	c.status = state
	c.state.Store(int32(state))
	c.metrics.SetState(int(state))
}

func (c *Client) resolveWaiters(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

func (c *Client) resetAttempts() {
	if c.sess != nil {
		c.sess.reconnectAttempts = 0
		c.sess.exhausted = false
	}
	c.backoff.reset()
}

func (c *Client) tokenRequest() osd.TokenRequest {
	return osd.TokenRequest{
		StoreID:        c.sess.params.StoreID,
		DeviceID:       c.identity.DeviceID,
		OrganizationID: c.sess.params.OrganizationID,
		DeviceType:     osd.DeviceType,
		DisplayID:      c.sess.params.DisplayID,
	}
}

func (c *Client) handleConnect(params SessionParams, auto bool, result chan error) {
	if c.sess != nil && c.status == StateAuthenticated && c.sess.params.StoreID == params.StoreID {
		c.logger.Debug("Already authenticated for store",
			zap.String("function", "handleConnect"),
			zap.String("store_id", params.StoreID))
		c.listeners.connected()
		result <- nil
		return
	}

	if c.sess == nil || c.sess.params != params {
		if c.sess != nil {
			c.logger.Info("Switching store",
				zap.String("function", "handleConnect"),
				zap.String("from", c.sess.params.StoreID),
				zap.String("to", params.StoreID))
		}
		c.sess = &session{params: params}
	}
	c.sess.autoReconnect = auto
	c.resetAttempts()
	c.waiters = append(c.waiters, result)
	c.startConnect()
}

// startConnect abandons whatever the previous attempt was doing and begins a
// new one: credential, dial, handshake, authenticate.
func (c *Client) startConnect() {
	if c.closeSocket() && c.status == StateAuthenticated {
		c.sess.resyncOwed = true
		c.sess.lastDisconnectAt = c.now()
		c.metrics.Disconnected(reasonClientDisconnect)
		c.listeners.disconnected()
	}
	if c.attemptCancel != nil {
		c.attemptCancel()
	}
	gen := c.timers.advance()
	c.setStatus(StateConnecting)

	s := c.sess
	force := s.forceRefresh
	req := c.tokenRequest()
	ctx, cancel := context.WithCancel(context.Background())
	c.attemptCancel = cancel

	c.logger.Info("Connecting",
		zap.String("function", "startConnect"),
		zap.String("store_id", s.params.StoreID),
		zap.Uint64("generation", gen),
		zap.Int("attempt", s.reconnectAttempts),
		zap.Bool("force_token_refresh", force))

	c.timers.schedule(timerConnect, c.cfg.ConnectTimeout, func() {
		c.failAttempt(gen, ErrConnectTimeout)
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		tok, err := c.tokens.GetToken(ctx, req, force)
		if err != nil {
			c.post(func() { c.failAttempt(gen, err) })
			return
		}
		sock, err := openSocket(ctx, c.dialer, c.cfg.ServerURL, gen, c.cfg.WriteTimeout, c.logger)
		if !c.post(func() { c.handleSocketOpen(gen, tok, sock, err) }) && sock != nil {
			sock.close()
		}
	}()
}

func (c *Client) handleSocketOpen(gen uint64, tok *oauth2.Token, sock *socketConn, err error) {
	if gen != c.timers.generation || c.sess == nil {
		if sock != nil {
			sock.close()
		}
		return
	}
	if err != nil {
		c.failAttempt(gen, err)
		return
	}

	c.sock = sock
	c.sess.token = tok
	c.sess.forceRefresh = false

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sock.readLoop(
			func(p *packet) { c.post(func() { c.handlePacket(gen, p) }) },
			func(reason string) { c.post(func() { c.handleSocketClosed(gen, reason, false) }) },
		)
	}()

	c.setStatus(StateAwaitingAuthentication)
	payload := authenticatePayload{
		DeviceID:       c.identity.DeviceID,
		StoreID:        c.sess.params.StoreID,
		OrganizationID: c.sess.params.OrganizationID,
		DisplayID:      c.sess.params.DisplayID,
		Token:          tok.AccessToken,
		Type:           clientType,
		StableDeviceID: c.identity.StableDeviceID,
	}
	if err := sock.emit(emitAuthenticate, payload); err != nil {
		c.failAttempt(gen, err)
		return
	}
	c.timers.schedule(timerAuth, c.cfg.AuthTimeout, func() {
		c.failAttempt(gen, ErrAuthenticationTimeout)
	})
}

// failAttempt ends a connection attempt that never reached Authenticated.
func (c *Client) failAttempt(gen uint64, err error) {
	if gen != c.timers.generation || c.sess == nil || c.status == StateAuthenticated {
		return
	}

	if errors.Is(err, osd.ErrNoUsableCredential) {
		c.logger.Error("No usable credential",
			zap.String("function", "failAttempt"),
			zap.Error(err))
		c.listeners.error(err.Error())
	} else {
		c.logger.Warn("Connection attempt failed",
			zap.String("function", "failAttempt"),
			zap.Uint64("generation", gen),
			zap.Error(err))
	}

	c.closeSocket()
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	c.timers.cancel(timerConnect, timerAuth)
	c.sess.resyncOwed = true
	c.sess.lastDisconnectAt = c.now()
	c.setStatus(StateDisconnected)
	c.resolveWaiters(err)
	c.scheduleReconnect()
}

func (c *Client) handlePacket(gen uint64, p *packet) {
	if gen != c.timers.generation || c.sock == nil {
		return
	}

	switch p.Socket {
	case socketEvent:
	case socketConnectError:
		c.logger.Warn("Server rejected namespace",
			zap.String("function", "handlePacket"),
			zap.String("message", errorMessage(p.Data)))
		c.dropSocket(reasonConnectError, false)
		return
	default:
		return
	}

	ev, err := p.event()
	if err != nil {
		c.logger.Warn("Dropping malformed event",
			zap.String("function", "handlePacket"),
			zap.Error(err))
		return
	}
	if isControlEvent(ev.Name) {
		c.metrics.Event(ev.Name)
	}

	switch ev.Name {
	case eventAuthenticated:
		c.handleAuthenticated(gen)
	case eventAuthenticationFailed:
		c.handleAuthenticationFailed(gen, errorMessage(ev.Arg()))
	case eventReauthenticated:
		c.handleReauthenticated()
	case eventReauthenticationFailed:
		c.timers.cancel(timerRotationResponse)
		c.rotationFailed(errorMessage(ev.Arg()))
	case eventHeartbeatAck:
		c.handleHeartbeatAck()
	default:
		if !c.handler.Dispatch(ev.Name, ev.Arg(), c.emit) {
			c.logger.Debug("Ignoring unknown event",
				zap.String("function", "handlePacket"),
				zap.String("event", ev.Name))
		}
	}
}

func (c *Client) emit(name string, payload interface{}) error {
	if c.sock == nil {
		return ErrNotConnected
	}
	return c.sock.emit(name, payload)
}

func (c *Client) handleAuthenticated(gen uint64) {
	if c.status != StateAwaitingAuthentication {
		c.logger.Debug("Ignoring duplicate authenticated",
			zap.String("function", "handleAuthenticated"),
			zap.Stringer("state", c.status))
		return
	}
	s := c.sess
	c.timers.cancel(timerConnect, timerAuth)
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	c.resetAttempts()
	s.autoReconnect = true
	s.rotationFailures = 0
	s.missedHeartbeats = 0
	s.lastConnectedAt = c.now()
	c.setStatus(StateAuthenticated)

	c.logger.Info("Authenticated",
		zap.String("function", "handleAuthenticated"),
		zap.String("store_id", s.params.StoreID),
		zap.Uint64("generation", gen),
		zap.Bool("resync_owed", s.resyncOwed))

	c.scheduleHeartbeat()
	c.scheduleRotation(c.cfg.RotationInterval)
	c.metrics.Connected()
	c.listeners.connected()
	c.resolveWaiters(nil)

	if s.resyncOwed {
		c.recovery.Request("reconnected")
	}
}

func (c *Client) handleAuthenticationFailed(gen uint64, message string) {
	if c.status != StateAwaitingAuthentication {
		return
	}
	c.logger.Warn("Authentication rejected",
		zap.String("function", "handleAuthenticationFailed"),
		zap.String("message", message))

	if err := c.tokens.ClearToken(); err != nil {
		c.logger.Warn("Failed to clear rejected credential",
			zap.String("function", "handleAuthenticationFailed"),
			zap.Error(err))
	}
	c.sess.forceRefresh = true
	c.listeners.error(fmt.Sprintf("authentication failed: %s", message))
	c.failAttempt(gen, fmt.Errorf("%w: %s", ErrAuthenticationFailed, message))
}

// dropSocket closes the live socket from our side and runs the disconnect path.
func (c *Client) dropSocket(reason string, reconnectNow bool) {
	if c.sock == nil {
		return
	}
	gen := c.timers.generation
	if c.status != StateAuthenticated {
		c.failAttempt(gen, errors.New(reason))
		return
	}
	c.handleSocketClosed(gen, reason, reconnectNow)
}

func (c *Client) handleSocketClosed(gen uint64, reason string, reconnectNow bool) {
	if gen != c.timers.generation || c.sock == nil || c.sess == nil {
		return
	}
	if c.status != StateAuthenticated {
		c.failAttempt(gen, fmt.Errorf("%w: %s", ErrDisconnected, reason))
		return
	}

	s := c.sess
	c.closeSocket()
	c.timers.cancel(timerHeartbeat, timerRotation, timerRotationResponse, timerConnect, timerAuth)
	s.resyncOwed = true
	s.pendingToken = nil
	s.lastDisconnectAt = c.now()
	c.setStatus(StateDisconnected)

	c.logger.Warn("Disconnected",
		zap.String("function", "handleSocketClosed"),
		zap.String("reason", reason),
		zap.String("store_id", s.params.StoreID))
	c.metrics.Disconnected(reason)
	c.listeners.disconnected()

	if reconnectNow && s.autoReconnect && c.reachable {
		c.resetAttempts()
		c.startConnect()
		return
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	s := c.sess
	if s == nil || !s.autoReconnect {
		c.setStatus(StateDisconnected)
		return
	}
	if !c.reachable {
		c.setStatus(StateDisconnected)
		c.logger.Info("Server unreachable, reconnect suspended",
			zap.String("function", "scheduleReconnect"))
		return
	}
	if s.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		s.exhausted = true
		c.setStatus(StateDisconnected)
		c.logger.Error("Reconnect attempts exhausted",
			zap.String("function", "scheduleReconnect"),
			zap.Int("attempts", s.reconnectAttempts))
		c.listeners.error(fmt.Sprintf("%s after %d attempts", ErrReconnectBudgetExhausted, s.reconnectAttempts))
		c.resolveWaiters(ErrReconnectBudgetExhausted)
		return
	}

	delay := c.backoff.next()
	s.reconnectAttempts++
	c.setStatus(StateReconnecting)
	c.metrics.ReconnectScheduled()
	c.logger.Info("Reconnect scheduled",
		zap.String("function", "scheduleReconnect"),
		zap.Int("attempt", s.reconnectAttempts),
		zap.Int("max_attempts", c.cfg.MaxReconnectAttempts),
		zap.Duration("delay", delay))

	c.timers.schedule(timerReconnect, delay, c.startConnect)
}

func (c *Client) handleDisconnect() {
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	c.timers.advance()
	wasAuthenticated := c.status == StateAuthenticated
	hadSocket := c.closeSocket()
	c.resolveWaiters(ErrDisconnected)
	if c.sess != nil {
		c.logger.Info("Disconnected by request",
			zap.String("function", "handleDisconnect"),
			zap.String("store_id", c.sess.params.StoreID))
	}
	c.sess = nil
	c.setStatus(StateDisconnected)
	if hadSocket {
		c.metrics.Disconnected(reasonClientDisconnect)
	}
	if wasAuthenticated {
		c.listeners.disconnected()
	}
}

// closeSocket releases the current socket, if any. The reader's close report
// is ignored because c.sock no longer matches.
func (c *Client) closeSocket() bool {
	if c.sock == nil {
		return false
	}
	sock := c.sock
	c.sock = nil
	sock.close()
	return true
}

func (c *Client) handleReachability(reachable bool) {
	if c.reachable == reachable {
		return
	}
	c.reachable = reachable
	c.logger.Info("Reachability changed",
		zap.String("function", "handleReachability"),
		zap.Bool("reachable", reachable))

	if !reachable {
		if c.timers.pending(timerReconnect) {
			c.timers.cancel(timerReconnect)
			c.setStatus(StateDisconnected)
		}
		return
	}

	s := c.sess
	if s == nil || !s.autoReconnect || c.sock != nil {
		return
	}
	if c.status == StateDisconnected || c.status == StateReconnecting {
		c.resetAttempts()
		c.startConnect()
	}
}

func (c *Client) scheduleHeartbeat() {
	c.timers.schedule(timerHeartbeat, c.cfg.HeartbeatInterval, c.sendHeartbeat)
}

func (c *Client) sendHeartbeat() {
	s := c.sess
	if c.status != StateAuthenticated || c.sock == nil || s == nil {
		return
	}
	if limit := c.cfg.HeartbeatMissLimit; limit > 0 && s.missedHeartbeats >= limit {
		c.logger.Warn("Heartbeats unanswered",
			zap.String("function", "sendHeartbeat"),
			zap.Int("missed", s.missedHeartbeats))
		c.dropSocket(reasonHeartbeatTimeout, false)
		return
	}

	hb := heartbeatPayload{
		Timestamp: isoTimestamp(c.now()),
		DeviceID:  c.identity.DeviceID,
		StoreID:   s.params.StoreID,
		Type:      "osd_heartbeat",
	}
	if err := c.sock.emit(emitHeartbeat, hb); err != nil {
		c.logger.Warn("Failed to send heartbeat",
			zap.String("function", "sendHeartbeat"),
			zap.Error(err))
	}
	s.missedHeartbeats++
	c.scheduleHeartbeat()
}

func (c *Client) handleHeartbeatAck() {
	s := c.sess
	if s == nil {
		return
	}
	s.missedHeartbeats = 0
	if s.resyncOwed && c.status == StateAuthenticated {
		c.recovery.Request("heartbeat_ack")
	}
}

func (c *Client) fireResync() {
	c.metrics.Resynced()
	c.listeners.dataRefreshRequested()
	if c.sess != nil {
		c.sess.resyncOwed = false
	}
}

func (c *Client) scheduleRotation(d time.Duration) {
	c.timers.schedule(timerRotation, d, c.rotateCredential)
}

// rotateCredential fetches a fresh credential and presents it over the live
// socket without reconnecting.
func (c *Client) rotateCredential() {
	if c.status != StateAuthenticated || c.sock == nil {
		return
	}
	gen := c.timers.generation
	req := c.tokenRequest()
	c.logger.Info("Rotating credential",
		zap.String("function", "rotateCredential"),
		zap.String("rotation_id", generateHumanReadableID("rotate", gen)))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AuthTimeout)
		defer cancel()
		tok, err := c.tokens.GetToken(ctx, req, true)
		c.post(func() { c.handleRotationToken(gen, tok, err) })
	}()
}

func (c *Client) handleRotationToken(gen uint64, tok *oauth2.Token, err error) {
	if gen != c.timers.generation || c.status != StateAuthenticated || c.sock == nil {
		return
	}
	if err != nil {
		c.rotationFailed(fmt.Sprintf("credential unavailable: %v", err))
		return
	}

	s := c.sess
	s.pendingToken = tok
	payload := reauthenticatePayload{
		Token:          tok.AccessToken,
		DeviceID:       c.identity.DeviceID,
		StoreID:        s.params.StoreID,
		OrganizationID: s.params.OrganizationID,
		Type:           clientType,
	}
	if err := c.sock.emit(emitReauthenticate, payload); err != nil {
		c.rotationFailed(err.Error())
		return
	}
	c.timers.schedule(timerRotationResponse, c.cfg.AuthTimeout, func() {
		c.rotationFailed("no response to re-authenticate")
	})
}

func (c *Client) handleReauthenticated() {
	s := c.sess
	if s == nil || c.status != StateAuthenticated {
		return
	}
	c.timers.cancel(timerRotationResponse)
	if s.pendingToken != nil {
		s.token = s.pendingToken
		s.pendingToken = nil
	}
	s.rotationFailures = 0
	c.metrics.Rotation("success")
	c.logger.Info("Credential rotated",
		zap.String("function", "handleReauthenticated"),
		zap.Time("expiry", s.token.Expiry))
	c.scheduleRotation(c.cfg.RotationInterval)
}

func (c *Client) rotationFailed(reason string) {
	s := c.sess
	if s == nil || c.status != StateAuthenticated {
		return
	}
	s.pendingToken = nil
	s.rotationFailures++
	c.metrics.Rotation("failure")
	c.logger.Warn("Credential rotation failed",
		zap.String("function", "rotationFailed"),
		zap.String("reason", reason),
		zap.Int("failures", s.rotationFailures),
		zap.Int("max_failures", c.cfg.MaxRotationFailures))

	if s.rotationFailures < c.cfg.MaxRotationFailures {
		c.scheduleRotation(c.cfg.RotationRetryDelay)
		return
	}

	s.rotationFailures = 0
	if err := c.tokens.ClearToken(); err != nil {
		c.logger.Warn("Failed to clear credential",
			zap.String("function", "rotationFailed"),
			zap.Error(err))
	}
	s.forceRefresh = true
	c.dropSocket(reasonRotationFailed, true)
}
