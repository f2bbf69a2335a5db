package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dialer opens the raw websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

func defaultDialer() *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
}

// socketConn is one Socket.IO session over a single websocket. Reads happen on
// the reader goroutine only; writes are serialized by writeMu.
type socketConn struct {
	conn         *websocket.Conn
	generation   uint64
	attemptID    string
	sid          string
	pingInterval time.Duration
	pingTimeout  time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closing   chan struct{}
}

// openSocket dials serverURL and completes the Engine.IO open and Socket.IO
// connect handshake. The returned socket is ready to emit.
func openSocket(ctx context.Context, dialer Dialer, serverURL string, generation uint64, writeTimeout time.Duration, logger *zap.Logger) (*socketConn, error) {
	wsURL, err := buildSocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	attemptID := generateHumanReadableID("connect", generation)
	logger = logger.With(zap.String("attempt_id", attemptID))

	logger.Debug("Dialing socket",
		zap.String("function", "openSocket"),
		zap.String("url", wsURL))

	headers := http.Header{}
	headers.Set("User-Agent", "osd-realtime/1.0")

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			logger.Warn("Socket handshake rejected",
				zap.String("function", "openSocket"),
				zap.Int("status", resp.StatusCode))
		}
		return nil, fmt.Errorf("failed to dial socket: %w", err)
	}

	s := &socketConn{
		conn:         conn,
		generation:   generation,
		attemptID:    attemptID,
		writeTimeout: writeTimeout,
		logger:       logger,
		closing:      make(chan struct{}),
	}

	// Abort a blocked handshake read when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	err = s.handshake()
	if !stop() || err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("socket handshake aborted: %w", ctx.Err())
		}
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	logger.Info("Socket open",
		zap.String("function", "openSocket"),
		zap.String("sid", s.sid),
		zap.Duration("ping_interval", s.pingInterval),
		zap.Duration("ping_timeout", s.pingTimeout))
	return s, nil
}

func (s *socketConn) handshake() error {
	p, err := s.readPacket()
	if err != nil {
		return fmt.Errorf("failed to read open packet: %w", err)
	}
	if p.Engine != engineOpen {
		return fmt.Errorf("unexpected first packet type %q", p.Engine)
	}
	var open openPayload
	if err := json.Unmarshal(p.Data, &open); err != nil {
		return fmt.Errorf("failed to decode open packet: %w", err)
	}
	s.sid = open.SID
	s.pingInterval = time.Duration(open.PingInterval) * time.Millisecond
	s.pingTimeout = time.Duration(open.PingTimeout) * time.Millisecond

	if err := s.writeFrame(connectFrame); err != nil {
		return fmt.Errorf("failed to send namespace connect: %w", err)
	}

	for {
		p, err := s.readPacket()
		if err != nil {
			return fmt.Errorf("failed awaiting namespace connect: %w", err)
		}
		switch {
		case p.Engine == enginePing:
			if err := s.writeFrame(pongFrame); err != nil {
				return err
			}
		case p.Engine == engineMessage && p.Socket == socketConnect:
			return nil
		case p.Engine == engineMessage && p.Socket == socketConnectError:
			return fmt.Errorf("%s: %s", reasonConnectError, errorMessage(p.Data))
		case p.Engine == engineClose:
			return errors.New("server closed during handshake")
		}
	}
}

func (s *socketConn) readPacket() (*packet, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		p, err := parsePacket(data)
		if err != nil {
			s.logger.Warn("Dropping malformed frame",
				zap.String("function", "readPacket"),
				zap.Error(err))
			continue
		}
		return p, nil
	}
}

// readLoop delivers packets in arrival order until the socket ends, then
// reports the disconnect reason exactly once.
func (s *socketConn) readLoop(onPacket func(*packet), onClosed func(reason string)) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Recovered from panic in socket reader",
				zap.String("function", "readLoop"),
				zap.Any("panic", rec))
			onClosed(reasonTransportError)
		}
	}()

	for {
		if s.pingInterval > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pingTimeout))
		}
		p, err := s.readPacket()
		if err != nil {
			onClosed(s.closeReason(err))
			return
		}

		switch p.Engine {
		case enginePing:
			if err := s.writeFrame(pongFrame); err != nil {
				s.logger.Warn("Failed to answer ping",
					zap.String("function", "readLoop"),
					zap.Error(err))
			}
		case engineClose:
			s.close()
			onClosed(reasonTransportClose)
			return
		case engineMessage:
			if p.Socket == socketDisconnect {
				s.close()
				onClosed(reasonServerDisconnect)
				return
			}
			onPacket(p)
		case engineNoop, enginePong, engineUpgrade:
		default:
			s.logger.Debug("Ignoring engine packet",
				zap.String("function", "readLoop"),
				zap.String("type", string(p.Engine)))
		}
	}
}

func (s *socketConn) closeReason(err error) string {
	select {
	case <-s.closing:
		return reasonClientDisconnect
	default:
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return reasonPingTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return reasonTransportClose
	}
	if websocket.IsUnexpectedCloseError(err) {
		return reasonTransportError
	}
	return reasonTransportClose
}

func (s *socketConn) writeFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *socketConn) emit(name string, payload interface{}) error {
	frame, err := encodeEvent(name, payload)
	if err != nil {
		return err
	}
	if err := s.writeFrame(frame); err != nil {
		return fmt.Errorf("failed to emit %s: %w", name, err)
	}
	return nil
}

// close tells the server goodbye and releases the socket. Safe to call twice.
func (s *socketConn) close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		_ = s.writeFrame(disconnectFrame)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

// reconnectBackoff yields clamp(base * 2^attempt, min, max) for successive
// attempts, without jitter.
type reconnectBackoff struct {
	exp      *backoff.ExponentialBackOff
	min, max time.Duration
}

func newReconnectBackoff(base, min, max time.Duration) *reconnectBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = max
	exp.Reset()
	return &reconnectBackoff{exp: exp, min: min, max: max}
}

// next returns the delay for the next attempt and advances the sequence.
func (b *reconnectBackoff) next() time.Duration {
	d := b.exp.NextBackOff()
	if d < b.min {
		d = b.min
	}
	if d > b.max {
		d = b.max
	}
	return d
}

func (b *reconnectBackoff) reset() {
	b.exp.Reset()
}
