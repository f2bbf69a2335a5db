package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	osd "github.com/bjoelf/osd-realtime/adapter"
	"golang.org/x/oauth2"
)

var (
	ErrAuthenticationFailed     = errors.New("authentication failed")
	ErrConnectTimeout           = errors.New("connection attempt timed out")
	ErrAuthenticationTimeout    = errors.New("authentication timed out")
	ErrReconnectBudgetExhausted = errors.New("reconnect attempts exhausted")
	ErrDisconnected             = errors.New("disconnected")
	ErrClientClosed             = errors.New("client closed")
	ErrNoSession                = errors.New("no connection session")
	ErrNotConnected             = errors.New("socket not connected")
)

// State is the connection state machine's position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAuthentication
	StateAuthenticated
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuthentication:
		return "awaiting_authentication"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SessionParams identifies the store display a session serves.
type SessionParams struct {
	StoreID        string
	OrganizationID string
	DisplayID      string
}

// Identity is how this device introduces itself. StableDeviceID survives restarts.
type Identity struct {
	DeviceID       string
	StableDeviceID string
}

// TokenSource is the narrow credential contract the state machine relies on.
// *osd.TokenProvider implements it.
type TokenSource interface {
	GetToken(ctx context.Context, req osd.TokenRequest, forceRefresh bool) (*oauth2.Token, error)
	ClearToken() error
}

// Snapshot is a point-in-time copy of the connection session.
type Snapshot struct {
	State             State
	Params            SessionParams
	HasSession        bool
	HasSocket         bool
	Generation        uint64
	ReconnectAttempts int
	ReconnectPending  bool
	Exhausted         bool
	Reachable         bool
	ResyncOwed        bool
	RotationFailures  int
	LastConnectedAt   time.Time
	LastDisconnectAt  time.Time
	TokenExpiry       time.Time
}

// Inbound event names.
const (
	eventAuthenticated          = "authenticated"
	eventAuthenticationFailed   = "authentication_failed"
	eventReauthenticated        = "re-authenticated"
	eventReauthenticationFailed = "re-authentication_failed"
	eventHeartbeatAck           = "heartbeat_ack"
	eventOrderCreated           = "order_created"
	eventOrderReady             = "order_ready_notification"
	eventOrderServed            = "order_served_notification"
	eventOrderRestored          = "order_restored_notification"
	eventError                  = "error"
)

// Outbound event names.
const (
	emitAuthenticate   = "authenticate"
	emitReauthenticate = "re-authenticate"
	emitHeartbeat      = "heartbeat"
	emitMessageAck     = "message_ack"
)

// Disconnect reasons, named the way the backend's socket library names them.
const (
	reasonTransportClose   = "transport close"
	reasonTransportError   = "transport error"
	reasonPingTimeout      = "ping timeout"
	reasonServerDisconnect = "io server disconnect"
	reasonClientDisconnect = "io client disconnect"
	reasonConnectError     = "connect_error"
	reasonHeartbeatTimeout = "heartbeat timeout"
	reasonRotationFailed   = "rotation failed"
)

const clientType = "osd"

type authenticatePayload struct {
	DeviceID       string `json:"deviceId"`
	StoreID        string `json:"storeId"`
	OrganizationID string `json:"organizationId"`
	DisplayID      string `json:"displayId,omitempty"`
	Token          string `json:"token"`
	Type           string `json:"type"`
	StableDeviceID string `json:"stableDeviceId"`
}

type reauthenticatePayload struct {
	Token          string `json:"token"`
	DeviceID       string `json:"deviceId"`
	StoreID        string `json:"storeId"`
	OrganizationID string `json:"organizationId"`
	Type           string `json:"type"`
}

type heartbeatPayload struct {
	Timestamp string `json:"timestamp"`
	DeviceID  string `json:"device_id"`
	StoreID   string `json:"store_id"`
	Type      string `json:"type"`
}

type ackPayload struct {
	MessageID json.RawMessage `json:"_messageId"`
	DeviceID  string          `json:"deviceId"`
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
}
