package websocket

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// generateHumanReadableID tags a connection attempt for log correlation.
// Returns format: "{kind}-{YYYYMMDD-HHMMSS}-{generation}"
// Examples: "connect-20241119-130831-3", "rotate-20241119-190831-3"
func generateHumanReadableID(kind string, generation uint64) string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s-%d", kind, timestamp, generation)
}

// buildSocketURL turns the configured server base into the Engine.IO websocket endpoint.
// https://rt.example.com     -> wss://rt.example.com/socket.io/?EIO=4&transport=websocket
// http://127.0.0.1:8080/base -> ws://127.0.0.1:8080/base/socket.io/?EIO=4&transport=websocket
func buildSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL %q has no host", serverURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// isControlEvent reports whether an inbound event drives the connection
// state machine rather than the order stream.
func isControlEvent(name string) bool {
	switch name {
	case eventAuthenticated, eventAuthenticationFailed,
		eventReauthenticated, eventReauthenticationFailed,
		eventHeartbeatAck:
		return true
	default:
		return false
	}
}

// isoTimestamp formats t the way the backend expects outbound timestamps.
func isoTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
