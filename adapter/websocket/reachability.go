package websocket

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Prober answers whether the server can currently be reached.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// DialProber treats a successful TCP connect to the server as reachable.
type DialProber struct {
	Address string
	Timeout time.Duration
}

// NewDialProber derives host:port from the server base URL.
func NewDialProber(serverURL string, timeout time.Duration) (*DialProber, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	host, port := u.Hostname(), u.Port()
	if host == "" {
		return nil, fmt.Errorf("server URL %q has no host", serverURL)
	}
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return &DialProber{Address: net.JoinHostPort(host, port), Timeout: timeout}, nil
}

func (p *DialProber) Probe(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ReachabilityTarget receives reachability transitions. *Client implements it.
type ReachabilityTarget interface {
	SetReachable(reachable bool)
}

// ReachabilityMonitor polls a Prober and reports transitions to its target.
type ReachabilityMonitor struct {
	prober   Prober
	target   ReachabilityTarget
	interval time.Duration
	logger   *zap.Logger
}

func NewReachabilityMonitor(prober Prober, target ReachabilityTarget, interval time.Duration, logger *zap.Logger) *ReachabilityMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReachabilityMonitor{
		prober:   prober,
		target:   target,
		interval: interval,
		logger:   logger.Named("reachability"),
	}
}

// Run probes until ctx ends. The target starts out assumed reachable, so only
// changes from that are reported.
func (m *ReachabilityMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	last := true
	for {
		probeCtx, cancel := context.WithTimeout(ctx, m.interval)
		reachable := m.prober.Probe(probeCtx)
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		if reachable != last {
			m.logger.Info("Server reachability changed",
				zap.String("function", "Run"),
				zap.Bool("reachable", reachable))
			m.target.SetReachable(reachable)
			last = reachable
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
