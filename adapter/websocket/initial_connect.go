package websocket

import (
	"context"
	"fmt"
	"time"

	osd "github.com/bjoelf/osd-realtime/adapter"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Connector is the part of *Client the startup sequence drives.
type Connector interface {
	ConnectOnce(ctx context.Context, params SessionParams) error
	EnableAutoReconnect()
}

// InitialConnector performs the bounded connect retries at application start,
// then hands the session to the client's steady-state reconnect policy.
type InitialConnector struct {
	Attempts       int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
	logger         *zap.Logger
}

// NewInitialConnector reads attempts and delays from cfg. Each attempt may take
// as long as a connect plus an authentication timeout.
func NewInitialConnector(cfg *osd.Config, logger *zap.Logger) *InitialConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InitialConnector{
		Attempts:       cfg.InitialConnectAttempts,
		BaseDelay:      cfg.InitialConnectBaseDelay,
		AttemptTimeout: cfg.ConnectTimeout + cfg.AuthTimeout,
		logger:         logger.Named("startup"),
	}
}

// linearBackOff waits base, 2*base, 3*base... between attempts.
type linearBackOff struct {
	base time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.base
}

func (b *linearBackOff) Reset() { b.n = 0 }

// budget bounds the whole sequence: every attempt timing out plus every wait.
func (ic *InitialConnector) budget() time.Duration {
	n := time.Duration(ic.Attempts)
	return n*ic.AttemptTimeout + n*(n-1)/2*ic.BaseDelay + time.Minute
}

// Run connects with up to Attempts tries. Whatever the outcome (except ctx
// cancellation) automatic reconnection is enabled before it returns.
func (ic *InitialConnector) Run(ctx context.Context, client Connector, params SessionParams) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, ic.AttemptTimeout)
		defer cancel()

		if err := client.ConnectOnce(actx, params); err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(ctx.Err())
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	notify := func(err error, next time.Duration) {
		ic.logger.Warn("Initial connect attempt failed",
			zap.String("function", "Run"),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", ic.Attempts),
			zap.Duration("retry_in", next),
			zap.Error(err))
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&linearBackOff{base: ic.BaseDelay}),
		backoff.WithMaxTries(uint(ic.Attempts)),
		backoff.WithMaxElapsedTime(ic.budget()),
		backoff.WithNotify(notify),
	)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	client.EnableAutoReconnect()
	if err != nil {
		ic.logger.Error("Initial connect gave up, continuing with automatic reconnection",
			zap.String("function", "Run"),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return fmt.Errorf("initial connect failed after %d attempts: %w", attempt, err)
	}
	ic.logger.Info("Initial connect succeeded",
		zap.String("function", "Run"),
		zap.Int("attempts", attempt))
	return nil
}
