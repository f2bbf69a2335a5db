package websocket

import (
	"time"

	"go.uber.org/zap"
)

// RecoveryCoordinator collapses bursts of resync requests into at most one
// full data refresh per debounce window.
//
// It is owned by the client's event loop and is not safe for concurrent use.
type RecoveryCoordinator struct {
	debounce time.Duration
	now      func() time.Time
	fire     func()
	logger   *zap.Logger

	lastFired time.Time
}

// NewRecoveryCoordinator creates a coordinator that calls fire for accepted requests.
func NewRecoveryCoordinator(debounce time.Duration, fire func(), logger *zap.Logger) *RecoveryCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryCoordinator{
		debounce: debounce,
		now:      time.Now,
		fire:     fire,
		logger:   logger.Named("recovery"),
	}
}

// Request asks for a full refresh. It reports whether the refresh was issued
// or dropped because one was issued less than the debounce window ago.
func (rc *RecoveryCoordinator) Request(reason string) bool {
	now := rc.now()
	if !rc.lastFired.IsZero() && now.Sub(rc.lastFired) < rc.debounce {
		rc.logger.Debug("Resync suppressed by debounce",
			zap.String("function", "Request"),
			zap.String("reason", reason),
			zap.Duration("since_last", now.Sub(rc.lastFired)))
		return false
	}

	rc.lastFired = now
	rc.logger.Info("Requesting full data refresh",
		zap.String("function", "Request"),
		zap.String("reason", reason))
	rc.fire()
	return true
}
