package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecoveryCoordinator_Debounce(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fired := 0
	rc := NewRecoveryCoordinator(time.Second, func() { fired++ }, nil)
	rc.now = func() time.Time { return now }

	assert.True(t, rc.Request("reconnected"))
	assert.False(t, rc.Request("heartbeat_ack"))

	now = now.Add(999 * time.Millisecond)
	assert.False(t, rc.Request("heartbeat_ack"))

	now = now.Add(time.Millisecond)
	assert.True(t, rc.Request("requested"))
	assert.Equal(t, 2, fired)
}

func TestRecoveryCoordinator_ZeroDebounce(t *testing.T) {
	fired := 0
	rc := NewRecoveryCoordinator(0, func() { fired++ }, nil)

	for i := 0; i < 3; i++ {
		rc.Request("requested")
	}
	assert.Equal(t, 3, fired)
}
