package websocket

import "time"

type timerKind int

const (
	timerConnect timerKind = iota
	timerAuth
	timerHeartbeat
	timerRotation
	timerRotationResponse
	timerReconnect
)

func (k timerKind) String() string {
	switch k {
	case timerConnect:
		return "connect_timeout"
	case timerAuth:
		return "auth_timeout"
	case timerHeartbeat:
		return "heartbeat"
	case timerRotation:
		return "rotation"
	case timerRotationResponse:
		return "rotation_response"
	case timerReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

type scheduledTimer struct {
	timer *time.Timer
	seq   uint64
}

// scheduler keeps at most one pending timer per kind. Firings are posted back
// onto the owning loop and dropped when the timer was cancelled, replaced, or
// belongs to an older connection generation. Not safe for concurrent use: every
// method must be called from the loop goroutine.
type scheduler struct {
	post       func(func()) bool
	timers     map[timerKind]*scheduledTimer
	generation uint64
	seq        uint64
}

func newScheduler(post func(func()) bool) *scheduler {
	return &scheduler{
		post:   post,
		timers: make(map[timerKind]*scheduledTimer),
	}
}

// schedule arms kind to run fn after d, replacing any pending timer of that kind.
func (s *scheduler) schedule(kind timerKind, d time.Duration, fn func()) {
	s.cancel(kind)

	s.seq++
	seq, gen := s.seq, s.generation
	st := &scheduledTimer{seq: seq}
	st.timer = time.AfterFunc(d, func() {
		s.post(func() {
			cur, ok := s.timers[kind]
			if !ok || cur.seq != seq || gen != s.generation {
				return
			}
			delete(s.timers, kind)
			fn()
		})
	})
	s.timers[kind] = st
}

func (s *scheduler) cancel(kinds ...timerKind) {
	for _, kind := range kinds {
		if st, ok := s.timers[kind]; ok {
			st.timer.Stop()
			delete(s.timers, kind)
		}
	}
}

func (s *scheduler) cancelAll() {
	for kind, st := range s.timers {
		st.timer.Stop()
		delete(s.timers, kind)
	}
}

func (s *scheduler) pending(kind timerKind) bool {
	_, ok := s.timers[kind]
	return ok
}

// advance cancels everything and starts a new connection generation.
func (s *scheduler) advance() uint64 {
	s.cancelAll()
	s.generation++
	return s.generation
}
