package membership

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/vovakirdan/hushroom/internal/metrics"
	"github.com/vovakirdan/hushroom/internal/reconcile"
)

// Session is one participant's membership in one room. It outlives the
// connections observing it: only a committed leave or a vanished room ends it.
type Session struct {
	RoomID        string
	ParticipantID string

	coord   *Coordinator
	view    *reconcile.Set
	state   atomic.Int32
	trigger atomic.Value // string, set when the session ends

	// Guarded by coord.mu.
	timer *clock.Timer
	gen   uint64
	views int

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(c *Coordinator, roomID string) *Session {
	return &Session{
		RoomID:        roomID,
		ParticipantID: c.participantID,
		coord:         c,
		view:          reconcile.NewSet(),
		done:          make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reaches StateLeft.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Manual reports whether the session ended by an explicit user leave.
func (s *Session) Manual() bool {
	return s.Trigger() == triggerManual
}

// Vanished reports whether the session ended because its room was deleted.
func (s *Session) Vanished() bool {
	return s.Trigger() == triggerVanished
}

// Trigger names what ended the session, or "" while it is live.
func (s *Session) Trigger() string {
	v, _ := s.trigger.Load().(string)
	return v
}

// Observe streams room snapshots for this session's room.
func (s *Session) Observe(ctx context.Context) (<-chan RoomState, error) {
	return s.coord.ObserveRoom(ctx, s.RoomID)
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	switch {
	case !prev.Active() && next.Active():
		metrics.ActiveSessions.Inc()
	case prev.Active() && !next.Active():
		metrics.ActiveSessions.Dec()
	}
}

// cancelPending stops the grace timer and invalidates a callback that may
// already be waiting for coord.mu.
func (s *Session) cancelPending() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Session) finish(trigger string) {
	s.cancelPending()
	s.trigger.Store(trigger)
	s.setState(StateLeft)
	s.doneOnce.Do(func() { close(s.done) })
}
