package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/hushroom/internal/metrics"
	"github.com/vovakirdan/hushroom/internal/store"
)

const (
	// DefaultGraceWindow absorbs a disconnect immediately followed by a reconnect.
	DefaultGraceWindow = 3 * time.Second
	// DefaultMutationTimeout bounds leave mutations that run without a caller context.
	DefaultMutationTimeout = 5 * time.Second
)

// Coordinator owns one participant's membership in at most one room.
//
// Operations are serialized: a join or leave holds the coordinator for the
// duration of its store mutation, so the participant's own add and remove can
// never be reordered against each other.
type Coordinator struct {
	participantID   string
	store           store.Store
	clock           clock.Clock
	grace           time.Duration
	mutationTimeout time.Duration
	log             zerolog.Logger

	mu      sync.Mutex
	session atomic.Pointer[Session] // written under mu
	last    *Session                // most recently ended session
	retired bool
}

func newCoordinator(participantID string, st store.Store, opts Options) *Coordinator {
	return &Coordinator{
		participantID:   participantID,
		store:           st,
		clock:           opts.Clock,
		grace:           opts.GraceWindow,
		mutationTimeout: opts.MutationTimeout,
		log:             opts.Logger.With().Str("participant_id", participantID).Logger(),
	}
}

// ParticipantID returns the participant this coordinator acts for.
func (c *Coordinator) ParticipantID() string {
	return c.participantID
}

// Session returns the live session, or nil.
func (c *Coordinator) Session() *Session {
	return c.session.Load()
}

// Join adds the participant to roomID and returns the live session.
//
// Joining the room of a session that is waiting out its grace window cancels
// the pending leave without touching the store. Joining a different room
// commits the current session's leave first.
func (c *Coordinator) Join(ctx context.Context, roomID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.join(ctx, roomID)
}

// Attach joins roomID on behalf of a view such as a websocket connection.
// Calling detach is the view's teardown signal: once the last attached view
// is gone the session waits out the grace window and then leaves.
func (c *Coordinator) Attach(ctx context.Context, roomID string) (s *Session, detach func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err = c.join(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	s.views++

	var once sync.Once
	return s, func() { once.Do(func() { c.detach(s) }) }, nil
}

// join must be called with mu held.
func (c *Coordinator) join(ctx context.Context, roomID string) (*Session, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: %w", ErrJoinFailed, store.ErrRoomNotFound)
	}
	if c.retired {
		return nil, errRetired
	}

	if s := c.session.Load(); s != nil {
		if s.RoomID == roomID {
			switch s.State() {
			case StateJoined:
				return s, nil
			case StateLeavePending:
				s.cancelPending()
				s.setState(StateJoined)
				metrics.LeavesCancelled.Inc()
				metrics.RoomJoins.WithLabelValues("resumed").Inc()
				c.log.Debug().Str("room_id", roomID).Msg("pending leave cancelled by rejoin")
				return s, nil
			}
		} else {
			// The old room's removal must not die with the join request.
			leaveCtx, cancel := context.WithTimeout(context.Background(), c.mutationTimeout)
			c.commitLeave(leaveCtx, s, triggerSwitch)
			cancel()
		}
	}

	s := newSession(c, roomID)
	s.setState(StateJoining)
	c.session.Store(s)

	if err := c.store.AddParticipant(ctx, roomID, c.participantID); err != nil {
		c.session.Store(nil)
		s.finish("")
		metrics.RoomJoins.WithLabelValues("failed").Inc()
		c.log.Info().Err(err).Str("room_id", roomID).Msg("join failed")
		return nil, fmt.Errorf("%w: %w", ErrJoinFailed, err)
	}

	s.view.Add(c.participantID)
	s.setState(StateJoined)
	metrics.RoomJoins.WithLabelValues("ok").Inc()
	c.log.Info().Str("room_id", roomID).Msg("joined room")

	return s, nil
}

// Leave ends the membership in roomID.
//
// A manual leave removes the participant before returning. Otherwise the
// session enters StateLeavePending and the removal commits once the grace
// window elapses, unless a join for the same room arrives first. Leave never
// fails: store errors are logged and the reaper is the backstop.
func (c *Coordinator) Leave(ctx context.Context, roomID string, manual bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if manual {
		c.leaveNow(ctx, roomID, triggerManual)
		return
	}

	s := c.session.Load()
	if s == nil || s.RoomID != roomID {
		return
	}
	c.scheduleLeave(s)
}

func (c *Coordinator) detach(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s.views--
	if s.views > 0 || c.session.Load() != s {
		return
	}
	c.scheduleLeave(s)
}

// scheduleLeave must be called with mu held. A pending leave keeps its
// original deadline.
func (c *Coordinator) scheduleLeave(s *Session) {
	if s.State() != StateJoined {
		return
	}

	s.gen++
	gen := s.gen
	s.setState(StateLeavePending)
	s.timer = c.clock.AfterFunc(c.grace, func() { c.expire(s, gen) })
	c.log.Debug().Str("room_id", s.RoomID).Dur("grace", c.grace).Msg("leave pending")
}

// Unload handles a page-close signal: the leave runs right away, detached from
// any request context.
func (c *Coordinator) Unload(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.mutationTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.leaveNow(ctx, roomID, triggerUnload)
}

// shutdown commits the live session, if any.
func (c *Coordinator) shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.session.Load(); s != nil {
		c.commitLeave(ctx, s, triggerShutdown)
	}
}

// tryRetire marks an idle coordinator unusable so it can be dropped from the
// registry. Busy coordinators are left alone.
func (c *Coordinator) tryRetire() bool {
	if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()

	if c.session.Load() != nil {
		return false
	}
	c.retired = true
	return true
}

// leaveNow must be called with mu held.
func (c *Coordinator) leaveNow(ctx context.Context, roomID string, trigger string) {
	if s := c.session.Load(); s != nil && s.RoomID == roomID {
		c.commitLeave(ctx, s, trigger)
		return
	}
	if last := c.last; last != nil && last.RoomID == roomID {
		// Already left.
		return
	}
	// No local record, e.g. after a restart: the store removal is idempotent.
	c.removeParticipant(ctx, roomID)
}

// commitLeave must be called with mu held.
func (c *Coordinator) commitLeave(ctx context.Context, s *Session, trigger string) {
	if c.session.Load() == s {
		c.session.Store(nil)
	}
	c.last = s
	s.finish(trigger)
	metrics.RoomLeaves.WithLabelValues(trigger).Inc()
	c.log.Info().Str("room_id", s.RoomID).Str("trigger", trigger).Msg("left room")

	c.removeParticipant(ctx, s.RoomID)
}

func (c *Coordinator) removeParticipant(ctx context.Context, roomID string) {
	remaining, err := c.store.RemoveParticipant(ctx, roomID, c.participantID)
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		c.log.Debug().Str("room_id", roomID).Msg("room already gone")
		return
	case err != nil:
		metrics.LeaveFailures.Inc()
		c.log.Warn().Err(fmt.Errorf("%w: %w", ErrLeaveMutationFailed, err)).Str("room_id", roomID).Msg("leaving cleanup to reaper")
		return
	}

	if remaining > 0 {
		return
	}

	// Someone may have joined since the removal; the delete only applies to
	// a room that is still empty.
	deleted, err := c.store.DeleteRoomIfEmpty(ctx, roomID)
	if err != nil {
		metrics.LeaveFailures.Inc()
		c.log.Warn().Err(fmt.Errorf("%w: %w", ErrLeaveMutationFailed, err)).Str("room_id", roomID).Msg("failed to delete empty room")
		return
	}
	if !deleted {
		c.log.Debug().Str("room_id", roomID).Msg("room refilled or already gone")
		return
	}
	c.log.Info().Str("room_id", roomID).Msg("deleted empty room")
}

func (c *Coordinator) expire(s *Session, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Load() != s || s.State() != StateLeavePending || s.gen != gen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.mutationTimeout)
	defer cancel()
	c.commitLeave(ctx, s, triggerGrace)
}

// roomGone ends s without a store mutation after its room disappeared.
func (c *Coordinator) roomGone(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session.Load()
	if s == nil || s.RoomID != roomID {
		return
	}
	c.session.Store(nil)
	c.last = s
	s.finish(triggerVanished)
	c.log.Info().Str("room_id", roomID).Msg("room vanished")
}
