package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/hushroom/internal/store"
)

const defaultPruneInterval = time.Minute

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	// GraceWindow is the delay between a teardown signal and the committed
	// leave. It is the same for every session of a Manager.
	GraceWindow     time.Duration
	MutationTimeout time.Duration
	PruneInterval   time.Duration
	Clock           clock.Clock
	Logger          *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.GraceWindow <= 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.MutationTimeout <= 0 {
		o.MutationTimeout = DefaultMutationTimeout
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = defaultPruneInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// Manager keeps one Coordinator per participant identifier.
type Manager struct {
	store store.Store
	opts  Options
	log   *zerolog.Logger

	mu     sync.Mutex
	coords map[string]*Coordinator
}

// NewManager creates a coordinator registry on top of st.
func NewManager(st store.Store, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		store:  st,
		opts:   opts,
		log:    opts.Logger,
		coords: make(map[string]*Coordinator),
	}
}

// GraceWindow returns the configured grace window.
func (m *Manager) GraceWindow() time.Duration {
	return m.opts.GraceWindow
}

// Coordinator returns the coordinator for participantID, creating it on first use.
func (m *Manager) Coordinator(participantID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.coords[participantID]
	if !ok {
		c = newCoordinator(participantID, m.store, m.opts)
		m.coords[participantID] = c
	}
	return c
}

// Create creates a room with participantID as its first member and returns
// the creator's session.
func (m *Manager) Create(ctx context.Context, name, participantID string) (*store.Room, *Session, error) {
	if participantID == "" {
		return nil, nil, store.ErrInvalidParticipant
	}

	room, err := m.store.CreateRoom(ctx, name, participantID)
	if err != nil {
		return nil, nil, fmt.Errorf("create room: %w", err)
	}
	m.log.Info().Str("room_id", room.ID).Str("participant_id", participantID).Msg("room created")

	// The creator is already in the set; joining only establishes the session.
	s, err := m.Join(ctx, room.ID, participantID)
	if err != nil {
		return nil, nil, err
	}
	return room, s, nil
}

// Join adds participantID to roomID.
func (m *Manager) Join(ctx context.Context, roomID, participantID string) (*Session, error) {
	if participantID == "" {
		return nil, fmt.Errorf("%w: %w", ErrJoinFailed, store.ErrInvalidParticipant)
	}
	for {
		s, err := m.Coordinator(participantID).Join(ctx, roomID)
		if errors.Is(err, errRetired) {
			continue
		}
		return s, err
	}
}

// Attach joins roomID for one view of participantID. See Coordinator.Attach.
func (m *Manager) Attach(ctx context.Context, roomID, participantID string) (*Session, func(), error) {
	if participantID == "" {
		return nil, nil, fmt.Errorf("%w: %w", ErrJoinFailed, store.ErrInvalidParticipant)
	}
	for {
		s, detach, err := m.Coordinator(participantID).Attach(ctx, roomID)
		if errors.Is(err, errRetired) {
			continue
		}
		return s, detach, err
	}
}

// Leave removes participantID from roomID, immediately when manual and after
// the grace window otherwise.
func (m *Manager) Leave(ctx context.Context, roomID, participantID string, manual bool) {
	if participantID == "" {
		return
	}
	m.Coordinator(participantID).Leave(ctx, roomID, manual)
}

// Unload removes participantID from roomID without waiting for the grace window.
func (m *Manager) Unload(roomID, participantID string) {
	if participantID == "" {
		return
	}
	m.Coordinator(participantID).Unload(roomID)
}

// ObserveRoom streams snapshots of roomID as seen by participantID.
func (m *Manager) ObserveRoom(ctx context.Context, roomID, participantID string) (<-chan RoomState, error) {
	return m.Coordinator(participantID).ObserveRoom(ctx, roomID)
}

// Prune drops coordinators without a live session and returns how many went.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, c := range m.coords {
		if c.tryRetire() {
			delete(m.coords, id)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked coordinators.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.coords)
}

// Run prunes idle coordinators until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.opts.Clock.Ticker(m.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Prune(); n > 0 {
				m.log.Debug().Int("pruned", n).Msg("pruned idle coordinators")
			}
		}
	}
}

// Shutdown commits every live session. Pending timers would not survive the
// process, so waiting for them is pointless.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	coords := make([]*Coordinator, 0, len(m.coords))
	for _, c := range m.coords {
		coords = append(coords, c)
	}
	m.mu.Unlock()

	for _, c := range coords {
		c.shutdown(ctx)
	}
	m.log.Info().Int("coordinators", len(coords)).Msg("membership shut down")
}
