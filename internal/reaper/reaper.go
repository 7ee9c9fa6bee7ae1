// Package reaper deletes rooms whose participant set became empty.
//
// Clients delete the rooms they leave empty themselves; the reaper catches the
// ones they could not, such as a tab closed before its leave went through.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/hushroom/internal/metrics"
	"github.com/vovakirdan/hushroom/internal/store"
)

// DefaultSweepInterval is how often the full room list is checked.
const DefaultSweepInterval = time.Minute

// Options configures a Reaper.
type Options struct {
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *zerolog.Logger
}

// Reaper watches a room store and removes empty rooms.
type Reaper struct {
	store    store.Store
	interval time.Duration
	clock    clock.Clock
	log      zerolog.Logger
}

// New creates a reaper for st.
func New(st store.Store, opts Options) *Reaper {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "reaper").Logger()
	}
	return &Reaper{
		store:    st,
		interval: opts.SweepInterval,
		clock:    opts.Clock,
		log:      logger,
	}
}

// Run watches change notifications and sweeps periodically until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	unwatch, err := r.store.Watch(ctx, func(change store.Change) {
		r.handle(ctx, change)
	})
	if err != nil {
		return fmt.Errorf("watch rooms: %w", err)
	}
	defer unwatch()

	r.log.Info().Dur("sweep_interval", r.interval).Msg("reaper started")

	// Rooms emptied while no reaper was running produce no further updates.
	if _, err := r.Sweep(ctx); err != nil {
		r.log.Warn().Err(err).Msg("startup sweep failed")
	}

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Warn().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep deletes every empty room and returns how many were deleted.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("list rooms: %w", err)
	}

	deleted := 0
	for _, room := range rooms {
		if !room.Empty() {
			continue
		}
		if r.delete(ctx, room.ID, "sweep") {
			deleted++
		}
	}
	return deleted, nil
}

func (r *Reaper) handle(ctx context.Context, change store.Change) {
	// Created rooms always hold their creator; deleted ones need nothing.
	if change.Kind != store.ChangeUpdated || change.Room == nil {
		return
	}
	if !change.Room.Empty() {
		return
	}
	r.delete(ctx, change.RoomID, "update")
}

// delete removes roomID if it is still empty. Snapshots may be stale, so the
// emptiness check happens inside the store.
func (r *Reaper) delete(ctx context.Context, roomID, source string) bool {
	deleted, err := r.store.DeleteRoomIfEmpty(ctx, roomID)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to delete empty room")
		}
		return false
	}
	if !deleted {
		return false
	}
	metrics.ReaperDeletions.WithLabelValues(source).Inc()
	r.log.Info().Str("room_id", roomID).Str("source", source).Msg("deleted empty room")
	return true
}
