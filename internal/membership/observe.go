package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vovakirdan/hushroom/internal/store"
)

// RoomState is one observed snapshot of a room. Gone marks the terminal
// snapshot sent after the room stopped existing.
type RoomState struct {
	ID           string
	Name         string
	Participants []string
	CreatedAt    time.Time
	Gone         bool
}

// ObserveRoom streams snapshots of roomID, starting with its current state.
//
// The channel closes when ctx is cancelled or right after a Gone snapshot.
// Each call owns an independent subscription. If the participant holds a
// session in the room, a snapshot that predates its own join still lists it.
func (c *Coordinator) ObserveRoom(ctx context.Context, roomID string) (<-chan RoomState, error) {
	updates := make(chan store.Change, 1)
	unsubscribe, err := c.store.Subscribe(ctx, roomID, func(change store.Change) {
		offerLatest(updates, change)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe room: %w", err)
	}

	first := store.Change{Kind: store.ChangeUpdated, RoomID: roomID}
	room, err := c.store.GetRoom(ctx, roomID)
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		first.Kind = store.ChangeDeleted
	case err != nil:
		unsubscribe()
		return nil, fmt.Errorf("get room: %w", err)
	default:
		first.Room = room
	}

	out := make(chan RoomState)
	go func() {
		defer close(out)
		defer unsubscribe()

		next := first
		for {
			state := c.merge(next)
			if state.Gone {
				c.roomGone(roomID)
			}

			select {
			case out <- state:
			case <-ctx.Done():
				return
			}
			if state.Gone {
				return
			}

			select {
			case next = <-updates:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *Coordinator) merge(change store.Change) RoomState {
	if change.Gone() {
		return RoomState{ID: change.RoomID, Gone: true}
	}

	r := change.Room
	participants := append([]string(nil), r.Participants...)
	if s := c.session.Load(); s != nil && s.RoomID == r.ID && s.State().Active() {
		participants = s.view.Merge(participants)
	}

	return RoomState{
		ID:           r.ID,
		Name:         r.Name,
		Participants: participants,
		CreatedAt:    r.CreatedAt,
	}
}

// offerLatest replaces a queued snapshot with a newer one. There is a single
// producer per channel.
func offerLatest(ch chan store.Change, change store.Change) {
	for {
		select {
		case ch <- change:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
