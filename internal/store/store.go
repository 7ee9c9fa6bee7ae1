package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrRoomNotFound is returned when the room record does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidName is returned when a room name is empty or too long.
	ErrInvalidName = errors.New("invalid room name")
	// ErrInvalidParticipant is returned for an empty participant identifier.
	ErrInvalidParticipant = errors.New("invalid participant id")
)

// MaxRoomNameLength bounds room display names.
const MaxRoomNameLength = 64

// Room represents a voice room record.
type Room struct {
	ID           string
	Name         string
	Participants []string // semantically a set, never holds duplicates
	CreatedAt    time.Time
}

// Has reports whether participantID is in the room.
func (r *Room) Has(participantID string) bool {
	for _, p := range r.Participants {
		if p == participantID {
			return true
		}
	}
	return false
}

// Empty reports whether nobody is left in the room.
func (r *Room) Empty() bool {
	return len(r.Participants) == 0
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Participants = append([]string(nil), r.Participants...)
	return &cp
}

// ChangeKind classifies a room change notification.
type ChangeKind int

const (
	// ChangeCreated is emitted once when a room record is created.
	ChangeCreated ChangeKind = iota
	// ChangeUpdated is emitted when the participant set changes.
	ChangeUpdated
	// ChangeDeleted is emitted when the room record is removed.
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Change carries the full current state of a room, not a delta.
// Room is nil when the record no longer exists.
type Change struct {
	Kind   ChangeKind
	RoomID string
	Room   *Room
}

// Gone reports whether the change describes a room that no longer exists.
func (c Change) Gone() bool {
	return c.Room == nil
}

// RoomStore handles room persistence.
//
// Participant mutations are atomic on the store side; callers never read the
// participant list, compute a new one and write it back.
type RoomStore interface {
	// CreateRoom creates a room whose only participant is the creator.
	CreateRoom(ctx context.Context, name, creatorID string) (*Room, error)

	// GetRoom retrieves a room by ID.
	GetRoom(ctx context.Context, roomID string) (*Room, error)

	// ListRooms lists all rooms, newest first.
	ListRooms(ctx context.Context) ([]*Room, error)

	// AddParticipant adds a participant. Adding a present participant is a no-op.
	AddParticipant(ctx context.Context, roomID, participantID string) error

	// RemoveParticipant removes a participant and returns how many remain.
	// Removing an absent participant is a no-op.
	RemoveParticipant(ctx context.Context, roomID, participantID string) (int, error)

	// DeleteRoom deletes a room. Deleting a missing room is a no-op.
	DeleteRoom(ctx context.Context, roomID string) error

	// DeleteRoomIfEmpty deletes a room only while its participant set is
	// empty, checked and deleted in one atomic step. It reports whether a
	// record was deleted; a missing or occupied room is a no-op.
	DeleteRoomIfEmpty(ctx context.Context, roomID string) (bool, error)
}

// Notifier delivers room change notifications.
//
// Delivery is asynchronous and at-least-once for the latest state; a slow
// subscriber may miss intermediate snapshots.
type Notifier interface {
	// Subscribe delivers changes of a single room.
	Subscribe(ctx context.Context, roomID string, fn func(Change)) (func(), error)

	// Watch delivers changes of every room.
	Watch(ctx context.Context, fn func(Change)) (func(), error)
}

// Store aggregates all storage interfaces.
type Store interface {
	RoomStore
	Notifier

	// Close closes the underlying connection.
	Close() error
}

// NormalizeName trims and validates a room display name.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxRoomNameLength {
		return "", ErrInvalidName
	}
	return name, nil
}
