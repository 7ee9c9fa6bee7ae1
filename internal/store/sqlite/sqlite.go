package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/vovakirdan/hushroom/internal/store"
	"github.com/vovakirdan/hushroom/internal/store/notify"
)

//go:embed schema.sql
var schema string

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db  *sql.DB
	hub *notify.Hub
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply a custom schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps
	// an in-memory database alive between statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, hub: notify.NewHub()}, nil
}

// Migrate applies the embedded schema.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection and drops subscribers.
func (s *SQLiteStore) Close() error {
	s.hub.Close()
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tasks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ==== RoomStore implementation ====

// CreateRoom creates a room whose only participant is the creator.
func (s *SQLiteStore) CreateRoom(ctx context.Context, name, creatorID string) (*store.Room, error) {
	name, err := store.NormalizeName(name)
	if err != nil {
		return nil, err
	}
	if creatorID == "" {
		return nil, store.ErrInvalidParticipant
	}

	now := time.Now().UTC()
	roomID := ulid.Make().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO rooms (id, name, created_at) VALUES (?, ?, ?)`, roomID, name, now); err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_participants (room_id, participant_id, joined_at)
		VALUES (?, ?, ?)
	`, roomID, creatorID, now); err != nil {
		return nil, fmt.Errorf("insert creator: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	room := &store.Room{
		ID:           roomID,
		Name:         name,
		Participants: []string{creatorID},
		CreatedAt:    now,
	}
	s.hub.Publish(store.Change{Kind: store.ChangeCreated, RoomID: roomID, Room: room})
	return room.Clone(), nil
}

// GetRoom retrieves a room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	var room store.Room
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM rooms WHERE id = ?`, roomID).Scan(
		&room.ID,
		&room.Name,
		&room.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRoomNotFound
		}
		return nil, fmt.Errorf("query room: %w", err)
	}

	participants, err := s.listParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room.Participants = participants

	return &room, nil
}

// ListRooms lists all rooms, newest first.
func (s *SQLiteStore) ListRooms(ctx context.Context) ([]*store.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at
		FROM rooms
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}

	var rooms []*store.Room
	for rows.Next() {
		var room store.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, &room)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	// Release the single connection before issuing participant queries.
	rows.Close()

	for _, room := range rooms {
		participants, err := s.listParticipants(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		room.Participants = participants
	}

	return rooms, nil
}

// AddParticipant adds a participant. Adding a present participant is a no-op.
func (s *SQLiteStore) AddParticipant(ctx context.Context, roomID, participantID string) error {
	if participantID == "" {
		return store.ErrInvalidParticipant
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := roomExists(ctx, tx, roomID); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_participants (room_id, participant_id, joined_at)
		VALUES (?, ?, ?)
	`, roomID, participantID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	added, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if added > 0 {
		s.publishUpdate(ctx, roomID)
	}
	return nil
}

// RemoveParticipant removes a participant and returns how many remain.
// Removal and count run in one transaction.
func (s *SQLiteStore) RemoveParticipant(ctx context.Context, roomID, participantID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := roomExists(ctx, tx, roomID); err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM room_participants
		WHERE room_id = ? AND participant_id = ?
	`, roomID, participantID)
	if err != nil {
		return 0, fmt.Errorf("delete participant: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_participants WHERE room_id = ?`, roomID).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	if removed > 0 {
		s.publishUpdate(ctx, roomID)
	}
	return remaining, nil
}

// DeleteRoom deletes a room. Deleting a missing room is a no-op.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM room_participants WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete participants: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if deleted > 0 {
		s.hub.Publish(store.Change{Kind: store.ChangeDeleted, RoomID: roomID})
	}
	return nil
}

// DeleteRoomIfEmpty deletes a room that has no participants left.
func (s *SQLiteStore) DeleteRoomIfEmpty(ctx context.Context, roomID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rooms
		WHERE id = ?
		  AND NOT EXISTS (SELECT 1 FROM room_participants WHERE room_id = ?)
	`, roomID, roomID)
	if err != nil {
		return false, fmt.Errorf("delete empty room: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	if deleted == 0 {
		return false, nil
	}
	s.hub.Publish(store.Change{Kind: store.ChangeDeleted, RoomID: roomID})
	return true, nil
}

// ==== Notifier implementation ====

// Subscribe delivers changes of a single room.
func (s *SQLiteStore) Subscribe(_ context.Context, roomID string, fn func(store.Change)) (func(), error) {
	if roomID == "" {
		return nil, store.ErrRoomNotFound
	}
	return s.hub.Subscribe(roomID, fn), nil
}

// Watch delivers changes of every room.
func (s *SQLiteStore) Watch(_ context.Context, fn func(store.Change)) (func(), error) {
	return s.hub.Subscribe("", fn), nil
}

// publishUpdate reads the committed state and publishes it. A room deleted in
// the meantime is reported as gone.
func (s *SQLiteStore) publishUpdate(ctx context.Context, roomID string) {
	room, err := s.GetRoom(ctx, roomID)
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		s.hub.Publish(store.Change{Kind: store.ChangeDeleted, RoomID: roomID})
	case err != nil:
		// The mutation is committed; subscribers catch up on the next change.
		return
	default:
		s.hub.Publish(store.Change{Kind: store.ChangeUpdated, RoomID: roomID, Room: room})
	}
}

func (s *SQLiteStore) listParticipants(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id FROM room_participants
		WHERE room_id = ?
		ORDER BY joined_at ASC, participant_id ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	participants := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, id)
	}

	return participants, rows.Err()
}

func roomExists(ctx context.Context, tx *sql.Tx, roomID string) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrRoomNotFound
		}
		return fmt.Errorf("query room: %w", err)
	}
	return nil
}

// Ensure SQLiteStore implements store.Store
var _ store.Store = (*SQLiteStore)(nil)
