// Package redisstore implements store.Store on Redis. Participant sets are Redis
// sets mutated by Lua scripts, and change notifications travel over pub/sub so
// a reaper in another process observes them.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/hushroom/internal/store"
	"github.com/vovakirdan/hushroom/internal/store/notify"
)

const keyPrefix = "hushroom:"

var (
	createScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'name', ARGV[1], 'created_at', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[5])
return 1
`)

	addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('SADD', KEYS[2], ARGV[1])
`)

	removeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0}
end
local removed = redis.call('SREM', KEYS[2], ARGV[1])
return {removed, redis.call('SCARD', KEYS[2])}
`)

	deleteScript = redis.NewScript(`
local deleted = redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[1])
return deleted
`)

	deleteIfEmptyScript = redis.NewScript(`
if redis.call('SCARD', KEYS[2]) > 0 then
	return 0
end
local deleted = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return deleted
`)
)

// RedisStore handles room persistence in Redis.
type RedisStore struct {
	client *redis.Client
	pubsub *redis.PubSub
	hub    *notify.Hub
	log    *zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// New connects to redisURL and starts relaying pub/sub changes.
func New(ctx context.Context, redisURL string, logger *zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	pubsub := client.PSubscribe(ctx, eventsChannel("*"))
	// Wait for the subscription confirmation so no change published after
	// New returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe room events: %w", err)
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	s := &RedisStore{
		client: client,
		pubsub: pubsub,
		hub:    notify.NewHub(),
		log:    logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.relay(relayCtx)

	return s, nil
}

// Close stops the relay and closes the Redis connection.
func (s *RedisStore) Close() error {
	s.cancel()
	_ = s.pubsub.Close()
	<-s.done
	s.hub.Close()
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func roomKey(roomID string) string {
	return keyPrefix + "room:" + roomID
}

func participantsKey(roomID string) string {
	return keyPrefix + "room:" + roomID + ":participants"
}

func indexKey() string {
	return keyPrefix + "rooms"
}

func eventsChannel(roomID string) string {
	return keyPrefix + "events:" + roomID
}

// ==== RoomStore implementation ====

// CreateRoom creates a room whose only participant is the creator.
func (s *RedisStore) CreateRoom(ctx context.Context, name, creatorID string) (*store.Room, error) {
	name, err := store.NormalizeName(name)
	if err != nil {
		return nil, err
	}
	if creatorID == "" {
		return nil, store.ErrInvalidParticipant
	}

	now := time.Now().UTC()
	roomID := ulid.Make().String()

	err = createScript.Run(ctx, s.client,
		[]string{roomKey(roomID), participantsKey(roomID), indexKey()},
		name, strconv.FormatInt(now.UnixNano(), 10), creatorID, now.UnixMilli(), roomID,
	).Err()
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	room := &store.Room{
		ID:           roomID,
		Name:         name,
		Participants: []string{creatorID},
		CreatedAt:    now,
	}
	s.publish(ctx, store.Change{Kind: store.ChangeCreated, RoomID: roomID, Room: room})
	return room, nil
}

// GetRoom retrieves a room by ID.
func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	var (
		meta    *redis.MapStringStringCmd
		members *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		meta = p.HGetAll(ctx, roomKey(roomID))
		members = p.SMembers(ctx, participantsKey(roomID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}

	fields := meta.Val()
	if len(fields) == 0 {
		return nil, store.ErrRoomNotFound
	}

	createdNano, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	participants := members.Val()
	slices.Sort(participants)

	return &store.Room{
		ID:           roomID,
		Name:         fields["name"],
		Participants: participants,
		CreatedAt:    time.Unix(0, createdNano).UTC(),
	}, nil
}

// ListRooms lists all rooms, newest first.
func (s *RedisStore) ListRooms(ctx context.Context) ([]*store.Room, error) {
	ids, err := s.client.ZRevRange(ctx, indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms := make([]*store.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.GetRoom(ctx, id)
		if errors.Is(err, store.ErrRoomNotFound) {
			// Deleted between the index read and the record read.
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, nil
}

// AddParticipant adds a participant. Adding a present participant is a no-op.
func (s *RedisStore) AddParticipant(ctx context.Context, roomID, participantID string) error {
	if participantID == "" {
		return store.ErrInvalidParticipant
	}

	added, err := addScript.Run(ctx, s.client,
		[]string{roomKey(roomID), participantsKey(roomID)},
		participantID,
	).Int64()
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	if added < 0 {
		return store.ErrRoomNotFound
	}

	if added > 0 {
		s.publishUpdate(ctx, roomID)
	}
	return nil
}

// RemoveParticipant removes a participant and returns how many remain.
func (s *RedisStore) RemoveParticipant(ctx context.Context, roomID, participantID string) (int, error) {
	res, err := removeScript.Run(ctx, s.client,
		[]string{roomKey(roomID), participantsKey(roomID)},
		participantID,
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("remove participant: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("remove participant: unexpected reply %v", res)
	}
	if res[0] < 0 {
		return 0, store.ErrRoomNotFound
	}

	if res[0] > 0 {
		s.publishUpdate(ctx, roomID)
	}
	return int(res[1]), nil
}

// DeleteRoom deletes a room. Deleting a missing room is a no-op.
func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	deleted, err := deleteScript.Run(ctx, s.client,
		[]string{roomKey(roomID), participantsKey(roomID), indexKey()},
		roomID,
	).Int64()
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}

	if deleted > 0 {
		s.publish(ctx, store.Change{Kind: store.ChangeDeleted, RoomID: roomID})
	}
	return nil
}

// DeleteRoomIfEmpty deletes a room that has no participants left.
func (s *RedisStore) DeleteRoomIfEmpty(ctx context.Context, roomID string) (bool, error) {
	deleted, err := deleteIfEmptyScript.Run(ctx, s.client,
		[]string{roomKey(roomID), participantsKey(roomID), indexKey()},
		roomID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("delete empty room: %w", err)
	}

	if deleted == 0 {
		return false, nil
	}
	s.publish(ctx, store.Change{Kind: store.ChangeDeleted, RoomID: roomID})
	return true, nil
}

// ==== Notifier implementation ====

// Subscribe delivers changes of a single room.
func (s *RedisStore) Subscribe(_ context.Context, roomID string, fn func(store.Change)) (func(), error) {
	if roomID == "" {
		return nil, store.ErrRoomNotFound
	}
	return s.hub.Subscribe(roomID, fn), nil
}

// Watch delivers changes of every room, including ones made by other processes.
func (s *RedisStore) Watch(_ context.Context, fn func(store.Change)) (func(), error) {
	return s.hub.Subscribe("", fn), nil
}

type wireRoom struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

type wireChange struct {
	Kind   store.ChangeKind `json:"kind"`
	RoomID string           `json:"room_id"`
	Room   *wireRoom        `json:"room,omitempty"`
}

func (s *RedisStore) publishUpdate(ctx context.Context, roomID string) {
	room, err := s.GetRoom(ctx, roomID)
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		s.publish(ctx, store.Change{Kind: store.ChangeDeleted, RoomID: roomID})
	case err != nil:
		s.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to read room for notification")
	default:
		s.publish(ctx, store.Change{Kind: store.ChangeUpdated, RoomID: roomID, Room: room})
	}
}

func (s *RedisStore) publish(ctx context.Context, change store.Change) {
	msg := wireChange{Kind: change.Kind, RoomID: change.RoomID}
	if r := change.Room; r != nil {
		msg.Room = &wireRoom{ID: r.ID, Name: r.Name, Participants: r.Participants, CreatedAt: r.CreatedAt}
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal room change")
		return
	}
	if err := s.client.Publish(ctx, eventsChannel(change.RoomID), raw).Err(); err != nil {
		// Mutations are already applied; subscribers resync on the next change.
		s.log.Warn().Err(err).Str("room_id", change.RoomID).Msg("failed to publish room change")
	}
}

// relay forwards pub/sub messages to local subscribers until ctx is cancelled.
func (s *RedisStore) relay(ctx context.Context) {
	defer close(s.done)

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			change, err := decodeChange(msg.Channel, msg.Payload)
			if err != nil {
				s.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed room change")
				continue
			}
			s.hub.Publish(change)
		}
	}
}

func decodeChange(channel, payload string) (store.Change, error) {
	var msg wireChange
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return store.Change{}, fmt.Errorf("decode change: %w", err)
	}
	if msg.RoomID == "" {
		msg.RoomID = strings.TrimPrefix(channel, eventsChannel(""))
	}

	change := store.Change{Kind: msg.Kind, RoomID: msg.RoomID}
	if r := msg.Room; r != nil {
		change.Room = &store.Room{ID: r.ID, Name: r.Name, Participants: r.Participants, CreatedAt: r.CreatedAt}
		if change.Room.Participants == nil {
			change.Room.Participants = []string{}
		}
	}
	return change, nil
}

// Ensure RedisStore implements store.Store
var _ store.Store = (*RedisStore)(nil)
