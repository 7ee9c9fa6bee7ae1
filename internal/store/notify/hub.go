// Package notify fans room changes out to in-process subscribers.
package notify

import (
	"sync"

	"github.com/vovakirdan/hushroom/internal/store"
)

// queueSize bounds the per-subscriber backlog. When it is full the oldest
// snapshot is dropped; snapshots carry full state so the newest one suffices.
const queueSize = 64

// Hub publishes store changes to subscribers without blocking the publisher.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

type subscriber struct {
	roomID string // empty means every room
	queue  chan store.Change
	done   chan struct{}
	once   sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers fn for changes of roomID, or of every room when roomID
// is empty. fn runs on a dedicated goroutine, one change at a time.
// The returned function unsubscribes and may be called more than once.
func (h *Hub) Subscribe(roomID string, fn func(store.Change)) func() {
	sub := &subscriber{
		roomID: roomID,
		queue:  make(chan store.Change, queueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	go sub.run(fn)

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
	}
}

// Publish hands a change to every matching subscriber.
func (h *Hub) Publish(change store.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if sub.roomID != "" && sub.roomID != change.RoomID {
			continue
		}
		c := change
		c.Room = change.Room.Clone()
		sub.push(c)
	}
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		sub.once.Do(func() { close(sub.done) })
		delete(h.subs, id)
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *subscriber) push(change store.Change) {
	for {
		select {
		case s.queue <- change:
			return
		default:
		}
		// Full: drop the oldest.
		select {
		case <-s.queue:
		default:
		}
	}
}

func (s *subscriber) run(fn func(store.Change)) {
	for {
		select {
		case <-s.done:
			return
		case change := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			fn(change)
		}
	}
}
