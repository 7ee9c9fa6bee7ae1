// Package reconcile merges speculative local changes with an authoritative
// stream of full snapshots.
//
// A speculative delta is applied on top of every snapshot until one snapshot
// confirms it; after that the authoritative value wins and the delta is gone.
package reconcile

import (
	"slices"
	"sync"
)

// Set tracks speculative additions and removals against an authoritative set.
type Set struct {
	mu      sync.Mutex
	added   map[string]struct{}
	removed map[string]struct{}
}

// NewSet creates a set with no pending deltas.
func NewSet() *Set {
	return &Set{
		added:   make(map[string]struct{}),
		removed: make(map[string]struct{}),
	}
}

// Add records a speculative addition.
func (s *Set) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.removed, id)
	s.added[id] = struct{}{}
}

// Remove records a speculative removal.
func (s *Set) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.added, id)
	s.removed[id] = struct{}{}
}

// Pending reports how many deltas are still unconfirmed.
func (s *Set) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.added) + len(s.removed)
}

// Merge applies pending deltas to an authoritative snapshot and drops the ones
// the snapshot confirms. The input slice is not modified.
func (s *Set) Merge(authoritative []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[string]struct{}, len(authoritative))
	for _, id := range authoritative {
		present[id] = struct{}{}
	}

	for id := range s.added {
		if _, ok := present[id]; ok {
			delete(s.added, id)
		}
	}
	for id := range s.removed {
		if _, ok := present[id]; !ok {
			delete(s.removed, id)
		}
	}

	merged := make([]string, 0, len(authoritative)+len(s.added))
	for _, id := range authoritative {
		if _, gone := s.removed[id]; gone {
			continue
		}
		merged = append(merged, id)
	}
	pending := make([]string, 0, len(s.added))
	for id := range s.added {
		pending = append(pending, id)
	}
	slices.Sort(pending)

	return append(merged, pending...)
}
