package market

import (
	"sort"
	"sync"
)

// Subscriptions is the desired-state set of ids for one connection. It is
// the record replayed after every reconnect.
type Subscriptions struct {
	mu      sync.RWMutex
	desired map[string]struct{}
}

// NewSubscriptions creates a set seeded with ids.
func NewSubscriptions(ids ...string) *Subscriptions {
	s := &Subscriptions{desired: make(map[string]struct{})}
	s.Add(ids...)
	return s
}

// Add records ids and returns the ones that were not already desired.
func (s *Subscriptions) Add(ids ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.desired[id]; !ok {
			s.desired[id] = struct{}{}
			added = append(added, id)
		}
	}
	return added
}

// Remove drops ids and returns the ones that were desired.
func (s *Subscriptions) Remove(ids ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for _, id := range ids {
		if _, ok := s.desired[id]; ok {
			delete(s.desired, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Has reports whether id is desired.
func (s *Subscriptions) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.desired[id]
	return ok
}

// List returns the desired ids in sorted order.
func (s *Subscriptions) List() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.desired))
	for id := range s.desired {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of desired ids.
func (s *Subscriptions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.desired)
}
