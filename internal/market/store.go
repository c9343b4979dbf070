package market

import (
	"sync"
	"time"

	"clob-agent/pkg/cache"
)

const volumeWindow = 24 * time.Hour

type tradeMark struct {
	at       time.Time
	notional float64
}

// Store is the last-known snapshot cache keyed by token id.
type Store struct {
	snaps *cache.Sharded[*Snapshot]

	mu     sync.Mutex
	trades map[string][]tradeMark
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		snaps:  cache.NewSharded[*Snapshot](),
		trades: make(map[string][]tradeMark),
	}
}

// Get returns the current snapshot for a token.
func (s *Store) Get(tokenID string) (*Snapshot, bool) {
	snap, ok := s.snaps.Get(tokenID)
	return snap, ok && snap != nil
}

// Age returns how old the stored snapshot is.
func (s *Store) Age(tokenID string) (time.Duration, bool) {
	_, age, ok := s.snaps.GetWithAge(tokenID)
	return age, ok
}

// Put installs a snapshot, carrying over fields the new value does not know.
func (s *Store) Put(snap *Snapshot) {
	s.snaps.Update(snap.TokenID, func(cur *Snapshot, ok bool) *Snapshot {
		if !ok || cur == nil {
			return snap
		}
		next := snap.with()
		if next.TickSize == 0 {
			next.TickSize = cur.TickSize
		}
		if next.MinOrderSize == 0 {
			next.MinOrderSize = cur.MinOrderSize
		}
		if next.Market == "" {
			next.Market = cur.Market
		}
		next.Volume24h = cur.Volume24h
		next.LastTradePrice = cur.LastTradePrice
		return next
	})
}

// Update builds the next snapshot from the current one and swaps it in.
// fn receives nil when the token has no snapshot yet; returning nil keeps the current value.
func (s *Store) Update(tokenID string, fn func(cur *Snapshot) *Snapshot) *Snapshot {
	v, _ := s.snaps.Modify(tokenID, func(cur *Snapshot, _ bool) (*Snapshot, bool) {
		next := fn(cur)
		return next, next != nil
	})
	return v
}

// RecordTrade updates the last trade price and the rolling 24h notional.
func (s *Store) RecordTrade(tokenID string, price, size float64, at time.Time) {
	s.mu.Lock()
	cutoff := at.Add(-volumeWindow)
	marks := s.trades[tokenID]
	kept := marks[:0]
	for _, m := range marks {
		if m.at.After(cutoff) {
			kept = append(kept, m)
		}
	}
	kept = append(kept, tradeMark{at: at, notional: price * size})
	s.trades[tokenID] = kept
	var vol float64
	for _, m := range kept {
		vol += m.notional
	}
	s.mu.Unlock()

	s.Update(tokenID, func(cur *Snapshot) *Snapshot {
		var next *Snapshot
		if cur == nil {
			next = NewSnapshot(tokenID, "", nil, nil, at)
		} else {
			next = cur.with()
		}
		next.LastTradePrice = price
		next.Volume24h = vol
		return next
	})
}

// Mark returns the mid price for valuing positions.
func (s *Store) Mark(tokenID string) (float64, bool) {
	snap, ok := s.Get(tokenID)
	if !ok || snap.Mid <= 0 {
		return 0, false
	}
	return snap.Mid, true
}

// Tokens lists tokens with a snapshot.
func (s *Store) Tokens() []string {
	return s.snaps.Keys()
}
