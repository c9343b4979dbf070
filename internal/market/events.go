package market

import (
	"sync"
	"time"

	"clob-agent/pkg/exchanges/common"
)

// UserEventKind classifies private-channel events.
type UserEventKind string

const (
	EventFill   UserEventKind = "fill"
	EventAck    UserEventKind = "ack"
	EventCancel UserEventKind = "cancel"
	EventReject UserEventKind = "reject"
	EventUpdate UserEventKind = "update"
)

// UserEvent is a normalized private-channel event for one order.
type UserEvent struct {
	Kind            UserEventKind
	EventID         string
	TradeID         string
	ExchangeOrderID string
	TokenID         string
	Market          string
	Side            common.Side
	Price           float64
	Size            float64
	SizeMatched     float64
	Status          string
	Reason          string
	At              time.Time
}

// seenSet remembers the most recent event ids in a fixed-size ring.
type seenSet struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 10000
	}
	return &seenSet{ids: make(map[string]struct{}, capacity), ring: make([]string, capacity)}
}

// firstSeen records id and reports whether it was new.
func (s *seenSet) firstSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.ids[id] = struct{}{}
	return true
}
