// Package retry keeps bounded exponential backoff as explicit state
// (attempt count and next eligible time) instead of nested callbacks.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int // 0 means unbounded
}

// State tracks one retry sequence.
type State struct {
	Attempt      int
	NextEligible time.Time
	LastDelay    time.Duration

	policy Policy
	bo     *backoff.ExponentialBackOff
}

// Start begins a sequence. The first attempt is eligible immediately.
func (p Policy) Start(now time.Time) *State {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Base
	bo.MaxInterval = p.Max
	bo.Multiplier = 2
	bo.RandomizationFactor = p.Jitter
	bo.Reset()
	return &State{NextEligible: now, policy: p, bo: bo}
}

// Fail records a failed attempt. It returns false when the attempt budget is
// exhausted; otherwise NextEligible is moved forward by the next backoff delay.
func (s *State) Fail(now time.Time) bool {
	s.Attempt++
	if s.Exhausted() {
		return false
	}
	s.LastDelay = s.bo.NextBackOff()
	s.NextEligible = now.Add(s.LastDelay)
	return true
}

// Exhausted reports whether no attempts remain.
func (s *State) Exhausted() bool {
	return s.policy.MaxAttempts > 0 && s.Attempt >= s.policy.MaxAttempts
}

// Reset clears the sequence after a success.
func (s *State) Reset(now time.Time) {
	s.Attempt = 0
	s.LastDelay = 0
	s.NextEligible = now
	s.bo.Reset()
}

// Wait returns how long until the next attempt is eligible.
func (s *State) Wait(now time.Time) time.Duration {
	if d := s.NextEligible.Sub(now); d > 0 {
		return d
	}
	return 0
}
