// Package ratelimit admits outbound exchange requests through one token
// bucket per endpoint class.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"clob-agent/internal/clock"
	"clob-agent/pkg/config"
	"clob-agent/pkg/errs"

	"golang.org/x/time/rate"
)

// Class names an endpoint class.
type Class string

const (
	OrderSubmit Class = config.ClassOrderSubmit
	OrderCancel Class = config.ClassOrderCancel
	MarketData  Class = config.ClassMarketData
	Account     Class = config.ClassAccount
)

// Observer receives admission outcomes (metrics).
type Observer interface {
	AdmissionWaited(class string, wait time.Duration)
	AdmissionRejected(class string)
}

// bucket wraps a rate.Limiter. Tokens are refilled lazily from elapsed time
// whenever a reservation is made; there is no background refill.
// Reservations are handed out under the limiter's lock in call order, so an
// earlier caller is always granted an earlier (or equal) slot.
type bucket struct {
	lim     *rate.Limiter
	cfg     config.RateClass
	waiting int
}

// Limiter holds one bucket per class.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[Class]*bucket
	fallback config.RateClass
	clock    clock.Clock
	observer Observer
}

// New creates a limiter for the configured classes. Unknown classes get their
// own bucket with the fallback settings on first use.
func New(classes map[string]config.RateClass, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	l := &Limiter{
		buckets:  make(map[Class]*bucket, len(classes)),
		fallback: config.RateClass{Capacity: 10, RefillPerSecond: 1, MaxWait: 5 * time.Second},
		clock:    clk,
	}
	for name, rc := range classes {
		l.buckets[Class(name)] = newBucket(rc, clk.Now())
	}
	return l
}

func newBucket(rc config.RateClass, now time.Time) *bucket {
	lim := rate.NewLimiter(rate.Limit(rc.RefillPerSecond), rc.Capacity)
	// Pin the limiter's notion of "last" to the injected clock.
	lim.SetLimitAt(now, rate.Limit(rc.RefillPerSecond))
	return &bucket{lim: lim, cfg: rc}
}

// SetObserver installs a metrics observer.
func (l *Limiter) SetObserver(o Observer) {
	l.mu.Lock()
	l.observer = o
	l.mu.Unlock()
}

func (l *Limiter) bucket(class Class) (*bucket, Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[class]
	if !ok {
		b = newBucket(l.fallback, l.clock.Now())
		l.buckets[class] = b
	}
	return b, l.observer
}

// Acquire takes one token from the class bucket, waiting in FIFO order for a
// refill. It fails with an AdmissionTimeout error when the wait would exceed
// the class's bounded wait, or when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context, class Class) error {
	b, obs := l.bucket(class)
	now := l.clock.Now()
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return errs.Newf(errs.KindAdmissionTimeout, "RATE_LIMIT_EXCEEDED", "%s: request exceeds bucket capacity", class)
	}
	delay := r.DelayFrom(now)
	if delay > b.cfg.MaxWait {
		r.CancelAt(now)
		if obs != nil {
			obs.AdmissionRejected(string(class))
		}
		return errs.Newf(errs.KindAdmissionTimeout, "RATE_LIMIT_EXCEEDED", "%s: wait %s exceeds bound %s", class, delay, b.cfg.MaxWait)
	}
	if delay == 0 {
		if obs != nil {
			obs.AdmissionWaited(string(class), 0)
		}
		return nil
	}

	l.mu.Lock()
	b.waiting++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		b.waiting--
		l.mu.Unlock()
	}()

	select {
	case <-l.clock.After(delay):
		if obs != nil {
			obs.AdmissionWaited(string(class), delay)
		}
		return nil
	case <-ctx.Done():
		r.CancelAt(l.clock.Now())
		if obs != nil {
			obs.AdmissionRejected(string(class))
		}
		return errs.Wrap(errs.KindAdmissionTimeout, "ADMISSION_CANCELLED", ctx.Err(), string(class))
	}
}

// TokensAt reports the tokens a class bucket would hold at t.
func (l *Limiter) TokensAt(class Class, t time.Time) float64 {
	b, _ := l.bucket(class)
	return b.lim.TokensAt(t)
}

// ClassStatus is a point-in-time view of one bucket.
type ClassStatus struct {
	Class           string        `json:"class"`
	Capacity        int           `json:"capacity"`
	RefillPerSecond float64       `json:"refill_per_second"`
	Tokens          float64       `json:"tokens"`
	MaxWait         time.Duration `json:"max_wait"`
	Waiting         int           `json:"waiting"`
}

// Status lists every bucket, sorted by class.
func (l *Limiter) Status() []ClassStatus {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ClassStatus, 0, len(l.buckets))
	for class, b := range l.buckets {
		out = append(out, ClassStatus{
			Class:           string(class),
			Capacity:        b.cfg.Capacity,
			RefillPerSecond: b.cfg.RefillPerSecond,
			Tokens:          b.lim.TokensAt(now),
			MaxWait:         b.cfg.MaxWait,
			Waiting:         b.waiting,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}
