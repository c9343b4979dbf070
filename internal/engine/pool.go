package engine

import (
	"context"
	"sync"

	"clob-agent/pkg/errs"
)

// Pool bounds the number of concurrent tasks (snapshot fetches, order
// dispatches). Go blocks for a free slot rather than queueing unbounded work.
type Pool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{slots: make(chan struct{}, workers)}
}

// Go runs fn on a worker once a slot is free. It fails when the pool is
// closed or ctx ends before a slot frees up.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errs.New(errs.KindInvalidState, "POOL_CLOSED", "worker pool closed")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	}
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		fn()
	}()
	return nil
}

// Each runs fn(i) for i in [0,n) on the pool and waits for all of them.
// Indices that could not be scheduled are reported to onSkip.
func (p *Pool) Each(ctx context.Context, n int, fn func(i int), onSkip func(i int, err error)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		err := p.Go(ctx, func() {
			defer wg.Done()
			fn(i)
		})
		if err != nil {
			wg.Done()
			if onSkip != nil {
				onSkip(i, err)
			}
		}
	}
	wg.Wait()
}

// Busy returns the number of occupied worker slots.
func (p *Pool) Busy() int {
	return len(p.slots)
}

// Size returns the worker count.
func (p *Pool) Size() int {
	return cap(p.slots)
}

// Wait blocks until every scheduled task finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close stops accepting work and waits for running tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
