package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync keeps the offset between local and exchange server time so that
// signed timestamps are not rejected for skew.
type TimeSync struct {
	getServerTime func(ctx context.Context) (time.Time, error)
	offset        time.Duration // server - local
	lastSync      time.Time
	syncInterval  time.Duration
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewTimeSync creates a time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (time.Time, error), logger *zap.Logger) *TimeSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
		logger:        logger,
	}
}

// Start syncs once and then periodically until ctx ends.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.logger.Warn("initial time sync failed", zap.Error(err))
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					ts.logger.Warn("time sync failed", zap.Error(err))
				}
			}
		}
	}()
}

// Sync measures the offset assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now()
	server, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now()
	local := before.Add(after.Sub(before) / 2)

	ts.mu.Lock()
	ts.offset = server.Sub(local)
	ts.lastSync = after
	offset := ts.offset
	ts.mu.Unlock()

	ts.logger.Debug("time sync", zap.Duration("offset", offset))
	return nil
}

// Now returns local time adjusted by the server offset.
func (ts *TimeSync) Now() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().Add(ts.offset)
}

// Offset returns the current offset.
func (ts *TimeSync) Offset() time.Duration {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
