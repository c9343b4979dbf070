// Package monitor exposes agent metrics, turns notable internal events into
// operator alerts and serves gRPC health.
package monitor

import (
	"context"
	"sync"

	"clob-agent/internal/events"

	"go.uber.org/zap"
)

// Monitor watches the bus and emits alerts.
type Monitor struct {
	bus    *events.Bus
	sinks  []AlertSink
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewMonitor(bus *events.Bus, logger *zap.Logger, sinks ...AlertSink) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{bus: bus, sinks: sinks, logger: logger}
}

// Start subscribes to every event with a rule. It returns immediately;
// watchers stop when ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	if m.bus == nil || len(m.sinks) == 0 {
		m.logger.Info("monitor not fully configured; skipping")
		return
	}
	for ev, r := range rules {
		stream, unsub := m.bus.Subscribe(ev, 64)
		m.wg.Add(1)
		go m.watch(ctx, ev, r, stream, unsub)
	}
}

// Wait blocks until every watcher has returned.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) watch(ctx context.Context, ev events.Event, r rule, stream <-chan any, unsub func()) {
	defer m.wg.Done()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-stream:
			if !ok {
				return
			}
			a, ok := r(payload)
			if !ok {
				continue
			}
			m.dispatch(ev, a)
		}
	}
}

func (m *Monitor) dispatch(ev events.Event, a Alert) {
	for _, s := range m.sinks {
		if err := s.Send(a); err != nil {
			m.logger.Warn("alert delivery failed", zap.String("event", string(ev)), zap.Error(err))
		}
	}
}
