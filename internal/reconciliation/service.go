// Package reconciliation periodically compares local open orders with the
// exchange's open-order list.
package reconciliation

import (
	"context"
	"sync"
	"time"

	"clob-agent/internal/clock"
	"clob-agent/internal/events"
	"clob-agent/internal/order"
	"clob-agent/internal/ratelimit"
	"clob-agent/pkg/exchanges/common"

	"go.uber.org/zap"
)

// ExchangeClient lists the account's open orders.
type ExchangeClient interface {
	OpenOrders(ctx context.Context) ([]common.OpenOrder, error)
}

// Admitter gates the open-order query.
type Admitter interface {
	Acquire(ctx context.Context, class ratelimit.Class) error
}

// Service runs reconciliation on a timer and on demand (feed reconnects).
type Service struct {
	exchange ExchangeClient
	orders   *order.Manager
	admit    Admitter
	bus      *events.Bus
	clock    clock.Clock
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	last    *order.ReconcileReport
	runs    int
	trigger chan struct{}
}

// NewService creates a reconciliation service. A nil exchange (demo mode)
// makes every pass an empty report.
func NewService(exchange ExchangeClient, orders *order.Manager, admit Admitter, bus *events.Bus, clk clock.Clock, interval, grace time.Duration, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		exchange: exchange,
		orders:   orders,
		admit:    admit,
		bus:      bus,
		clock:    clk,
		interval: interval,
		grace:    grace,
		logger:   logger.Named("reconcile"),
		trigger:  make(chan struct{}, 1),
	}
}

// Start begins periodic reconciliation and serves Trigger requests.
func (s *Service) Start(ctx context.Context) {
	go func() {
		for {
			var tick <-chan time.Time
			if s.interval > 0 {
				tick = s.clock.After(s.interval)
			}
			select {
			case <-ctx.Done():
				return
			case <-tick:
			case <-s.trigger:
			}
			if _, err := s.Reconcile(ctx); err != nil {
				s.logger.Warn("reconciliation failed", zap.Error(err))
			}
		}
	}()
	s.logger.Info("reconciliation service started", zap.Duration("interval", s.interval), zap.Duration("grace", s.grace))
}

// Trigger requests a pass as soon as possible. Requests made while one is
// pending collapse into it.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Reconcile performs one pass.
func (s *Service) Reconcile(ctx context.Context) (order.ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exchange == nil {
		rep := order.ReconcileReport{At: s.clock.Now()}
		s.record(rep)
		return rep, nil
	}
	if s.admit != nil {
		if err := s.admit.Acquire(ctx, ratelimit.Account); err != nil {
			return order.ReconcileReport{}, err
		}
	}
	remote, err := s.exchange.OpenOrders(ctx)
	if err != nil {
		return order.ReconcileReport{}, err
	}
	rep := s.orders.Reconcile(remote, s.grace)
	s.handleReport(rep)
	s.record(rep)
	s.bus.Publish(events.EventReconciled, rep)
	return rep, nil
}

func (s *Service) record(rep order.ReconcileReport) {
	s.last = &rep
	s.runs++
}

// Last returns the most recent report.
func (s *Service) Last() (order.ReconcileReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return order.ReconcileReport{}, false
	}
	return *s.last, true
}

// Runs counts completed passes.
func (s *Service) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Service) handleReport(rep order.ReconcileReport) {
	for _, g := range rep.Gaps {
		s.logger.Warn("fill progress behind exchange",
			zap.String("id", g.OrderID),
			zap.String("exchange_id", g.ExchangeID),
			zap.Float64("local_filled", g.LocalFilled),
			zap.Float64("remote_matched", g.RemoteMatched))
	}
	for _, id := range rep.Expired {
		s.logger.Warn("order missing on exchange, expired", zap.String("id", id))
	}
	for _, id := range rep.Adopted {
		s.logger.Info("adopted unknown exchange order", zap.String("exchange_id", id))
	}
	if len(rep.Gaps)+len(rep.Expired)+len(rep.Adopted) == 0 {
		s.logger.Debug("reconciliation ok", zap.Int("checked", rep.Checked), zap.Int("remote", rep.Remote))
	}
}
