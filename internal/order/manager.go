// Package order owns the authoritative local view of submitted orders. Every
// mutation goes through the transition table and is serialized per order.
package order

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"clob-agent/internal/clock"
	"clob-agent/internal/events"
	"clob-agent/internal/market"
	"clob-agent/internal/state"
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sizeEps        = 1e-6
	maxOrphanFills = 1024

	// DefaultOrphanTTL bounds how long a fill may wait for its order's
	// acknowledgement.
	DefaultOrphanTTL = 5 * time.Second
)

// FillSink receives every fill applied to an order.
type FillSink interface {
	ApplyFill(f state.Fill) (state.Position, bool)
}

// Revaluer republishes the portfolio snapshot. A FillSink that implements it
// is revalued whenever an order leaves the book without a fill.
type Revaluer interface {
	Revalue() state.PortfolioSnapshot
}

// Journal records transitions and fills for audit.
type Journal interface {
	RecordOrder(o Order, from Status)
	RecordFill(f Fill)
}

type orphan struct {
	ev market.UserEvent
	at time.Time
}

type entry struct {
	mu    sync.Mutex
	order Order
	fills map[string]struct{}
	timer clock.Timer
}

// Manager is the single source of truth for order state.
type Manager struct {
	mu         sync.RWMutex
	orders     map[string]*entry
	byExchange map[string]*entry
	orphans    map[string][]orphan
	orphanQ    []string
	orphanN    int
	orphanTTL  time.Duration

	clock   clock.Clock
	bus     *events.Bus
	fills   FillSink
	journal Journal
	logger  *zap.Logger

	hookMu   sync.RWMutex
	onUpdate []func(Update)
}

func NewManager(clk clock.Clock, bus *events.Bus, fills FillSink, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		orders:     make(map[string]*entry),
		byExchange: make(map[string]*entry),
		orphans:    make(map[string][]orphan),
		orphanTTL:  DefaultOrphanTTL,
		clock:      clk,
		bus:        bus,
		fills:      fills,
		logger:     logger.Named("orders"),
	}
}

// SetJournal installs an audit journal.
func (m *Manager) SetJournal(j Journal) { m.journal = j }

// SetOrphanTTL sets how long unmatched fills are kept.
func (m *Manager) SetOrphanTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.orphanTTL = d
	m.mu.Unlock()
}

// OnUpdate registers fn to observe every update. fn runs while the order is
// locked and must not call back into the manager.
func (m *Manager) OnUpdate(fn func(Update)) {
	m.hookMu.Lock()
	m.onUpdate = append(m.onUpdate, fn)
	m.hookMu.Unlock()
}

// Create records a new order in Planned. An empty ClientID gets a fresh uuid.
func (m *Manager) Create(req common.OrderRequest) Order {
	id := req.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	now := m.clock.Now()
	e := &entry{
		order: Order{
			ID:         id,
			TokenID:    req.TokenID,
			Side:       req.Side,
			Type:       req.Type,
			Price:      req.Price,
			Size:       req.Size,
			Expiration: req.Expiration,
			Status:     StatusPlanned,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		fills: make(map[string]struct{}),
	}
	m.mu.Lock()
	m.orders[id] = e
	m.mu.Unlock()

	e.mu.Lock()
	m.emitLocked(e, "", nil)
	e.mu.Unlock()
	return e.order
}

// Get returns an order by correlation id or exchange id.
func (m *Manager) Get(id string) (Order, bool) {
	e := m.lookup(id)
	if e == nil {
		return Order{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order, true
}

// List returns matching orders, oldest first.
func (m *Manager) List(f Filter) []Order {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.orders))
	for _, e := range m.orders {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Order, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		o := e.order
		e.mu.Unlock()
		if f.match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.orders[id]; ok {
		return e
	}
	return m.byExchange[id]
}

// mutate runs fn with the order locked. fn returns the target status (or ""
// to keep the current one) and the fill to publish, if any.
func (m *Manager) mutate(id string, fn func(o *Order) (Status, *Fill, error)) (Order, error) {
	e := m.lookup(id)
	if e == nil {
		return Order{}, errs.Newf(errs.KindNotFound, "ORDER_NOT_FOUND", "order %s not found", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.order.Status
	next := e.order
	to, fill, err := fn(&next)
	if err != nil {
		return e.order, err
	}
	if to != "" && to != from {
		if !CanTransition(from, to) {
			return e.order, errs.Newf(errs.KindInvalidState, "ILLEGAL_TRANSITION",
				"order %s: %s -> %s", e.order.ID, from, to)
		}
		next.Status = to
	}
	next.UpdatedAt = m.clock.Now()
	e.order = next
	if e.order.Status.Terminal() && e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	m.emitLocked(e, from, fill)
	return e.order, nil
}

func (m *Manager) transition(id string, to Status, reason string) (Order, error) {
	return m.mutate(id, func(o *Order) (Status, *Fill, error) {
		if reason != "" {
			o.Reason = reason
		}
		return to, nil, nil
	})
}

func (m *Manager) emitLocked(e *entry, from Status, fill *Fill) {
	u := Update{Order: e.order, From: from, Fill: fill}
	m.bus.Publish(events.EventOrderUpdate, u)
	if fill != nil {
		m.bus.Publish(events.EventOrderFill, *fill)
	}
	if m.journal != nil {
		m.journal.RecordOrder(e.order, from)
		if fill != nil {
			m.journal.RecordFill(*fill)
		}
	}
	m.hookMu.RLock()
	hooks := m.onUpdate
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(u)
	}
	if fill == nil && from != "" && !from.Terminal() && e.order.Status.Terminal() {
		if r, ok := m.fills.(Revaluer); ok {
			r.Revalue()
		}
	}
}

// MarkValidated records that the safety checks passed.
func (m *Manager) MarkValidated(id string) (Order, error) {
	return m.transition(id, StatusValidated, "")
}

// RecordAttempt counts a dispatch attempt that did not reach the exchange.
// The order stays Validated.
func (m *Manager) RecordAttempt(id string) (Order, error) {
	return m.mutate(id, func(o *Order) (Status, *Fill, error) {
		o.Attempts++
		return "", nil, nil
	})
}

// MarkSubmitted records that a signed request reached the exchange.
func (m *Manager) MarkSubmitted(id string) (Order, error) {
	return m.mutate(id, func(o *Order) (Status, *Fill, error) {
		o.Attempts++
		return StatusSubmitted, nil, nil
	})
}

// Acknowledge binds the exchange id, arms the GTD expiry timer and replays
// any fills that arrived before the acknowledgement.
func (m *Manager) Acknowledge(id, exchangeID string) (Order, error) {
	e := m.lookup(id)
	if e == nil {
		return Order{}, errs.Newf(errs.KindNotFound, "ORDER_NOT_FOUND", "order %s not found", id)
	}
	o, err := m.mutate(id, func(o *Order) (Status, *Fill, error) {
		o.ExchangeID = exchangeID
		return StatusAcknowledged, nil, nil
	})
	if err != nil {
		return o, err
	}

	m.mu.Lock()
	m.byExchange[exchangeID] = e
	pending := m.orphans[exchangeID]
	delete(m.orphans, exchangeID)
	m.orphanN -= len(pending)
	m.mu.Unlock()

	if o.Type == common.GTD && !o.Expiration.IsZero() {
		m.armExpiry(e, o.Expiration)
	}
	for _, p := range pending {
		m.Apply(p.ev)
	}
	o, _ = m.Get(id)
	return o, nil
}

func (m *Manager) armExpiry(e *entry, at time.Time) {
	d := at.Sub(m.clock.Now())
	if d < 0 {
		d = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	id := e.order.ID
	e.timer = m.clock.AfterFunc(d, func() { m.expireLocally(id) })
}

func (m *Manager) expireLocally(id string) {
	o, err := m.mutate(id, func(o *Order) (Status, *Fill, error) {
		if o.Status.Terminal() {
			return "", nil, nil
		}
		o.Reason = ReasonExpiredLocally
		return StatusExpired, nil, nil
	})
	if err == nil && o.Status == StatusExpired && o.Reason == ReasonExpiredLocally {
		m.logger.Info("order expired locally", zap.String("id", o.ID), zap.String("exchange_id", o.ExchangeID))
	}
}

// Reject moves an order to Rejected with reason.
func (m *Manager) Reject(id, reason string) (Order, error) {
	return m.transition(id, StatusRejected, reason)
}

// MarkCancelled moves a non-terminal order to Cancelled. Cancelling a
// terminal order is a no-op.
func (m *Manager) MarkCancelled(id, reason string) (Order, error) {
	return m.mutate(id, func(o *Order) (Status, *Fill, error) {
		if o.Status.Terminal() {
			return "", nil, nil
		}
		o.Reason = reason
		return StatusCancelled, nil, nil
	})
}

// Run applies feed events in delivery order until ctx ends or events closes.
func (m *Manager) Run(ctx context.Context, evs <-chan market.UserEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			m.Apply(ev)
		}
	}
}

// Apply routes one private-channel event to its order.
func (m *Manager) Apply(ev market.UserEvent) {
	switch ev.Kind {
	case market.EventFill:
		if err := m.applyFill(ev); err != nil {
			m.logger.Warn("fill not applied", zap.String("event_id", ev.EventID), zap.Error(err))
		}
	case market.EventAck:
		if e := m.lookup(ev.ExchangeOrderID); e != nil {
			_, _ = m.mutate(ev.ExchangeOrderID, func(o *Order) (Status, *Fill, error) {
				if o.Status == StatusSubmitted {
					return StatusAcknowledged, nil, nil
				}
				return "", nil, nil
			})
		}
	case market.EventCancel:
		if m.lookup(ev.ExchangeOrderID) == nil {
			return
		}
		o, _ := m.MarkCancelled(ev.ExchangeOrderID, ReasonCancelledOnExchange)
		if ev.SizeMatched > o.FilledSize+sizeEps {
			m.logger.Warn("cancelled with fills not yet seen",
				zap.String("id", o.ID), zap.Float64("remote_matched", ev.SizeMatched), zap.Float64("local_filled", o.FilledSize))
		}
	case market.EventReject:
		if m.lookup(ev.ExchangeOrderID) == nil {
			return
		}
		_, err := m.mutate(ev.ExchangeOrderID, func(o *Order) (Status, *Fill, error) {
			if o.Status.Terminal() {
				return "", nil, nil
			}
			o.Reason = ev.Reason
			return StatusRejected, nil, nil
		})
		if err != nil {
			m.logger.Warn("reject not applied", zap.Error(err))
		}
	case market.EventUpdate:
		if o, ok := m.Get(ev.ExchangeOrderID); ok && ev.SizeMatched > o.FilledSize+sizeEps {
			m.logger.Debug("remote fill progress ahead of local",
				zap.String("id", o.ID), zap.Float64("remote_matched", ev.SizeMatched), zap.Float64("local_filled", o.FilledSize))
		}
	}
}

func (m *Manager) applyFill(ev market.UserEvent) error {
	if ev.Size <= 0 {
		return nil
	}
	m.mu.Lock()
	e := m.byExchange[ev.ExchangeOrderID]
	if e == nil {
		m.pruneOrphansLocked(m.clock.Now())
		m.orphans[ev.ExchangeOrderID] = append(m.orphans[ev.ExchangeOrderID], orphan{ev: ev, at: m.clock.Now()})
		m.orphanQ = append(m.orphanQ, ev.ExchangeOrderID)
		m.orphanN++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var applied *Fill
	o, err := m.mutate(ev.ExchangeOrderID, func(o *Order) (Status, *Fill, error) {
		if _, seen := e.fills[ev.EventID]; seen {
			return "", nil, nil
		}
		size := ev.Size
		var gap error
		if o.FilledSize+size > o.Size+sizeEps {
			gap = errs.Newf(errs.KindReconciliationGap, "OVERFILL",
				"order %s: fill %.6f would exceed requested %.6f (filled %.6f)", o.ID, size, o.Size, o.FilledSize)
			size = o.Size - o.FilledSize
			if size <= sizeEps {
				e.fills[ev.EventID] = struct{}{}
				return "", nil, gap
			}
		}
		e.fills[ev.EventID] = struct{}{}

		price := ev.Price
		if price <= 0 {
			price = o.Price
		}
		total := o.FilledSize + size
		o.AvgFillPrice = (o.AvgFillPrice*o.FilledSize + price*size) / total
		o.FilledSize = math.Min(total, o.Size)
		if o.Market == "" {
			o.Market = ev.Market
		}
		applied = &Fill{
			EventID: ev.EventID,
			TradeID: ev.TradeID,
			OrderID: o.ID,
			TokenID: o.TokenID,
			Market:  o.Market,
			Side:    o.Side,
			Price:   price,
			Size:    size,
			At:      ev.At,
		}
		if gap != nil {
			m.logger.Warn("overfill clamped", zap.Error(gap))
		}

		switch {
		case o.Status.Terminal():
			// Late fill after a terminal state: count it, keep the status.
			return "", applied, nil
		case o.Size-o.FilledSize <= sizeEps:
			return StatusFilled, applied, nil
		default:
			return StatusPartiallyFilled, applied, nil
		}
	})
	if err != nil {
		return err
	}
	if applied != nil && m.fills != nil {
		m.fills.ApplyFill(state.Fill{
			ID:      applied.EventID,
			OrderID: o.ID,
			TokenID: applied.TokenID,
			Market:  applied.Market,
			Side:    applied.Side,
			Price:   applied.Price,
			Size:    applied.Size,
			At:      applied.At,
		})
	}
	return nil
}

// pruneOrphansLocked drops buffered fills older than the orphan TTL, then
// evicts the oldest until there is room for one more. Queue entries whose
// order was acknowledged in the meantime are skipped.
func (m *Manager) pruneOrphansLocked(now time.Time) {
	for len(m.orphanQ) > 0 {
		id := m.orphanQ[0]
		pending := m.orphans[id]
		if len(pending) == 0 {
			m.orphanQ = m.orphanQ[1:]
			continue
		}
		if now.Sub(pending[0].at) < m.orphanTTL && m.orphanN < maxOrphanFills {
			return
		}
		m.logger.Warn("dropping unmatched fill",
			zap.String("exchange_id", id), zap.String("event_id", pending[0].ev.EventID),
			zap.Duration("age", now.Sub(pending[0].at)))
		if len(pending) == 1 {
			delete(m.orphans, id)
		} else {
			m.orphans[id] = pending[1:]
		}
		m.orphanQ = m.orphanQ[1:]
		m.orphanN--
	}
}

// OrphanFills counts buffered fills whose order has not been acknowledged.
func (m *Manager) OrphanFills() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orphanN
}

// Counts returns the number of orders per status.
func (m *Manager) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, o := range m.List(Filter{}) {
		out[o.Status]++
	}
	return out
}
