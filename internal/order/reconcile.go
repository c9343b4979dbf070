package order

import (
	"time"

	"clob-agent/pkg/exchanges/common"

	"go.uber.org/zap"
)

// Gap is a difference between local and remote fill progress that only
// future trade events can close.
type Gap struct {
	OrderID       string  `json:"order_id"`
	ExchangeID    string  `json:"exchange_id"`
	LocalFilled   float64 `json:"local_filled"`
	RemoteMatched float64 `json:"remote_matched"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked int       `json:"checked"`
	Remote  int       `json:"remote"`
	Expired []string  `json:"expired"`
	Adopted []string  `json:"adopted"`
	Gaps    []Gap     `json:"gaps"`
	At      time.Time `json:"at"`
}

// Reconcile compares open local orders against the exchange's open-order
// list. Local orders missing remotely are expired as LostOnReconnect rather
// than assumed filled. Orders updated within grace are left alone so a fresh
// acknowledgement is not raced by a list taken just before it. Remote orders
// unknown locally are adopted as Acknowledged.
func (m *Manager) Reconcile(remote []common.OpenOrder, grace time.Duration) ReconcileReport {
	now := m.clock.Now()
	rep := ReconcileReport{Remote: len(remote), At: now}

	byID := make(map[string]common.OpenOrder, len(remote))
	for _, r := range remote {
		byID[r.ID] = r
	}

	for _, o := range m.List(Filter{OpenOnly: true}) {
		if o.ExchangeID == "" {
			continue
		}
		if o.Status != StatusAcknowledged && o.Status != StatusPartiallyFilled {
			continue
		}
		rep.Checked++
		r, ok := byID[o.ExchangeID]
		if !ok {
			if now.Sub(o.UpdatedAt) < grace {
				continue
			}
			if _, err := m.mutate(o.ID, func(o *Order) (Status, *Fill, error) {
				if o.Status.Terminal() {
					return "", nil, nil
				}
				o.Reason = ReasonLostOnReconnect
				return StatusExpired, nil, nil
			}); err == nil {
				rep.Expired = append(rep.Expired, o.ID)
			}
			continue
		}
		if r.SizeMatched > o.FilledSize+sizeEps {
			rep.Gaps = append(rep.Gaps, Gap{
				OrderID:       o.ID,
				ExchangeID:    o.ExchangeID,
				LocalFilled:   o.FilledSize,
				RemoteMatched: r.SizeMatched,
			})
		}
	}

	for _, r := range remote {
		if m.lookup(r.ID) != nil {
			continue
		}
		m.adopt(r, now)
		rep.Adopted = append(rep.Adopted, r.ID)
	}

	if len(rep.Expired) > 0 || len(rep.Gaps) > 0 || len(rep.Adopted) > 0 {
		m.logger.Warn("reconciliation found differences",
			zap.Int("expired", len(rep.Expired)),
			zap.Int("gaps", len(rep.Gaps)),
			zap.Int("adopted", len(rep.Adopted)))
	}
	return rep
}

func (m *Manager) adopt(r common.OpenOrder, now time.Time) {
	status := StatusAcknowledged
	if r.SizeMatched > sizeEps {
		status = StatusPartiallyFilled
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	e := &entry{
		order: Order{
			ID:         r.ID,
			ExchangeID: r.ID,
			TokenID:    r.TokenID,
			Market:     r.Market,
			Side:       r.Side,
			Type:       r.Type,
			Price:      r.Price,
			Size:       r.OriginalSize,
			FilledSize: r.SizeMatched,
			Status:     status,
			Expiration: r.Expiration,
			CreatedAt:  created,
			UpdatedAt:  now,
		},
		fills: make(map[string]struct{}),
	}
	m.mu.Lock()
	if _, exists := m.byExchange[r.ID]; exists {
		m.mu.Unlock()
		return
	}
	m.orders[r.ID] = e
	m.byExchange[r.ID] = e
	m.mu.Unlock()

	e.mu.Lock()
	m.emitLocked(e, "", nil)
	e.mu.Unlock()
	if e.order.Type == common.GTD && !e.order.Expiration.IsZero() {
		m.armExpiry(e, e.order.Expiration)
	}
}
