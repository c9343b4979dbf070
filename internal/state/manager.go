// Package state keeps positions derived from fills and publishes immutable
// portfolio snapshots for risk checks and planning.
package state

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"clob-agent/pkg/exchanges/common"

	"github.com/shopspring/decimal"
)

// Fill is one execution attributed to a token position.
type Fill struct {
	ID      string      `json:"id"`
	OrderID string      `json:"order_id"`
	TokenID string      `json:"token_id"`
	Market  string      `json:"market"`
	Side    common.Side `json:"side"`
	Price   float64     `json:"price"`
	Size    float64     `json:"size"`
	At      time.Time   `json:"at"`
}

// Position is the signed holding in one token.
type Position struct {
	TokenID       string    `json:"token_id"`
	Market        string    `json:"market"`
	Size          float64   `json:"size"`
	AvgPrice      float64   `json:"avg_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Mark          float64   `json:"mark"`
	Fills         int       `json:"fills"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Value is the signed notional of the position at its mark (average price
// when no mark is known).
func (p Position) Value() float64 {
	px := p.Mark
	if px <= 0 {
		px = p.AvgPrice
	}
	return p.Size * px
}

// Marker supplies mark prices.
type Marker interface {
	Mark(tokenID string) (float64, bool)
}

// BalanceSource supplies the spendable collateral.
type BalanceSource interface {
	Available() float64
}

// Manager owns the fill ledgers. Positions are always recomputed from the
// whole ledger of a token, never adjusted in place.
type Manager struct {
	mu        sync.Mutex
	ledgers   map[string][]Fill
	seen      map[string]struct{}
	positions map[string]Position

	marker  Marker
	balance BalanceSource
	now     func() time.Time

	snap atomic.Pointer[PortfolioSnapshot]
}

func NewManager(marker Marker, balance BalanceSource) *Manager {
	m := &Manager{
		ledgers:   make(map[string][]Fill),
		seen:      make(map[string]struct{}),
		positions: make(map[string]Position),
		marker:    marker,
		balance:   balance,
		now:       time.Now,
	}
	m.publishLocked()
	return m
}

// ApplyFill appends f to its token ledger and recomputes the position.
// A fill id already applied is ignored and reported with false.
func (m *Manager) ApplyFill(f Fill) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID != "" {
		if _, dup := m.seen[f.ID]; dup {
			return m.positions[f.TokenID], false
		}
		m.seen[f.ID] = struct{}{}
	}
	if f.At.IsZero() {
		f.At = m.now()
	}
	m.ledgers[f.TokenID] = append(m.ledgers[f.TokenID], f)
	p := recompute(f.TokenID, m.ledgers[f.TokenID])
	if f.Market != "" {
		p.Market = f.Market
	} else {
		p.Market = m.positions[f.TokenID].Market
	}
	p = m.markLocked(p)
	m.positions[f.TokenID] = p
	m.publishLocked()
	return p, true
}

// Revalue refreshes marks and republishes the snapshot. Call it after balance
// syncs and cancels so the snapshot reflects the latest state.
func (m *Manager) Revalue() PortfolioSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.positions {
		m.positions[id] = m.markLocked(p)
	}
	return m.publishLocked()
}

// Snapshot returns the last published snapshot.
func (m *Manager) Snapshot() PortfolioSnapshot {
	return *m.snap.Load()
}

// Position returns the position for a token.
func (m *Manager) Position(tokenID string) Position {
	return m.Snapshot().Positions[tokenID]
}

// Positions returns all non-flat positions sorted by token id.
func (m *Manager) Positions() []Position {
	snap := m.Snapshot()
	out := make([]Position, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// Fills returns a copy of a token's ledger.
func (m *Manager) Fills(tokenID string) []Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Fill(nil), m.ledgers[tokenID]...)
}

func (m *Manager) markLocked(p Position) Position {
	if m.marker != nil {
		if mark, ok := m.marker.Mark(p.TokenID); ok {
			p.Mark = mark
		}
	}
	if p.Mark > 0 && p.Size != 0 {
		p.UnrealizedPnL = (p.Mark - p.AvgPrice) * p.Size
	} else {
		p.UnrealizedPnL = 0
	}
	return p
}

func (m *Manager) publishLocked() PortfolioSnapshot {
	snap := PortfolioSnapshot{
		Positions:      make(map[string]Position, len(m.positions)),
		MarketExposure: make(map[string]float64, len(m.positions)),
		At:             m.now(),
	}
	for id, p := range m.positions {
		if p.Size == 0 && p.RealizedPnL == 0 {
			continue
		}
		snap.Positions[id] = p
		v := p.Value()
		snap.MarketExposure[id] = v
		if v < 0 {
			v = -v
		}
		snap.TotalExposure += v
	}
	if m.balance != nil {
		snap.AvailableBalance = m.balance.Available()
	}
	m.snap.Store(&snap)
	return snap
}

// recompute folds the full ledger with decimal arithmetic using average cost.
func recompute(tokenID string, fills []Fill) Position {
	size := decimal.Zero
	avg := decimal.Zero
	realized := decimal.Zero
	var last time.Time

	for _, f := range fills {
		q := decimal.NewFromFloat(f.Size)
		if f.Side == common.SideSell {
			q = q.Neg()
		}
		px := decimal.NewFromFloat(f.Price)

		switch {
		case size.IsZero() || size.Sign() == q.Sign():
			total := size.Abs().Add(q.Abs())
			if !total.IsZero() {
				avg = size.Abs().Mul(avg).Add(q.Abs().Mul(px)).Div(total)
			}
			size = size.Add(q)
		default:
			closing := decimal.Min(q.Abs(), size.Abs())
			pnl := px.Sub(avg).Mul(closing)
			if size.IsNegative() {
				pnl = pnl.Neg()
			}
			realized = realized.Add(pnl)
			next := size.Add(q)
			switch {
			case next.IsZero():
				avg = decimal.Zero
			case next.Sign() != size.Sign():
				avg = px
			}
			size = next
		}
		if f.At.After(last) {
			last = f.At
		}
	}

	s, _ := size.Float64()
	a, _ := avg.Round(6).Float64()
	r, _ := realized.Round(6).Float64()
	return Position{
		TokenID:     tokenID,
		Size:        s,
		AvgPrice:    a,
		RealizedPnL: r,
		Fills:       len(fills),
		UpdatedAt:   last,
	}
}
