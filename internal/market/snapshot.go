// Package market maintains the live market view: two resilient streaming
// connections, the last-known snapshot per token and the private event stream.
package market

import (
	"time"

	"clob-agent/pkg/exchanges/common"
)

// Snapshot is an immutable view of one token's book. A new value is built for
// every update and swapped into the Store; existing values are never modified.
type Snapshot struct {
	TokenID        string             `json:"token_id"`
	Market         string             `json:"market"`
	BestBid        float64            `json:"best_bid"`
	BestAsk        float64            `json:"best_ask"`
	Mid            float64            `json:"mid"`
	Spread         float64            `json:"spread"`
	Bids           []common.BookLevel `json:"bids"`
	Asks           []common.BookLevel `json:"asks"`
	Volume24h      float64            `json:"volume_24h"`
	Liquidity      float64            `json:"liquidity"`
	LastTradePrice float64            `json:"last_trade_price"`
	TickSize       float64            `json:"tick_size"`
	MinOrderSize   float64            `json:"min_order_size"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// NewSnapshot derives best prices, spread and liquidity from sorted levels
// (bids descending, asks ascending). A one-sided book has a spread of 1.
func NewSnapshot(tokenID, market string, bids, asks []common.BookLevel, at time.Time) *Snapshot {
	s := &Snapshot{
		TokenID:   tokenID,
		Market:    market,
		Bids:      bids,
		Asks:      asks,
		UpdatedAt: at,
	}
	s.derive()
	return s
}

func (s *Snapshot) derive() {
	s.BestBid, s.BestAsk, s.Mid, s.Spread, s.Liquidity = 0, 0, 0, 0, 0
	if len(s.Bids) > 0 {
		s.BestBid = s.Bids[0].Price
	}
	if len(s.Asks) > 0 {
		s.BestAsk = s.Asks[0].Price
	}
	switch {
	case s.BestBid > 0 && s.BestAsk > 0:
		s.Mid = (s.BestBid + s.BestAsk) / 2
		s.Spread = s.BestAsk - s.BestBid
	case s.BestBid > 0:
		s.Mid, s.Spread = s.BestBid, 1
	case s.BestAsk > 0:
		s.Mid, s.Spread = s.BestAsk, 1
	default:
		s.Spread = 1
	}
	for _, l := range s.Bids {
		s.Liquidity += l.Price * l.Size
	}
	for _, l := range s.Asks {
		s.Liquidity += l.Price * l.Size
	}
}

// with returns a shallow copy for building the next value.
func (s *Snapshot) with() *Snapshot {
	next := *s
	return &next
}

// WithLevels returns a copy carrying new book levels.
func (s *Snapshot) WithLevels(bids, asks []common.BookLevel, at time.Time) *Snapshot {
	next := s.with()
	next.Bids, next.Asks, next.UpdatedAt = bids, asks, at
	next.derive()
	return next
}

// HasBook reports whether both sides are quoted.
func (s *Snapshot) HasBook() bool {
	return s != nil && s.BestBid > 0 && s.BestAsk > 0
}

// DepthWithin sums the size available to a taker on side up to a price bound:
// asks priced at or below limit for buys, bids at or above limit for sells.
func (s *Snapshot) DepthWithin(side common.Side, limit float64) float64 {
	var total float64
	if side == common.SideBuy {
		for _, l := range s.Asks {
			if l.Price > limit+1e-12 {
				break
			}
			total += l.Size
		}
		return total
	}
	for _, l := range s.Bids {
		if l.Price < limit-1e-12 {
			break
		}
		total += l.Size
	}
	return total
}

// WorstPriceFor walks the opposing side to fill size and returns the last
// price touched, or false when the book is too thin.
func (s *Snapshot) WorstPriceFor(side common.Side, size float64) (float64, bool) {
	levels := s.Asks
	if side == common.SideSell {
		levels = s.Bids
	}
	remaining := size
	for _, l := range levels {
		remaining -= l.Size
		if remaining <= 1e-12 {
			return l.Price, true
		}
	}
	return 0, false
}

// upsertLevel returns a new level slice with price set to size (0 removes it),
// keeping the order best first.
func upsertLevel(levels []common.BookLevel, price, size float64, bids bool) []common.BookLevel {
	out := make([]common.BookLevel, 0, len(levels)+1)
	inserted := false
	for _, l := range levels {
		if l.Price == price {
			if size > 0 {
				out = append(out, common.BookLevel{Price: price, Size: size})
			}
			inserted = true
			continue
		}
		better := (bids && price > l.Price) || (!bids && price < l.Price)
		if !inserted && better {
			if size > 0 {
				out = append(out, common.BookLevel{Price: price, Size: size})
			}
			inserted = true
		}
		out = append(out, l)
	}
	if !inserted && size > 0 {
		out = append(out, common.BookLevel{Price: price, Size: size})
	}
	return out
}
