package clob

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"clob-agent/pkg/exchanges/common"
)

// WireLevel is a price level as the exchange encodes it (decimal strings).
type WireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wireBook struct {
	Market       string      `json:"market"`
	AssetID      string      `json:"asset_id"`
	Bids         []WireLevel `json:"bids"`
	Asks         []WireLevel `json:"asks"`
	Timestamp    string      `json:"timestamp"`
	TickSize     string      `json:"tick_size"`
	MinOrderSize string      `json:"min_order_size"`
}

// ParseLevels converts wire levels and orders them best first.
func ParseLevels(levels []WireLevel, bids bool) []common.BookLevel {
	out := make([]common.BookLevel, 0, len(levels))
	for _, l := range levels {
		p, s := parseFloat(l.Price), parseFloat(l.Size)
		if p <= 0 || s <= 0 {
			continue
		}
		out = append(out, common.BookLevel{Price: p, Size: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if bids {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// ParseMillis parses an epoch-milliseconds string, falling back to now.
func ParseMillis(s string) time.Time {
	if ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Now().UTC()
}

// Book fetches the order book for a token.
func (c *Client) Book(ctx context.Context, tokenID string) (common.Book, error) {
	var w wireBook
	if err := c.do(ctx, http.MethodGet, "/book", url.Values{"token_id": {tokenID}}, nil, authNone, &w); err != nil {
		return common.Book{}, err
	}
	return common.Book{
		TokenID:      w.AssetID,
		Market:       w.Market,
		Bids:         ParseLevels(w.Bids, true),
		Asks:         ParseLevels(w.Asks, false),
		TickSize:     parseFloat(w.TickSize),
		MinOrderSize: parseFloat(w.MinOrderSize),
		Timestamp:    ParseMillis(w.Timestamp),
	}, nil
}

// ServerTime returns the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var sec int64
	if err := c.do(ctx, http.MethodGet, "/time", nil, nil, authNone, &sec); err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}
