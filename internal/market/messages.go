package market

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"clob-agent/pkg/exchanges/clob"
	"clob-agent/pkg/exchanges/common"
)

type envelope struct {
	EventType string `json:"event_type"`
}

type bookMsg struct {
	AssetID   string           `json:"asset_id"`
	Market    string           `json:"market"`
	Bids      []clob.WireLevel `json:"bids"`
	Asks      []clob.WireLevel `json:"asks"`
	Buys      []clob.WireLevel `json:"buys"`
	Sells     []clob.WireLevel `json:"sells"`
	Timestamp string           `json:"timestamp"`
}

type priceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
}

type priceChangeMsg struct {
	AssetID      string        `json:"asset_id"`
	Market       string        `json:"market"`
	Changes      []priceChange `json:"changes"`
	PriceChanges []priceChange `json:"price_changes"`
	Timestamp    string        `json:"timestamp"`
}

type tickSizeMsg struct {
	AssetID     string `json:"asset_id"`
	NewTickSize string `json:"new_tick_size"`
	Timestamp   string `json:"timestamp"`
}

type lastTradeMsg struct {
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

type makerOrder struct {
	OrderID       string `json:"order_id"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
	AssetID       string `json:"asset_id"`
	Side          string `json:"side"`
	Owner         string `json:"owner"`
}

type tradeMsg struct {
	ID           string       `json:"id"`
	AssetID      string       `json:"asset_id"`
	Market       string       `json:"market"`
	Side         string       `json:"side"`
	Size         string       `json:"size"`
	Price        string       `json:"price"`
	Status       string       `json:"status"`
	TakerOrderID string       `json:"taker_order_id"`
	MakerOrders  []makerOrder `json:"maker_orders"`
	TraderSide   string       `json:"trader_side"`
	TradeOwner   string       `json:"trade_owner"`
	Timestamp    string       `json:"timestamp"`
}

type orderMsg struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Timestamp    string `json:"timestamp"`
}

// splitFrames returns the individual JSON objects of a frame, which may be
// a single object or an array of objects.
func splitFrames(data []byte) []json.RawMessage {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil
		}
		return items
	}
	return []json.RawMessage{data}
}

func eventType(raw json.RawMessage) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return strings.ToLower(env.EventType)
}

func parseTime(ts string) time.Time {
	ts = strings.TrimSpace(ts)
	if len(ts) > 0 && len(ts) <= 10 {
		return clob.ParseMillis(ts + "000")
	}
	return clob.ParseMillis(ts)
}

// takerIsOwner reports whether the taker leg of t belongs to the account
// identified by the API key owner.
func (t tradeMsg) takerIsOwner(owner string) bool {
	if t.TraderSide != "" {
		return strings.EqualFold(t.TraderSide, "TAKER")
	}
	return owner != "" && t.TradeOwner == owner
}

// fillsFromTrade extracts one fill per order leg of a trade that belongs to
// owner. The user channel delivers the whole trade, so counterparty legs
// appear alongside ours.
func fillsFromTrade(t tradeMsg, owner string) []UserEvent {
	at := parseTime(t.Timestamp)
	var out []UserEvent
	if t.TakerOrderID != "" && t.takerIsOwner(owner) {
		out = append(out, UserEvent{
			Kind:            EventFill,
			EventID:         "trade/" + t.ID + "/" + t.TakerOrderID,
			TradeID:         t.ID,
			ExchangeOrderID: t.TakerOrderID,
			TokenID:         t.AssetID,
			Market:          t.Market,
			Side:            common.Side(strings.ToUpper(t.Side)),
			Price:           parseNum(t.Price),
			Size:            parseNum(t.Size),
			Status:          t.Status,
			At:              at,
		})
	}
	for _, m := range t.MakerOrders {
		if owner == "" || m.Owner != owner {
			continue
		}
		asset := m.AssetID
		if asset == "" {
			asset = t.AssetID
		}
		out = append(out, UserEvent{
			Kind:            EventFill,
			EventID:         "trade/" + t.ID + "/" + m.OrderID,
			TradeID:         t.ID,
			ExchangeOrderID: m.OrderID,
			TokenID:         asset,
			Market:          t.Market,
			Side:            common.Side(strings.ToUpper(m.Side)),
			Price:           parseNum(m.Price),
			Size:            parseNum(m.MatchedAmount),
			Status:          t.Status,
			At:              at,
		})
	}
	return out
}

func eventFromOrder(o orderMsg) (UserEvent, bool) {
	ev := UserEvent{
		ExchangeOrderID: o.ID,
		TokenID:         o.AssetID,
		Market:          o.Market,
		Side:            common.Side(strings.ToUpper(o.Side)),
		Price:           parseNum(o.Price),
		Size:            parseNum(o.OriginalSize),
		SizeMatched:     parseNum(o.SizeMatched),
		Status:          o.Status,
		At:              parseTime(o.Timestamp),
	}
	switch {
	case strings.EqualFold(o.Status, "rejected"):
		ev.Kind = EventReject
		ev.Reason = "rejected by exchange"
	case strings.EqualFold(o.Type, "PLACEMENT"):
		ev.Kind = EventAck
	case strings.EqualFold(o.Type, "CANCELLATION"):
		ev.Kind = EventCancel
		ev.Reason = "cancelled on exchange"
	case strings.EqualFold(o.Type, "UPDATE"):
		ev.Kind = EventUpdate
	default:
		return UserEvent{}, false
	}
	ev.EventID = "order/" + o.ID + "/" + string(ev.Kind) + "/" + o.SizeMatched
	return ev, true
}

func parseNum(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
