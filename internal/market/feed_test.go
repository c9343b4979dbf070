package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"clob-agent/internal/clock"
	"clob-agent/internal/ratelimit"
	"clob-agent/internal/retry"
	"clob-agent/pkg/crypto"
	"clob-agent/pkg/exchanges/common"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBooks struct {
	calls atomic.Int32
	book  common.Book
}

func (s *stubBooks) Book(_ context.Context, tokenID string) (common.Book, error) {
	s.calls.Add(1)
	b := s.book
	b.TokenID = tokenID
	return b, nil
}

type countingAdmitter struct{ n atomic.Int32 }

func (c *countingAdmitter) Acquire(context.Context, ratelimit.Class) error {
	c.n.Add(1)
	return nil
}

func newTestFeed(books common.MarketData, admit Admitter) *Feed {
	creds := func() crypto.APICreds { return crypto.APICreds{Key: "k", Secret: "s", Passphrase: "p"} }
	return NewFeed(FeedConfig{BaseURL: "ws://127.0.0.1:1/ws"}, NewStore(), creds, books, admit, clock.Real{}, nil)
}

func TestHandleMarketBookAndPriceChange(t *testing.T) {
	f := newTestFeed(nil, nil)
	ctx := context.Background()

	f.handleMarket(ctx, []byte(`[{"event_type":"book","asset_id":"tok","market":"0xm",
		"bids":[{"price":"0.48","size":"10"},{"price":"0.49","size":"20"}],
		"asks":[{"price":"0.52","size":"30"}],"timestamp":"1700000000000"}]`))

	snap, ok := f.Store().Get("tok")
	require.True(t, ok)
	assert.Equal(t, 0.49, snap.BestBid)
	assert.Equal(t, 0.52, snap.BestAsk)
	assert.Equal(t, "0xm", snap.Market)

	f.handleMarket(ctx, []byte(`{"event_type":"price_change","market":"0xm","timestamp":"1700000001000",
		"price_changes":[{"asset_id":"tok","price":"0.50","size":"5","side":"BUY"},
		{"asset_id":"tok","price":"0.52","size":"0","side":"SELL"},
		{"asset_id":"tok","price":"0.51","size":"7","side":"SELL"}]}`))

	snap, _ = f.Store().Get("tok")
	assert.Equal(t, 0.50, snap.BestBid)
	assert.Equal(t, 0.51, snap.BestAsk)
	assert.Len(t, snap.Asks, 1)

	f.handleMarket(ctx, []byte(`{"event_type":"tick_size_change","asset_id":"tok","new_tick_size":"0.001"}`))
	f.handleMarket(ctx, []byte(`{"event_type":"last_trade_price","asset_id":"tok","price":"0.5","size":"10","timestamp":"1700000002"}`))

	snap, _ = f.Store().Get("tok")
	assert.Equal(t, 0.001, snap.TickSize)
	assert.Equal(t, 0.5, snap.LastTradePrice)
}

func TestHandleMarketLegacyChangesFormat(t *testing.T) {
	f := newTestFeed(nil, nil)
	f.Store().Put(NewSnapshot("tok", "", []common.BookLevel{lv(0.4, 1)}, []common.BookLevel{lv(0.6, 1)}, time.Now()))

	f.handleMarket(context.Background(), []byte(`{"event_type":"price_change","asset_id":"tok",
		"changes":[{"price":"0.45","size":"3","side":"BUY"}]}`))

	snap, _ := f.Store().Get("tok")
	assert.Equal(t, 0.45, snap.BestBid)
}

func TestHandleUserDeduplicatesTrades(t *testing.T) {
	f := newTestFeed(nil, nil)
	ctx := context.Background()
	trade := []byte(`{"event_type":"trade","id":"t1","asset_id":"tok","market":"0xm","side":"BUY",
		"size":"10","price":"0.5","status":"MATCHED","taker_order_id":"0xtaker","trader_side":"TAKER",
		"maker_orders":[{"order_id":"0xmaker","matched_amount":"10","price":"0.5","side":"SELL","owner":"k"},
		{"order_id":"0xforeign","matched_amount":"4","price":"0.5","side":"SELL","owner":"someone-else"}],
		"timestamp":"1700000000"}`)

	f.handleUser(ctx, trade)
	f.handleUser(ctx, trade)

	var got []UserEvent
	for len(f.Events()) > 0 {
		got = append(got, <-f.Events())
	}
	require.Len(t, got, 2)
	assert.Equal(t, "0xtaker", got[0].ExchangeOrderID)
	assert.Equal(t, common.SideBuy, got[0].Side)
	assert.Equal(t, "0xmaker", got[1].ExchangeOrderID)
	assert.Equal(t, "tok", got[1].TokenID)
	assert.Equal(t, EventFill, got[1].Kind)
	assert.Equal(t, uint64(2), f.Status().Duplicates)
}

func TestHandleUserEmitsOnlyOwnLegs(t *testing.T) {
	f := newTestFeed(nil, nil)
	f.handleUser(context.Background(), []byte(`{"event_type":"trade","id":"t2","asset_id":"tok","side":"BUY",
		"size":"6","price":"0.5","status":"MATCHED","taker_order_id":"0xSOMEONE_ELSE","trader_side":"MAKER",
		"maker_orders":[{"order_id":"0xMINE","matched_amount":"6","price":"0.5","side":"SELL","owner":"k"},
		{"order_id":"0xTHEIRS","matched_amount":"2","price":"0.5","side":"SELL","owner":"other"}]}`))

	require.Len(t, f.Events(), 1)
	ev := <-f.Events()
	assert.Equal(t, "0xMINE", ev.ExchangeOrderID)
	assert.Equal(t, common.SideSell, ev.Side)
	assert.Equal(t, 6.0, ev.Size)
}

func TestFillsFromTradeUsesTradeOwnerWithoutSide(t *testing.T) {
	tr := tradeMsg{ID: "t3", TakerOrderID: "0xt", TradeOwner: "k", Size: "1", Price: "0.4"}
	require.Len(t, fillsFromTrade(tr, "k"), 1)
	assert.Empty(t, fillsFromTrade(tr, "other"))
	assert.Empty(t, fillsFromTrade(tr, ""))
}

func TestHandleUserSkipsFailedTrades(t *testing.T) {
	f := newTestFeed(nil, nil)
	f.handleUser(context.Background(), []byte(`{"event_type":"trade","id":"t9","status":"FAILED","taker_order_id":"x","size":"1","price":"0.5"}`))
	assert.Empty(t, f.Events())
}

func TestHandleUserOrderEvents(t *testing.T) {
	f := newTestFeed(nil, nil)
	ctx := context.Background()
	f.handleUser(ctx, []byte(`{"event_type":"order","id":"0xo","type":"PLACEMENT","asset_id":"tok","side":"BUY","price":"0.5","original_size":"10","size_matched":"0"}`))
	f.handleUser(ctx, []byte(`{"event_type":"order","id":"0xo","type":"CANCELLATION","asset_id":"tok","side":"BUY","price":"0.5","original_size":"10","size_matched":"4"}`))
	f.handleUser(ctx, []byte(`{"event_type":"order","id":"0xo","type":"MYSTERY"}`))

	require.Len(t, f.Events(), 2)
	ack := <-f.Events()
	cancel := <-f.Events()
	assert.Equal(t, EventAck, ack.Kind)
	assert.Equal(t, EventCancel, cancel.Kind)
	assert.Equal(t, 4.0, cancel.SizeMatched)
}

func TestSnapshotFallsBackToRest(t *testing.T) {
	books := &stubBooks{book: common.Book{
		Bids:     []common.BookLevel{lv(0.49, 100)},
		Asks:     []common.BookLevel{lv(0.51, 100)},
		TickSize: 0.01, MinOrderSize: 5, Timestamp: time.Now(),
	}}
	admit := &countingAdmitter{}
	f := newTestFeed(books, admit)

	snap, err := f.Snapshot(context.Background(), "tok")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, snap.Mid, 1e-9)
	assert.Equal(t, 0.01, snap.TickSize)

	_, err = f.Snapshot(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(1), books.calls.Load(), "fresh snapshot served from cache")
	assert.Equal(t, int32(1), admit.n.Load())
}

func TestFramers(t *testing.T) {
	raw, _ := json.Marshal(marketFramer{}.Initial([]string{"a"}))
	assert.JSONEq(t, `{"assets_ids":["a"],"type":"market"}`, string(raw))
	assert.Nil(t, marketFramer{}.Initial(nil))

	raw, _ = json.Marshal(marketFramer{}.Change(false, []string{"a"}))
	assert.JSONEq(t, `{"assets_ids":["a"],"operation":"unsubscribe"}`, string(raw))

	u := userFramer{creds: func() crypto.APICreds { return crypto.APICreds{Key: "k", Secret: "s", Passphrase: "p"} }}
	raw, _ = json.Marshal(u.Initial(nil))
	assert.JSONEq(t, `{"auth":{"apiKey":"k","secret":"s","passphrase":"p"},"markets":[],"type":"user"}`, string(raw))
}

// TestConnReplaysSubscriptionsAfterReconnect drops the first session after a
// live subscribe and expects the second session to open with the full set.
func TestConnReplaysSubscriptionsAfterReconnect(t *testing.T) {
	frames := make(chan string, 16)
	var sessions atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := sessions.Add(1)
		reads := 1
		if n == 1 {
			reads = 2
		}
		for i := 0; i < reads; i++ {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(data)
		}
		if n == 1 {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	reconnected := make(chan struct{}, 1)
	c := NewConn(ConnConfig{
		Name:    "market",
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Backoff: retry.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	}, marketFramer{}, NewSubscriptions("a"), func(context.Context, []byte) {}, clock.Real{}, nil)
	c.OnReconnect(func() { reconnected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	next := func() string {
		select {
		case f := <-frames:
			return f
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frame")
			return ""
		}
	}

	assert.JSONEq(t, `{"assets_ids":["a"],"type":"market"}`, next())
	require.NoError(t, c.Subscribe("b"))
	assert.JSONEq(t, `{"assets_ids":["b"],"operation":"subscribe"}`, next())
	assert.JSONEq(t, `{"assets_ids":["a","b"],"type":"market"}`, next())

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect hook not called")
	}
	assert.Equal(t, int64(1), c.Reconnects())
	assert.Equal(t, Subscribed, c.State())
}
