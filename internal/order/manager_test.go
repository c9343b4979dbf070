package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"clob-agent/internal/clock"
	"clob-agent/internal/events"
	"clob-agent/internal/market"
	"clob-agent/internal/state"
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu    sync.Mutex
	fills []state.Fill
}

func (s *sinkRecorder) ApplyFill(f state.Fill) (state.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, f)
	return state.Position{}, true
}

func newManager(t *testing.T) (*Manager, *clock.Fake, *sinkRecorder) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	sink := &sinkRecorder{}
	return NewManager(clk, events.NewBus(), sink, nil), clk, sink
}

func acked(t *testing.T, m *Manager, req common.OrderRequest, exchangeID string) Order {
	t.Helper()
	o := m.Create(req)
	_, err := m.MarkValidated(o.ID)
	require.NoError(t, err)
	_, err = m.MarkSubmitted(o.ID)
	require.NoError(t, err)
	o, err = m.Acknowledge(o.ID, exchangeID)
	require.NoError(t, err)
	return o
}

func fill(exchangeID, trade string, price, size float64) market.UserEvent {
	return market.UserEvent{
		Kind:            market.EventFill,
		EventID:         "trade/" + trade + "/" + exchangeID,
		TradeID:         trade,
		ExchangeOrderID: exchangeID,
		Price:           price,
		Size:            size,
	}
}

func TestLifecycleFillsAreIdempotent(t *testing.T) {
	m, _, sink := newManager(t)
	o := acked(t, m, common.OrderRequest{ClientID: "c1", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 100}, "0xa")
	assert.Equal(t, StatusAcknowledged, o.Status)
	assert.Equal(t, 1, o.Attempts)

	m.Apply(fill("0xa", "t1", 0.5, 40))
	m.Apply(fill("0xa", "t1", 0.5, 40))
	got, _ := m.Get("c1")
	assert.Equal(t, StatusPartiallyFilled, got.Status)
	assert.Equal(t, 40.0, got.FilledSize)

	m.Apply(fill("0xa", "t2", 0.49, 60))
	got, _ = m.Get("0xa")
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, 100.0, got.FilledSize)
	assert.InDelta(t, 0.494, got.AvgFillPrice, 1e-9)

	require.Len(t, sink.fills, 2)
	assert.Equal(t, "trade/t1/0xa", sink.fills[0].ID)
	assert.Equal(t, "tok", sink.fills[1].TokenID)
	assert.Equal(t, common.SideBuy, sink.fills[1].Side)
}

func TestIllegalTransition(t *testing.T) {
	m, _, _ := newManager(t)
	o := m.Create(common.OrderRequest{TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 10})
	require.NotEmpty(t, o.ID)

	_, err := m.Acknowledge(o.ID, "0xz")
	assert.True(t, errors.Is(err, errs.ErrInvalidState))

	_, err = m.MarkValidated("missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestFillBeforeAckIsReplayed(t *testing.T) {
	m, _, _ := newManager(t)
	o := m.Create(common.OrderRequest{ClientID: "c1", TokenID: "tok", Side: common.SideSell, Type: common.FOK, Price: 0.6, Size: 10})
	_, _ = m.MarkValidated(o.ID)
	_, _ = m.MarkSubmitted(o.ID)

	m.Apply(fill("0xb", "t1", 0.6, 10))
	assert.Equal(t, 1, m.OrphanFills())

	o, err := m.Acknowledge("c1", "0xb")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.Equal(t, 0, m.OrphanFills())
}

func TestFullOrphanBufferEvictsOldest(t *testing.T) {
	m, _, sink := newManager(t)
	for i := 0; i < maxOrphanFills; i++ {
		m.Apply(fill(fmt.Sprintf("0xunknown%d", i), "t", 0.5, 1))
	}
	require.Equal(t, maxOrphanFills, m.OrphanFills())

	o := m.Create(common.OrderRequest{ClientID: "c1", TokenID: "tok", Side: common.SideBuy, Type: common.FOK, Price: 0.5, Size: 10})
	_, _ = m.MarkValidated(o.ID)
	_, _ = m.MarkSubmitted(o.ID)
	m.Apply(fill("0xmine", "t1", 0.5, 10))
	assert.Equal(t, maxOrphanFills, m.OrphanFills())

	o, err := m.Acknowledge("c1", "0xmine")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.Equal(t, 10.0, o.FilledSize)
	require.Len(t, sink.fills, 1)
	assert.Equal(t, maxOrphanFills-1, m.OrphanFills())
}

func TestOrphanFillsExpire(t *testing.T) {
	m, clk, _ := newManager(t)
	m.SetOrphanTTL(2 * time.Second)
	m.Apply(fill("0xold", "t1", 0.5, 1))
	m.Apply(fill("0xold", "t2", 0.5, 1))
	clk.Advance(3 * time.Second)

	m.Apply(fill("0xnew", "t3", 0.5, 1))
	assert.Equal(t, 1, m.OrphanFills())

	o := m.Create(common.OrderRequest{ClientID: "c1", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 10})
	_, _ = m.MarkValidated(o.ID)
	_, _ = m.MarkSubmitted(o.ID)
	o, err := m.Acknowledge("c1", "0xold")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, o.Status)
	assert.Zero(t, o.FilledSize)
}

func TestZeroPricedFillUsesOrderPrice(t *testing.T) {
	m, _, sink := newManager(t)
	acked(t, m, common.OrderRequest{ClientID: "c1", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.4, Size: 10}, "0xa")

	m.Apply(fill("0xa", "t1", 0, 5))
	got, _ := m.Get("c1")
	assert.InDelta(t, 0.4, got.AvgFillPrice, 1e-9)
	require.Len(t, sink.fills, 1)
	assert.Equal(t, 0.4, sink.fills[0].Price)
}

type adjustableBalance struct {
	mu sync.Mutex
	v  float64
}

func (b *adjustableBalance) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

func (b *adjustableBalance) set(v float64) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func TestCancelRepublishesPortfolio(t *testing.T) {
	funds := &adjustableBalance{v: 100}
	pf := state.NewManager(nil, funds)
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager(clk, events.NewBus(), pf, nil)
	acked(t, m, common.OrderRequest{ClientID: "c1", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 10}, "0xa")
	assert.Equal(t, 100.0, pf.Snapshot().AvailableBalance)

	funds.set(105)
	_, err := m.MarkCancelled("c1", "test")
	require.NoError(t, err)
	assert.Equal(t, 105.0, pf.Snapshot().AvailableBalance)
}

func TestOverfillIsClamped(t *testing.T) {
	m, _, sink := newManager(t)
	acked(t, m, common.OrderRequest{ClientID: "c1", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 10}, "0xa")

	m.Apply(fill("0xa", "t1", 0.5, 6))
	m.Apply(fill("0xa", "t2", 0.5, 6))
	m.Apply(fill("0xa", "t3", 0.5, 6))

	o, _ := m.Get("c1")
	assert.Equal(t, 10.0, o.FilledSize)
	assert.Equal(t, StatusFilled, o.Status)
	require.Len(t, sink.fills, 2)
	assert.Equal(t, 4.0, sink.fills[1].Size)
}

func TestFilledSizeNeverDecreases(t *testing.T) {
	m, _, _ := newManager(t)
	acked(t, m, common.OrderRequest{ClientID: "c1", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 50}, "0xa")

	prev := 0.0
	for i, sz := range []float64{5, 0, 10, 5, 10, 5, 30} {
		trade := string(rune('a' + i%3)) // repeats ids on purpose
		m.Apply(fill("0xa", trade, 0.5, sz))
		o, _ := m.Get("c1")
		assert.GreaterOrEqual(t, o.FilledSize, prev)
		assert.LessOrEqual(t, o.FilledSize, o.Size)
		prev = o.FilledSize
	}
}

func TestLateFillAfterCancelKeepsStatus(t *testing.T) {
	m, _, sink := newManager(t)
	acked(t, m, common.OrderRequest{ClientID: "c1", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 10}, "0xa")

	m.Apply(market.UserEvent{Kind: market.EventCancel, ExchangeOrderID: "0xa", EventID: "order/0xa/cancel/0"})
	m.Apply(fill("0xa", "t1", 0.5, 3))

	o, _ := m.Get("c1")
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, ReasonCancelledOnExchange, o.Reason)
	assert.Equal(t, 3.0, o.FilledSize)
	assert.Len(t, sink.fills, 1)
}

func TestGTDExpiresLocally(t *testing.T) {
	m, clk, _ := newManager(t)
	exp := clk.Now().Add(time.Minute)
	acked(t, m, common.OrderRequest{ClientID: "gtd", TokenID: "tok", Side: common.SideBuy, Type: common.GTD, Price: 0.5, Size: 10, Expiration: exp}, "0xg")
	acked(t, m, common.OrderRequest{ClientID: "gtd2", TokenID: "tok", Side: common.SideBuy, Type: common.GTD, Price: 0.5, Size: 10, Expiration: exp}, "0xh")
	assert.Equal(t, 2, clk.Pending())

	m.Apply(fill("0xh", "t1", 0.5, 10))
	assert.Equal(t, 1, clk.Pending(), "terminal order stops its timer")

	clk.Advance(59 * time.Second)
	o, _ := m.Get("gtd")
	assert.Equal(t, StatusAcknowledged, o.Status)

	clk.Advance(time.Second)
	o, _ = m.Get("gtd")
	assert.Equal(t, StatusExpired, o.Status)
	assert.Equal(t, ReasonExpiredLocally, o.Reason)

	o, _ = m.Get("gtd2")
	assert.Equal(t, StatusFilled, o.Status)
}

func TestReconcile(t *testing.T) {
	m, clk, _ := newManager(t)
	acked(t, m, common.OrderRequest{ClientID: "present", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 10}, "0x1")
	acked(t, m, common.OrderRequest{ClientID: "lost", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 10}, "0x2")
	pending := m.Create(common.OrderRequest{ClientID: "inflight", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 10})
	_, _ = m.MarkValidated(pending.ID)
	_, _ = m.MarkSubmitted(pending.ID)

	clk.Advance(10 * time.Second)
	acked(t, m, common.OrderRequest{ClientID: "fresh", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 10}, "0x3")

	remote := []common.OpenOrder{
		{ID: "0x1", TokenID: "tok", Side: common.SideBuy, Price: 0.5, OriginalSize: 10, SizeMatched: 4, Type: common.GTC},
		{ID: "0x9", TokenID: "tok2", Side: common.SideSell, Price: 0.7, OriginalSize: 20, SizeMatched: 5, Type: common.GTC},
	}
	rep := m.Reconcile(remote, 5*time.Second)

	assert.Equal(t, 3, rep.Checked)
	assert.Equal(t, []string{"lost"}, rep.Expired)
	assert.Equal(t, []string{"0x9"}, rep.Adopted)
	require.Len(t, rep.Gaps, 1)
	assert.Equal(t, "present", rep.Gaps[0].OrderID)

	lost, _ := m.Get("lost")
	assert.Equal(t, StatusExpired, lost.Status)
	assert.Equal(t, ReasonLostOnReconnect, lost.Reason)
	assert.Equal(t, 0.0, lost.FilledSize, "never assumed filled")

	present, _ := m.Get("present")
	assert.Equal(t, StatusAcknowledged, present.Status)
	assert.Equal(t, 0.0, present.FilledSize)

	inflight, _ := m.Get("inflight")
	assert.Equal(t, StatusSubmitted, inflight.Status)

	adopted, ok := m.Get("0x9")
	require.True(t, ok)
	assert.Equal(t, StatusPartiallyFilled, adopted.Status)
	assert.Equal(t, 5.0, adopted.FilledSize)

	// A second pass is stable.
	rep = m.Reconcile(remote, 5*time.Second)
	assert.Empty(t, rep.Expired)
	assert.Empty(t, rep.Adopted)
}

func TestRunPublishesUpdates(t *testing.T) {
	clk := clock.NewFake(time.Now())
	bus := events.NewBus()
	updates, unsub := bus.Subscribe(events.EventOrderUpdate, 16)
	defer unsub()
	m := NewManager(clk, bus, nil, nil)
	acked(t, m, common.OrderRequest{ClientID: "c1", TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.5, Size: 10}, "0xa")

	evs := make(chan market.UserEvent, 1)
	evs <- fill("0xa", "t1", 0.5, 10)
	close(evs)
	m.Run(context.Background(), evs)

	var last Update
	for len(updates) > 0 {
		last = (<-updates).(Update)
	}
	assert.Equal(t, StatusFilled, last.Order.Status)
	assert.Equal(t, StatusAcknowledged, last.From)
	require.NotNil(t, last.Fill)
	assert.Equal(t, 10.0, last.Fill.Size)

	counts := m.Counts()
	assert.Equal(t, 1, counts[StatusFilled])
}
