package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clob-agent/internal/clock"
	"clob-agent/internal/events"
	"clob-agent/internal/order"
	"clob-agent/internal/ratelimit"
	"clob-agent/internal/state"
	"clob-agent/pkg/exchanges/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeExchange struct {
	mu     sync.Mutex
	orders []common.OpenOrder
	err    error
	calls  int
}

func (f *fakeExchange) OpenOrders(context.Context) ([]common.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.orders, f.err
}

type admitLog struct {
	mu      sync.Mutex
	classes []ratelimit.Class
}

func (a *admitLog) Acquire(_ context.Context, c ratelimit.Class) error {
	a.mu.Lock()
	a.classes = append(a.classes, c)
	a.mu.Unlock()
	return nil
}

func setup(t *testing.T) (*order.Manager, *clock.Fake, *events.Bus) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	bus := events.NewBus()
	m := order.NewManager(clk, bus, state.NewManager(nil, nil), zap.NewNop())
	for _, id := range []string{"a", "b"} {
		o := m.Create(common.OrderRequest{ClientID: id, TokenID: "tok", Side: common.SideBuy, Type: common.GTC, Price: 0.4, Size: 50})
		_, err := m.MarkValidated(o.ID)
		require.NoError(t, err)
		_, err = m.MarkSubmitted(o.ID)
		require.NoError(t, err)
		_, err = m.Acknowledge(o.ID, "0x"+id)
		require.NoError(t, err)
	}
	return m, clk, bus
}

func TestReconcileExpiresMissingAndAdoptsUnknown(t *testing.T) {
	m, clk, bus := setup(t)
	clk.Advance(time.Minute)
	ex := &fakeExchange{orders: []common.OpenOrder{
		{ID: "0xa", TokenID: "tok", Side: common.SideBuy, Price: 0.4, OriginalSize: 50, SizeMatched: 10, Type: common.GTC},
		{ID: "0xz", TokenID: "tok2", Side: common.SideSell, Price: 0.7, OriginalSize: 20, Type: common.GTC},
	}}
	admit := &admitLog{}
	sub, unsub := bus.Subscribe(events.EventReconciled, 1)
	defer unsub()

	svc := NewService(ex, m, admit, bus, clk, 0, 30*time.Second, zap.NewNop())
	rep, err := svc.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, []string{"b"}, rep.Expired)
	assert.Equal(t, []string{"0xz"}, rep.Adopted)
	require.Len(t, rep.Gaps, 1)
	assert.Equal(t, "a", rep.Gaps[0].OrderID)
	assert.Equal(t, []ratelimit.Class{ratelimit.Account}, admit.classes)

	b, _ := m.Get("b")
	assert.Equal(t, order.StatusExpired, b.Status)
	assert.Equal(t, order.ReasonLostOnReconnect, b.Reason)

	select {
	case p := <-sub:
		assert.Equal(t, rep.Expired, p.(order.ReconcileReport).Expired)
	default:
		t.Fatal("no reconcile event")
	}

	last, ok := svc.Last()
	require.True(t, ok)
	assert.Equal(t, rep.At, last.At)
}

func TestReconcileRespectsGrace(t *testing.T) {
	m, clk, bus := setup(t)
	clk.Advance(5 * time.Second)
	svc := NewService(&fakeExchange{}, m, nil, bus, clk, 0, 30*time.Second, nil)

	rep, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Expired)
	a, _ := m.Get("a")
	assert.Equal(t, order.StatusAcknowledged, a.Status)
}

func TestReconcileErrorLeavesOrders(t *testing.T) {
	m, clk, bus := setup(t)
	clk.Advance(time.Hour)
	svc := NewService(&fakeExchange{err: errors.New("boom")}, m, nil, bus, clk, 0, 0, nil)

	_, err := svc.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, len(m.List(order.Filter{OpenOnly: true})))
	_, ok := svc.Last()
	assert.False(t, ok)
}

func TestTriggerRunsPass(t *testing.T) {
	m, _, bus := setup(t)
	ex := &fakeExchange{}
	svc := NewService(ex, m, nil, bus, clock.Real{}, 0, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Trigger()
	assert.Eventually(t, func() bool { return svc.Runs() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestNilExchangeIsEmptyPass(t *testing.T) {
	m, _, bus := setup(t)
	svc := NewService(nil, m, nil, bus, nil, 0, 0, nil)
	rep, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Checked)
	assert.Equal(t, 1, svc.Runs())
}
