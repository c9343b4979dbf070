package strategy

import (
	"errors"
	"testing"

	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTaggedIntents(t *testing.T) {
	tests := []struct {
		raw  string
		want Intent
	}{
		{`{"type":"smart_execute","token_id":"t","side":"buy","amount_usd":500,"policy":"Aggressive"}`,
			SmartExecute{TokenID: "t", Side: common.SideBuy, AmountUSD: 500, Policy: PolicyAggressive}},
		{`{"type":"smart_execute","token_id":"t","side":"SELL","amount_usd":5}`,
			SmartExecute{TokenID: "t", Side: common.SideSell, AmountUSD: 5, Policy: PolicyMid}},
		{`{"type":"rebalance","token_id":"t","target_usd":1000,"slippage":0.02,"confirmed":true}`,
			Rebalance{TokenID: "t", TargetUSD: 1000, Slippage: 0.02, Confirmed: true}},
		{`{"type":"place_limit","token_id":"t","side":"buy","price":0.4,"size":10,"order_type":"gtc"}`,
			PlaceLimit{TokenID: "t", Side: common.SideBuy, Price: 0.4, Size: 10, OrderType: common.GTC}},
		{`{"type":"place_market","token_id":"t","side":"BUY","amount_usd":20}`,
			PlaceMarket{TokenID: "t", Side: common.SideBuy, AmountUSD: 20}},
		{`{"type":"cancel","order_id":"abc"}`, Cancel{OrderID: "abc"}},
		{`{"type":"cancel_market","token_id":"t"}`, CancelMarket{TokenID: "t"}},
		{`{"type":"cancel_all"}`, CancelAll{}},
		{`{"type":"suggest_price","token_id":"t","side":"buy"}`,
			SuggestPrice{TokenID: "t", Side: common.SideBuy, Policy: PolicyMid}},
	}
	for _, tt := range tests {
		got, err := Decode([]byte(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestDecodeBatchNormalizesChildren(t *testing.T) {
	in, err := Decode([]byte(`{"type":"place_batch","orders":[
		{"token_id":"a","side":"buy","price":0.1,"size":10},
		{"token_id":"b","side":"sell","price":0.9,"size":10}]}`))
	require.NoError(t, err)
	batch := in.(PlaceBatch)
	assert.Equal(t, common.SideSell, batch.Orders[1].Side)
	assert.Equal(t, []string{"a", "b"}, batch.Tokens())
}

func TestDecodeRejectsBadIntents(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"teleport"}`,
		`{"type":"smart_execute","token_id":"t","side":"HOLD","amount_usd":5}`,
		`{"type":"smart_execute","token_id":"t","side":"BUY","amount_usd":0}`,
		`{"type":"rebalance","token_id":"t","target_usd":10,"slippage":1.5}`,
		`{"type":"place_limit","token_id":"t","side":"BUY","price":0.5,"size":10,"order_type":"GTD"}`,
		`{"type":"place_batch","orders":[]}`,
		`{"type":"cancel"}`,
	} {
		_, err := Decode([]byte(raw))
		assert.True(t, errors.Is(err, errs.ErrValidation), raw)
	}
}
