package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"clob-agent/internal/balance"
	"clob-agent/internal/clock"
	"clob-agent/internal/engine"
	"clob-agent/internal/events"
	"clob-agent/internal/market"
	"clob-agent/internal/order"
	"clob-agent/internal/ratelimit"
	"clob-agent/internal/risk"
	"clob-agent/internal/state"
	"clob-agent/internal/strategy"
	"clob-agent/pkg/config"
	"clob-agent/pkg/exchanges/common"

	"go.uber.org/zap"
)

// dry_run_demo pushes a few intents through planning and the safety
// validator against a synthetic book. Nothing is signed or sent.
//
// Usage:
//   go run ./scripts/dry_run_demo

type staticBooks map[string]*market.Snapshot

func (b staticBooks) Snapshot(_ context.Context, tokenID string) (*market.Snapshot, error) {
	if s, ok := b[tokenID]; ok {
		return s, nil
	}
	return market.NewSnapshot(tokenID, "", nil, nil, time.Now()), nil
}

func book(tokenID string, bid, ask float64) *market.Snapshot {
	var bids, asks []common.BookLevel
	for i := 0; i < 5; i++ {
		step := float64(i) * 0.01
		bids = append(bids, common.BookLevel{Price: bid - step, Size: 20000})
		asks = append(asks, common.BookLevel{Price: ask + step, Size: 20000})
	}
	s := market.NewSnapshot(tokenID, "demo-market", bids, asks, time.Now())
	s.TickSize, s.MinOrderSize = 0.01, 5
	return s
}

func main() {
	log.Println("=== DRY-RUN demo starting ===")

	safety := config.SafetyConfig{
		MaxOrderSizeUSD:          1000,
		MaxTotalExposureUSD:      5000,
		MaxPositionPerMarketUSD:  2000,
		MinLiquidityRequired:     10000,
		MaxSpreadTolerance:       0.05,
		ConfirmationThresholdUSD: 500,
		AutonomousTrading:        true,
	}
	logger := zap.NewNop()
	bus := events.NewBus()
	funds := balance.NewManager(nil, nil, 0, logger)
	funds.SetInitialBalance(10000)
	portfolio := state.NewManager(nil, funds)

	eng := engine.New(engine.Config{
		Planner:   strategy.NewPlanner(config.PlannerConfig{DefaultTick: 0.01, DefaultLot: 0.01, MinOrderSize: 5, DustNotional: 1}),
		Validator: risk.NewValidator(config.NewSafetyStore(safety)),
		Orders:    order.NewManager(clock.Real{}, bus, portfolio, logger),
		Portfolio: portfolio,
		Funds:     funds,
		Snapshots: staticBooks{
			"tight": book("tight", 0.48, 0.50),
			"wide":  book("wide", 0.30, 0.60),
		},
		Admitter: ratelimit.New(config.DefaultRateLimits(), nil),
		Bus:      bus,
		DemoMode: true,
		Logger:   logger,
	})
	defer eng.Close()

	scenarios := []struct {
		name string
		in   strategy.Intent
	}{
		{"smart buy $200 at mid", strategy.SmartExecute{TokenID: "tight", Side: common.SideBuy, AmountUSD: 200, Policy: strategy.PolicyMid}},
		{"limit order over the size cap", strategy.PlaceLimit{TokenID: "tight", Side: common.SideBuy, Price: 0.49, Size: 3000}},
		{"large order without confirmation", strategy.SmartExecute{TokenID: "tight", Side: common.SideBuy, AmountUSD: 800}},
		{"same order confirmed", strategy.SmartExecute{TokenID: "tight", Side: common.SideBuy, AmountUSD: 800, Confirmed: true}},
		{"wide spread market", strategy.SmartExecute{TokenID: "wide", Side: common.SideBuy, AmountUSD: 100}},
		{"rebalance to $300", strategy.Rebalance{TokenID: "tight", TargetUSD: 300, Slippage: 0.02}},
		{"suggested price", strategy.SuggestPrice{TokenID: "tight", Side: common.SideSell, Policy: strategy.PolicyPassive}},
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for i, sc := range scenarios {
		log.Printf("[SCENARIO %d] %s", i+1, sc.name)
		res := eng.Submit(context.Background(), sc.in)
		if err := enc.Encode(res); err != nil {
			log.Fatalf("encode: %v", err)
		}
	}
	log.Println("=== DRY-RUN demo finished ===")
}
