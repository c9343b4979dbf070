package risk

import (
	"errors"
	"testing"
	"time"

	"clob-agent/internal/market"
	"clob-agent/internal/state"
	"clob-agent/pkg/config"
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"
)

func baseConfig() config.SafetyConfig {
	return config.SafetyConfig{
		MaxOrderSizeUSD:          1000,
		MaxTotalExposureUSD:      5000,
		MaxPositionPerMarketUSD:  2000,
		MinLiquidityRequired:     10000,
		MaxSpreadTolerance:       0.05,
		ConfirmationThresholdUSD: 500,
		AutonomousTrading:        true,
	}
}

func deepBook() *market.Snapshot {
	return market.NewSnapshot("tok", "m",
		[]common.BookLevel{{Price: 0.49, Size: 20000}},
		[]common.BookLevel{{Price: 0.51, Size: 20000}},
		time.Now())
}

func portfolio(total float64, perToken map[string]float64) state.PortfolioSnapshot {
	return state.PortfolioSnapshot{TotalExposure: total, MarketExposure: perToken}
}

func TestValidateOrderedChecks(t *testing.T) {
	thin := market.NewSnapshot("tok", "m",
		[]common.BookLevel{{Price: 0.49, Size: 10}},
		[]common.BookLevel{{Price: 0.51, Size: 10}},
		time.Now())
	wide := market.NewSnapshot("tok", "m",
		[]common.BookLevel{{Price: 0.40, Size: 20000}},
		[]common.BookLevel{{Price: 0.60, Size: 20000}},
		time.Now())

	tests := []struct {
		name   string
		mutate func(*config.SafetyConfig)
		c      Candidate
		pf     state.PortfolioSnapshot
		snap   *market.Snapshot
		want   Reason
	}{
		{
			name:   "disabled wins over everything",
			mutate: func(c *config.SafetyConfig) { c.AutonomousTrading = false },
			c:      Candidate{TokenID: "tok", Side: common.SideBuy, Price: 0.5, Size: 3000},
			snap:   thin,
			want:   TradingDisabled,
		},
		{
			name: "order too large",
			c:    Candidate{TokenID: "tok", Side: common.SideBuy, Price: 0.5, Size: 3000},
			snap: deepBook(),
			want: OrderTooLarge,
		},
		{
			name: "exposure cap",
			c:    Candidate{TokenID: "tok", Side: common.SideBuy, Price: 0.5, Size: 400, Confirmed: true},
			pf:   portfolio(4900, map[string]float64{"other": 1000}),
			snap: deepBook(),
			want: ExposureCapExceeded,
		},
		{
			name: "market cap",
			c:    Candidate{TokenID: "tok", Side: common.SideBuy, Price: 0.5, Size: 400, Confirmed: true},
			pf:   portfolio(1900, map[string]float64{"tok": 1900}),
			snap: deepBook(),
			want: MarketCapExceeded,
		},
		{
			name: "selling down a capped market is allowed",
			c:    Candidate{TokenID: "tok", Side: common.SideSell, Price: 0.5, Size: 400, Confirmed: true},
			pf:   portfolio(2100, map[string]float64{"tok": 2100}),
			snap: deepBook(),
			want: Accepted,
		},
		{
			name: "liquidity",
			c:    Candidate{TokenID: "tok", Side: common.SideBuy, Price: 0.5, Size: 100},
			snap: thin,
			want: InsufficientLiquidity,
		},
		{
			name: "missing snapshot counts as no liquidity",
			c:    Candidate{TokenID: "tok", Side: common.SideBuy, Price: 0.5, Size: 100},
			want: InsufficientLiquidity,
		},
		{
			name: "spread",
			c:    Candidate{TokenID: "tok", Side: common.SideBuy, Price: 0.5, Size: 100},
			snap: wide,
			want: SpreadTooWide,
		},
		{
			name: "confirmation at threshold",
			c:    Candidate{TokenID: "tok", Side: common.SideBuy, Price: 0.5, Size: 1000},
			snap: deepBook(),
			want: ConfirmationRequired,
		},
		{
			name: "confirmed",
			c:    Candidate{TokenID: "tok", Side: common.SideBuy, Price: 0.5, Size: 1000, Confirmed: true},
			snap: deepBook(),
			want: Accepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			got := Validate(tt.c, cfg, tt.pf, tt.snap)
			if got.Reason != tt.want {
				t.Fatalf("reason=%q, expected %q (%s)", got.Reason, tt.want, got.Message)
			}
			if got.Allowed != (tt.want == Accepted) {
				t.Fatalf("allowed=%v for reason %q", got.Allowed, got.Reason)
			}
			// Same inputs, same first failure.
			if again := Validate(tt.c, cfg, tt.pf, tt.snap); again != got {
				t.Fatalf("non-deterministic decision: %+v vs %+v", got, again)
			}
		})
	}
}

func TestOrderTooLargeScenario(t *testing.T) {
	cfg := baseConfig()
	d := Validate(Candidate{TokenID: "tok", Side: common.SideBuy, Price: 0.5, Size: 3000}, cfg, state.PortfolioSnapshot{}, deepBook())
	if d.Allowed || d.Reason != OrderTooLarge {
		t.Fatalf("expected OrderTooLarge, got %+v", d)
	}
	if d.Notional != 1500 {
		t.Fatalf("notional=%v, expected 1500", d.Notional)
	}
	err := d.Err()
	if !errors.Is(err, errs.ErrValidation) || errs.CodeOf(err) != "OrderTooLarge" {
		t.Fatalf("unexpected error %v", err)
	}
}

type countingObserver struct{ reasons []string }

func (c *countingObserver) ValidationRejected(r string) { c.reasons = append(c.reasons, r) }

func TestValidatorUsesSwappedConfig(t *testing.T) {
	store := config.NewSafetyStore(baseConfig())
	v := NewValidator(store)
	obs := &countingObserver{}
	v.SetObserver(obs)

	c := Candidate{TokenID: "tok", Side: common.SideBuy, Price: 0.5, Size: 100}
	if d := v.Check(c, state.PortfolioSnapshot{}, deepBook()); !d.Allowed {
		t.Fatalf("expected accept, got %+v", d)
	}

	next := baseConfig()
	next.AutonomousTrading = false
	if _, err := store.Swap(next); err != nil {
		t.Fatal(err)
	}
	if d := v.Check(c, state.PortfolioSnapshot{}, deepBook()); d.Reason != TradingDisabled {
		t.Fatalf("expected TradingDisabled after swap, got %+v", d)
	}

	m := v.Metrics()
	if m.ChecksTotal != 2 || m.RejectionsTotal != 1 || m.ByReason[TradingDisabled] != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if len(obs.reasons) != 1 || obs.reasons[0] != "TradingDisabled" {
		t.Fatalf("observer saw %v", obs.reasons)
	}
}

func TestSpreadTooWideFor(t *testing.T) {
	cfg := baseConfig()
	wide := market.NewSnapshot("tok", "", []common.BookLevel{{Price: 0.3, Size: 1}}, []common.BookLevel{{Price: 0.7, Size: 1}}, time.Now())
	if SpreadTooWideFor(cfg, wide) {
		t.Fatal("auto cancel disabled but reported true")
	}
	cfg.AutoCancelOnLargeSpread = true
	if !SpreadTooWideFor(cfg, wide) {
		t.Fatal("expected wide spread")
	}
	if SpreadTooWideFor(cfg, deepBook()) {
		t.Fatal("tight book flagged")
	}
}
