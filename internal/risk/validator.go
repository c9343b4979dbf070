// Package risk evaluates candidate orders against the configured safety limits.
package risk

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"clob-agent/internal/market"
	"clob-agent/internal/state"
	"clob-agent/pkg/config"
)

const eps = 1e-9

// Validate runs the safety checks in a fixed order and returns the first
// failure. It never mutates its inputs and never errors.
func Validate(c Candidate, cfg config.SafetyConfig, pf state.PortfolioSnapshot, snap *market.Snapshot) Decision {
	notional := c.Notional()
	cur := pf.Exposure(c.TokenID)
	projectedMarket := cur + c.Side.Sign()*notional
	projectedTotal := pf.TotalExposure - math.Abs(cur) + math.Abs(projectedMarket)

	d := Decision{
		Notional:          notional,
		ProjectedExposure: projectedTotal,
		ProjectedMarket:   projectedMarket,
	}
	reject := func(r Reason, format string, args ...any) Decision {
		d.Reason = r
		d.Message = fmt.Sprintf(format, args...)
		return d
	}

	if !cfg.AutonomousTrading {
		return reject(TradingDisabled, "autonomous trading is disabled")
	}
	if notional > cfg.MaxOrderSizeUSD+eps {
		return reject(OrderTooLarge, "order notional %.2f exceeds max order size %.2f", notional, cfg.MaxOrderSizeUSD)
	}
	if projectedTotal > cfg.MaxTotalExposureUSD+eps {
		return reject(ExposureCapExceeded, "projected exposure %.2f exceeds cap %.2f", projectedTotal, cfg.MaxTotalExposureUSD)
	}
	if math.Abs(projectedMarket) > cfg.MaxPositionPerMarketUSD+eps {
		return reject(MarketCapExceeded, "projected position %.2f in %s exceeds per-market cap %.2f",
			math.Abs(projectedMarket), c.TokenID, cfg.MaxPositionPerMarketUSD)
	}
	var liquidity, spread float64 = 0, 1
	if snap != nil {
		liquidity, spread = snap.Liquidity, snap.Spread
	}
	if liquidity+eps < cfg.MinLiquidityRequired {
		return reject(InsufficientLiquidity, "market liquidity %.2f below required %.2f", liquidity, cfg.MinLiquidityRequired)
	}
	if spread > cfg.MaxSpreadTolerance+eps {
		return reject(SpreadTooWide, "spread %.4f exceeds tolerance %.4f", spread, cfg.MaxSpreadTolerance)
	}
	if cfg.ConfirmationThresholdUSD > 0 && notional+eps >= cfg.ConfirmationThresholdUSD && !c.Confirmed {
		return reject(ConfirmationRequired, "order notional %.2f requires explicit confirmation (threshold %.2f)",
			notional, cfg.ConfirmationThresholdUSD)
	}
	d.Allowed = true
	return d
}

// Metrics counts validator outcomes.
type Metrics struct {
	ChecksTotal     uint64            `json:"checks_total"`
	RejectionsTotal uint64            `json:"rejections_total"`
	ByReason        map[Reason]uint64 `json:"by_reason"`
}

// Observer is notified of every rejection.
type Observer interface {
	ValidationRejected(reason string)
}

// Validator applies Validate against the live SafetyConfig and keeps counters.
type Validator struct {
	safety *config.SafetyStore

	checks     atomic.Uint64
	rejections atomic.Uint64
	mu         sync.Mutex
	byReason   map[Reason]uint64
	observer   Observer
}

func NewValidator(safety *config.SafetyStore) *Validator {
	return &Validator{safety: safety, byReason: make(map[Reason]uint64)}
}

// SetObserver installs a rejection observer.
func (v *Validator) SetObserver(o Observer) {
	v.mu.Lock()
	v.observer = o
	v.mu.Unlock()
}

// Config returns the SafetyConfig value currently in force.
func (v *Validator) Config() config.SafetyConfig { return v.safety.Load() }

// Check validates c against one consistent SafetyConfig value.
func (v *Validator) Check(c Candidate, pf state.PortfolioSnapshot, snap *market.Snapshot) Decision {
	d := Validate(c, v.safety.Load(), pf, snap)
	v.checks.Add(1)
	if !d.Allowed {
		v.rejections.Add(1)
		v.mu.Lock()
		v.byReason[d.Reason]++
		o := v.observer
		v.mu.Unlock()
		if o != nil {
			o.ValidationRejected(string(d.Reason))
		}
	}
	return d
}

// Metrics returns a copy of the counters.
func (v *Validator) Metrics() Metrics {
	v.mu.Lock()
	defer v.mu.Unlock()
	by := make(map[Reason]uint64, len(v.byReason))
	for r, n := range v.byReason {
		by[r] = n
	}
	return Metrics{ChecksTotal: v.checks.Load(), RejectionsTotal: v.rejections.Load(), ByReason: by}
}

// SpreadTooWideFor reports whether auto-cancel should fire for snap.
func SpreadTooWideFor(cfg config.SafetyConfig, snap *market.Snapshot) bool {
	if !cfg.AutoCancelOnLargeSpread || snap == nil || !snap.HasBook() {
		return false
	}
	return snap.Spread > cfg.MaxSpreadTolerance+eps
}
