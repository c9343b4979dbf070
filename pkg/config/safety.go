package config

import (
	"sync/atomic"

	"clob-agent/pkg/errs"
)

// SafetyConfig is the immutable set of pre-trade risk limits.
type SafetyConfig struct {
	MaxOrderSizeUSD          float64 `json:"max_order_size_usd"`
	MaxTotalExposureUSD      float64 `json:"max_total_exposure_usd"`
	MaxPositionPerMarketUSD  float64 `json:"max_position_per_market_usd"`
	MinLiquidityRequired     float64 `json:"min_liquidity_required"`
	MaxSpreadTolerance       float64 `json:"max_spread_tolerance"`
	ConfirmationThresholdUSD float64 `json:"confirmation_threshold_usd"`
	AutonomousTrading        bool    `json:"autonomous_trading"`
	AutoCancelOnLargeSpread  bool    `json:"auto_cancel_on_large_spread"`
}

// Validate rejects negative limits and a spread tolerance outside [0,1].
func (s SafetyConfig) Validate() error {
	if s.MaxSpreadTolerance < 0 || s.MaxSpreadTolerance > 1 {
		return errs.New(errs.KindConfig, "MAX_SPREAD_TOLERANCE", "must be between 0 and 1")
	}
	for name, v := range map[string]float64{
		"MAX_ORDER_SIZE_USD":             s.MaxOrderSizeUSD,
		"MAX_TOTAL_EXPOSURE_USD":         s.MaxTotalExposureUSD,
		"MAX_POSITION_SIZE_PER_MARKET":   s.MaxPositionPerMarketUSD,
		"MIN_LIQUIDITY_REQUIRED":         s.MinLiquidityRequired,
		"REQUIRE_CONFIRMATION_ABOVE_USD": s.ConfirmationThresholdUSD,
	} {
		if v < 0 {
			return errs.Newf(errs.KindConfig, name, "%s must not be negative", name)
		}
	}
	return nil
}

// SafetyStore publishes the active SafetyConfig. Readers always see a whole value;
// a reload replaces it in one step.
type SafetyStore struct {
	v atomic.Pointer[SafetyConfig]
}

// NewSafetyStore creates a store holding cfg.
func NewSafetyStore(cfg SafetyConfig) *SafetyStore {
	s := &SafetyStore{}
	c := cfg
	s.v.Store(&c)
	return s
}

// Load returns a copy of the active limits.
func (s *SafetyStore) Load() SafetyConfig {
	return *s.v.Load()
}

// Swap validates and installs cfg, returning the previous value.
func (s *SafetyStore) Swap(cfg SafetyConfig) (SafetyConfig, error) {
	if err := cfg.Validate(); err != nil {
		return SafetyConfig{}, err
	}
	c := cfg
	return *s.v.Swap(&c), nil
}
