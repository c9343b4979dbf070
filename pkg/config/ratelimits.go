package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint classes with their own admission bucket.
const (
	ClassOrderSubmit = "order_submit"
	ClassOrderCancel = "order_cancel"
	ClassMarketData  = "market_data"
	ClassAccount     = "account"
)

// RateClass configures one token bucket.
type RateClass struct {
	Capacity        int           `yaml:"capacity" json:"capacity"`
	RefillPerSecond float64       `yaml:"refill_per_second" json:"refill_per_second"`
	MaxWait         time.Duration `yaml:"max_wait" json:"max_wait"`
}

// DefaultRateLimits sits below the exchange's published per-10s burst limits.
func DefaultRateLimits() map[string]RateClass {
	return map[string]RateClass{
		ClassOrderSubmit: {Capacity: 50, RefillPerSecond: 5, MaxWait: 5 * time.Second},
		ClassOrderCancel: {Capacity: 50, RefillPerSecond: 5, MaxWait: 5 * time.Second},
		ClassMarketData:  {Capacity: 100, RefillPerSecond: 10, MaxWait: 5 * time.Second},
		ClassAccount:     {Capacity: 30, RefillPerSecond: 3, MaxWait: 5 * time.Second},
	}
}

type rateLimitFile struct {
	Classes map[string]RateClass `yaml:"classes"`
}

// LoadRateLimits reads per-class overrides from a YAML file:
//
//	classes:
//	  order_submit: {capacity: 20, refill_per_second: 2, max_wait: 3s}
func LoadRateLimits(path string) (map[string]RateClass, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limits %s: %w", path, err)
	}
	var f rateLimitFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rate limits %s: %w", path, err)
	}
	out := make(map[string]RateClass, len(f.Classes))
	for class, rc := range f.Classes {
		if rc.MaxWait == 0 {
			rc.MaxWait = 5 * time.Second
		}
		out[class] = rc
	}
	return out, nil
}
