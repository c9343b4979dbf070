package engine

import (
	"time"

	"clob-agent/internal/market"
	"clob-agent/internal/order"
	"clob-agent/internal/ratelimit"
	"clob-agent/internal/risk"
	"clob-agent/internal/state"
	"clob-agent/internal/strategy"
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"
)

// OutcomePreview marks an order that was planned and validated but not sent.
const OutcomePreview order.Status = "PREVIEW"

// OrderOutcome is what happened to one planned order.
type OrderOutcome struct {
	ClientID   string              `json:"client_id,omitempty"`
	ExchangeID string              `json:"exchange_id,omitempty"`
	Request    common.OrderRequest `json:"request"`
	Status     order.Status        `json:"status"`
	Reason     string              `json:"reason,omitempty"`
	Decision   risk.Decision       `json:"decision"`
	Attempts   int                 `json:"attempts"`
	Error      *ErrorInfo          `json:"error,omitempty"`
}

// Accepted reports whether the exchange acknowledged the order.
func (o OrderOutcome) Accepted() bool {
	switch o.Status {
	case order.StatusAcknowledged, order.StatusPartiallyFilled, order.StatusFilled:
		return true
	}
	return false
}

// ErrorInfo is the serialisable form of an errs.Error.
type ErrorInfo struct {
	Kind    errs.Kind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
}

func errorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: errs.KindOf(err), Code: errs.CodeOf(err), Message: err.Error()}
}

// CancelOutcome lists the orders a cancel request affected.
type CancelOutcome struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled,omitempty"`
	// WouldCancel lists local order ids a previewed cancel would target.
	WouldCancel []string `json:"would_cancel,omitempty"`
}

// SpreadCancel is published when the spread guard pulls a market's orders.
type SpreadCancel struct {
	TokenID   string    `json:"token_id"`
	Spread    float64   `json:"spread"`
	Tolerance float64   `json:"tolerance"`
	Canceled  []string  `json:"canceled"`
	At        time.Time `json:"at"`
}

// ExecutionResult is returned for every submitted intent.
type ExecutionResult struct {
	Intent     strategy.Kind        `json:"intent"`
	Preview    bool                 `json:"preview"`
	NoOp       bool                 `json:"no_op,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Orders     []OrderOutcome       `json:"orders,omitempty"`
	Cancel     *CancelOutcome       `json:"cancel,omitempty"`
	Suggestion *strategy.Suggestion `json:"suggestion,omitempty"`
	Error      *ErrorInfo           `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	Duration   time.Duration        `json:"duration_ns"`
}

// Err returns the intent-level error, if any.
func (r ExecutionResult) Err() error {
	if r.Error == nil {
		return nil
	}
	return errs.New(r.Error.Kind, r.Error.Code, r.Error.Message)
}

// SystemStatus backs the status resource.
type SystemStatus struct {
	DemoMode   bool                    `json:"demo_mode"`
	Feed       *market.Status          `json:"feed,omitempty"`
	Orders     map[order.Status]int    `json:"orders"`
	Orphans    int                     `json:"orphan_fills"`
	Portfolio  state.PortfolioSnapshot `json:"portfolio"`
	Validator  risk.Metrics            `json:"validator"`
	RateLimits []ratelimit.ClassStatus `json:"rate_limits,omitempty"`
	Workers    PoolStatus              `json:"workers"`
	StartedAt  time.Time               `json:"started_at"`
	Uptime     string                  `json:"uptime"`
}

// PoolStatus reports worker pool occupancy.
type PoolStatus struct {
	Size int `json:"size"`
	Busy int `json:"busy"`
}
