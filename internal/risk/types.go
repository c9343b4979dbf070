package risk

import (
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"
)

// Reason is the first failing check of a rejected candidate.
type Reason string

const (
	Accepted              Reason = ""
	TradingDisabled       Reason = "TradingDisabled"
	OrderTooLarge         Reason = "OrderTooLarge"
	ExposureCapExceeded   Reason = "ExposureCapExceeded"
	MarketCapExceeded     Reason = "MarketCapExceeded"
	InsufficientLiquidity Reason = "InsufficientLiquidity"
	SpreadTooWide         Reason = "SpreadTooWide"
	ConfirmationRequired  Reason = "ConfirmationRequired"
)

// Candidate is an order proposed for submission.
type Candidate struct {
	TokenID   string      `json:"token_id"`
	Side      common.Side `json:"side"`
	Price     float64     `json:"price"`
	Size      float64     `json:"size"`
	Confirmed bool        `json:"confirmed"`
}

// Notional is price times size.
func (c Candidate) Notional() float64 { return c.Price * c.Size }

// Decision is the validator's verdict.
type Decision struct {
	Allowed           bool    `json:"allowed"`
	Reason            Reason  `json:"reason,omitempty"`
	Message           string  `json:"message,omitempty"`
	Notional          float64 `json:"notional"`
	ProjectedExposure float64 `json:"projected_exposure"`
	ProjectedMarket   float64 `json:"projected_market"`
}

// Err converts a rejection into a Validation error carrying the reason code.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return errs.New(errs.KindValidation, string(d.Reason), d.Message)
}
