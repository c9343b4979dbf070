package order

import (
	"time"

	"clob-agent/pkg/exchanges/common"
)

// Status is a lifecycle state.
type Status string

const (
	StatusPlanned         Status = "PLANNED"
	StatusValidated       Status = "VALIDATED"
	StatusSubmitted       Status = "SUBMITTED"
	StatusAcknowledged    Status = "ACKNOWLEDGED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPlanned:         {StatusValidated, StatusRejected},
	StatusValidated:       {StatusSubmitted, StatusRejected, StatusCancelled, StatusExpired},
	StatusSubmitted:       {StatusAcknowledged, StatusRejected, StatusCancelled, StatusExpired},
	StatusAcknowledged:    {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reasons attached to terminal states.
const (
	ReasonSubmissionFailed    = "SubmissionFailed"
	ReasonAdmissionTimeout    = "AdmissionTimeout"
	ReasonLostOnReconnect     = "LostOnReconnect"
	ReasonExpiredLocally      = "ExpiredLocally"
	ReasonCancelRequested     = "CancelRequested"
	ReasonCancelledOnExchange = "CancelledOnExchange"
	ReasonSpreadTooWide       = "SpreadTooWide"
)

// Order is the local record of one submitted order. ID is the client
// correlation id; ExchangeID is set once the exchange accepts it.
type Order struct {
	ID           string           `json:"id"`
	ExchangeID   string           `json:"exchange_id,omitempty"`
	TokenID      string           `json:"token_id"`
	Market       string           `json:"market,omitempty"`
	Side         common.Side      `json:"side"`
	Type         common.OrderType `json:"type"`
	Price        float64          `json:"price"`
	Size         float64          `json:"size"`
	FilledSize   float64          `json:"filled_size"`
	AvgFillPrice float64          `json:"avg_fill_price"`
	Status       Status           `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	Expiration   time.Time        `json:"expiration,omitempty"`
	Attempts     int              `json:"attempts"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Remaining is the unfilled size.
func (o Order) Remaining() float64 {
	if r := o.Size - o.FilledSize; r > 0 {
		return r
	}
	return 0
}

// Notional is price times requested size.
func (o Order) Notional() float64 { return o.Price * o.Size }

// Request rebuilds the signing request for this order.
func (o Order) Request() common.OrderRequest {
	return common.OrderRequest{
		TokenID:    o.TokenID,
		Side:       o.Side,
		Type:       o.Type,
		Price:      o.Price,
		Size:       o.Size,
		Expiration: o.Expiration,
		ClientID:   o.ID,
	}
}

// Update is published for every transition or fill.
type Update struct {
	Order Order  `json:"order"`
	From  Status `json:"from"`
	Fill  *Fill  `json:"fill,omitempty"`
}

// Fill is one execution applied to an order.
type Fill struct {
	EventID string      `json:"event_id"`
	TradeID string      `json:"trade_id"`
	OrderID string      `json:"order_id"`
	TokenID string      `json:"token_id"`
	Market  string      `json:"market,omitempty"`
	Side    common.Side `json:"side"`
	Price   float64     `json:"price"`
	Size    float64     `json:"size"`
	At      time.Time   `json:"at"`
}

// Filter selects orders in List.
type Filter struct {
	TokenID  string
	OpenOnly bool
}

func (f Filter) match(o Order) bool {
	if f.TokenID != "" && o.TokenID != f.TokenID {
		return false
	}
	if f.OpenOnly && o.Status.Terminal() {
		return false
	}
	return true
}
