package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"
)

// Kind tags an intent on the wire.
type Kind string

const (
	KindSmartExecute Kind = "smart_execute"
	KindRebalance    Kind = "rebalance"
	KindPlaceLimit   Kind = "place_limit"
	KindPlaceMarket  Kind = "place_market"
	KindPlaceBatch   Kind = "place_batch"
	KindCancel       Kind = "cancel"
	KindCancelMarket Kind = "cancel_market"
	KindCancelAll    Kind = "cancel_all"
	KindSuggestPrice Kind = "suggest_price"
)

// Intent is the closed set of requests the agent can make. Only types in
// this package implement it.
type Intent interface {
	Kind() Kind
	// Tokens lists the markets whose snapshots planning needs.
	Tokens() []string
	validate() error
}

// Policy selects how smart execution prices an order.
type Policy string

const (
	PolicyAggressive Policy = "aggressive"
	PolicyPassive    Policy = "passive"
	PolicyMid        Policy = "mid"
)

// SmartExecute buys or sells up to AmountUSD at a price chosen by Policy.
type SmartExecute struct {
	TokenID   string           `json:"token_id"`
	Side      common.Side      `json:"side"`
	AmountUSD float64          `json:"amount_usd"`
	Policy    Policy           `json:"policy"`
	OrderType common.OrderType `json:"order_type,omitempty"`
	Confirmed bool             `json:"confirmed,omitempty"`
}

// Rebalance moves a position to TargetUSD within Slippage of the mid.
type Rebalance struct {
	TokenID   string  `json:"token_id"`
	TargetUSD float64 `json:"target_usd"`
	Slippage  float64 `json:"slippage"`
	Confirmed bool    `json:"confirmed,omitempty"`
}

// PlaceLimit places one order at an explicit price.
type PlaceLimit struct {
	TokenID    string           `json:"token_id"`
	Side       common.Side      `json:"side"`
	Price      float64          `json:"price"`
	Size       float64          `json:"size"`
	OrderType  common.OrderType `json:"order_type,omitempty"`
	Expiration time.Time        `json:"expiration,omitempty"`
	Confirmed  bool             `json:"confirmed,omitempty"`
}

// PlaceMarket crosses the book immediately. Buys spend AmountUSD; sells
// sell Size shares.
type PlaceMarket struct {
	TokenID   string      `json:"token_id"`
	Side      common.Side `json:"side"`
	AmountUSD float64     `json:"amount_usd,omitempty"`
	Size      float64     `json:"size,omitempty"`
	Confirmed bool        `json:"confirmed,omitempty"`
}

// PlaceBatch places several limit orders in one request.
type PlaceBatch struct {
	Orders []PlaceLimit `json:"orders"`
}

// Cancel cancels one order by local or exchange id.
type Cancel struct {
	OrderID string `json:"order_id"`
}

// CancelMarket cancels every open order in a token.
type CancelMarket struct {
	TokenID string `json:"token_id"`
}

// CancelAll cancels every open order.
type CancelAll struct{}

// SuggestPrice previews the price smart execution would use.
type SuggestPrice struct {
	TokenID string      `json:"token_id"`
	Side    common.Side `json:"side"`
	Policy  Policy      `json:"policy"`
}

func (SmartExecute) Kind() Kind { return KindSmartExecute }
func (Rebalance) Kind() Kind    { return KindRebalance }
func (PlaceLimit) Kind() Kind   { return KindPlaceLimit }
func (PlaceMarket) Kind() Kind  { return KindPlaceMarket }
func (PlaceBatch) Kind() Kind   { return KindPlaceBatch }
func (Cancel) Kind() Kind       { return KindCancel }
func (CancelMarket) Kind() Kind { return KindCancelMarket }
func (CancelAll) Kind() Kind    { return KindCancelAll }
func (SuggestPrice) Kind() Kind { return KindSuggestPrice }

func (i SmartExecute) Tokens() []string { return []string{i.TokenID} }
func (i Rebalance) Tokens() []string    { return []string{i.TokenID} }
func (i PlaceLimit) Tokens() []string   { return []string{i.TokenID} }
func (i PlaceMarket) Tokens() []string  { return []string{i.TokenID} }
func (i CancelMarket) Tokens() []string { return nil }
func (Cancel) Tokens() []string         { return nil }
func (CancelAll) Tokens() []string      { return nil }
func (i SuggestPrice) Tokens() []string { return []string{i.TokenID} }

func (i PlaceBatch) Tokens() []string {
	seen := make(map[string]bool, len(i.Orders))
	var out []string
	for _, o := range i.Orders {
		if !seen[o.TokenID] {
			seen[o.TokenID] = true
			out = append(out, o.TokenID)
		}
	}
	return out
}

func invalid(code, format string, args ...any) error {
	return errs.Newf(errs.KindValidation, code, format, args...)
}

func checkToken(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("MISSING_TOKEN", "token_id is required")
	}
	return nil
}

func checkSide(s common.Side) error {
	if !s.Valid() {
		return invalid("INVALID_SIDE", "side must be BUY or SELL, got %q", s)
	}
	return nil
}

func (p Policy) valid() bool {
	return p == PolicyAggressive || p == PolicyPassive || p == PolicyMid
}

func (i SmartExecute) validate() error {
	if err := checkToken(i.TokenID); err != nil {
		return err
	}
	if err := checkSide(i.Side); err != nil {
		return err
	}
	if i.AmountUSD <= 0 {
		return invalid("INVALID_AMOUNT", "amount_usd must be positive")
	}
	if !i.Policy.valid() {
		return invalid("INVALID_POLICY", "policy must be aggressive, passive or mid")
	}
	if i.OrderType != "" && !i.OrderType.Valid() {
		return invalid("INVALID_ORDER_TYPE", "unknown order type %q", i.OrderType)
	}
	return nil
}

func (i Rebalance) validate() error {
	if err := checkToken(i.TokenID); err != nil {
		return err
	}
	if i.TargetUSD < 0 {
		return invalid("INVALID_TARGET", "target_usd must not be negative")
	}
	if i.Slippage < 0 || i.Slippage >= 1 {
		return invalid("INVALID_SLIPPAGE", "slippage must be in [0,1)")
	}
	return nil
}

func (i PlaceLimit) validate() error {
	if err := checkToken(i.TokenID); err != nil {
		return err
	}
	if err := checkSide(i.Side); err != nil {
		return err
	}
	if i.Size <= 0 {
		return invalid("INVALID_SIZE", "size must be positive")
	}
	if i.OrderType != "" && !i.OrderType.Valid() {
		return invalid("INVALID_ORDER_TYPE", "unknown order type %q", i.OrderType)
	}
	if i.OrderType == common.GTD && i.Expiration.IsZero() {
		return invalid("MISSING_EXPIRATION", "GTD orders need an expiration")
	}
	return nil
}

func (i PlaceMarket) validate() error {
	if err := checkToken(i.TokenID); err != nil {
		return err
	}
	if err := checkSide(i.Side); err != nil {
		return err
	}
	if i.Side == common.SideBuy && i.AmountUSD <= 0 {
		return invalid("INVALID_AMOUNT", "market buys need a positive amount_usd")
	}
	if i.Side == common.SideSell && i.Size <= 0 {
		return invalid("INVALID_SIZE", "market sells need a positive size")
	}
	return nil
}

func (i PlaceBatch) validate() error {
	if len(i.Orders) == 0 {
		return invalid("EMPTY_BATCH", "batch has no orders")
	}
	for n, o := range i.Orders {
		if err := o.validate(); err != nil {
			return fmt.Errorf("order %d: %w", n, err)
		}
	}
	return nil
}

func (i Cancel) validate() error {
	if strings.TrimSpace(i.OrderID) == "" {
		return invalid("MISSING_ORDER_ID", "order_id is required")
	}
	return nil
}

func (i CancelMarket) validate() error { return checkToken(i.TokenID) }
func (CancelAll) validate() error      { return nil }

func (i SuggestPrice) validate() error {
	if err := checkToken(i.TokenID); err != nil {
		return err
	}
	if err := checkSide(i.Side); err != nil {
		return err
	}
	if i.Policy != "" && !i.Policy.valid() {
		return invalid("INVALID_POLICY", "policy must be aggressive, passive or mid")
	}
	return nil
}

// Validate checks an intent's fields.
func Validate(i Intent) error {
	if i == nil {
		return invalid("MISSING_INTENT", "intent is required")
	}
	return i.validate()
}

// Decode parses a tagged intent: {"type": "<kind>", ...fields}.
func Decode(data []byte) (Intent, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "BAD_INTENT", err, "decode intent")
	}
	var (
		in  Intent
		err error
	)
	switch Kind(strings.ToLower(string(head.Type))) {
	case KindSmartExecute:
		in, err = decodeAs[SmartExecute](data)
	case KindRebalance:
		in, err = decodeAs[Rebalance](data)
	case KindPlaceLimit:
		in, err = decodeAs[PlaceLimit](data)
	case KindPlaceMarket:
		in, err = decodeAs[PlaceMarket](data)
	case KindPlaceBatch:
		in, err = decodeAs[PlaceBatch](data)
	case KindCancel:
		in, err = decodeAs[Cancel](data)
	case KindCancelMarket:
		in, err = decodeAs[CancelMarket](data)
	case KindCancelAll:
		in, err = decodeAs[CancelAll](data)
	case KindSuggestPrice:
		in, err = decodeAs[SuggestPrice](data)
	default:
		return nil, invalid("UNKNOWN_INTENT", "unknown intent type %q", head.Type)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "BAD_INTENT", err, "decode "+string(head.Type))
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	return in, nil
}

func decodeAs[T Intent](data []byte) (Intent, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// normalize upper-cases sides and order types so "buy" and "BUY" both work.
func normalize(i Intent) Intent {
	up := func(s common.Side) common.Side { return common.Side(strings.ToUpper(string(s))) }
	ut := func(t common.OrderType) common.OrderType { return common.OrderType(strings.ToUpper(string(t))) }
	lp := func(p Policy) Policy {
		if p == "" {
			return PolicyMid
		}
		return Policy(strings.ToLower(string(p)))
	}
	switch v := i.(type) {
	case SmartExecute:
		v.Side, v.OrderType, v.Policy = up(v.Side), ut(v.OrderType), lp(v.Policy)
		return v
	case PlaceLimit:
		v.Side, v.OrderType = up(v.Side), ut(v.OrderType)
		return v
	case PlaceMarket:
		v.Side = up(v.Side)
		return v
	case PlaceBatch:
		for n := range v.Orders {
			v.Orders[n] = normalize(v.Orders[n]).(PlaceLimit)
		}
		return v
	case SuggestPrice:
		v.Side, v.Policy = up(v.Side), lp(v.Policy)
		return v
	}
	return i
}
