// Package strategy turns agent intents into concrete orders.
package strategy

import (
	"math"
	"time"

	"clob-agent/internal/market"
	"clob-agent/internal/state"
	"clob-agent/pkg/config"
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlannedOrder is a candidate order ready for validation.
type PlannedOrder struct {
	Request   common.OrderRequest `json:"request"`
	Confirmed bool                `json:"confirmed"`
	Policy    Policy              `json:"policy,omitempty"`
}

// Notional is price times size.
func (p PlannedOrder) Notional() float64 { return p.Request.Price * p.Request.Size }

// Suggestion is the result of a SuggestPrice intent.
type Suggestion struct {
	TokenID string      `json:"token_id"`
	Side    common.Side `json:"side"`
	Policy  Policy      `json:"policy"`
	Price   float64     `json:"price"`
	BestBid float64     `json:"best_bid"`
	BestAsk float64     `json:"best_ask"`
	Mid     float64     `json:"mid"`
	Spread  float64     `json:"spread"`
}

// Plan is the planner's output.
type Plan struct {
	Orders     []PlannedOrder `json:"orders,omitempty"`
	NoOp       bool           `json:"no_op,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Suggestion *Suggestion    `json:"suggestion,omitempty"`
}

// PlanContext carries the snapshots planning reads. Budget caps buy
// notional; zero means no cap.
type PlanContext struct {
	Snapshots map[string]*market.Snapshot
	Portfolio state.PortfolioSnapshot
	Budget    float64
	Now       time.Time
}

// Planner derives order parameters from intents.
type Planner struct {
	cfg   config.PlannerConfig
	newID func() string
}

func NewPlanner(cfg config.PlannerConfig) *Planner {
	return &Planner{cfg: cfg, newID: uuid.NewString}
}

// GridFor returns the tick/lot constraints for a snapshot, falling back to
// configured defaults.
func (p *Planner) GridFor(snap *market.Snapshot) Grid {
	g := Grid{Tick: p.cfg.DefaultTick, Lot: p.cfg.DefaultLot, MinSize: p.cfg.MinOrderSize}
	if snap != nil {
		if snap.TickSize > 0 {
			g.Tick = snap.TickSize
		}
		if snap.MinOrderSize > 0 {
			g.MinSize = snap.MinOrderSize
		}
	}
	return g
}

func infeasible(code, format string, args ...any) error {
	return errs.Newf(errs.KindPlannerInfeasible, code, format, args...)
}

func (p *Planner) snapshot(pc PlanContext, token string, needBook bool) (*market.Snapshot, error) {
	snap := pc.Snapshots[token]
	if needBook && !snap.HasBook() {
		return nil, infeasible("NO_BOOK", "no two-sided book for %s", token)
	}
	return snap, nil
}

// Plan dispatches on the intent. Cancel intents produce no orders and are
// rejected here; the coordinator handles them directly.
func (p *Planner) Plan(in Intent, pc PlanContext) (Plan, error) {
	if err := Validate(in); err != nil {
		return Plan{}, err
	}
	if pc.Now.IsZero() {
		pc.Now = time.Now()
	}
	switch v := in.(type) {
	case SmartExecute:
		return p.smartExecute(v, pc)
	case Rebalance:
		return p.rebalance(v, pc)
	case PlaceLimit:
		o, err := p.placeLimit(v, pc)
		if err != nil {
			return Plan{}, err
		}
		return Plan{Orders: []PlannedOrder{o}}, nil
	case PlaceMarket:
		return p.placeMarket(v, pc)
	case PlaceBatch:
		plan := Plan{Orders: make([]PlannedOrder, 0, len(v.Orders))}
		for _, item := range v.Orders {
			o, err := p.placeLimit(item, pc)
			if err != nil {
				return Plan{}, err
			}
			plan.Orders = append(plan.Orders, o)
		}
		return plan, nil
	case SuggestPrice:
		return p.suggest(v, pc)
	default:
		return Plan{}, errs.Newf(errs.KindValidation, "NOT_PLANNABLE", "%s produces no orders", in.Kind())
	}
}

// PriceFor applies a pricing policy to a snapshot.
func PriceFor(policy Policy, side common.Side, snap *market.Snapshot, tick float64) float64 {
	switch policy {
	case PolicyAggressive:
		if side == common.SideBuy {
			return snap.BestAsk
		}
		return snap.BestBid
	case PolicyPassive:
		if side == common.SideBuy {
			return snap.BestBid
		}
		return snap.BestAsk
	default:
		return RoundTo(snap.Mid, tick)
	}
}

func (p *Planner) smartExecute(in SmartExecute, pc PlanContext) (Plan, error) {
	snap, err := p.snapshot(pc, in.TokenID, true)
	if err != nil {
		return Plan{}, err
	}
	grid := p.GridFor(snap)
	price := PriceFor(in.Policy, in.Side, snap, grid.Tick)
	if err := grid.CheckPrice(price); err != nil {
		return Plan{}, err
	}

	notional := in.AmountUSD
	if in.Side == common.SideBuy && pc.Budget > 0 {
		notional = math.Min(notional, pc.Budget)
	}
	size := FloorTo(toFloat(dec(notional).Div(dec(price))), grid.Lot)
	if in.Side == common.SideSell {
		held := FloorTo(pc.Portfolio.Size(in.TokenID), grid.Lot)
		if held <= 0 {
			return Plan{}, infeasible("NOTHING_TO_SELL", "no position in %s", in.TokenID)
		}
		size = math.Min(size, held)
	}
	if err := grid.CheckSize(size); err != nil {
		return Plan{}, infeasible("BELOW_MIN_SIZE", "amount %.2f at %.4f gives size %v below minimum %v",
			notional, price, size, grid.MinSize)
	}

	typ := in.OrderType
	if typ == "" {
		typ = common.GTC
	}
	return Plan{Orders: []PlannedOrder{{
		Request: common.OrderRequest{
			TokenID:  in.TokenID,
			Side:     in.Side,
			Type:     typ,
			Price:    price,
			Size:     size,
			ClientID: p.newID(),
		},
		Confirmed: in.Confirmed,
		Policy:    in.Policy,
	}}}, nil
}

func (p *Planner) rebalance(in Rebalance, pc PlanContext) (Plan, error) {
	snap, err := p.snapshot(pc, in.TokenID, true)
	if err != nil {
		return Plan{}, err
	}
	grid := p.GridFor(snap)
	mid := snap.Mid

	held := pc.Portfolio.Size(in.TokenID)
	current := dec(held).Mul(dec(mid))
	delta := toFloat(dec(in.TargetUSD).Sub(current))
	if math.Abs(delta) < p.cfg.DustNotional {
		return Plan{NoOp: true, Reason: "position within dust threshold of target"}, nil
	}

	side := common.SideBuy
	bound := FloorTo(toFloat(dec(mid).Mul(dec(1+in.Slippage))), grid.Tick)
	if delta < 0 {
		side = common.SideSell
		bound = CeilTo(toFloat(dec(mid).Mul(dec(1-in.Slippage))), grid.Tick)
	}
	if err := grid.CheckPrice(bound); err != nil {
		return Plan{}, infeasible("PRICE_BOUND", "slippage bound %v is not a valid price: %v", bound, err)
	}

	size := FloorTo(toFloat(dec(math.Abs(delta)).Div(dec(mid))), grid.Lot)
	if side == common.SideSell {
		size = math.Min(size, FloorTo(held, grid.Lot))
	}
	if size < grid.MinSize {
		return Plan{NoOp: true, Reason: "rebalance size below exchange minimum"}, nil
	}
	if depth := snap.DepthWithin(side, bound); depth+1e-9 < size {
		return Plan{}, infeasible("INSUFFICIENT_DEPTH",
			"book offers %.2f within %.4f, need %.2f", depth, bound, size)
	}

	return Plan{Orders: []PlannedOrder{{
		Request: common.OrderRequest{
			TokenID:  in.TokenID,
			Side:     side,
			Type:     common.FOK,
			Price:    bound,
			Size:     size,
			ClientID: p.newID(),
		},
		Confirmed: in.Confirmed,
	}}}, nil
}

func (p *Planner) placeLimit(in PlaceLimit, pc PlanContext) (PlannedOrder, error) {
	snap, _ := p.snapshot(pc, in.TokenID, false)
	grid := p.GridFor(snap)
	if err := grid.CheckPrice(in.Price); err != nil {
		return PlannedOrder{}, err
	}
	if err := grid.CheckSize(in.Size); err != nil {
		return PlannedOrder{}, err
	}
	typ := in.OrderType
	if typ == "" {
		typ = common.GTC
	}
	if typ == common.GTD && !in.Expiration.After(pc.Now) {
		return PlannedOrder{}, errs.New(errs.KindValidation, "EXPIRATION_IN_PAST", "GTD expiration must be in the future")
	}
	return PlannedOrder{
		Request: common.OrderRequest{
			TokenID:    in.TokenID,
			Side:       in.Side,
			Type:       typ,
			Price:      in.Price,
			Size:       in.Size,
			Expiration: in.Expiration,
			ClientID:   p.newID(),
		},
		Confirmed: in.Confirmed,
	}, nil
}

func (p *Planner) placeMarket(in PlaceMarket, pc PlanContext) (Plan, error) {
	snap, err := p.snapshot(pc, in.TokenID, true)
	if err != nil {
		return Plan{}, err
	}
	grid := p.GridFor(snap)

	var size, worst float64
	if in.Side == common.SideBuy {
		amount := in.AmountUSD
		if pc.Budget > 0 {
			amount = math.Min(amount, pc.Budget)
		}
		remaining := dec(amount)
		total := decimal.Zero
		for _, l := range snap.Asks {
			px, sz := dec(l.Price), dec(l.Size)
			cost := px.Mul(sz)
			worst = l.Price
			if cost.GreaterThanOrEqual(remaining) {
				total = total.Add(remaining.Div(px))
				remaining = decimal.Zero
				break
			}
			total = total.Add(sz)
			remaining = remaining.Sub(cost)
		}
		if remaining.IsPositive() {
			return Plan{}, infeasible("INSUFFICIENT_DEPTH", "book cannot absorb %.2f USD", amount)
		}
		size = toFloat(total)
	} else {
		size = math.Min(in.Size, pc.Portfolio.Size(in.TokenID))
		px, ok := snap.WorstPriceFor(common.SideSell, size)
		if !ok {
			return Plan{}, infeasible("INSUFFICIENT_DEPTH", "book cannot absorb %.2f shares", size)
		}
		worst = px
	}
	size = FloorTo(size, grid.Lot)
	if err := grid.CheckSize(size); err != nil {
		return Plan{}, infeasible("BELOW_MIN_SIZE", "market order size %v below minimum %v", size, grid.MinSize)
	}
	return Plan{Orders: []PlannedOrder{{
		Request: common.OrderRequest{
			TokenID:  in.TokenID,
			Side:     in.Side,
			Type:     common.FOK,
			Price:    worst,
			Size:     size,
			ClientID: p.newID(),
		},
		Confirmed: in.Confirmed,
		Policy:    PolicyAggressive,
	}}}, nil
}

func (p *Planner) suggest(in SuggestPrice, pc PlanContext) (Plan, error) {
	snap, err := p.snapshot(pc, in.TokenID, true)
	if err != nil {
		return Plan{}, err
	}
	grid := p.GridFor(snap)
	policy := in.Policy
	if policy == "" {
		policy = PolicyMid
	}
	return Plan{
		NoOp: true,
		Suggestion: &Suggestion{
			TokenID: in.TokenID,
			Side:    in.Side,
			Policy:  policy,
			Price:   PriceFor(policy, in.Side, snap, grid.Tick),
			BestBid: snap.BestBid,
			BestAsk: snap.BestAsk,
			Mid:     snap.Mid,
			Spread:  snap.Spread,
		},
	}, nil
}
