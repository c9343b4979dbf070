package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"clob-agent/internal/clock"
	"clob-agent/internal/events"
	"clob-agent/internal/market"
	"clob-agent/internal/order"
	"clob-agent/internal/ratelimit"
	"clob-agent/internal/retry"
	"clob-agent/internal/risk"
	"clob-agent/internal/state"
	"clob-agent/internal/strategy"
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"

	"go.uber.org/zap"
)

// ReasonSigningFailed is attached to orders the signer could not build.
const ReasonSigningFailed = "SigningFailed"

// Admitter gates outbound requests per endpoint class.
type Admitter interface {
	Acquire(ctx context.Context, class ratelimit.Class) error
}

// SnapshotSource serves market snapshots, cached or fetched.
type SnapshotSource interface {
	Snapshot(ctx context.Context, tokenID string) (*market.Snapshot, error)
}

// Funds is the collateral the coordinator budgets against and reserves for
// resting buys.
type Funds interface {
	Available() float64
	Lock(amount float64) error
	Unlock(amount float64)
}

// FeedStatus reports streaming connection state.
type FeedStatus interface {
	Status() market.Status
}

// LimitStatus reports rate-limit bucket state.
type LimitStatus interface {
	Status() []ratelimit.ClassStatus
}

// Observer receives dispatch metrics.
type Observer interface {
	SubmissionRetried()
	IntentExecuted(kind string, took time.Duration, failed bool)
}

// Config holds the collaborators of an Engine.
type Config struct {
	Planner   *strategy.Planner
	Validator *risk.Validator
	Orders    *order.Manager
	Portfolio *state.Manager
	Funds     Funds
	Snapshots SnapshotSource
	Admitter  Admitter
	Gateway   common.Gateway
	Signer    common.OrderSigner
	Bus       *events.Bus
	Clock     clock.Clock
	Retry     retry.Policy
	Workers   int
	DemoMode  bool

	// Optional status sources
	Feed   FeedStatus
	Limits LimitStatus

	Logger *zap.Logger
}

// Engine implements Service.
type Engine struct {
	planner   *strategy.Planner
	validator *risk.Validator
	orders    *order.Manager
	portfolio *state.Manager
	funds     Funds
	snapshots SnapshotSource
	admit     Admitter
	gateway   common.Gateway
	signer    common.OrderSigner
	bus       *events.Bus
	clock     clock.Clock
	retry     retry.Policy
	pool      *Pool
	demo      bool
	feed      FeedStatus
	limits    LimitStatus
	logger    *zap.Logger
	started   time.Time

	obsMu    sync.RWMutex
	observer Observer

	resMu    sync.Mutex
	reserved map[string]float64
}

// New creates an engine. Gateway and Signer may be nil in demo mode.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e := &Engine{
		planner:   cfg.Planner,
		validator: cfg.Validator,
		orders:    cfg.Orders,
		portfolio: cfg.Portfolio,
		funds:     cfg.Funds,
		snapshots: cfg.Snapshots,
		admit:     cfg.Admitter,
		gateway:   cfg.Gateway,
		signer:    cfg.Signer,
		bus:       cfg.Bus,
		clock:     cfg.Clock,
		retry:     cfg.Retry,
		pool:      NewPool(cfg.Workers),
		demo:      cfg.DemoMode || cfg.Gateway == nil || cfg.Signer == nil,
		feed:      cfg.Feed,
		limits:    cfg.Limits,
		logger:    cfg.Logger.Named("engine"),
		started:   cfg.Clock.Now(),
		reserved:  make(map[string]float64),
	}
	if e.funds != nil && e.orders != nil {
		e.orders.OnUpdate(e.releaseOnTerminal)
	}
	return e
}

// SetObserver installs a metrics observer.
func (e *Engine) SetObserver(o Observer) {
	e.obsMu.Lock()
	e.observer = o
	e.obsMu.Unlock()
}

// DemoMode reports whether dispatch is disabled.
func (e *Engine) DemoMode() bool { return e.demo }

// Close waits for in-flight dispatches.
func (e *Engine) Close() { e.pool.Close() }

// Submit plans, validates and, unless in demo mode, dispatches the intent.
// It returns once every order is acknowledged or rejected; fills arrive later
// through the order manager.
func (e *Engine) Submit(ctx context.Context, in strategy.Intent) ExecutionResult {
	return e.execute(ctx, in, e.demo)
}

// Preview runs planning and validation only.
func (e *Engine) Preview(ctx context.Context, in strategy.Intent) ExecutionResult {
	return e.execute(ctx, in, true)
}

func (e *Engine) execute(ctx context.Context, in strategy.Intent, preview bool) (res ExecutionResult) {
	if in == nil {
		return ExecutionResult{Error: errorInfo(errs.New(errs.KindValidation, "EMPTY_INTENT", "intent is required"))}
	}
	start := e.clock.Now()
	res = ExecutionResult{Intent: in.Kind(), Preview: preview, StartedAt: start}
	defer func() {
		res.Duration = e.clock.Now().Sub(start)
		if o := e.currentObserver(); o != nil && !preview {
			o.IntentExecuted(string(res.Intent), res.Duration, res.Error != nil)
		}
	}()

	if err := strategy.Validate(in); err != nil {
		res.Error = errorInfo(err)
		return res
	}

	switch v := in.(type) {
	case strategy.Cancel, strategy.CancelMarket, strategy.CancelAll:
		out, err := e.cancelIntent(ctx, v, preview)
		res.Cancel = &out
		res.Error = errorInfo(err)
		return res
	}

	snaps, fetchErr := e.fetchSnapshots(ctx, in.Tokens())
	pf := e.portfolio.Snapshot()
	pc := strategy.PlanContext{Snapshots: snaps, Portfolio: pf, Now: start}
	if e.funds != nil {
		pc.Budget = e.funds.Available()
	}

	plan, err := e.planner.Plan(in, pc)
	if err != nil {
		if errs.CodeOf(err) == "NO_BOOK" && fetchErr != nil {
			err = fetchErr
		}
		e.logger.Info("intent not planned", zap.String("intent", string(in.Kind())), zap.Error(err))
		res.Error = errorInfo(err)
		return res
	}
	res.NoOp = plan.NoOp
	res.Reason = plan.Reason
	res.Suggestion = plan.Suggestion
	if len(plan.Orders) == 0 {
		return res
	}
	res.Orders = e.place(ctx, plan.Orders, snaps, pf, preview)
	return res
}

// fetchSnapshots loads every token's snapshot concurrently on the pool.
func (e *Engine) fetchSnapshots(ctx context.Context, tokens []string) (map[string]*market.Snapshot, error) {
	tokens = dedupe(tokens)
	snaps := make(map[string]*market.Snapshot, len(tokens))
	if e.snapshots == nil || len(tokens) == 0 {
		return snaps, nil
	}
	var (
		mu       sync.Mutex
		firstErr error
	)
	record := func(token string, snap *market.Snapshot, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			e.logger.Warn("snapshot unavailable", zap.String("token", token), zap.Error(err))
			return
		}
		snaps[token] = snap
	}
	e.pool.Each(ctx, len(tokens), func(i int) {
		snap, err := e.snapshots.Snapshot(ctx, tokens[i])
		record(tokens[i], snap, err)
	}, func(i int, err error) {
		record(tokens[i], nil, err)
	})
	return snaps, firstErr
}

// place validates every planned order in plan order against a portfolio that
// accumulates the earlier accepted orders, then dispatches the accepted ones
// concurrently.
func (e *Engine) place(ctx context.Context, planned []strategy.PlannedOrder, snaps map[string]*market.Snapshot, pf state.PortfolioSnapshot, preview bool) []OrderOutcome {
	outs := make([]OrderOutcome, len(planned))
	var accepted []int
	for i, po := range planned {
		req := po.Request
		c := risk.Candidate{TokenID: req.TokenID, Side: req.Side, Price: req.Price, Size: req.Size, Confirmed: po.Confirmed}
		d := e.validator.Check(c, pf, snaps[req.TokenID])
		out := OrderOutcome{ClientID: req.ClientID, Request: req, Decision: d}

		if preview {
			if d.Allowed {
				out.Status = OutcomePreview
				pf = project(pf, c)
			} else {
				out.Status = order.StatusRejected
				out.Reason = string(d.Reason)
				out.Error = errorInfo(d.Err())
			}
			outs[i] = out
			continue
		}

		o := e.orders.Create(req)
		out.ClientID = o.ID
		out.Request.ClientID = o.ID
		if !d.Allowed {
			o, _ = e.orders.Reject(o.ID, string(d.Reason))
			out.Status = o.Status
			out.Reason = string(d.Reason)
			out.Error = errorInfo(d.Err())
			e.logger.Info("order rejected by validator",
				zap.String("id", o.ID),
				zap.String("token", o.TokenID),
				zap.String("reason", string(d.Reason)),
				zap.Float64("notional", d.Notional))
			outs[i] = out
			continue
		}
		if _, err := e.orders.MarkValidated(o.ID); err != nil {
			out.Status = order.StatusRejected
			out.Error = errorInfo(err)
			outs[i] = out
			continue
		}
		pf = project(pf, c)
		outs[i] = out
		accepted = append(accepted, i)
	}

	e.pool.Each(ctx, len(accepted), func(k int) {
		i := accepted[k]
		outs[i] = e.dispatch(ctx, outs[i])
	}, func(k int, err error) {
		i := accepted[k]
		outs[i] = e.fail(outs[i], order.ReasonSubmissionFailed, err)
	})
	return outs
}

// dispatch admits, signs and sends one validated order. Transport failures
// are retried with the same signed payload, so the client correlation id and
// salt never change between attempts.
func (e *Engine) dispatch(ctx context.Context, out OrderOutcome) OrderOutcome {
	id := out.ClientID
	var (
		signed    common.SignedOrder
		hasSigned bool
	)
	rs := e.retry.Start(e.clock.Now())
	for {
		if err := e.admit.Acquire(ctx, ratelimit.OrderSubmit); err != nil {
			return e.fail(out, order.ReasonAdmissionTimeout, err)
		}
		if !hasSigned {
			var err error
			signed, err = e.signer.Build(out.Request)
			if err != nil {
				return e.fail(out, ReasonSigningFailed, err)
			}
			hasSigned = true
		}

		res, err := e.gateway.SubmitOrder(ctx, signed)
		if err == nil {
			return e.acknowledged(out, res)
		}
		if !errs.Retryable(err) {
			if rs.Attempt > 0 && errs.CodeOf(err) == common.CodeDuplicateOrder {
				return e.duplicate(out, signed, err)
			}
			return e.rejected(out, err)
		}

		o, _ := e.orders.RecordAttempt(id)
		out.Attempts = o.Attempts
		e.submissionRetried()
		now := e.clock.Now()
		if !rs.Fail(now) {
			e.logger.Warn("submission retries exhausted", zap.String("id", id), zap.Int("attempts", rs.Attempt), zap.Error(err))
			return e.fail(out, order.ReasonSubmissionFailed, err)
		}
		e.logger.Warn("submission failed, retrying",
			zap.String("id", id),
			zap.Int("attempt", rs.Attempt),
			zap.Duration("backoff", rs.LastDelay),
			zap.Error(err))
		select {
		case <-e.clock.After(rs.Wait(now)):
		case <-ctx.Done():
			return e.fail(out, order.ReasonSubmissionFailed, ctx.Err())
		}
	}
}

func (e *Engine) acknowledged(out OrderOutcome, res common.OrderResult) OrderOutcome {
	id := out.ClientID
	if _, err := e.orders.MarkSubmitted(id); err != nil {
		e.logger.Error("mark submitted", zap.String("id", id), zap.Error(err))
	}
	o, err := e.orders.Acknowledge(id, res.ExchangeOrderID)
	if err != nil {
		e.logger.Error("acknowledge", zap.String("id", id), zap.String("exchange_id", res.ExchangeOrderID), zap.Error(err))
		out.Error = errorInfo(err)
	}
	e.reserve(o)
	e.logger.Info("order acknowledged",
		zap.String("id", id),
		zap.String("exchange_id", res.ExchangeOrderID),
		zap.String("exchange_status", res.Status),
		zap.String("token", o.TokenID),
		zap.String("side", string(o.Side)),
		zap.Float64("price", o.Price),
		zap.Float64("size", o.Size))
	out.ExchangeID = res.ExchangeOrderID
	out.Status = o.Status
	out.Reason = o.Reason
	out.Attempts = o.Attempts
	return out
}

// duplicate handles a retry the exchange refused because an earlier attempt,
// reported as a transport failure, was in fact accepted. The signed order's
// hash is the exchange id of that order.
func (e *Engine) duplicate(out OrderOutcome, signed common.SignedOrder, err error) OrderOutcome {
	if signed.Hash == "" {
		e.logger.Warn("duplicate order after transport failure, exchange id unknown",
			zap.String("id", out.ClientID),
			zap.Int64("salt", signed.Order.Salt),
			zap.Error(err))
		return e.rejected(out, err)
	}
	e.logger.Warn("earlier submission was accepted, acknowledging by order hash",
		zap.String("id", out.ClientID),
		zap.String("exchange_id", signed.Hash))
	return e.acknowledged(out, common.OrderResult{
		ExchangeOrderID: signed.Hash,
		Status:          "live",
		ClientID:        out.ClientID,
	})
}

// rejected handles a non-retryable dispatch error. An exchange rejection
// reached the exchange, so the order passes through Submitted and keeps the
// exchange's message as its reason.
func (e *Engine) rejected(out OrderOutcome, err error) OrderOutcome {
	id := out.ClientID
	reason := order.ReasonSubmissionFailed
	if errors.Is(err, errs.ErrExchangeRejection) {
		if _, merr := e.orders.MarkSubmitted(id); merr != nil {
			e.logger.Error("mark submitted", zap.String("id", id), zap.Error(merr))
		}
		reason = exchangeMessage(err)
	}
	o, _ := e.orders.Reject(id, reason)
	e.logger.Info("order rejected", zap.String("id", id), zap.String("reason", reason), zap.Error(err))
	out.Status = o.Status
	out.Reason = reason
	out.Attempts = o.Attempts
	out.Error = errorInfo(err)
	return out
}

func (e *Engine) fail(out OrderOutcome, reason string, err error) OrderOutcome {
	o, rerr := e.orders.Reject(out.ClientID, reason)
	if rerr != nil {
		e.logger.Error("reject order", zap.String("id", out.ClientID), zap.Error(rerr))
	}
	out.Status = order.StatusRejected
	out.Reason = reason
	out.Attempts = o.Attempts
	out.Error = errorInfo(err)
	return out
}

func (e *Engine) currentObserver() Observer {
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	return e.observer
}

func (e *Engine) submissionRetried() {
	if o := e.currentObserver(); o != nil {
		o.SubmissionRetried()
	}
}

// reserve locks collateral for the resting part of an acknowledged buy.
func (e *Engine) reserve(o order.Order) {
	if e.funds == nil || o.Side != common.SideBuy || o.Status.Terminal() {
		return
	}
	amount := o.Price * o.Remaining()
	if amount <= 0 {
		return
	}
	if err := e.funds.Lock(amount); err != nil {
		e.logger.Debug("collateral not reserved", zap.String("id", o.ID), zap.Error(err))
		return
	}
	e.resMu.Lock()
	e.reserved[o.ID] = amount
	e.resMu.Unlock()
	// A fill may have finished the order between acknowledgement and here.
	if cur, ok := e.orders.Get(o.ID); ok && cur.Status.Terminal() {
		e.releaseOnTerminal(order.Update{Order: cur})
	}
}

func (e *Engine) releaseOnTerminal(u order.Update) {
	if !u.Order.Status.Terminal() {
		return
	}
	e.resMu.Lock()
	amount, ok := e.reserved[u.Order.ID]
	delete(e.reserved, u.Order.ID)
	e.resMu.Unlock()
	if ok {
		e.funds.Unlock(amount)
	}
}

// Reserved returns the collateral currently locked for resting buys.
func (e *Engine) Reserved() float64 {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	total := 0.0
	for _, v := range e.reserved {
		total += v
	}
	return total
}

// --- Queries ---

func (e *Engine) Order(id string) (order.Order, bool) { return e.orders.Get(id) }

func (e *Engine) Orders(f order.Filter) []order.Order { return e.orders.List(f) }

func (e *Engine) Positions() []state.Position { return e.portfolio.Positions() }

func (e *Engine) Portfolio() state.PortfolioSnapshot { return e.portfolio.Snapshot() }

// Status assembles the status resource.
func (e *Engine) Status() SystemStatus {
	now := e.clock.Now()
	st := SystemStatus{
		DemoMode:  e.demo,
		Orders:    e.orders.Counts(),
		Orphans:   e.orders.OrphanFills(),
		Portfolio: e.portfolio.Snapshot(),
		Validator: e.validator.Metrics(),
		Workers:   PoolStatus{Size: e.pool.Size(), Busy: e.pool.Busy()},
		StartedAt: e.started,
		Uptime:    now.Sub(e.started).Round(time.Second).String(),
	}
	if e.feed != nil {
		fs := e.feed.Status()
		st.Feed = &fs
	}
	if e.limits != nil {
		st.RateLimits = e.limits.Status()
	}
	return st
}

// project returns pf with c's notional applied to its token's exposure.
func project(pf state.PortfolioSnapshot, c risk.Candidate) state.PortfolioSnapshot {
	cur := pf.Exposure(c.TokenID)
	next := cur + c.Side.Sign()*c.Notional()
	markets := make(map[string]float64, len(pf.MarketExposure)+1)
	for k, v := range pf.MarketExposure {
		markets[k] = v
	}
	markets[c.TokenID] = next
	pf.MarketExposure = markets
	pf.TotalExposure = pf.TotalExposure - math.Abs(cur) + math.Abs(next)
	return pf
}

func exchangeMessage(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return err.Error()
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
