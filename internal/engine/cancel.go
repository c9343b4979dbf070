package engine

import (
	"context"
	"sort"
	"time"

	"clob-agent/internal/events"
	"clob-agent/internal/order"
	"clob-agent/internal/ratelimit"
	"clob-agent/internal/risk"
	"clob-agent/internal/strategy"
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"

	"go.uber.org/zap"
)

func (e *Engine) cancelIntent(ctx context.Context, in strategy.Intent, preview bool) (CancelOutcome, error) {
	switch v := in.(type) {
	case strategy.Cancel:
		if preview {
			return e.previewCancel(order.Filter{OpenOnly: true}, v.OrderID)
		}
		return e.Cancel(ctx, v.OrderID)
	case strategy.CancelMarket:
		if preview {
			return e.previewCancel(order.Filter{TokenID: v.TokenID, OpenOnly: true}, "")
		}
		return e.CancelMarket(ctx, v.TokenID)
	case strategy.CancelAll:
		if preview {
			return e.previewCancel(order.Filter{OpenOnly: true}, "")
		}
		return e.CancelAll(ctx)
	}
	return CancelOutcome{}, errs.Newf(errs.KindValidation, "NOT_A_CANCEL", "%s is not a cancel intent", in.Kind())
}

func (e *Engine) previewCancel(f order.Filter, id string) (CancelOutcome, error) {
	if id != "" {
		o, ok := e.orders.Get(id)
		if !ok {
			return CancelOutcome{}, errs.Newf(errs.KindNotFound, "ORDER_NOT_FOUND", "order %s not found", id)
		}
		if o.Status.Terminal() {
			return CancelOutcome{}, errs.Newf(errs.KindInvalidState, "ORDER_TERMINAL", "order %s is %s", o.ID, o.Status)
		}
		return CancelOutcome{WouldCancel: []string{o.ID}}, nil
	}
	var ids []string
	for _, o := range e.orders.List(f) {
		ids = append(ids, o.ID)
	}
	return CancelOutcome{WouldCancel: ids}, nil
}

// Cancel cancels one order by correlation or exchange id. Orders still in
// flight (no exchange id yet) cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	if e.demo {
		return e.previewCancel(order.Filter{}, id)
	}
	o, ok := e.orders.Get(id)
	if !ok {
		return CancelOutcome{}, errs.Newf(errs.KindNotFound, "ORDER_NOT_FOUND", "order %s not found", id)
	}
	if o.Status.Terminal() {
		return CancelOutcome{}, errs.Newf(errs.KindInvalidState, "ORDER_TERMINAL", "order %s is %s", o.ID, o.Status)
	}
	if o.ExchangeID == "" {
		return CancelOutcome{}, errs.Newf(errs.KindInvalidState, "ORDER_IN_FLIGHT", "order %s has not been acknowledged", o.ID)
	}
	res, err := e.cancelRemote(ctx, func(ctx context.Context) (common.CancelResult, error) {
		return e.gateway.CancelOrder(ctx, o.ExchangeID)
	})
	if err != nil {
		return CancelOutcome{}, err
	}
	return e.applyCancel(res, order.ReasonCancelRequested), nil
}

// CancelMarket cancels every open order in one token.
func (e *Engine) CancelMarket(ctx context.Context, tokenID string) (CancelOutcome, error) {
	return e.cancelMarket(ctx, tokenID, order.ReasonCancelRequested)
}

func (e *Engine) cancelMarket(ctx context.Context, tokenID, reason string) (CancelOutcome, error) {
	if tokenID == "" {
		return CancelOutcome{}, errs.New(errs.KindValidation, "MISSING_TOKEN", "token_id is required")
	}
	if e.demo {
		return e.previewCancel(order.Filter{TokenID: tokenID, OpenOnly: true}, "")
	}
	res, err := e.cancelRemote(ctx, func(ctx context.Context) (common.CancelResult, error) {
		return e.gateway.CancelMarket(ctx, tokenID)
	})
	if err != nil {
		return CancelOutcome{}, err
	}
	return e.applyCancel(res, reason), nil
}

// CancelAll cancels every open order on the account.
func (e *Engine) CancelAll(ctx context.Context) (CancelOutcome, error) {
	if e.demo {
		return e.previewCancel(order.Filter{OpenOnly: true}, "")
	}
	res, err := e.cancelRemote(ctx, e.gateway.CancelAll)
	if err != nil {
		return CancelOutcome{}, err
	}
	return e.applyCancel(res, order.ReasonCancelRequested), nil
}

// cancelRemote runs a cancel call under the cancel admission class, retrying
// transport failures with the submission backoff policy.
func (e *Engine) cancelRemote(ctx context.Context, call func(context.Context) (common.CancelResult, error)) (common.CancelResult, error) {
	rs := e.retry.Start(e.clock.Now())
	for {
		if err := e.admit.Acquire(ctx, ratelimit.OrderCancel); err != nil {
			return common.CancelResult{}, err
		}
		res, err := call(ctx)
		if err == nil {
			return res, nil
		}
		if !errs.Retryable(err) {
			return common.CancelResult{}, err
		}
		e.submissionRetried()
		now := e.clock.Now()
		if !rs.Fail(now) {
			return common.CancelResult{}, err
		}
		e.logger.Warn("cancel failed, retrying", zap.Int("attempt", rs.Attempt), zap.Error(err))
		select {
		case <-e.clock.After(rs.Wait(now)):
		case <-ctx.Done():
			return common.CancelResult{}, errs.Wrap(errs.KindTransport, "CANCEL_ABORTED", ctx.Err(), "cancel")
		}
	}
}

// applyCancel marks every order the exchange confirmed. Exchange ids the
// manager does not know are left for reconciliation.
func (e *Engine) applyCancel(res common.CancelResult, reason string) CancelOutcome {
	out := CancelOutcome{Canceled: make([]string, 0, len(res.Canceled)), NotCanceled: res.NotCanceled}
	for _, exID := range res.Canceled {
		o, err := e.orders.MarkCancelled(exID, reason)
		if err != nil {
			e.logger.Debug("cancelled order not tracked", zap.String("exchange_id", exID), zap.Error(err))
			out.Canceled = append(out.Canceled, exID)
			continue
		}
		out.Canceled = append(out.Canceled, o.ID)
	}
	if len(res.NotCanceled) > 0 {
		e.logger.Info("exchange declined cancels", zap.Any("not_canceled", res.NotCanceled))
	}
	return out
}

// CheckSpreads cancels resting orders in every token whose spread is beyond
// the configured tolerance. It returns the tokens it acted on.
func (e *Engine) CheckSpreads(ctx context.Context) []string {
	cfg := e.validator.Config()
	if !cfg.AutoCancelOnLargeSpread || e.demo || e.snapshots == nil {
		return nil
	}
	tokens := make(map[string]struct{})
	for _, o := range e.orders.List(order.Filter{OpenOnly: true}) {
		if o.ExchangeID != "" {
			tokens[o.TokenID] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(tokens))
	for t := range tokens {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)

	var acted []string
	for _, token := range sorted {
		snap, err := e.snapshots.Snapshot(ctx, token)
		if err != nil || !risk.SpreadTooWideFor(cfg, snap) {
			continue
		}
		out, err := e.cancelMarket(ctx, token, order.ReasonSpreadTooWide)
		if err != nil {
			e.logger.Warn("spread guard cancel failed", zap.String("token", token), zap.Error(err))
			continue
		}
		e.logger.Warn("spread too wide, orders cancelled",
			zap.String("token", token),
			zap.Float64("spread", snap.Spread),
			zap.Float64("tolerance", cfg.MaxSpreadTolerance),
			zap.Strings("canceled", out.Canceled))
		e.bus.Publish(events.EventSpreadCancel, SpreadCancel{
			TokenID:   token,
			Spread:    snap.Spread,
			Tolerance: cfg.MaxSpreadTolerance,
			Canceled:  out.Canceled,
			At:        e.clock.Now(),
		})
		acted = append(acted, token)
	}
	return acted
}

// RunSpreadGuard runs CheckSpreads every interval until ctx ends.
func (e *Engine) RunSpreadGuard(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(interval):
			e.CheckSpreads(ctx)
		}
	}
}
