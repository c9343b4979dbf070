// Package engine coordinates intents through planning, safety checks,
// admission, signing and dispatch.
package engine

import (
	"context"

	"clob-agent/internal/order"
	"clob-agent/internal/state"
	"clob-agent/internal/strategy"
)

// Service is the execution surface the agent API drives.
type Service interface {
	// Commands
	Submit(ctx context.Context, in strategy.Intent) ExecutionResult
	Preview(ctx context.Context, in strategy.Intent) ExecutionResult
	Cancel(ctx context.Context, orderID string) (CancelOutcome, error)
	CancelMarket(ctx context.Context, tokenID string) (CancelOutcome, error)
	CancelAll(ctx context.Context) (CancelOutcome, error)

	// Queries
	Order(id string) (order.Order, bool)
	Orders(f order.Filter) []order.Order
	Positions() []state.Position
	Portfolio() state.PortfolioSnapshot
	Status() SystemStatus
}

var _ Service = (*Engine)(nil)
