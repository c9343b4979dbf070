package common

import "context"

// Gateway abstracts the exchange order API.
type Gateway interface {
	SubmitOrder(ctx context.Context, order SignedOrder) (OrderResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) (CancelResult, error)
	CancelMarket(ctx context.Context, tokenID string) (CancelResult, error)
	CancelAll(ctx context.Context) (CancelResult, error)
	OpenOrders(ctx context.Context) ([]OpenOrder, error)
	Order(ctx context.Context, exchangeOrderID string) (OpenOrder, error)
}

// MarketData serves REST book snapshots.
type MarketData interface {
	Book(ctx context.Context, tokenID string) (Book, error)
}

// Account serves account queries.
type Account interface {
	CollateralBalance(ctx context.Context) (float64, error)
}

// OrderSigner turns a request into a signed submission.
type OrderSigner interface {
	Build(req OrderRequest) (SignedOrder, error)
}
