package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a journal row does not exist.
var ErrNotFound = errors.New("record not found")

// Order is the latest journaled state of one order.
type Order struct {
	ID           string    `json:"id"`
	ExchangeID   string    `json:"exchange_id"`
	TokenID      string    `json:"token_id"`
	Market       string    `json:"market"`
	Side         string    `json:"side"`
	Type         string    `json:"order_type"`
	Price        float64   `json:"price"`
	Size         float64   `json:"size"`
	FilledSize   float64   `json:"filled_size"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Transition is one recorded status change.
type Transition struct {
	Seq        int64     `json:"seq"`
	OrderID    string    `json:"order_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason"`
	FilledSize float64   `json:"filled_size"`
	At         time.Time `json:"at"`
}

// Fill is one recorded execution.
type Fill struct {
	EventID string    `json:"event_id"`
	TradeID string    `json:"trade_id"`
	OrderID string    `json:"order_id"`
	TokenID string    `json:"token_id"`
	Market  string    `json:"market"`
	Side    string    `json:"side"`
	Price   float64   `json:"price"`
	Size    float64   `json:"size"`
	At      time.Time `json:"at"`
}

// Statements used by the batch journal writer.
const (
	UpsertOrderSQL = `
INSERT INTO orders (id, exchange_id, token_id, market, side, order_type, price, size, filled_size, avg_fill_price, status, reason, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    exchange_id = excluded.exchange_id,
    filled_size = excluded.filled_size,
    avg_fill_price = excluded.avg_fill_price,
    status = excluded.status,
    reason = excluded.reason,
    attempts = excluded.attempts,
    updated_at = excluded.updated_at`

	InsertTransitionSQL = `
INSERT INTO order_transitions (order_id, from_status, to_status, reason, filled_size, at)
VALUES (?, ?, ?, ?, ?, ?)`

	InsertFillSQL = `
INSERT OR IGNORE INTO fills (event_id, trade_id, order_id, token_id, market, side, price, size, at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// OrderArgs flattens o for UpsertOrderSQL.
func OrderArgs(o Order) []any {
	return []any{o.ID, o.ExchangeID, o.TokenID, o.Market, o.Side, o.Type, o.Price, o.Size,
		o.FilledSize, o.AvgFillPrice, o.Status, o.Reason, o.Attempts, o.CreatedAt, o.UpdatedAt}
}

// TransitionArgs flattens t for InsertTransitionSQL.
func TransitionArgs(t Transition) []any {
	return []any{t.OrderID, t.FromStatus, t.ToStatus, t.Reason, t.FilledSize, t.At}
}

// FillArgs flattens f for InsertFillSQL.
func FillArgs(f Fill) []any {
	return []any{f.EventID, f.TradeID, f.OrderID, f.TokenID, f.Market, f.Side, f.Price, f.Size, f.At}
}

const orderColumns = `id, COALESCE(exchange_id, ''), token_id, COALESCE(market, ''), side, order_type, price, size,
    filled_size, avg_fill_price, status, COALESCE(reason, ''), attempts, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.ExchangeID, &o.TokenID, &o.Market, &o.Side, &o.Type, &o.Price, &o.Size,
		&o.FilledSize, &o.AvgFillPrice, &o.Status, &o.Reason, &o.Attempts, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// GetOrder returns the journaled order by correlation id.
func (d *Database) GetOrder(ctx context.Context, id string) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListOrders returns the most recently updated orders first.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Transitions returns an order's status history in recorded order.
func (d *Database) Transitions(ctx context.Context, orderID string) ([]Transition, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT seq, order_id, COALESCE(from_status, ''), to_status, COALESCE(reason, ''), filled_size, at
		FROM order_transitions
		WHERE order_id = ?
		ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.Seq, &t.OrderID, &t.FromStatus, &t.ToStatus, &t.Reason, &t.FilledSize, &t.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Fills returns the fills recorded for an order.
func (d *Database) Fills(ctx context.Context, orderID string) ([]Fill, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT event_id, COALESCE(trade_id, ''), order_id, token_id, COALESCE(market, ''), side, price, size, at
		FROM fills
		WHERE order_id = ?
		ORDER BY at, event_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.EventID, &f.TradeID, &f.OrderID, &f.TokenID, &f.Market, &f.Side, &f.Price, &f.Size, &f.At); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
