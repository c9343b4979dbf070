package persistence

import (
	"clob-agent/internal/order"
	"clob-agent/pkg/db"
)

// Journal records order transitions and fills through a BatchWriter. It is
// write-only; nothing in the pipeline reads it back.
type Journal struct {
	w *BatchWriter
}

// NewJournal wraps w.
func NewJournal(w *BatchWriter) *Journal {
	return &Journal{w: w}
}

// RecordOrder upserts the order row and appends a transition when the status
// changed.
func (j *Journal) RecordOrder(o order.Order, from order.Status) {
	j.w.Write(WriteOp{Table: "orders", Query: db.UpsertOrderSQL, Args: db.OrderArgs(db.Order{
		ID:           o.ID,
		ExchangeID:   o.ExchangeID,
		TokenID:      o.TokenID,
		Market:       o.Market,
		Side:         string(o.Side),
		Type:         string(o.Type),
		Price:        o.Price,
		Size:         o.Size,
		FilledSize:   o.FilledSize,
		AvgFillPrice: o.AvgFillPrice,
		Status:       string(o.Status),
		Reason:       o.Reason,
		Attempts:     o.Attempts,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	})})
	if from == o.Status {
		return
	}
	j.w.Write(WriteOp{Table: "order_transitions", Query: db.InsertTransitionSQL, Args: db.TransitionArgs(db.Transition{
		OrderID:    o.ID,
		FromStatus: string(from),
		ToStatus:   string(o.Status),
		Reason:     o.Reason,
		FilledSize: o.FilledSize,
		At:         o.UpdatedAt,
	})})
}

// RecordFill appends a fill; replays of the same event id are ignored.
func (j *Journal) RecordFill(f order.Fill) {
	j.w.Write(WriteOp{Table: "fills", Query: db.InsertFillSQL, Args: db.FillArgs(db.Fill{
		EventID: f.EventID,
		TradeID: f.TradeID,
		OrderID: f.OrderID,
		TokenID: f.TokenID,
		Market:  f.Market,
		Side:    string(f.Side),
		Price:   f.Price,
		Size:    f.Size,
		At:      f.At,
	})})
}

var _ order.Journal = (*Journal)(nil)
