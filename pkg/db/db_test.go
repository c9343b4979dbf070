package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openMemory(t *testing.T) *Database {
	t.Helper()
	database, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database := openMemory(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	ok, err := columnExists(database.DB, "orders", "market")
	if err != nil || !ok {
		t.Fatalf("expected orders.market column, got %v %v", ok, err)
	}
}

func TestOrderUpsertAndHistory(t *testing.T) {
	database := openMemory(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	o := Order{ID: "c1", TokenID: "tok", Side: "BUY", Type: "GTC", Price: 0.5, Size: 100, Status: "PLANNED", CreatedAt: at, UpdatedAt: at}
	if _, err := database.DB.Exec(UpsertOrderSQL, OrderArgs(o)...); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	o.Status, o.ExchangeID, o.FilledSize, o.UpdatedAt = "PARTIALLY_FILLED", "0xa", 40, at.Add(time.Second)
	if _, err := database.DB.Exec(UpsertOrderSQL, OrderArgs(o)...); err != nil {
		t.Fatalf("update order: %v", err)
	}
	for _, tr := range []Transition{
		{OrderID: "c1", ToStatus: "PLANNED", At: at},
		{OrderID: "c1", FromStatus: "PLANNED", ToStatus: "VALIDATED", At: at},
	} {
		if _, err := database.DB.Exec(InsertTransitionSQL, TransitionArgs(tr)...); err != nil {
			t.Fatalf("insert transition: %v", err)
		}
	}

	got, err := database.GetOrder(ctx, "c1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != "PARTIALLY_FILLED" || got.ExchangeID != "0xa" || got.FilledSize != 40 {
		t.Fatalf("unexpected order %+v", got)
	}
	if !got.CreatedAt.Equal(at) {
		t.Fatalf("created_at changed on upsert: %v", got.CreatedAt)
	}

	hist, err := database.Transitions(ctx, "c1")
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(hist) != 2 || hist[1].ToStatus != "VALIDATED" || hist[1].FromStatus != "PLANNED" {
		t.Fatalf("unexpected history %+v", hist)
	}

	if _, err := database.GetOrder(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFillsIgnoreDuplicates(t *testing.T) {
	database := openMemory(t)
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	f := Fill{EventID: "trade/t1/0xa", TradeID: "t1", OrderID: "c1", TokenID: "tok", Side: "BUY", Price: 0.5, Size: 10, At: at}
	for i := 0; i < 2; i++ {
		if _, err := database.DB.Exec(InsertFillSQL, FillArgs(f)...); err != nil {
			t.Fatalf("insert fill: %v", err)
		}
	}
	fills, err := database.Fills(context.Background(), "c1")
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 1 || fills[0].Size != 10 {
		t.Fatalf("expected one fill, got %+v", fills)
	}
}

func TestNewCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	database, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()
	orders, err := database.ListOrders(context.Background(), 0)
	if err != nil || len(orders) != 0 {
		t.Fatalf("expected empty journal, got %v %v", orders, err)
	}
}
