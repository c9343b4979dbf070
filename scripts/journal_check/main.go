package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"clob-agent/pkg/db"
)

// journal_check verifies the order journal schema and prints the most recent
// orders with their transition history.
//
// Usage:
//   go run ./scripts/journal_check [path]   (default $ORDER_JOURNAL_PATH)

func main() {
	path := os.Getenv("ORDER_JOURNAL_PATH")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	if path == "" {
		log.Fatal("journal path required (argument or ORDER_JOURNAL_PATH)")
	}
	fmt.Printf("Verifying journal at: %s\n", path)

	database, err := db.Open(path)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer database.Close()

	for _, table := range []string{"orders", "order_transitions", "fills"} {
		var n int
		err := database.DB.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
		if err != nil {
			fmt.Printf("❌ %s: %v\n", table, err)
			continue
		}
		fmt.Printf("✓ %s (%d rows)\n", table, n)
	}

	ctx := context.Background()
	orders, err := database.ListOrders(ctx, 10)
	if err != nil {
		log.Fatalf("list orders: %v", err)
	}
	for _, o := range orders {
		fmt.Printf("\n%s %s %s %.2f@%.4f filled %.2f [%s]\n", o.ID, o.TokenID, o.Side, o.Size, o.Price, o.FilledSize, o.Status)
		transitions, err := database.Transitions(ctx, o.ID)
		if err != nil {
			log.Fatalf("transitions: %v", err)
		}
		for _, t := range transitions {
			fmt.Printf("  %s  %s -> %s %s\n", t.At.Format("15:04:05.000"), t.FromStatus, t.ToStatus, t.Reason)
		}
	}
}
