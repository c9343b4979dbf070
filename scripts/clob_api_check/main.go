package main

import (
	"context"
	"log"
	"os"
	"time"

	"clob-agent/pkg/config"
	"clob-agent/pkg/crypto"
	"clob-agent/pkg/exchanges/clob"
)

// clob_api_check exercises the REST client against the configured endpoint.
// Only read endpoints are called.
//
// Usage:
//   CHECK_TOKEN_ID=<token id> go run ./scripts/clob_api_check
//
// With DEMO_MODE=true only public endpoints are checked. Otherwise the wallet
// key from .env is used for L1/L2 authentication.

func main() {
	log.Println("=== CLOB API check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	public := clob.New(clob.Config{BaseURL: cfg.ClobAPIURL}, nil, nil)

	serverTime, err := public.ServerTime(ctx)
	if err != nil {
		log.Printf("[FAIL] server time: %v", err)
	} else {
		log.Printf("[OK] server time %s (local skew %s)", serverTime.UTC().Format(time.RFC3339), time.Since(serverTime).Round(time.Millisecond))
	}

	if token := os.Getenv("CHECK_TOKEN_ID"); token != "" {
		b, err := public.Book(ctx, token)
		if err != nil {
			log.Printf("[FAIL] book %s: %v", token, err)
		} else {
			log.Printf("[OK] book %s: %d bids, %d asks, tick %.4f, min size %.2f", token, len(b.Bids), len(b.Asks), b.TickSize, b.MinOrderSize)
		}
	}

	if cfg.DemoMode {
		log.Println("DEMO_MODE set, skipping authenticated endpoints")
		return
	}

	creds, err := crypto.NewCredentials(cfg.PrivateKeyHex(), cfg.ChainID)
	if err != nil {
		log.Fatalf("credentials: %v", err)
	}
	defer creds.Wipe()
	signer := crypto.NewSigner(creds, cfg.ExchangeAddress, time.Now)
	client := clob.New(clob.Config{BaseURL: cfg.ClobAPIURL}, signer, nil)

	if cfg.HasAPICredentials() {
		creds.SetAPICreds(crypto.APICreds{Key: cfg.APIKey, Secret: cfg.APISecret, Passphrase: cfg.Passphrase})
	} else {
		api, err := client.DeriveAPIKey(ctx)
		if err != nil {
			log.Fatalf("[FAIL] derive api key: %v", err)
		}
		log.Printf("[OK] derived api key %s...", api.Key[:min(8, len(api.Key))])
		creds.SetAPICreds(api)
	}

	if bal, err := client.CollateralBalance(ctx); err != nil {
		log.Printf("[FAIL] collateral balance: %v", err)
	} else {
		log.Printf("[OK] collateral balance %.2f", bal)
	}

	open, err := client.OpenOrders(ctx)
	if err != nil {
		log.Printf("[FAIL] open orders: %v", err)
		return
	}
	log.Printf("[OK] %d open order(s)", len(open))
	for _, o := range open {
		log.Printf("  %s %s %s %.2f@%.4f matched %.2f", o.ID, o.TokenID, o.Side, o.OriginalSize, o.Price, o.SizeMatched)
	}
}
