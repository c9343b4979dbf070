package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"clob-agent/internal/clock"
	"clob-agent/internal/market"
	"clob-agent/internal/ratelimit"
	"clob-agent/internal/retry"
	"clob-agent/pkg/config"
	"clob-agent/pkg/crypto"
	"clob-agent/pkg/exchanges/clob"
	"clob-agent/pkg/logging"
)

// feed_check connects the market channel (and the user channel when API
// credentials are configured) and logs every state change, book update and
// order event for FEED_CHECK_SECONDS (default 60).
//
// Usage:
//   MARKET_TOKENS=<id,id> go run ./scripts/feed_check

func main() {
	log.Println("=== Feed check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	logger, err := logging.New("feed-check", cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	seconds, _ := strconv.Atoi(os.Getenv("FEED_CHECK_SECONDS"))
	if seconds <= 0 {
		seconds = 60
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
	defer stop()

	var apiCreds func() crypto.APICreds
	if !cfg.DemoMode && cfg.HasAPICredentials() {
		creds := crypto.APICreds{Key: cfg.APIKey, Secret: cfg.APISecret, Passphrase: cfg.Passphrase}
		apiCreds = func() crypto.APICreds { return creds }
	}

	public := clob.New(clob.Config{BaseURL: cfg.ClobAPIURL}, nil, logger)
	feed := market.NewFeed(market.FeedConfig{
		BaseURL:      cfg.ClobWSURL,
		Backoff:      retry.Policy{Base: cfg.Feed.BackoffBase, Max: cfg.Feed.BackoffMax, Jitter: cfg.Feed.Jitter},
		PingInterval: cfg.Feed.PingInterval,
		ReadTimeout:  cfg.Feed.ReadTimeout,
		Tokens:       cfg.Tokens,
		Markets:      cfg.Markets,
	}, market.NewStore(), apiCreds, public, ratelimit.New(cfg.RateLimits, nil), clock.Real{}, logger)

	feed.OnState(func(ch market.Channel, st market.State) {
		log.Printf("[STATE] %s -> %s", ch, st)
	})
	feed.OnReconnect(func(ch market.Channel) {
		log.Printf("[RECONNECT] %s", ch)
	})

	go feed.Run(ctx)

	report := time.NewTicker(10 * time.Second)
	defer report.Stop()
	for {
		select {
		case <-ctx.Done():
			st := feed.Status()
			log.Printf("=== Feed check finished: %d cached tokens, %d events, %d duplicates ===",
				st.CachedTokens, st.Delivered, st.Duplicates)
			return
		case ev := <-feed.Events():
			log.Printf("[USER] %s order=%s token=%s side=%s price=%.4f size=%.2f status=%s",
				ev.Kind, ev.ExchangeOrderID, ev.TokenID, ev.Side, ev.Price, ev.Size, ev.Status)
		case <-report.C:
			for _, token := range feed.Store().Tokens() {
				if s, ok := feed.Store().Get(token); ok {
					log.Printf("[BOOK] %s bid=%.4f ask=%.4f spread=%.4f liquidity=%.0f", token, s.BestBid, s.BestAsk, s.Spread, s.Liquidity)
				}
			}
		}
	}
}
