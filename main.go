package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clob-agent/internal/api"
	"clob-agent/internal/balance"
	"clob-agent/internal/clock"
	"clob-agent/internal/engine"
	"clob-agent/internal/events"
	"clob-agent/internal/market"
	"clob-agent/internal/monitor"
	"clob-agent/internal/order"
	"clob-agent/internal/persistence"
	"clob-agent/internal/ratelimit"
	"clob-agent/internal/reconciliation"
	"clob-agent/internal/retry"
	"clob-agent/internal/risk"
	"clob-agent/internal/state"
	"clob-agent/internal/strategy"
	"clob-agent/pkg/config"
	"clob-agent/pkg/crypto"
	"clob-agent/pkg/db"
	"clob-agent/pkg/exchanges/clob"
	"clob-agent/pkg/exchanges/common"
	"clob-agent/pkg/logging"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("clob-agent", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("agent stopped")
}

// exchange bundles the authenticated exchange collaborators. All fields are
// nil in demo mode.
type exchange struct {
	creds   *crypto.Credentials
	client  *clob.Client
	builder *clob.OrderBuilder
}

func connectExchange(ctx context.Context, cfg *config.Config, public *clob.Client, logger *zap.Logger) (*exchange, error) {
	if cfg.DemoMode {
		logger.Info("demo mode: orders are planned and validated but never sent")
		return &exchange{}, nil
	}
	creds, err := crypto.NewCredentials(cfg.PrivateKeyHex(), cfg.ChainID)
	if err != nil {
		return nil, err
	}
	if cfg.Address != "" && !creds.MatchesAddress(cfg.Address) {
		return nil, fmt.Errorf("POLYGON_ADDRESS %s does not match the private key (%s)", cfg.Address, creds.Address())
	}

	ts := common.NewTimeSync(public.ServerTime, logger)
	if err := ts.Sync(ctx); err != nil {
		logger.Warn("initial time sync failed, using local clock", zap.Error(err))
	}
	ts.Start(ctx)

	signer := crypto.NewSigner(creds, cfg.ExchangeAddress, ts.Now)
	client := clob.New(clob.Config{BaseURL: cfg.ClobAPIURL}, signer, logger)

	if cfg.HasAPICredentials() {
		creds.SetAPICreds(crypto.APICreds{Key: cfg.APIKey, Secret: cfg.APISecret, Passphrase: cfg.Passphrase})
	} else {
		logger.Info("no API credentials configured, deriving from wallet")
		derived, err := client.CreateOrDeriveAPIKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
		creds.SetAPICreds(derived)
	}
	return &exchange{creds: creds, client: client, builder: clob.NewOrderBuilder(signer)}, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	clk := clock.Real{}
	bus := events.NewBus()
	metrics := monitor.New(nil)

	public := clob.New(clob.Config{BaseURL: cfg.ClobAPIURL}, nil, logger)
	ex, err := connectExchange(ctx, cfg, public, logger)
	if err != nil {
		return err
	}
	defer func() {
		if ex.creds != nil {
			ex.creds.Wipe()
		}
	}()

	limiter := ratelimit.New(cfg.RateLimits, clk)
	limiter.SetObserver(metrics)

	// Market data
	var apiCreds func() crypto.APICreds
	if ex.creds != nil {
		apiCreds = ex.creds.APICreds
	}
	store := market.NewStore()
	feed := market.NewFeed(market.FeedConfig{
		BaseURL: cfg.ClobWSURL,
		Backoff: retry.Policy{
			Base:   cfg.Feed.BackoffBase,
			Max:    cfg.Feed.BackoffMax,
			Jitter: cfg.Feed.Jitter,
		},
		PingInterval: cfg.Feed.PingInterval,
		ReadTimeout:  cfg.Feed.ReadTimeout,
		Tokens:       cfg.Tokens,
		Markets:      cfg.Markets,
	}, store, apiCreds, public, limiter, clk, logger)

	// Funds and positions
	var account common.Account
	if ex.client != nil {
		account = ex.client
	}
	funds := balance.NewManager(account, limiter, cfg.BalanceSyncInterval, logger)
	if cfg.DemoMode {
		funds.SetInitialBalance(cfg.DemoBalanceUSD)
	}
	portfolio := state.NewManager(store, funds)
	funds.OnChange(func(balance.Balance) { portfolio.Revalue() })

	orders := order.NewManager(clk, bus, portfolio, logger)
	orders.SetOrphanTTL(cfg.ReconcileGrace)
	orders.OnUpdate(metrics.OrderUpdated)

	var history api.History
	if cfg.JournalPath != "" {
		database, err := db.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer database.Close()
		writer := persistence.NewBatchWriter(database.DB, 100, time.Second, logger)
		defer writer.Close()
		orders.SetJournal(persistence.NewJournal(writer))
		history = database
		logger.Info("order journal enabled", zap.String("path", cfg.JournalPath))
	}

	return serve(ctx, cfg, logger, components{
		bus:       bus,
		metrics:   metrics,
		ex:        ex,
		limiter:   limiter,
		feed:      feed,
		funds:     funds,
		portfolio: portfolio,
		orders:    orders,
		history:   history,
	})
}

type components struct {
	bus       *events.Bus
	metrics   *monitor.Metrics
	ex        *exchange
	limiter   *ratelimit.Limiter
	feed      *market.Feed
	funds     *balance.Manager
	portfolio *state.Manager
	orders    *order.Manager
	history   api.History
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, c components) error {
	validator := risk.NewValidator(config.NewSafetyStore(cfg.Safety))
	validator.SetObserver(c.metrics)

	ecfg := engine.Config{
		Planner:   strategy.NewPlanner(cfg.Planner),
		Validator: validator,
		Orders:    c.orders,
		Portfolio: c.portfolio,
		Funds:     c.funds,
		Snapshots: c.feed,
		Admitter:  c.limiter,
		Bus:       c.bus,
		Retry: retry.Policy{
			Base:        cfg.Submission.BaseDelay,
			Max:         cfg.Submission.MaxDelay,
			Jitter:      0.2,
			MaxAttempts: cfg.Submission.MaxAttempts,
		},
		Workers:  cfg.Workers,
		DemoMode: cfg.DemoMode,
		Feed:     c.feed,
		Limits:   c.limiter,
		Logger:   logger,
	}
	var recon *reconciliation.Service
	if c.ex.client != nil {
		ecfg.Gateway = c.ex.client
		ecfg.Signer = c.ex.builder
		recon = reconciliation.NewService(c.ex.client, c.orders, c.limiter, c.bus, clock.Real{}, cfg.ReconcileInterval, cfg.ReconcileGrace, logger)
	}
	eng := engine.New(ecfg)
	eng.SetObserver(c.metrics)
	defer eng.Close()

	// Observability
	health := monitor.NewHealth(cfg.DemoMode, logger)
	c.feed.OnState(func(ch market.Channel, st market.State) {
		healthy := c.feed.Healthy()
		c.metrics.FeedStreaming(string(ch), st == market.Streaming)
		health.SetFeedHealthy(healthy)
		c.bus.Publish(events.EventFeedState, market.StateChange{
			Channel: ch, State: st.String(), Healthy: healthy, At: time.Now(),
		})
	})
	c.feed.OnReconnect(func(ch market.Channel) {
		c.metrics.FeedReconnected(string(ch))
		if recon != nil {
			recon.Trigger()
		}
	})
	alerts := monitor.NewRecent(100)
	mon := monitor.NewMonitor(c.bus, logger, monitor.LogSink{Logger: logger.Named("alert")}, alerts)
	mon.Start(ctx)

	// Background loops
	go c.feed.Run(ctx)
	go c.orders.Run(ctx, c.feed.Events())
	if !cfg.DemoMode {
		c.funds.Start(ctx)
	}
	if recon != nil {
		recon.Start(ctx)
	}
	go eng.RunSpreadGuard(ctx, cfg.SpreadGuardInterval)

	errCh := make(chan error, 2)
	go func() {
		errCh <- health.Serve(ctx, net.JoinHostPort("", cfg.GRPCPort))
	}()

	server := api.NewServer(api.Deps{
		Engine:               eng,
		Metrics:              c.metrics,
		Alerts:               alerts,
		History:              c.history,
		Bus:                  c.bus,
		Logger:               logger,
		Config:               cfg.Redacted(),
		JWTSecret:            cfg.JWTSecret,
		OperatorPasswordHash: cfg.OperatorPasswordHash,
		TokenTTL:             cfg.TokenTTL,
	})
	go func() {
		errCh <- server.Start(ctx, net.JoinHostPort("", cfg.Port))
	}()

	logger.Info("agent started",
		zap.Bool("demo_mode", eng.DemoMode()),
		zap.Strings("tokens", cfg.Tokens),
		zap.String("port", cfg.Port),
		zap.String("grpc_port", cfg.GRPCPort))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		mon.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}
