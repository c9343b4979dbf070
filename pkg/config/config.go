package config

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"clob-agent/pkg/crypto"
	"clob-agent/pkg/errs"

	"github.com/joho/godotenv"
)

const (
	DefaultClobURL     = "https://clob.polymarket.com"
	DefaultWSURL       = "wss://ws-subscriptions-clob.polymarket.com/ws/"
	DefaultChainID     = 137
	CTFExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	USDCAddress        = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	ConditionalTokens  = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
)

var (
	privateKeyRe = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)
	addressRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// Config holds environment-driven settings for the execution agent.
type Config struct {
	Port     string
	GRPCPort string
	LogLevel string

	// Demo mode plans and validates but never dispatches.
	DemoMode bool

	// Wallet / L1
	PrivateKey      string
	Address         string
	ChainID         int64
	ExchangeAddress string

	// API / L2
	APIKey     string
	APISecret  string
	Passphrase string

	ClobAPIURL string
	ClobWSURL  string

	Safety     SafetyConfig
	RateLimits map[string]RateClass

	Submission RetryConfig
	Feed       FeedConfig
	Planner    PlannerConfig

	// Initial market subscriptions (token ids) and user-channel markets
	// (condition ids).
	Tokens  []string
	Markets []string

	// Collateral assumed in demo mode, where no account is queried.
	DemoBalanceUSD float64

	ReconcileInterval   time.Duration
	ReconcileGrace      time.Duration
	SpreadGuardInterval time.Duration
	BalanceSyncInterval time.Duration
	Workers             int

	// Agent API auth
	JWTSecret            string
	OperatorPasswordHash string
	TokenTTL             time.Duration

	// Optional order journal (sqlite); empty disables it.
	JournalPath string
}

// RetryConfig bounds submission retries.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// FeedConfig tunes streaming connections.
type FeedConfig struct {
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Jitter       float64
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

// PlannerConfig holds exchange grid defaults used when a market does not report its own.
type PlannerConfig struct {
	DefaultTick  float64
	DefaultLot   float64
	MinOrderSize float64
	DustNotional float64
}

// Load reads environment variables (optionally via .env) into Config and validates it.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	sealer, err := sealerFromEnv()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		GRPCPort:        getEnv("GRPC_PORT", "9090"),
		LogLevel:        getEnv("LOG_LEVEL", "INFO"),
		DemoMode:        getEnvBool("DEMO_MODE", false),
		PrivateKey:      os.Getenv("POLYGON_PRIVATE_KEY"),
		Address:         strings.ToLower(strings.TrimSpace(os.Getenv("POLYGON_ADDRESS"))),
		ChainID:         int64(getEnvInt("POLYMARKET_CHAIN_ID", DefaultChainID)),
		ExchangeAddress: getEnv("POLYMARKET_EXCHANGE_ADDRESS", CTFExchangeAddress),
		APIKey:          os.Getenv("POLYMARKET_API_KEY"),
		APISecret:       os.Getenv("POLYMARKET_API_SECRET"),
		Passphrase:      os.Getenv("POLYMARKET_PASSPHRASE"),
		ClobAPIURL:      strings.TrimRight(getEnv("CLOB_API_URL", DefaultClobURL), "/"),
		ClobWSURL:       getEnv("CLOB_WS_URL", DefaultWSURL),
		Safety: SafetyConfig{
			MaxOrderSizeUSD:          getEnvFloat("MAX_ORDER_SIZE_USD", 1000),
			MaxTotalExposureUSD:      getEnvFloat("MAX_TOTAL_EXPOSURE_USD", 5000),
			MaxPositionPerMarketUSD:  getEnvFloat("MAX_POSITION_SIZE_PER_MARKET", 2000),
			MinLiquidityRequired:     getEnvFloat("MIN_LIQUIDITY_REQUIRED", 10000),
			MaxSpreadTolerance:       getEnvFloat("MAX_SPREAD_TOLERANCE", 0.05),
			ConfirmationThresholdUSD: getEnvFloat("REQUIRE_CONFIRMATION_ABOVE_USD", 500),
			AutonomousTrading:        getEnvBool("ENABLE_AUTONOMOUS_TRADING", true),
			AutoCancelOnLargeSpread:  getEnvBool("AUTO_CANCEL_ON_LARGE_SPREAD", true),
		},
		RateLimits: DefaultRateLimits(),
		Submission: RetryConfig{
			MaxAttempts: getEnvInt("SUBMIT_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvDuration("SUBMIT_RETRY_BASE", 250*time.Millisecond),
			MaxDelay:    getEnvDuration("SUBMIT_RETRY_MAX", 4*time.Second),
		},
		Feed: FeedConfig{
			BackoffBase:  getEnvDuration("FEED_BACKOFF_BASE", time.Second),
			BackoffMax:   getEnvDuration("FEED_BACKOFF_MAX", 30*time.Second),
			Jitter:       getEnvFloat("FEED_BACKOFF_JITTER", 0.2),
			PingInterval: getEnvDuration("FEED_PING_INTERVAL", 10*time.Second),
			ReadTimeout:  getEnvDuration("FEED_READ_TIMEOUT", 60*time.Second),
		},
		Planner: PlannerConfig{
			DefaultTick:  getEnvFloat("DEFAULT_TICK_SIZE", 0.01),
			DefaultLot:   getEnvFloat("DEFAULT_LOT_SIZE", 0.01),
			MinOrderSize: getEnvFloat("MIN_ORDER_SIZE", 5),
			DustNotional: getEnvFloat("REBALANCE_DUST_USD", 1),
		},
		Tokens:               splitAndTrim(getEnv("MARKET_TOKENS", "")),
		Markets:              splitAndTrim(getEnv("USER_MARKETS", "")),
		DemoBalanceUSD:       getEnvFloat("DEMO_BALANCE_USD", 10000),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileGrace:       getEnvDuration("RECONCILE_GRACE", 5*time.Second),
		SpreadGuardInterval:  getEnvDuration("SPREAD_GUARD_INTERVAL", 5*time.Second),
		BalanceSyncInterval:  getEnvDuration("BALANCE_SYNC_INTERVAL", 30*time.Second),
		Workers:              getEnvInt("STRATEGY_WORKERS", 8),
		JWTSecret:            getEnv("JWT_SECRET", DevJWTSecret),
		OperatorPasswordHash: os.Getenv("OPERATOR_PASSWORD_HASH"),
		TokenTTL:             getEnvDuration("TOKEN_TTL", 12*time.Hour),
		JournalPath:          os.Getenv("ORDER_JOURNAL_PATH"),
	}

	for _, secret := range []*string{&cfg.PrivateKey, &cfg.APISecret, &cfg.Passphrase} {
		if *secret, err = unseal(sealer, *secret); err != nil {
			return nil, err
		}
	}

	if path := os.Getenv("RATE_LIMITS_FILE"); path != "" {
		overrides, err := LoadRateLimits(path)
		if err != nil {
			return nil, err
		}
		for class, rc := range overrides {
			cfg.RateLimits[class] = rc
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DevJWTSecret signs API tokens in demo mode when JWT_SECRET is unset.
const DevJWTSecret = "dev-secret"

// Validate checks limits and, outside demo mode, wallet credentials.
func (c *Config) Validate() error {
	if err := c.Safety.Validate(); err != nil {
		return err
	}
	for class, rc := range c.RateLimits {
		if rc.Capacity <= 0 || rc.RefillPerSecond <= 0 {
			return errs.Newf(errs.KindConfig, "RATE_LIMIT", "rate limit class %q needs positive capacity and refill", class)
		}
	}
	if c.Submission.MaxAttempts < 1 {
		return errs.New(errs.KindConfig, "SUBMIT_MAX_ATTEMPTS", "must be at least 1")
	}
	if c.Planner.DefaultTick <= 0 || c.Planner.DefaultLot <= 0 {
		return errs.New(errs.KindConfig, "PLANNER_GRID", "tick and lot sizes must be positive")
	}
	if c.DemoMode {
		return nil
	}
	if c.PrivateKey == "" {
		return errs.New(errs.KindConfig, "MISSING_PRIVATE_KEY", "POLYGON_PRIVATE_KEY is required unless DEMO_MODE=true")
	}
	if !privateKeyRe.MatchString(c.PrivateKey) {
		return errs.New(errs.KindConfig, "INVALID_PRIVATE_KEY", "POLYGON_PRIVATE_KEY must be 64 hex characters")
	}
	if c.Address == "" {
		return errs.New(errs.KindConfig, "MISSING_ADDRESS", "POLYGON_ADDRESS is required unless DEMO_MODE=true")
	}
	if !addressRe.MatchString(c.Address) {
		return errs.New(errs.KindConfig, "INVALID_ADDRESS", "POLYGON_ADDRESS must be 0x followed by 40 hex characters")
	}
	if c.JWTSecret == "" || c.JWTSecret == DevJWTSecret {
		return errs.New(errs.KindConfig, "INSECURE_JWT_SECRET", "JWT_SECRET must be set to a private value unless DEMO_MODE=true")
	}
	return nil
}

// HasAPICredentials reports whether L2 credentials are fully configured.
func (c *Config) HasAPICredentials() bool {
	return c.APIKey != "" && c.APISecret != "" && c.Passphrase != ""
}

// PrivateKeyHex returns the wallet key without the 0x prefix.
func (c *Config) PrivateKeyHex() string {
	return strings.TrimPrefix(c.PrivateKey, "0x")
}

// Redacted returns a view of the configuration that is safe to expose.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"demo_mode":           c.DemoMode,
		"chain_id":            c.ChainID,
		"address":             c.Address,
		"private_key":         mask(c.PrivateKey),
		"api_key":             mask(c.APIKey),
		"api_secret":          mask(c.APISecret),
		"passphrase":          mask(c.Passphrase),
		"has_api_credentials": c.HasAPICredentials(),
		"clob_api_url":        c.ClobAPIURL,
		"clob_ws_url":         c.ClobWSURL,
		"safety":              c.Safety,
		"rate_limits":         c.RateLimits,
		"tokens":              c.Tokens,
		"journal_enabled":     c.JournalPath != "",
	}
}

func mask(v string) string {
	switch {
	case v == "":
		return ""
	case len(v) <= 8:
		return "***"
	default:
		return v[:4] + "..." + v[len(v)-4:]
	}
}

// sealerFromEnv builds the decryptor for ENC[vN]: values when CREDENTIALS_MASTER_KEY is set.
func sealerFromEnv() (*crypto.Sealer, error) {
	raw := os.Getenv("CREDENTIALS_MASTER_KEY")
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		if key, err = base64.StdEncoding.DecodeString(raw); err != nil {
			return nil, errs.Wrap(errs.KindConfig, "MASTER_KEY", err, "CREDENTIALS_MASTER_KEY must be hex or base64")
		}
	}
	s, err := crypto.NewSealer(key, 1)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "MASTER_KEY", err, "invalid CREDENTIALS_MASTER_KEY")
	}
	return s, nil
}

func unseal(s *crypto.Sealer, v string) (string, error) {
	if !crypto.IsSealed(v) {
		return v, nil
	}
	if s == nil {
		return "", errs.New(errs.KindConfig, "MASTER_KEY", "sealed credential present but CREDENTIALS_MASTER_KEY is not set")
	}
	plain, err := s.Open(v)
	if err != nil {
		return "", errs.Wrap(errs.KindConfig, "SEALED_CREDENTIAL", err, "cannot open sealed credential")
	}
	return plain, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
