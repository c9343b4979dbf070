// Package api is the HTTP surface the external decision-making agent drives.
package api

import (
	"context"
	"net/http"
	"time"

	"clob-agent/internal/engine"
	"clob-agent/internal/events"
	"clob-agent/internal/monitor"
	"clob-agent/pkg/db"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// History reads the order journal.
type History interface {
	GetOrder(ctx context.Context, id string) (db.Order, error)
	Transitions(ctx context.Context, orderID string) ([]db.Transition, error)
	Fills(ctx context.Context, orderID string) ([]db.Fill, error)
}

// Deps are the collaborators of a Server. Metrics, Alerts, History and Bus
// are optional.
type Deps struct {
	Engine  engine.Service
	Metrics *monitor.Metrics
	Alerts  *monitor.Recent
	History History
	Bus     *events.Bus
	Logger  *zap.Logger

	// Config is the redacted configuration view.
	Config map[string]any

	JWTSecret            string
	OperatorPasswordHash string
	TokenTTL             time.Duration

	// RequestTimeout bounds every request; zero means 30s.
	RequestTimeout time.Duration
	// PerIPRate and PerIPBurst shape the per-client limiter.
	PerIPRate  float64
	PerIPBurst int
}

// Server wires HTTP endpoints around the execution engine.
type Server struct {
	Router *gin.Engine
	deps   Deps
	logger *zap.Logger
	ips    *ipLimiters
	http   *http.Server
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.TokenTTL <= 0 {
		deps.TokenTTL = 12 * time.Hour
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	if deps.PerIPRate <= 0 {
		deps.PerIPRate = 20
	}
	if deps.PerIPBurst <= 0 {
		deps.PerIPBurst = 50
	}

	r := gin.New()
	s := &Server{
		Router: r,
		deps:   deps,
		logger: deps.Logger,
		ips:    newIPLimiters(deps.PerIPRate, deps.PerIPBurst),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.logger))
	r.Use(RateLimitMiddleware(s.ips, s.logger))
	r.Use(TimeoutMiddleware(deps.RequestTimeout))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.deps.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/config", s.getConfig)
		api.GET("/rate-limits", s.getRateLimits)
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.deps.JWTSecret))
		{
			protected.POST("/intents", s.submitIntent)
			protected.POST("/intents/preview", s.previewIntent)

			protected.GET("/orders", s.listOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.GET("/orders/:id/history", s.getOrderHistory)
			protected.DELETE("/orders/:id", s.cancelOrder)
			protected.DELETE("/orders", s.cancelAll)
			protected.DELETE("/markets/:token/orders", s.cancelMarket)

			protected.GET("/positions", s.getPositions)
			protected.GET("/portfolio", s.getPortfolio)

			protected.GET("/stream", s.stream)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	st := s.deps.Engine.Status()
	feed := "disabled"
	if st.Feed != nil {
		feed = st.Feed.Market.State
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"demo_mode": st.DemoMode,
		"feed":      feed,
	})
}

// Start serves on addr until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("api shutdown", zap.Error(err))
		}
	}()
	s.logger.Info("api listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
