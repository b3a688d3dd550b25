// Package api exposes the marketlens REST and WebSocket surface: the
// stream endpoint with its subscription control channel, cached quote
// and option-chain reads, position and portfolio views, and the health
// and status endpoints operators point their checks at.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/marketlens/marketlens/internal/broadcast"
	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/greeks"
	"github.com/marketlens/marketlens/internal/scheduler"
	"github.com/marketlens/marketlens/internal/subscription"
	"github.com/marketlens/marketlens/internal/upstream"
	"github.com/marketlens/marketlens/pkg/models"
)

// QuoteSource is the read side of the quote cache.
type QuoteSource interface {
	Get(symbol string) (models.Quote, models.Freshness)
	NegativeHit(symbol string) bool
}

// ChainSource fetches option chains from the market-data vendor.
type ChainSource interface {
	OptionChain(ctx context.Context, underlying, expiration string) ([]models.ChainEntry, error)
}

// StreamHub is the WebSocket hub surface the API needs.
type StreamHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Connected(clientID string) bool
	Stats() broadcast.Stats
}

// Portfolio is the position tracker's read surface.
type Portfolio interface {
	Positions() []models.Position
	Summary() models.PortfolioSummary
	LastRefresh() (time.Time, error)
}

// SettingsView serves watchlists and the known-symbol universe.
type SettingsView interface {
	Watchlist(userID uuid.UUID) []string
	KnownSymbol(symbol string) bool
	Suggest(symbol string, max int) []string
}

// SchedulerStatus reports refresh-loop health.
type SchedulerStatus interface {
	Health() scheduler.Health
	Healthy() bool
}

// RiskSource supplies pricing defaults for chain enrichment.
type RiskSource interface {
	RiskFreeRate() float64
	DefaultVolatility() float64
}

// Adapter is the slice of an upstream adapter the status page needs.
type Adapter interface {
	Name() string
	Breaker() *upstream.Breaker
}

// Deps carries the service dependencies injected into the server.
type Deps struct {
	Quotes    QuoteSource
	Market    ChainSource
	Registry  *subscription.Registry
	Hub       StreamHub
	Portfolio Portfolio
	Settings  SettingsView
	Scheduler SchedulerStatus
	Engine    *greeks.Engine
	Risk      RiskSource
	Adapters  []Adapter
}

// Server is the HTTP server for the dashboard API.
type Server struct {
	cfg     config.ServerConfig
	jwtCfg  config.JWTConfig
	logger  *zap.Logger
	router  *gin.Engine
	deps    Deps
	chains  *chainCache
	httpSrv *http.Server
}

// NewServer wires the routes and middleware. The caller starts it with
// Start and stops it with Shutdown.
func NewServer(cfg config.ServerConfig, jwtCfg config.JWTConfig, cacheCfg config.CacheConfig, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		jwtCfg: jwtCfg,
		logger: logger,
		deps:   deps,
		chains: newChainCache(cacheCfg.ChainTTL),
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("marketlens-api"))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s.router = router
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/readyz", s.readyz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.GET("/status", s.status)

	read := v1.Group("", s.requireCapability(CapabilityRead))
	{
		read.GET("/quotes", s.getQuotes)
		read.GET("/options/chain", s.getOptionChain)
		read.GET("/positions", s.getPositions)
		read.GET("/portfolio", s.getPortfolio)
		read.GET("/watchlist", s.getWatchlist)
	}

	stream := v1.Group("", s.requireCapability(CapabilityStream))
	{
		stream.GET("/stream", s.stream)
		stream.POST("/subscriptions", s.createSubscriptions)
		stream.DELETE("/subscriptions", s.deleteSubscriptions)
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.logger.Info("api server listening", zap.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
