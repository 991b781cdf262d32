// Package server exposes the ledger over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/ctfledger/internal/domain"
	"github.com/alanyoungcy/ctfledger/internal/metrics"
	"github.com/alanyoungcy/ctfledger/internal/server/handler"
	"github.com/alanyoungcy/ctfledger/internal/server/middleware"
	"github.com/alanyoungcy/ctfledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	Auth        middleware.AuthConfig
	// RateLimit is the request budget per caller (or IP) per RateWindow.
	// Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Deps are the shared infrastructure the middleware chain uses. Every field
// may be nil.
type Deps struct {
	Limiter  domain.RateLimiter
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Ledger     *handler.LedgerHandler
	Markets    *handler.MarketHandler
	IDs        *handler.IDHandler
	Collateral *handler.CollateralHandler
}

// Server is the HTTP + WebSocket API server for the ledger.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. Mutating routes
// require an authenticated caller.
func NewServer(cfg Config, handlers Handlers, deps Deps, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	signed := func(fn http.HandlerFunc) http.Handler { return middleware.RequireCaller(fn) }

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Conditions.
	mux.Handle("POST /api/conditions", signed(handlers.Ledger.PrepareCondition))
	mux.HandleFunc("GET /api/conditions", handlers.Ledger.ListConditions)
	mux.HandleFunc("GET /api/conditions/{id}", handlers.Ledger.GetCondition)
	mux.Handle("POST /api/conditions/{id}/resolve", signed(handlers.Ledger.ReportPayouts))
	mux.HandleFunc("GET /api/custody/{collateral}", handlers.Ledger.GetCustody)

	// Positions.
	mux.Handle("POST /api/positions/split", signed(handlers.Ledger.SplitPosition))
	mux.Handle("POST /api/positions/merge", signed(handlers.Ledger.MergePositions))
	mux.Handle("POST /api/positions/redeem", signed(handlers.Ledger.RedeemPositions))

	// Multi-token balances, transfers and approvals.
	mux.HandleFunc("GET /api/balances/{owner}/{id}", handlers.Ledger.BalanceOf)
	mux.HandleFunc("POST /api/balances/batch", handlers.Ledger.BalanceOfBatch)
	mux.Handle("POST /api/transfers", signed(handlers.Ledger.Transfer))
	mux.Handle("POST /api/transfers/batch", signed(handlers.Ledger.TransferBatch))
	mux.Handle("POST /api/approvals", signed(handlers.Ledger.SetApprovalForAll))
	mux.HandleFunc("GET /api/approvals/{owner}/{operator}", handlers.Ledger.IsApprovedForAll)

	// Event log.
	mux.HandleFunc("GET /api/events", handlers.Ledger.ListEvents)

	// Identifier derivation.
	mux.HandleFunc("GET /api/ids/condition", handlers.IDs.ConditionID)
	mux.HandleFunc("GET /api/ids/collection", handlers.IDs.CollectionID)
	mux.HandleFunc("GET /api/ids/position", handlers.IDs.PositionID)

	// Markets.
	if handlers.Markets != nil {
		mux.Handle("POST /api/markets", signed(handlers.Markets.CreateMarket))
		mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
		mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
		mux.HandleFunc("GET /api/tokens/{id}", handlers.Markets.GetTokenPair)
	}

	// Collateral.
	if handlers.Collateral != nil {
		mux.HandleFunc("GET /api/collateral/{asset}/{owner}", handlers.Collateral.Balance)
		mux.Handle("POST /api/collateral/approve", signed(handlers.Collateral.Approve))
		mux.HandleFunc("POST /api/collateral/mint", handlers.Collateral.Mint)
	}

	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Logging sits outermost so it sees the final status and the matched
	// route pattern.
	h := middleware.Route(mux)
	if cfg.RateLimit > 0 {
		h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Signature(cfg.Auth)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Logging(logger, deps.Metrics)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
