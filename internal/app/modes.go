package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/ctfledger/internal/blob/s3"
	"github.com/alanyoungcy/ctfledger/internal/domain"
	"github.com/alanyoungcy/ctfledger/internal/pipeline"
	"github.com/alanyoungcy/ctfledger/internal/server"
	"github.com/alanyoungcy/ctfledger/internal/server/handler"
	"github.com/alanyoungcy/ctfledger/internal/server/middleware"
	"github.com/alanyoungcy/ctfledger/internal/server/ws"
	"github.com/alanyoungcy/ctfledger/internal/service"
)

// services are the domain services one serve-mode process runs.
type services struct {
	ledger  *service.LedgerService
	markets *service.MarketService
	fanout  *service.EventFanout
}

// buildServices wires the ledger and market services. A durable store is
// shared between instances, so events are published by the relay from the
// committed log; otherwise the ledger publishes inline after each commit.
func (a *App) buildServices(deps *Dependencies, local service.Broadcaster) services {
	fanout := service.NewEventFanout(deps.SignalBus, local, deps.Notifier, deps.Metrics, a.logger)

	var publisher domain.EventPublisher
	if !deps.Durable {
		publisher = fanout
	}
	ledger := service.NewLedgerService(
		deps.Ledger,
		deps.Collateral,
		a.cfg.CustodyAddress(),
		publisher,
		deps.ConditionCache,
		deps.Metrics,
		a.logger.With(slog.String("component", "ledger")),
	)
	markets := service.NewMarketService(ledger, deps.Markets, deps.Tokens, deps.Factory.Address(), deps.Notifier, a.logger)

	return services{ledger: ledger, markets: markets, fanout: fanout}
}

// ServeMode runs the HTTP API, the WebSocket hub and the event pipeline.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode",
		slog.String("backend", a.cfg.Storage.Backend),
		slog.Bool("redis", deps.SignalBus != nil),
		slog.Bool("archive", a.cfg.Archive.Enabled),
	)

	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	svc := a.buildServices(deps, hub)

	if orch := a.buildPipeline(deps, svc.fanout); orch != nil {
		g.Go(func() error {
			return orch.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc, hub)
	}

	return g.Wait()
}

// buildPipeline returns the orchestrator for the background loops this
// process needs, or nil when there are none.
func (a *App) buildPipeline(deps *Dependencies, fanout *service.EventFanout) *pipeline.Orchestrator {
	var relay *pipeline.EventRelay
	if deps.Durable {
		relay = pipeline.NewEventRelay(
			deps.Ledger,
			fanout,
			deps.SignalBus,
			deps.LockManager,
			a.cfg.Relay.Batch,
			a.cfg.Relay.StartSeq,
			a.logger,
		)
	}

	var archiver *pipeline.Archiver
	if a.cfg.Archive.Enabled && deps.EventArchiver != nil {
		archiver = pipeline.NewArchiver(deps.EventArchiver, deps.LockManager, a.cfg.Archive.LockTTL.Duration, deps.Metrics, a.logger)
	}

	if relay == nil && archiver == nil {
		return nil
	}
	return pipeline.NewOrchestrator(relay, archiver, a.cfg.Relay.Interval.Duration, a.cfg.Archive.Cron, a.logger)
}

// newServer assembles the HTTP server over the given services.
func (a *App) newServer(deps *Dependencies, svc services, hub *ws.Hub) *server.Server {
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Ledger:     handler.NewLedgerHandler(svc.ledger, a.logger),
		Markets:    handler.NewMarketHandler(svc.markets, a.logger),
		IDs:        handler.NewIDHandler(a.logger),
		Collateral: handler.NewCollateralHandler(deps.Collateral, deps.Faucet, a.cfg.CustodyAddress(), a.logger),
	}
	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Auth: middleware.AuthConfig{
			MaxSkew:        a.cfg.Server.MaxSkew.Duration,
			AllowDevCaller: a.cfg.Server.AllowDevCaller,
			Replay:         deps.ReplayGuard,
		},
		RateLimit:  a.cfg.Server.RateLimit,
		RateWindow: a.cfg.Server.RateWindow.Duration,
	}, handlers, server.Deps{
		Limiter:  deps.RateLimiter,
		Metrics:  deps.Metrics,
		Gatherer: deps.Registry,
	}, hub, a.logger)
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc services, hub *ws.Hub) {
	srv := a.newServer(deps, svc, hub)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("factory", deps.Factory.Address().Hex()),
			slog.String("custody", a.cfg.CustodyAddress().Hex()),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// AuditMode replays the event log, compares it with live state and fails
// when they disagree.
func (a *App) AuditMode(ctx context.Context, deps *Dependencies) error {
	audit := service.NewAuditService(deps.Ledger, deps.Collateral, a.cfg.CustodyAddress(), a.logger)

	var (
		report service.AuditReport
		err    error
	)
	switch a.cfg.Audit.Source {
	case "archive":
		if deps.BlobReader == nil {
			return errors.New("audit: archive source needs object storage")
		}
		archived, readErr := s3blob.ReadArchivedEvents(ctx, deps.BlobReader)
		if readErr != nil {
			return fmt.Errorf("audit: read archive: %w", readErr)
		}
		report, err = audit.AuditArchive(ctx, archived)
	default:
		report, err = audit.AuditStore(ctx)
	}
	if err != nil {
		return err
	}

	for _, d := range report.Dust {
		a.logger.InfoContext(ctx, "audit: residual collateral",
			slog.String("collateral", d.Collateral.Hex()),
			slog.String("amount", d.Amount.Dec()),
		)
	}
	for _, s := range report.Shortfall {
		a.logger.WarnContext(ctx, "audit: custody shortfall",
			slog.String("collateral", s.Collateral.Hex()),
			slog.String("amount", s.Amount.Dec()),
		)
	}
	if !report.OK() {
		return fmt.Errorf("audit: %d balance, %d custody and %d collateral mismatches",
			len(report.BalanceMismatches), len(report.CustodyMismatches), len(report.CollateralMismatches))
	}
	return nil
}
