package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator manages the background loops of a serving instance: the event
// relay and the cold-storage archiver.
type Orchestrator struct {
	relay         *EventRelay
	archiver      *Archiver
	relayInterval time.Duration
	archiveCron   string
	logger        *slog.Logger
}

// NewOrchestrator creates a new Orchestrator. Either loop may be nil.
func NewOrchestrator(
	relay *EventRelay,
	archiver *Archiver,
	relayInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		relay:         relay,
		archiver:      archiver,
		relayInterval: relayInterval,
		archiveCron:   archiveCron,
		logger:        logger,
	}
}

// Run starts the loops as concurrent goroutines using an errgroup. Each
// goroutine respects ctx cancellation. If any goroutine returns a non-context
// error, the errgroup cancels the shared context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Bool("relay", o.relay != nil),
		slog.Duration("relay_interval", o.relayInterval),
		slog.Bool("archiver", o.archiver != nil),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.relay != nil {
		g.Go(func() error {
			err := o.relay.RunLoop(ctx, o.relayInterval)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("event relay: %w", err)
		})
	}

	if o.archiver != nil {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
