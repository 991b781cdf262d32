package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

const (
	relayLockKey      = "event-relay"
	defaultRelayBatch = 500
)

// EventSource is the slice of the ledger store the relay reads from.
type EventSource interface {
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]domain.LedgerEvent, error)
}

// EventRelay tails the durable event log and hands new events to the
// publisher. With several instances sharing one store, a distributed lock
// elects the instance that relays each tick and the bus stream's newest
// entry is the shared cursor, so each event is published at least once.
type EventRelay struct {
	events    EventSource
	publisher domain.EventPublisher
	bus       domain.SignalBus
	locks     domain.LockManager
	batch     int
	logger    *slog.Logger

	cursor int64
}

// NewEventRelay creates an EventRelay. bus and locks may be nil for a single
// instance, in which case the cursor lives in memory and starts at startSeq.
func NewEventRelay(events EventSource, publisher domain.EventPublisher, bus domain.SignalBus, locks domain.LockManager, batch int, startSeq int64, logger *slog.Logger) *EventRelay {
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	return &EventRelay{
		events:    events,
		publisher: publisher,
		bus:       bus,
		locks:     locks,
		batch:     batch,
		cursor:    startSeq,
		logger:    logger.With(slog.String("component", "event_relay")),
	}
}

// RunOnce publishes every event after the cursor and returns how many were
// handed to the publisher.
func (r *EventRelay) RunOnce(ctx context.Context, lease time.Duration) (int, error) {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, relayLockKey, lease)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return 0, nil
			}
			return 0, fmt.Errorf("event relay: acquire lock: %w", err)
		}
		defer unlock()
	}

	cursor, err := r.loadCursor(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		events, err := r.events.ListEvents(ctx, cursor, r.batch)
		if err != nil {
			return total, fmt.Errorf("event relay: list events after %d: %w", cursor, err)
		}
		if len(events) == 0 {
			return total, nil
		}
		if err := r.publisher.PublishEvents(ctx, events); err != nil {
			// The stream cursor only moves for appended events; the rest are
			// retried next tick.
			r.logger.WarnContext(ctx, "event relay: publish incomplete",
				slog.Int64("first_seq", events[0].Seq),
				slog.String("error", err.Error()),
			)
			return total, nil
		}
		cursor = events[len(events)-1].Seq
		r.cursor = cursor
		total += len(events)
		if len(events) < r.batch {
			return total, nil
		}
	}
}

func (r *EventRelay) loadCursor(ctx context.Context) (int64, error) {
	if r.bus == nil {
		return r.cursor, nil
	}
	msg, ok, err := r.bus.StreamLast(ctx, domain.EventStream)
	if err != nil {
		return 0, fmt.Errorf("event relay: read cursor: %w", err)
	}
	if !ok {
		return r.cursor, nil
	}
	var ev domain.LedgerEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return 0, fmt.Errorf("event relay: decode stream entry %s: %w", msg.ID, err)
	}
	if ev.Seq > r.cursor {
		return ev.Seq, nil
	}
	return r.cursor, nil
}

// RunLoop relays on every tick until ctx is cancelled.
func (r *EventRelay) RunLoop(ctx context.Context, interval time.Duration) error {
	lease := 10 * interval
	if lease < 10*time.Second {
		lease = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("event relay stopped")
			return ctx.Err()
		case <-ticker.C:
			n, err := r.RunOnce(ctx, lease)
			if err != nil {
				r.logger.Error("event relay tick failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				r.logger.Debug("events relayed", slog.Int("count", n), slog.Int64("cursor", r.cursor))
			}
		}
	}
}
