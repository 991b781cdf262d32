package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/ctfledger/internal/domain"
	"github.com/alanyoungcy/ctfledger/internal/metrics"
)

// Broadcaster pushes a payload to locally connected subscribers.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// LedgerNotifier receives committed events for operator alerts.
type LedgerNotifier interface {
	NotifyLedgerEvent(ctx context.Context, ev domain.LedgerEvent) error
}

// EventFanout delivers committed events to observers: the signal bus (pub/sub
// channel per event type plus the durable stream), local WebSocket clients
// and the notifier. When a bus is configured the WebSocket hub receives events
// through it, so local broadcast is skipped.
type EventFanout struct {
	bus      domain.SignalBus
	local    Broadcaster
	notifier LedgerNotifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

var _ domain.EventPublisher = (*EventFanout)(nil)

// NewEventFanout creates an EventFanout. Any sink may be nil.
func NewEventFanout(bus domain.SignalBus, local Broadcaster, notifier LedgerNotifier, m *metrics.Metrics, logger *slog.Logger) *EventFanout {
	return &EventFanout{
		bus:      bus,
		local:    local,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With(slog.String("component", "event_fanout")),
	}
}

// PublishEvents delivers events in order. Delivery failures are collected
// and returned after every sink had its chance.
func (f *EventFanout) PublishEvents(ctx context.Context, events []domain.LedgerEvent) error {
	var errs []error
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("event_fanout: encode event %d: %w", ev.Seq, err))
			continue
		}
		channel := domain.EventChannel(ev.Type)

		if f.bus != nil {
			if err := f.bus.Publish(ctx, channel, data); err != nil {
				f.metrics.IncrementPublishFailure("bus")
				errs = append(errs, err)
			}
			if err := f.bus.StreamAppend(ctx, domain.EventStream, data); err != nil {
				f.metrics.IncrementPublishFailure("stream")
				errs = append(errs, err)
			}
		} else if f.local != nil {
			f.local.Broadcast(channel, data)
		}

		if f.notifier != nil {
			if err := f.notifier.NotifyLedgerEvent(ctx, ev); err != nil {
				f.metrics.IncrementPublishFailure("notify")
				f.logger.WarnContext(ctx, "event_fanout: notify failed",
					slog.Int64("seq", ev.Seq),
					slog.String("type", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return errors.Join(errs...)
}
