// Package notify pushes operator alerts about ledger activity (condition
// resolutions, new markets) to chat channels. Alerts go to every registered
// sender and can be filtered by event name.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Sender is one chat channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	// Name identifies the channel in logs and errors (e.g. "telegram").
	Name() string
}

// Field is one labelled value of an alert, such as a condition id.
type Field struct {
	Name  string
	Value string
}

// Alert is a rendered notification. Event is the ledger event type or
// EventMarketCreated and drives filtering.
type Alert struct {
	Event  string
	Title  string
	Body   string
	Fields []Field
}

// Text renders the body followed by one "name: value" line per field, for
// channels without structured layouts.
func (a Alert) Text() string {
	lines := make([]string, 0, len(a.Fields)+1)
	if a.Body != "" {
		lines = append(lines, a.Body)
	}
	for _, f := range a.Fields {
		lines = append(lines, f.Name+": "+f.Value)
	}
	return strings.Join(lines, "\n")
}

// Notifier fans alerts out to its senders.
type Notifier struct {
	senders []Sender
	allowed map[string]struct{}
	logger  *slog.Logger
}

// NewNotifier creates a Notifier over senders. With an empty events list
// every alert is delivered; otherwise only alerts whose Event is listed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = struct{}{}
		}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether alerts for event would reach at least one sender.
func (n *Notifier) Enabled(event string) bool {
	if len(n.senders) == 0 {
		return false
	}
	if len(n.allowed) == 0 {
		return true
	}
	_, ok := n.allowed[event]
	return ok
}

// Deliver sends a to every sender. A failing sender does not stop delivery
// to the rest; all failures are joined into the returned error.
func (n *Notifier) Deliver(ctx context.Context, a Alert) error {
	if !n.Enabled(a.Event) {
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", a.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", a.Event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
