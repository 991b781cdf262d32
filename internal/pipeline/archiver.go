package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/ctfledger/internal/domain"
	"github.com/alanyoungcy/ctfledger/internal/metrics"
)

const archiveLockKey = "event-archiver"

// Archiver copies the ledger event log to object storage on a schedule.
type Archiver struct {
	blobArchiver domain.EventArchiver
	locks        domain.LockManager
	lockTTL      time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewArchiver creates a new Archiver. locks may be nil when only one
// instance runs.
func NewArchiver(blobArchiver domain.EventArchiver, locks domain.LockManager, lockTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *Archiver {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &Archiver{
		blobArchiver: blobArchiver,
		locks:        locks,
		lockTTL:      lockTTL,
		metrics:      m,
		logger:       logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive run. A run that finds the lock held by
// another instance is skipped.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, a.lockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				a.logger.Info("archive run skipped, lock held elsewhere")
				return nil
			}
			return fmt.Errorf("archiver: acquire lock: %w", err)
		}
		defer unlock()
	}

	start := time.Now()
	n, err := a.blobArchiver.ArchiveEvents(ctx)
	a.metrics.AddArchived(n)
	if err != nil {
		return fmt.Errorf("archiving ledger events (%d uploaded before failure): %w", n, err)
	}

	a.logger.Info("archive run complete",
		slog.Int64("events_archived", n),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// It supports cron expressions in the standard 5-field format:
// "minute hour day-of-month month day-of-week"
//
// Example: "*/15 * * * *" runs every fifteen minutes.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		waitDuration := time.Until(next)
		a.logger.Debug("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", waitDuration),
		)

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField represents a parsed cron field that can match against a value.
type cronField struct {
	wildcard bool
	step     int
	values   []int
}

// matches returns true if the given value matches this cron field.
func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	if f.step > 0 {
		return val%f.step == 0
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single cron field (e.g. "0", "*", "1,15", "*/5").
func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	if rest, ok := strings.CutPrefix(field, "*/"); ok {
		step, err := strconv.Atoi(rest)
		if err != nil || step <= 0 {
			return cronField{}, fmt.Errorf("invalid cron step %q", field)
		}
		return cronField{step: step}, nil
	}

	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.Atoi(p)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

// parsedCron holds five parsed cron fields.
type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// matchesTime returns true if the given time matches all five cron fields.
func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// parseCron parses a 5-field cron expression into a parsedCron struct.
func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	minute, err := parseCronField(fields[0])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing minute field: %w", err)
	}
	hour, err := parseCronField(fields[1])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing hour field: %w", err)
	}
	dayOfMonth, err := parseCronField(fields[2])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing month field: %w", err)
	}
	dayOfWeek, err := parseCronField(fields[4])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-week field: %w", err)
	}

	return parsedCron{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
	}, nil
}

// nextCronTime calculates the next time after 'after' that matches the given
// cron expression. It searches minute-by-minute up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	// Start from the next minute boundary.
	candidate := after.Truncate(time.Minute).Add(time.Minute)

	// Search up to one year ahead to avoid infinite loops.
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
