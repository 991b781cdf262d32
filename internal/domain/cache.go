package domain

import (
	"context"
	"time"
)

// ConditionCache provides fast condition lookups. Resolved conditions never
// change again and may be cached indefinitely.
type ConditionCache interface {
	Set(ctx context.Context, c Condition) error
	Get(ctx context.Context, id ConditionID) (Condition, error)
}

// RateDecision is the outcome of counting one request.
type RateDecision struct {
	Allowed bool
	// Remaining is how many more requests fit in the current window.
	Remaining int
}

// RateLimiter provides distributed rate limiting per subject.
type RateLimiter interface {
	Allow(ctx context.Context, subject string, limit int, window time.Duration) (RateDecision, error)
}

// ReplayGuard remembers signed requests for as long as their timestamp
// could still verify.
type ReplayGuard interface {
	// Claim records requestKey for ttl and reports whether it was unseen.
	Claim(ctx context.Context, requestKey string, ttl time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
	// StreamLast returns the newest entry of a stream; ok is false when the
	// stream is empty.
	StreamLast(ctx context.Context, stream string) (msg StreamMessage, ok bool, err error)
}
