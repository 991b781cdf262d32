package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter with one sorted set of request
// timestamps per subject (a caller address or client IP), trimmed and
// counted atomically by a Lua script so that every API instance sharing the
// server enforces the same budget.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	now    func() time.Time
}

// NewRateLimiter creates a RateLimiter on c.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:    c.rdb,
		script: redis.NewScript(slidingWindowLua),
		now:    time.Now,
	}
}

// Allow counts one request by subject against limit per window.
func (rl *RateLimiter) Allow(ctx context.Context, subject string, limit int, window time.Duration) (domain.RateDecision, error) {
	res, err := rl.script.Run(ctx, rl.rdb,
		[]string{key(nsRateLimit, subject)},
		rl.now().UnixMicro(), window.Microseconds(), limit,
	).Int64Slice()
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: %w", subject, err)
	}
	return decodeDecision(subject, res)
}

// decodeDecision reads the script's {allowed, remaining} reply.
func decodeDecision(subject string, res []int64) (domain.RateDecision, error) {
	if len(res) != 2 {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: reply has %d values", subject, len(res))
	}
	return domain.RateDecision{Allowed: res[0] == 1, Remaining: int(res[1])}, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
