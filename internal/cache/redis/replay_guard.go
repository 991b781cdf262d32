package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// ReplayGuard implements domain.ReplayGuard with SET NX. The first instance
// to claim a signed request serves it; every later copy within the TTL is
// refused, on any instance sharing the server.
type ReplayGuard struct {
	rdb *redis.Client
}

// NewReplayGuard creates a ReplayGuard on c.
func NewReplayGuard(c *Client) *ReplayGuard {
	return &ReplayGuard{rdb: c.rdb}
}

// Claim records requestKey for ttl and reports whether it was unseen.
func (g *ReplayGuard) Claim(ctx context.Context, requestKey string, ttl time.Duration) (bool, error) {
	fresh, err := g.rdb.SetNX(ctx, key(nsReplay, requestKey), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim request %s: %w", requestKey, err)
	}
	return fresh, nil
}

var _ domain.ReplayGuard = (*ReplayGuard)(nil)
