package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// ReplayGuard is the single-instance domain.ReplayGuard used when Redis is
// not configured. Expired claims are swept on every call.
type ReplayGuard struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

var _ domain.ReplayGuard = (*ReplayGuard)(nil)

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{expires: make(map[string]time.Time), now: time.Now}
}

func (g *ReplayGuard) Claim(_ context.Context, requestKey string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, at := range g.expires {
		if !now.Before(at) {
			delete(g.expires, k)
		}
	}
	if _, seen := g.expires[requestKey]; seen {
		return false, nil
	}
	g.expires[requestKey] = now.Add(ttl)
	return true, nil
}
