package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayGuard_ClaimOnceUntilExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	g := NewReplayGuard()
	g.now = func() time.Time { return now }

	fresh, err := g.Claim(ctx, "req-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = g.Claim(ctx, "req-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh, "second claim within the ttl")

	fresh, err = g.Claim(ctx, "req-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	now = now.Add(time.Minute)
	fresh, err = g.Claim(ctx, "req-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh, "claim expired")
	assert.Len(t, g.expires, 1, "expired entries are swept")
}
