package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard()

	ok, err := g.Acquire(ctx, "intent-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = g.Acquire(ctx, "intent-1", time.Minute)
	assert.False(t, ok, "second claim must fail while held")

	ok, _ = g.Acquire(ctx, "intent-2", time.Minute)
	assert.True(t, ok, "other keys are independent")

	require.NoError(t, g.Release(ctx, "intent-1"))
	ok, _ = g.Acquire(ctx, "intent-1", time.Minute)
	assert.True(t, ok)
}

func TestMemoryGuardExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	g := NewMemoryGuard()
	g.clock = func() time.Time { return now }

	ok, _ := g.Acquire(ctx, "k", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = g.Acquire(ctx, "k", time.Second)
	assert.True(t, ok, "expired claims can be taken over")
}

func TestRedisGuard(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	g, err := NewRedisGuard(ctx, url)
	require.NoError(t, err)
	defer g.Close()

	key := uuid.NewString()
	ok, err := g.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, key))
	ok, _ = g.Acquire(ctx, key, time.Minute)
	assert.True(t, ok)
	_ = g.Release(ctx, key)
}

func TestNewRedisGuardBadURL(t *testing.T) {
	_, err := NewRedisGuard(context.Background(), "not-a-url")
	assert.Error(t, err)
}
