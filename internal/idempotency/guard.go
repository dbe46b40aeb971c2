// Package idempotency provides short-lived locks on transfer-intent ids so a
// duplicated submission cannot run concurrently with the original.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a crashed holder can keep an intent locked.
const DefaultTTL = 30 * time.Second

// Guard hands out exclusive, expiring claims on keys.
type Guard interface {
	// Acquire claims key for ttl. It returns false when someone else holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim previously acquired.
	Release(ctx context.Context, key string) error
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewMemoryGuard creates an empty in-process guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{held: make(map[string]time.Time), clock: time.Now}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if exp, ok := g.held[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.held[key] = now.Add(ttl)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.held, key)
	g.mu.Unlock()
	return nil
}
