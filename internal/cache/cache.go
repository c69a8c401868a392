package cache

import (
	"context"
	"sync"
	"time"

	"repairpos/backend/internal/domain"
)

// DraftCache keeps cart drafts between requests. A draft that outlives its
// TTL is gone; callers start a new cart.
type DraftCache interface {
	Get(ctx context.Context, id string) (*domain.Cart, bool, error)
	Set(ctx context.Context, cart domain.Cart, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type entry struct {
	cart      domain.Cart
	expiresAt time.Time
}

// sweepInterval bounds how often Set walks all drafts to drop expired ones.
// Get still drops an expired draft on access.
const sweepInterval = time.Minute

// MemoryDraftCache is the in-process DraftCache used when Redis is not
// configured.
type MemoryDraftCache struct {
	mu        sync.Mutex
	entries   map[string]entry
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryDraftCache() *MemoryDraftCache {
	return &MemoryDraftCache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (c *MemoryDraftCache) Get(_ context.Context, id string) (*domain.Cart, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, id)
		return nil, false, nil
	}
	draft := e.cart.Clone()
	return &draft, true, nil
}

func (c *MemoryDraftCache) Set(_ context.Context, cart domain.Cart, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{cart: cart.Clone()}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[cart.ID] = e
	if now := c.now(); now.Sub(c.lastSweep) >= sweepInterval {
		c.sweepLocked(now)
	}
	return nil
}

func (c *MemoryDraftCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

func (c *MemoryDraftCache) sweepLocked(now time.Time) {
	c.lastSweep = now
	for id, e := range c.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(c.entries, id)
		}
	}
}
