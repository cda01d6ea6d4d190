package service

import (
	"context"
	"sync"
	"time"
)

// EndpointMissCache remembers agent-access paths that resolved to nothing so
// repeated probes of unknown paths skip the database.
type EndpointMissCache interface {
	IsMiss(ctx context.Context, path string) (bool, error)
	MarkMiss(ctx context.Context, path string, ttl time.Duration) error
	Invalidate(ctx context.Context, path string) error
}

type NoopEndpointMissCache struct{}

func NewNoopEndpointMissCache() *NoopEndpointMissCache {
	return &NoopEndpointMissCache{}
}

func (NoopEndpointMissCache) IsMiss(context.Context, string) (bool, error) { return false, nil }

func (NoopEndpointMissCache) MarkMiss(context.Context, string, time.Duration) error { return nil }

func (NoopEndpointMissCache) Invalidate(context.Context, string) error { return nil }

type InMemoryEndpointMissCache struct {
	mu     sync.RWMutex
	now    func() time.Time
	misses map[string]time.Time
}

func NewInMemoryEndpointMissCache() *InMemoryEndpointMissCache {
	return &InMemoryEndpointMissCache{
		now:    time.Now,
		misses: make(map[string]time.Time),
	}
}

func (c *InMemoryEndpointMissCache) IsMiss(_ context.Context, path string) (bool, error) {
	now := c.now().UTC()
	c.mu.RLock()
	expiresAt, ok := c.misses[path]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !now.Before(expiresAt) {
		c.mu.Lock()
		if current, still := c.misses[path]; still && !now.Before(current) {
			delete(c.misses, path)
		}
		c.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (c *InMemoryEndpointMissCache) MarkMiss(_ context.Context, path string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.misses[path] = c.now().UTC().Add(ttl)
	c.mu.Unlock()
	return nil
}

func (c *InMemoryEndpointMissCache) Invalidate(_ context.Context, path string) error {
	c.mu.Lock()
	delete(c.misses, path)
	c.mu.Unlock()
	return nil
}
