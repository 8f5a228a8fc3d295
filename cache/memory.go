package cache

import (
	"context"
	"sync"
	"time"

	"github.com/urbn/Caesium/caesiumid"
)

type memoryItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache. It is selected by the "memory"
// Backend (the default empty Backend disables caching), and it is what
// tests use.
type MemoryCache struct {
	mu        sync.RWMutex
	items     map[string]memoryItem
	defaultTTL time.Duration
	closed    bool
}

// NewMemoryCache creates a MemoryCache with the given default TTL.
func NewMemoryCache(defaultTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		items:      make(map[string]memoryItem),
		defaultTTL: defaultTTL,
	}
}

func (c *MemoryCache) Get(ctx context.Context, id caesiumid.ID) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	item, ok := c.items[id.Hex()]
	if !ok {
		return nil, ErrMiss
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		return nil, ErrMiss
	}
	return item.data, nil
}

func (c *MemoryCache) Set(ctx context.Context, id caesiumid.ID, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.items[id.Hex()] = memoryItem{data: data, expiresAt: expiresAt}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, id caesiumid.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id.Hex())
	return nil
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.items = nil
	return nil
}
