package rp

import "sync"

// Cache holds one RP service per novel, built lazily. Pipeline job
// completion invalidates the entry so the next query sees the fresh
// shard, profiles and name map.
type Cache struct {
	mu       sync.Mutex
	build    func(novelID string) (*Service, error)
	services map[string]*Service
}

// NewCache creates a cache around the given service factory.
func NewCache(build func(novelID string) (*Service, error)) *Cache {
	return &Cache{
		build:    build,
		services: make(map[string]*Service),
	}
}

// Get returns the cached service for a novel, building it on first use.
// The build runs under the cache lock; one writer, readers wait.
func (c *Cache) Get(novelID string) (*Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[novelID]; ok {
		return svc, nil
	}
	svc, err := c.build(novelID)
	if err != nil {
		return nil, err
	}
	c.services[novelID] = svc
	return svc, nil
}

// Invalidate drops (and closes) the cached service of one novel.
func (c *Cache) Invalidate(novelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[novelID]; ok {
		svc.Close()
		delete(c.services, novelID)
	}
}

// Close releases every cached service.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, svc := range c.services {
		svc.Close()
		delete(c.services, id)
	}
}
