package runs

import (
	"context"
	"sync"
)

// Cache stores the runs reported for a day so that settled days need not
// be fetched again.
type Cache interface {
	// Get returns the cached runs for day (YYYY-MM-DD).
	Get(ctx context.Context, day string) ([]Run, bool, error)
	// Put stores the runs fetched for day.
	Put(ctx context.Context, day string, runs []Run) error
}

// Compile-time interface check.
var _ Cache = (*MemoryCache)(nil)

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu   sync.RWMutex
	days map[string][]Run
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{days: make(map[string][]Run, 64)}
}

// NewSeededCache creates a cache pre-populated with already known runs,
// keyed by the day each run started.
func NewSeededCache(known *RunsByRevision) *MemoryCache {
	c := NewMemoryCache()

	for _, run := range known.AllRuns() {
		day := run.Day()
		c.days[day] = append(c.days[day], run)
	}

	return c
}

// Evict drops days so the next fetch requests them again.
func (c *MemoryCache) Evict(days ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, day := range days {
		delete(c.days, day)
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, day string) ([]Run, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	runs, ok := c.days[day]

	return runs, ok, nil
}

// Put implements Cache.
func (c *MemoryCache) Put(_ context.Context, day string, runs []Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.days[day] = append([]Run(nil), runs...)

	return nil
}
