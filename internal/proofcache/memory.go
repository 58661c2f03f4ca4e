package proofcache

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/AuditForest/internal/forest"
	"github.com/jmerrifield20/AuditForest/internal/merkle"
)

type memoryEntry struct {
	proof     forest.Proof
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache. Expired entries are dropped by
// Evict or overwritten by Set.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache returns a MemoryCache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a copy of the cached proof.
func (c *MemoryCache) Get(_ context.Context, key string) (*forest.Proof, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		return nil, false
	}
	p := e.proof
	p.Steps = append([]merkle.Step(nil), e.proof.Steps...)
	return &p, true
}

// Set stores a copy of p.
func (c *MemoryCache) Set(_ context.Context, key string, p *forest.Proof) {
	if p == nil {
		return
	}
	cp := *p
	cp.Steps = append([]merkle.Step(nil), p.Steps...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{proof: cp, expiresAt: c.now().Add(c.ttl)}
}

// Evict removes expired entries and returns how many were removed.
func (c *MemoryCache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of entries, including expired ones.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
