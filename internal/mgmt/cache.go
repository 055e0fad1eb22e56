package mgmt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// agentSource is the slice of Client the cache needs; tests substitute a stub.
type agentSource interface {
	Agent(ctx context.Context, agentID string) (*AgentConfig, error)
	AgentFunctions(ctx context.Context, agentID string) ([]FunctionSpec, error)
}

// DefaultAgentTTL is how long a cached agent config stays fresh.
const DefaultAgentTTL = 5 * time.Minute

type cacheEntry struct {
	cfg     *AgentConfig
	funcs   []FunctionSpec
	expires time.Time
}

// AgentCache is a TTL cache over agent configs and their function specs.
// Entries are immutable once stored; refresh replaces the whole entry. Safe
// for concurrent use.
type AgentCache struct {
	src agentSource
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry

	hits   atomic.Int64
	misses atomic.Int64
}

// NewAgentCache wraps src with a TTL cache. ttl ≤ 0 uses DefaultAgentTTL.
func NewAgentCache(src agentSource, ttl time.Duration) *AgentCache {
	if ttl <= 0 {
		ttl = DefaultAgentTTL
	}
	return &AgentCache{
		src:     src,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the agent config and its active function specs, fetching from
// the backend on a miss or expired entry. Fetch failures are not cached.
func (c *AgentCache) Get(ctx context.Context, agentID string) (*AgentConfig, []FunctionSpec, error) {
	c.mu.Lock()
	entry, ok := c.entries[agentID]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		c.hits.Add(1)
		return entry.cfg, entry.funcs, nil
	}
	c.misses.Add(1)

	cfg, err := c.src.Agent(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	funcs, err := c.src.AgentFunctions(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	c.entries[agentID] = cacheEntry{cfg: cfg, funcs: funcs, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return cfg, funcs, nil
}

// EvictExpired removes stale entries and reports how many were dropped. The
// cache sweeper calls this periodically so configs edited in the backend are
// picked up within one TTL.
func (c *AgentCache) EvictExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Flush drops every entry regardless of age.
func (c *AgentCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Stats returns cumulative hit and miss counts.
func (c *AgentCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached entries, expired or not.
func (c *AgentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
