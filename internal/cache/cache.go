// Package cache holds the in-memory flag cache. It is the only shared mutable
// state in the engine; the service layer owns an instance and invalidates
// entries synchronously with every successful mutation, so within one process
// a read after a committed write never sees the pre-mutation value. The TTL is
// a secondary staleness bound for writes made by other processes.
package cache

import (
	"sync"
	"time"

	"github.com/oakmere/flaggate/internal/core"
)

// DefaultTTL bounds cross-process staleness. Long enough to absorb read
// bursts, short enough that a missed invalidation self-heals.
const DefaultTTL = 5 * time.Minute

type entry struct {
	flag     core.Flag
	storedAt time.Time
}

// FlagCache is a per-key TTL cache of flag definitions, safe for concurrent
// use.
type FlagCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	version uint64
	ttl     time.Duration
	now     func() time.Time
}

// New creates a FlagCache with the given TTL. A non-positive TTL falls back
// to [DefaultTTL].
func New(ttl time.Duration) *FlagCache {
	return NewWithClock(ttl, time.Now)
}

// NewWithClock creates a FlagCache with an injectable clock for tests.
func NewWithClock(ttl time.Duration, now func() time.Time) *FlagCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}

	return &FlagCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     now,
	}
}

// Get returns the cached flag for key if the entry is still within its TTL.
// An expired entry is a miss but is kept for [GetStale].
func (c *FlagCache) Get(key string) (core.Flag, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().Sub(e.storedAt) > c.ttl {
		return core.Flag{}, false
	}

	return e.flag, true
}

// GetStale returns the cached flag for key regardless of TTL. Used on the
// degraded read path when the repository is unavailable: bounded staleness
// beats failing a flag check.
func (c *FlagCache) GetStale(key string) (core.Flag, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	return e.flag, ok
}

// Put stores flag under its key, resetting the entry's TTL.
func (c *FlagCache) Put(flag core.Flag) {
	c.mu.Lock()
	c.entries[flag.Key] = entry{flag: flag, storedAt: c.now()}
	c.mu.Unlock()
}

// Version reports a counter bumped by every invalidation. A reader filling
// the cache captures it before its repository fetch and passes it to
// [FlagCache.PutIfVersion], so a fetch that was in flight while a mutation
// invalidated the cache cannot re-insert the row it read before the write.
func (c *FlagCache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.version
}

// PutIfVersion stores flag only if no invalidation happened since version was
// captured with [FlagCache.Version]. It reports whether the entry was stored.
func (c *FlagCache) PutIfVersion(flag core.Flag, version uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.version != version {
		return false
	}
	c.entries[flag.Key] = entry{flag: flag, storedAt: c.now()}

	return true
}

// Invalidate removes the entry for key, if any.
func (c *FlagCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.version++
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *FlagCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.version++
	c.mu.Unlock()
}

// Len reports the number of entries, fresh or expired.
func (c *FlagCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// SnapshotStale returns every cached flag regardless of TTL, for degraded
// bulk evaluation when the repository cannot be listed.
func (c *FlagCache) SnapshotStale() []core.Flag {
	c.mu.RLock()
	flags := make([]core.Flag, 0, len(c.entries))
	for _, e := range c.entries {
		flags = append(flags, e.flag)
	}
	c.mu.RUnlock()

	return flags
}
