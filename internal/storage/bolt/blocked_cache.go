package bolt

import (
	"sync"
	"time"
)

// blockedCache memoizes per-element blocked state. Entries carry the version
// counter observed when computation started; a concurrent invalidation bumps
// the counter so the stale result is discarded instead of stored. Entries
// whose state hinges on a timer gate also carry the gate boundary and lapse
// once it passes, since no write happens when a timer merely expires.
type blockedCache struct {
	mu       sync.Mutex
	versions map[string]uint64
	state    map[string]blockedEntry
}

type blockedEntry struct {
	version    uint64
	blocked    bool
	blockerID  string
	reason     string
	validUntil time.Time // zero: no time-based expiry
}

func newBlockedCache() *blockedCache {
	return &blockedCache{
		versions: make(map[string]uint64),
		state:    make(map[string]blockedEntry),
	}
}

// begin returns the current version for id. Pass it to commit after
// computing the element's blocked state.
func (c *blockedCache) begin(id string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[id]
}

// get returns the cached state, if still valid at now.
func (c *blockedCache) get(id string, now time.Time) (blocked bool, blockerID, reason string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.state[id]
	if !ok || e.version != c.versions[id] {
		return false, "", "", false
	}
	if !e.validUntil.IsZero() && !now.Before(e.validUntil) {
		delete(c.state, id)
		return false, "", "", false
	}
	return e.blocked, e.blockerID, e.reason, true
}

// commit stores a computed result unless the entry was invalidated since
// begin.
func (c *blockedCache) commit(id string, version uint64, blocked bool, blockerID, reason string, validUntil time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[id] != version {
		return
	}
	c.state[id] = blockedEntry{
		version:    version,
		blocked:    blocked,
		blockerID:  blockerID,
		reason:     reason,
		validUntil: validUntil,
	}
}

// invalidate drops the entry for id.
func (c *blockedCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[id]++
	delete(c.state, id)
}

// invalidateAll drops every entry.
func (c *blockedCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.state {
		delete(c.state, id)
	}
	for id := range c.versions {
		c.versions[id]++
	}
}
