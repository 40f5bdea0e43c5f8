package permission

import (
	"context"
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	perms     Set
	member    bool
	expiresAt time.Time
}

const defaultSweepAt = 1024

// Cache memoizes Resolve results per (server, user). Entries expire after
// ttl as a backstop; writers of subuser grants or ownership must call
// Invalidate or InvalidateServer immediately.
//
// gen is bumped by every invalidation. A resolve that started before an
// invalidation returns its result but does not cache it.
type Cache struct {
	mu       sync.Mutex
	resolver *Resolver
	ttl      time.Duration
	now      func() time.Time
	entries  map[string]cacheEntry
	gen      uint64
	sweepAt  int
}

func NewCache(resolver *Resolver, ttl time.Duration) *Cache {
	return NewCacheWithNow(resolver, ttl, time.Now)
}

func NewCacheWithNow(resolver *Resolver, ttl time.Duration, now func() time.Time) *Cache {
	return &Cache{
		resolver: resolver,
		ttl:      ttl,
		now:      now,
		entries:  make(map[string]cacheEntry),
		sweepAt:  defaultSweepAt,
	}
}

func cacheKey(serverID, userID string) string {
	return serverID + "|" + userID
}

// Resolve returns the cached set for s, resolving on a miss. Subjects
// carrying Explicit grants bypass the cache.
func (c *Cache) Resolve(ctx context.Context, s Subject) (Set, error) {
	perms, _, err := c.Membership(ctx, s)
	return perms, err
}

func (c *Cache) Membership(ctx context.Context, s Subject) (Set, bool, error) {
	if s.Explicit != nil {
		return c.resolver.Membership(ctx, s)
	}

	key := cacheKey(s.ServerID, s.UserID)
	if s.IsAdmin {
		key += "|admin"
	} else if s.IsOwner {
		key += "|owner"
	}

	c.mu.Lock()
	entry, ok := c.entries[key]
	now := c.now()
	gen := c.gen
	c.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.perms, entry.member, nil
	}

	perms, member, err := c.resolver.Membership(ctx, s)
	if err != nil {
		return Set{}, false, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.sweep(now)
		c.entries[key] = cacheEntry{perms: perms, member: member, expiresAt: now.Add(c.ttl)}
	}
	c.mu.Unlock()
	return perms, member, nil
}

// sweep drops expired entries once the map grows; callers hold mu.
func (c *Cache) sweep(now time.Time) {
	if len(c.entries) < c.sweepAt {
		return
	}
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *Cache) Invalidate(serverID, userID string) {
	prefix := cacheKey(serverID, userID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for key := range c.entries {
		if key == prefix || strings.HasPrefix(key, prefix+"|") {
			delete(c.entries, key)
		}
	}
}

func (c *Cache) InvalidateServer(serverID string) {
	prefix := serverID + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

