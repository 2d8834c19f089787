package stream

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cache memoizes a Resolver's handle for up to maxAge, or until the URL's
// expiry hint, whichever comes first. It is itself a Resolver.
type Cache struct {
	resolver Resolver
	key      string
	maxAge   time.Duration
	store    *cache.Cache
	now      func() time.Time

	mu sync.Mutex // one resolution at a time
}

func NewCache(r Resolver, sourceID string, maxAge time.Duration) *Cache {
	return &Cache{
		resolver: r,
		key:      "handle:" + sourceID,
		maxAge:   maxAge,
		store:    cache.New(maxAge, time.Minute),
		now:      time.Now,
	}
}

// Current returns the cached handle if it is still valid.
func (c *Cache) Current() (Handle, bool) {
	v, ok := c.store.Get(c.key)
	if !ok {
		return Handle{}, false
	}
	h := v.(Handle)
	if !h.Valid(c.now(), c.maxAge) {
		return Handle{}, false
	}
	return h, true
}

// Resolve returns the cached handle or resolves a new one.
func (c *Cache) Resolve(ctx context.Context) (Handle, error) {
	if h, ok := c.Current(); ok {
		return h, nil
	}
	return c.ForceResolve(ctx)
}

// ForceResolve bypasses the cache.
func (c *Cache) ForceResolve(ctx context.Context) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, err := c.resolver.Resolve(ctx)
	if err != nil {
		return Handle{}, err
	}
	ttl := c.maxAge
	if !h.ExpiresAt.IsZero() {
		if left := h.ExpiresAt.Sub(c.now()); left < ttl {
			ttl = max(left, time.Second)
		}
	}
	c.store.Set(c.key, h, ttl)
	return h, nil
}

// Invalidate drops the cached handle, e.g. after a playback failure.
func (c *Cache) Invalidate() {
	c.store.Delete(c.key)
}
