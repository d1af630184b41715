package identity

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pitabwire/officeflow/model"
)

// CacheObserver is told about every cache hit and miss.
type CacheObserver interface {
	RecordDirectoryCacheHit()
	RecordDirectoryCacheMiss()
}

// CachedDirectory wraps a Directory with a TTL cache of successful lookups.
type CachedDirectory struct {
	next     Directory
	cache    *gocache.Cache
	observer CacheObserver
}

// NewCachedDirectory caches lookups from next for ttl.
func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// WithObserver reports hits and misses to o.
func (c *CachedDirectory) WithObserver(o CacheObserver) *CachedDirectory {
	c.observer = o
	return c
}

// GetUser returns a cached user or loads it from the wrapped directory.
// Lookup failures are not cached.
func (c *CachedDirectory) GetUser(ctx context.Context, userID string) (model.User, error) {
	if v, found := c.cache.Get(userID); found {
		if c.observer != nil {
			c.observer.RecordDirectoryCacheHit()
		}
		return v.(model.User), nil
	}
	if c.observer != nil {
		c.observer.RecordDirectoryCacheMiss()
	}
	u, err := c.next.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, err
	}
	c.cache.SetDefault(userID, u)
	return u, nil
}

// HealthCheck delegates to the wrapped directory when it can check itself.
func (c *CachedDirectory) HealthCheck(ctx context.Context) error {
	if hc, ok := c.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Len returns the number of cached users.
func (c *CachedDirectory) Len() int {
	return c.cache.ItemCount()
}
