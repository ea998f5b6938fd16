package label

import (
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL     = 10 * time.Minute
	defaultCleanupEvery = 15 * time.Minute
)

// CacheObserver is notified about cache lookups. Metrics recorders implement it.
type CacheObserver interface {
	LabelRendered()
	LabelCacheHit()
}

// CachedEncoder memoizes rendered labels by identifier and collapses concurrent
// renders of the same identifier into one.
type CachedEncoder struct {
	next     Renderer
	cache    *gocache.Cache
	group    singleflight.Group
	observer CacheObserver
}

// NewCachedEncoder wraps next with a TTL cache. A non-positive ttl selects
// DefaultCacheTTL.
func NewCachedEncoder(next Renderer, ttl time.Duration, observer CacheObserver) *CachedEncoder {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedEncoder{
		next:     next,
		cache:    gocache.New(ttl, defaultCleanupEvery),
		observer: observer,
	}
}

// Encode returns the cached label for identifier or renders it once.
func (c *CachedEncoder) Encode(identifier string) (Label, error) {
	if cached, ok := c.cache.Get(identifier); ok {
		if c.observer != nil {
			c.observer.LabelCacheHit()
		}
		return cached.(Label), nil
	}
	value, err, _ := c.group.Do(identifier, func() (interface{}, error) {
		if cached, ok := c.cache.Get(identifier); ok {
			return cached, nil
		}
		rendered, err := c.next.Encode(identifier)
		if err != nil {
			return nil, err
		}
		if c.observer != nil {
			c.observer.LabelRendered()
		}
		c.cache.SetDefault(identifier, rendered)
		return rendered, nil
	})
	if err != nil {
		return Label{}, err
	}
	return value.(Label), nil
}

// Len reports the number of cached labels.
func (c *CachedEncoder) Len() int {
	return c.cache.ItemCount()
}

// ETag returns a strong entity tag for a rendered label.
func ETag(png []byte) string {
	sum := blake2b.Sum256(png)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
