package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/placebook/pkg/observability"
)

// cacheEntry holds either a value or a cached miss.
type cacheEntry struct {
	value interface{}
	found bool
}

// CachedStore is a read-through cache in front of a Store. Misses are cached
// too, so a revoked membership stays visible for at most the TTL unless the
// writer calls Invalidate.
type CachedStore struct {
	next    Store
	cache   *expirable.LRU[string, cacheEntry]
	metrics *observability.Metrics
}

// NewCachedStore wraps next. A ttl of zero disables caching and returns next
// unchanged.
func NewCachedStore(next Store, size int, ttl time.Duration, metrics *observability.Metrics) Store {
	if ttl <= 0 {
		return next
	}
	if size <= 0 {
		size = 10000
	}
	return &CachedStore{
		next:    next,
		cache:   expirable.NewLRU[string, cacheEntry](size, nil, ttl),
		metrics: metrics,
	}
}

func globalKey(userID int64) string         { return fmt.Sprintf("g:%d", userID) }
func siteKey(siteID, userID int64) string   { return fmt.Sprintf("s:%d:%d", siteID, userID) }
func placeKey(placeID, userID int64) string { return fmt.Sprintf("p:%d:%d", placeID, userID) }
func placeSiteKey(placeID int64) string     { return fmt.Sprintf("ps:%d", placeID) }

func (c *CachedStore) load(key string, fetch func() (interface{}, error)) (interface{}, bool, error) {
	if entry, ok := c.cache.Get(key); ok {
		c.metrics.RecordCacheLookup(true)
		return entry.value, entry.found, nil
	}
	c.metrics.RecordCacheLookup(false)

	value, err := fetch()
	if errors.Is(err, ErrNotFound) {
		c.cache.Add(key, cacheEntry{})
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	c.cache.Add(key, cacheEntry{value: value, found: true})
	return value, true, nil
}

func (c *CachedStore) GetGlobalRole(ctx context.Context, userID int64) (GlobalRole, error) {
	v, found, err := c.load(globalKey(userID), func() (interface{}, error) {
		return c.next.GetGlobalRole(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return v.(GlobalRole), nil
}

func (c *CachedStore) GetSiteMembership(ctx context.Context, siteID, userID int64) (*SiteMembership, error) {
	v, found, err := c.load(siteKey(siteID, userID), func() (interface{}, error) {
		return c.next.GetSiteMembership(ctx, siteID, userID)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("site membership %d/%d: %w", siteID, userID, ErrNotFound)
	}
	m := *v.(*SiteMembership)
	return &m, nil
}

func (c *CachedStore) GetPlaceMembership(ctx context.Context, placeID, userID int64) (*PlaceMembership, error) {
	v, found, err := c.load(placeKey(placeID, userID), func() (interface{}, error) {
		return c.next.GetPlaceMembership(ctx, placeID, userID)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("place membership %d/%d: %w", placeID, userID, ErrNotFound)
	}
	m := *v.(*PlaceMembership)
	return &m, nil
}

func (c *CachedStore) GetPlaceSiteID(ctx context.Context, placeID int64) (int64, error) {
	v, found, err := c.load(placeSiteKey(placeID), func() (interface{}, error) {
		return c.next.GetPlaceSiteID(ctx, placeID)
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("place %d: %w", placeID, ErrNotFound)
	}
	return v.(int64), nil
}

// InvalidateUser drops every cached entry about userID
func (c *CachedStore) InvalidateUser(userID int64) {
	suffix := fmt.Sprintf(":%d", userID)
	global := globalKey(userID)
	for _, key := range c.cache.Keys() {
		if key == global || (!strings.HasPrefix(key, "ps:") && strings.HasSuffix(key, suffix)) {
			c.cache.Remove(key)
		}
	}
}

// Purge empties the cache
func (c *CachedStore) Purge() {
	c.cache.Purge()
}
