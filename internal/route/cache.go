package route

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-replay/internal/metrics"
)

type cachedCatalog struct {
	catalog  *Catalog
	storedAt time.Time
}

// CachedSource memoizes resolved catalogs for a bounded time. Errors are never cached.
type CachedSource struct {
	next  Source
	cache *lru.Cache[string, cachedCatalog]
	ttl   time.Duration
}

func NewCachedSource(next Source, maxRoutes int, ttl time.Duration) *CachedSource {
	if maxRoutes <= 0 {
		maxRoutes = 64
	}
	c, _ := lru.New[string, cachedCatalog](maxRoutes)
	return &CachedSource{next: next, cache: c, ttl: ttl}
}

func (s *CachedSource) Resolve(ctx context.Context, id Identifier) (*Catalog, error) {
	key := id.String()
	if hit, ok := s.cache.Get(key); ok {
		if s.ttl <= 0 || time.Since(hit.storedAt) < s.ttl {
			metrics.CatalogCacheTotal.WithLabelValues("hit").Inc()
			return hit.catalog.Clone(), nil
		}
		s.cache.Remove(key)
	}
	metrics.CatalogCacheTotal.WithLabelValues("miss").Inc()

	cat, err := s.next.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, cachedCatalog{catalog: cat.Clone(), storedAt: time.Now()})
	return cat, nil
}

// Invalidate forgets every cached range of the named route.
func (s *CachedSource) Invalidate(name string) {
	for _, key := range s.cache.Keys() {
		if id, err := ParseIdentifier(key); err == nil && id.Name() == name {
			s.cache.Remove(key)
		}
	}
}
