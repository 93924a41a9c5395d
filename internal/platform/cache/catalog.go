package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
	"github.com/emwebdesign1/ceracotta1-sub000/internal/repositories"
)

// ErrCacheMiss is returned by ProductCache.Get when the key is absent.
var ErrCacheMiss = errors.New("cache: miss")

const (
	defaultProductTTL = 5 * time.Minute
	productKeyPrefix  = "catalog:product:"
)

// ProductCache stores product snapshots as JSON in Redis.
type ProductCache struct {
	client  redis.UniversalClient
	baseTTL time.Duration
	jitter  time.Duration
}

// NewProductCache wraps client. A non-positive ttl falls back to five minutes.
func NewProductCache(client redis.UniversalClient, ttl time.Duration) *ProductCache {
	if ttl <= 0 {
		ttl = defaultProductTTL
	}
	return &ProductCache{client: client, baseTTL: ttl, jitter: ttl / 5}
}

func (c *ProductCache) Get(ctx context.Context, productID string) (domain.Product, error) {
	data, err := c.client.Get(ctx, productKey(productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Product{}, ErrCacheMiss
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("cache: redis get: %w", err)
	}
	var product domain.Product
	if err := json.Unmarshal(data, &product); err != nil {
		return domain.Product{}, fmt.Errorf("cache: decode product: %w", err)
	}
	return product, nil
}

func (c *ProductCache) Set(ctx context.Context, product domain.Product) error {
	data, err := json.Marshal(product)
	if err != nil {
		return fmt.Errorf("cache: encode product: %w", err)
	}
	ttl := c.baseTTL
	if c.jitter > 0 {
		ttl += time.Duration(rand.Int63n(int64(c.jitter)))
	}
	if err := c.client.Set(ctx, productKey(product.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (c *ProductCache) Delete(ctx context.Context, productID string) error {
	if err := c.client.Del(ctx, productKey(productID)).Err(); err != nil {
		return fmt.Errorf("cache: redis delete: %w", err)
	}
	return nil
}

func productKey(productID string) string {
	return productKeyPrefix + productID
}

// CachedCatalog is a read-through CatalogRepository. Concurrent misses for the same
// product collapse into one repository call. Cache failures degrade to the repository.
type CachedCatalog struct {
	next   repositories.CatalogRepository
	cache  *ProductCache
	group  singleflight.Group
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewCachedCatalog decorates next with cache.
func NewCachedCatalog(next repositories.CatalogRepository, cache *ProductCache, logger func(ctx context.Context, event string, fields map[string]any)) (*CachedCatalog, error) {
	if next == nil {
		return nil, errors.New("cache: catalog repository is required")
	}
	if cache == nil {
		return nil, errors.New("cache: product cache is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CachedCatalog{next: next, cache: cache, logger: logger}, nil
}

func (c *CachedCatalog) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	product, err := c.cache.Get(ctx, productID)
	if err == nil {
		return product, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.logger(ctx, "catalog.cache_get_failed", map[string]any{"productId": productID, "error": err})
	}

	v, err, _ := c.group.Do(productID, func() (any, error) {
		product, err := c.next.GetProduct(ctx, productID)
		if err != nil {
			return domain.Product{}, err
		}
		if setErr := c.cache.Set(ctx, product); setErr != nil {
			c.logger(ctx, "catalog.cache_set_failed", map[string]any{"productId": productID, "error": setErr})
		}
		return product, nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return v.(domain.Product), nil
}

// Invalidate drops the cached snapshot for productID.
func (c *CachedCatalog) Invalidate(ctx context.Context, productID string) error {
	return c.cache.Delete(ctx, productID)
}
