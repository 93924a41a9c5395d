package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emwebdesign1/ceracotta1-sub000/internal/domain"
)

type stubCatalog struct {
	calls atomic.Int32
	delay time.Duration
	fn    func(ctx context.Context, productID string) (domain.Product, error)
}

func (s *stubCatalog) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.fn(ctx, productID)
}

func setupTestRedis(t *testing.T) (*ProductCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewProductCache(client, time.Minute), mr
}

func mug() domain.Product {
	price := int64(4500)
	return domain.Product{
		ID:       "prod_mug",
		Title:    "Stoneware Mug",
		Price:    3200,
		Currency: "chf",
		Variants: []domain.Variant{{ID: "var_blue", ProductID: "prod_mug", Color: "Blue", Price: &price}},
	}
}

func TestProductCacheGetMiss(t *testing.T) {
	cache, _ := setupTestRedis(t)

	_, err := cache.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestProductCacheSetAndGet(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, mug()))
	assert.True(t, mr.Exists(productKey("prod_mug")))
	ttl := mr.TTL(productKey("prod_mug"))
	assert.GreaterOrEqual(t, ttl, time.Minute)
	assert.Less(t, ttl, time.Minute+time.Minute/5+time.Second)

	got, err := cache.Get(ctx, "prod_mug")
	require.NoError(t, err)
	assert.Equal(t, "Stoneware Mug", got.Title)
	require.Len(t, got.Variants, 1)
	assert.Equal(t, int64(4500), *got.Variants[0].Price)
}

func TestProductCacheInvalidJSON(t *testing.T) {
	cache, mr := setupTestRedis(t)
	require.NoError(t, mr.Set(productKey("bad"), "{not json"))

	_, err := cache.Get(context.Background(), "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestCachedCatalogReadThrough(t *testing.T) {
	cache, _ := setupTestRedis(t)
	repo := &stubCatalog{fn: func(context.Context, string) (domain.Product, error) { return mug(), nil }}
	catalog, err := NewCachedCatalog(repo, cache, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		product, err := catalog.GetProduct(ctx, "prod_mug")
		require.NoError(t, err)
		assert.Equal(t, "prod_mug", product.ID)
	}
	assert.Equal(t, int32(1), repo.calls.Load())

	require.NoError(t, catalog.Invalidate(ctx, "prod_mug"))
	_, err = catalog.GetProduct(ctx, "prod_mug")
	require.NoError(t, err)
	assert.Equal(t, int32(2), repo.calls.Load())
}

func TestCachedCatalogCollapsesConcurrentMisses(t *testing.T) {
	cache, _ := setupTestRedis(t)
	repo := &stubCatalog{
		delay: 50 * time.Millisecond,
		fn:    func(context.Context, string) (domain.Product, error) { return mug(), nil },
	}
	catalog, err := NewCachedCatalog(repo, cache, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := catalog.GetProduct(context.Background(), "prod_mug")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), repo.calls.Load())
}

func TestCachedCatalogFallsBackWhenRedisDown(t *testing.T) {
	cache, mr := setupTestRedis(t)
	mr.Close()
	repo := &stubCatalog{fn: func(context.Context, string) (domain.Product, error) { return mug(), nil }}
	var events []string
	var mu sync.Mutex
	catalog, err := NewCachedCatalog(repo, cache, func(_ context.Context, event string, _ map[string]any) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	require.NoError(t, err)

	product, err := catalog.GetProduct(context.Background(), "prod_mug")
	require.NoError(t, err)
	assert.Equal(t, "prod_mug", product.ID)
	assert.Contains(t, events, "catalog.cache_get_failed")
	assert.Contains(t, events, "catalog.cache_set_failed")
}

func TestCachedCatalogDoesNotCacheErrors(t *testing.T) {
	cache, mr := setupTestRedis(t)
	boom := errors.New("boom")
	repo := &stubCatalog{fn: func(context.Context, string) (domain.Product, error) { return domain.Product{}, boom }}
	catalog, err := NewCachedCatalog(repo, cache, nil)
	require.NoError(t, err)

	_, err = catalog.GetProduct(context.Background(), "prod_mug")
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(productKey("prod_mug")))
}
