package biz

import (
	"context"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/cache"
	"pkgharvest/pkg/resilience"
)

func TestCachedFetch(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(nil)

	calls := 0
	fetch := func(ctx context.Context, item domain.WorkItem) (domain.Record, error) {
		calls++
		if item.Package() == "gone" {
			return nil, &resilience.StatusError{Code: 404}
		}
		return domain.Record{"name": item.Package(), "version": item.Version()}, nil
	}
	cached := CachedFetch(c, "pypi", time.Minute, fetch, log.DefaultLogger)

	item := domain.NewReleaseItem("pypi", "plone", "6.0.0")
	rec, err := cached(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, "plone", rec.String("name"))

	rec, err = cached(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, "6.0.0", rec.String("version"))
	assert.Equal(t, 1, calls)

	// 错误不缓存
	gone := domain.NewReleaseItem("pypi", "gone", "")
	_, err = cached(ctx, gone)
	assert.Error(t, err)
	_, err = cached(ctx, gone)
	assert.Equal(t, resilience.ClassNotFound, resilience.Classify(err))
	assert.Equal(t, 3, calls)
}

func TestCachedFetch_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache(nil)
	require.NoError(t, c.SetBytes(ctx, "pypi:plone", []byte("{not json"), time.Minute))

	calls := 0
	cached := CachedFetch(c, "pypi", time.Minute, func(ctx context.Context, item domain.WorkItem) (domain.Record, error) {
		calls++
		return domain.Record{"name": "plone"}, nil
	}, log.DefaultLogger)

	rec, err := cached(ctx, domain.WorkItem{ID: "plone"})
	require.NoError(t, err)
	assert.Equal(t, "plone", rec.String("name"))
	assert.Equal(t, 1, calls)
}

func TestFetchCache_WrapDisabled(t *testing.T) {
	fetch := func(ctx context.Context, item domain.WorkItem) (domain.Record, error) {
		return domain.Record{}, nil
	}

	var nilCache *FetchCache
	assert.NotNil(t, nilCache.Wrap("pypi", fetch, log.DefaultLogger))

	calls := 0
	counting := func(ctx context.Context, item domain.WorkItem) (domain.Record, error) {
		calls++
		return domain.Record{}, nil
	}
	wrapped := (&FetchCache{Cache: cache.NewMemoryCache(nil)}).Wrap("pypi", counting, log.DefaultLogger)
	_, _ = wrapped(context.Background(), domain.WorkItem{ID: "a"})
	_, _ = wrapped(context.Background(), domain.WorkItem{ID: "a"})
	assert.Equal(t, 2, calls)
}
