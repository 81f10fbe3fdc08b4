package biz_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkgharvest/cmd/harvester/internal/biz"
	"pkgharvest/cmd/harvester/internal/data"
	"pkgharvest/cmd/harvester/internal/domain"
	pkgerrors "pkgharvest/pkg/errors"
	"pkgharvest/pkg/resilience"
)

func fastPolicy(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:       attempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func newIndexWithCollection(t *testing.T, name string) *data.MemoryIndex {
	t.Helper()
	index := data.NewMemoryIndex()
	require.NoError(t, index.CreateCollection(context.Background(), data.PackagesSchema().WithName(name)))
	return index
}

func docs(n int) []domain.IndexDocument {
	out := make([]domain.IndexDocument, n)
	for i := range out {
		out[i] = domain.IndexDocument{
			ID:     fmt.Sprintf("pkg%03d-1.0", i),
			Fields: domain.Record{"name": fmt.Sprintf("pkg%03d", i), "version": "1.0"},
		}
	}
	return out
}

func TestBatchIndexer_Batches(t *testing.T) {
	ctx := context.Background()
	index := newIndexWithCollection(t, "packages-1")

	var batches atomic.Int32
	index.UpsertHook = func(collection string, docs []domain.IndexDocument) error {
		batches.Add(1)
		assert.LessOrEqual(t, len(docs), 100)
		return nil
	}

	indexer := biz.NewBatchIndexer(index, "packages-1", biz.IndexerConfig{BatchSize: 100}, fastPolicy(3), log.DefaultLogger)
	for _, doc := range docs(250) {
		require.NoError(t, indexer.Submit(ctx, doc))
	}
	assert.Equal(t, int32(2), batches.Load())

	require.NoError(t, indexer.Close(ctx))
	assert.Equal(t, int32(3), batches.Load())
	assert.Equal(t, 250, index.Count("packages-1"))

	stats := indexer.Stats()
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 250, stats.Indexed)
	assert.Zero(t, stats.Failed)
}

func TestBatchIndexer_IdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	index := newIndexWithCollection(t, "packages-1")

	for round := 0; round < 2; round++ {
		indexer := biz.NewBatchIndexer(index, "packages-1", biz.IndexerConfig{BatchSize: 7}, fastPolicy(1), log.DefaultLogger)
		for _, doc := range docs(20) {
			require.NoError(t, indexer.Submit(ctx, doc))
		}
		require.NoError(t, indexer.Close(ctx))
	}
	assert.Equal(t, 20, index.Count("packages-1"))

	doc, ok := index.Document("packages-1", "pkg005-1.0")
	require.True(t, ok)
	assert.Equal(t, "pkg005", doc["name"])
}

func TestBatchIndexer_PerDocumentFailures(t *testing.T) {
	ctx := context.Background()
	index := newIndexWithCollection(t, "packages-1")
	index.Reject = func(doc domain.IndexDocument) string {
		if strings.HasPrefix(doc.ID, "pkg00") {
			return "field `version_major` must be int32"
		}
		return ""
	}

	var rejected []string
	indexer := biz.NewBatchIndexer(index, "packages-1", biz.IndexerConfig{BatchSize: 50}, fastPolicy(3), log.DefaultLogger)
	indexer.OnResult(func(r domain.DocumentResult) {
		if !r.Success {
			rejected = append(rejected, r.ID)
		}
	})
	for _, doc := range docs(30) {
		require.NoError(t, indexer.Submit(ctx, doc))
	}
	require.NoError(t, indexer.Close(ctx))

	stats := indexer.Stats()
	assert.Equal(t, 20, stats.Indexed)
	assert.Equal(t, 10, stats.Failed)
	assert.Len(t, stats.Failures, 10)
	assert.Len(t, rejected, 10)
	assert.Equal(t, 20, index.Count("packages-1"))
}

func TestBatchIndexer_IndexUnavailable(t *testing.T) {
	ctx := context.Background()
	index := newIndexWithCollection(t, "packages-1")

	var attempts atomic.Int32
	index.UpsertHook = func(string, []domain.IndexDocument) error {
		attempts.Add(1)
		return &resilience.StatusError{Code: 503}
	}

	indexer := biz.NewBatchIndexer(index, "packages-1", biz.IndexerConfig{BatchSize: 5}, fastPolicy(3), log.DefaultLogger)
	var err error
	for _, doc := range docs(5) {
		err = indexer.Submit(ctx, doc)
	}
	require.Error(t, err)
	assert.True(t, pkgerrors.IsIndexUnavailable(err))
	assert.Equal(t, int32(3), attempts.Load())

	// 之后的写入直接失败，不再访问索引
	err = indexer.Submit(ctx, docs(6)[5])
	assert.True(t, pkgerrors.IsIndexUnavailable(err))
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 6, indexer.Stats().Failed)
}

func TestBatchIndexer_TimedFlush(t *testing.T) {
	ctx := context.Background()
	index := newIndexWithCollection(t, "packages-1")

	indexer := biz.NewBatchIndexer(index, "packages-1", biz.IndexerConfig{BatchSize: 100, MaxWait: 20 * time.Millisecond}, fastPolicy(1), log.DefaultLogger)
	defer indexer.Close(ctx)

	require.NoError(t, indexer.Submit(ctx, docs(1)[0]))
	assert.Eventually(t, func() bool {
		return index.Count("packages-1") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBatchIndexer_FlushUsesDetachedContext(t *testing.T) {
	index := newIndexWithCollection(t, "packages-1")
	indexer := biz.NewBatchIndexer(index, "packages-1", biz.IndexerConfig{BatchSize: 10}, fastPolicy(1), log.DefaultLogger)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, indexer.Submit(ctx, docs(1)[0]))
	cancel()

	err := indexer.Close(context.WithoutCancel(ctx))
	require.NoError(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, index.Count("packages-1"))
}
