package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkgharvest/cmd/harvester/internal/domain"
	pkgerrors "pkgharvest/pkg/errors"
	"pkgharvest/pkg/resilience"
)

func TestMemoryIndex_Documents(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()
	require.NoError(t, index.CreateCollection(ctx, PackagesSchema().WithName("plone-1")))

	results, err := index.UpsertBatch(ctx, "plone-1", []domain.IndexDocument{
		{ID: "b", Fields: domain.Record{"name": "b", "version": "1"}},
		{ID: "a", Fields: domain.Record{"name": "a"}},
		{ID: "", Fields: domain.Record{"name": "no-id"}},
	})
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.False(t, results[2].Success)

	// 整体替换，旧字段不保留
	_, err = index.UpsertBatch(ctx, "plone-1", []domain.IndexDocument{{ID: "b", Fields: domain.Record{"name": "b"}}})
	require.NoError(t, err)
	doc, ok := index.Document("plone-1", "b")
	require.True(t, ok)
	assert.NotContains(t, doc, "version")

	var ids []string
	require.NoError(t, index.ExportDocuments(ctx, "plone-1", func(d domain.IndexDocument) error {
		ids = append(ids, d.ID)
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, index.DeleteDocument(ctx, "plone-1", "a"))
	require.NoError(t, index.DeleteDocument(ctx, "plone-1", "a"))
	assert.Equal(t, 1, index.Count("plone-1"))
}

func TestMemoryIndex_Aliases(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()

	_, err := index.GetAlias(ctx, "plone")
	assert.True(t, errors.Is(err, pkgerrors.ErrAliasNotFound))
	assert.Error(t, index.UpsertAlias(ctx, "plone", "plone-1"))

	require.NoError(t, index.CreateCollection(ctx, PackagesSchema().WithName("plone-1")))
	require.NoError(t, index.UpsertAlias(ctx, "plone", "plone-1"))
	_, err = index.UpsertBatch(ctx, "plone", []domain.IndexDocument{{ID: "x", Fields: domain.Record{}}})
	require.NoError(t, err)
	assert.Equal(t, 1, index.Count("plone-1"))

	err = index.CreateCollection(ctx, PackagesSchema().WithName("plone-1"))
	var se *resilience.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 409, se.Code)

	err = index.DeleteCollection(ctx, "plone-9")
	assert.Equal(t, resilience.ClassNotFound, resilience.Classify(err))
}

func TestNewIndexClient(t *testing.T) {
	client, err := NewIndexClient(&Config{IndexBackend: "memory"}, log.DefaultLogger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryIndex{}, client)

	_, err = NewIndexClient(&Config{IndexBackend: "elasticsearch"}, log.DefaultLogger)
	assert.Error(t, err)
}

func TestMemoryRepositories(t *testing.T) {
	ctx := context.Background()
	d, cleanup, err := NewData(&Config{}, log.DefaultLogger)
	require.NoError(t, err)
	defer cleanup()

	checkpoints := NewCheckpointRepo(d, log.DefaultLogger)
	at, err := checkpoints.Get(ctx, "pypi:plone")
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	now := time.Now()
	require.NoError(t, checkpoints.Save(ctx, "pypi:plone", now))
	at, err = checkpoints.Get(ctx, "pypi:plone")
	require.NoError(t, err)
	assert.True(t, now.Equal(at))

	runs := NewRunRepo(d, log.DefaultLogger)
	for i := 0; i < memoryRunHistory+5; i++ {
		require.NoError(t, runs.Save(ctx, &domain.RunReport{RunID: string(rune('a' + i%26)), Mode: domain.ModeFirst}))
	}
	recent, err := runs.ListRecent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
	all, err := runs.ListRecent(ctx, 1000)
	require.NoError(t, err)
	assert.Len(t, all, memoryRunHistory)

	store := NewAtomicStore(d)
	ok, err := store.SetNX(ctx, "dedup:release:plone@6", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.SetNX(ctx, "dedup:release:plone@6", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	fc := NewFetchCache(d, &Config{})
	assert.Zero(t, fc.TTL)

	archive, err := NewSnapshotArchive(&Config{}, log.DefaultLogger)
	require.NoError(t, err)
	assert.Nil(t, archive)
}

func TestToRunPO(t *testing.T) {
	report := &domain.RunReport{RunID: "r1", Mode: domain.ModeIncremental, Alias: "plone", Failed: 2}
	po, err := toRunPO(report)
	require.NoError(t, err)
	assert.Equal(t, "partial", po.Result)
	assert.Equal(t, "incremental", po.Mode)
	assert.Contains(t, po.Report, `"run_id":"r1"`)
}
