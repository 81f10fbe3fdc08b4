package biz_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
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
)

type recordingArchive struct {
	mu      sync.Mutex
	objects map[string][]string
}

func (a *recordingArchive) Archive(ctx context.Context, object string, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects == nil {
		a.objects = map[string][]string{}
	}
	a.objects[object] = lines
	return nil
}

func writeDocs(index domain.IndexClient, collection string, version string, n int) error {
	batch := docs(n)
	for i := range batch {
		batch[i].Fields["version"] = version
	}
	_, err := index.UpsertBatch(context.Background(), collection, batch)
	return err
}

func TestVersionManager_Bootstrap(t *testing.T) {
	ctx := context.Background()
	index := data.NewMemoryIndex()
	vm := biz.NewVersionManager(index, data.PackagesSchema(), nil, log.DefaultLogger)

	gen, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	assert.Equal(t, "plone-1", gen.PhysicalName())

	target, err := index.GetAlias(ctx, "plone")
	require.NoError(t, err)
	assert.Equal(t, "plone-1", target)

	// 再次调用不创建新代
	gen, err = vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	assert.Equal(t, 1, gen.Seq)
	names, _ := index.ListCollections(ctx)
	assert.Equal(t, []string{"plone-1"}, names)
}

func TestVersionManager_BootstrapConvertsPlainCollection(t *testing.T) {
	ctx := context.Background()
	index := newIndexWithCollection(t, "plone")
	require.NoError(t, writeDocs(index, "plone", "1.0", 12))

	vm := biz.NewVersionManager(index, data.PackagesSchema(), nil, log.DefaultLogger)
	gen, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	assert.Equal(t, "plone-1", gen.PhysicalName())

	names, _ := index.ListCollections(ctx)
	assert.Equal(t, []string{"plone-1"}, names)
	assert.Equal(t, 12, index.Count("plone"))
}

func TestVersionManager_Migrate(t *testing.T) {
	ctx := context.Background()
	index := data.NewMemoryIndex()
	archive := &recordingArchive{}
	vm := biz.NewVersionManager(index, data.PackagesSchema(), archive, log.DefaultLogger)

	_, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	require.NoError(t, writeDocs(index, "plone", "1.0", 3))

	result, err := vm.Migrate(ctx, "plone", func(ctx context.Context, collection string) error {
		assert.Equal(t, "plone-2", collection)
		return writeDocs(index, collection, "2.0", 5)
	}, biz.MigrateOptions{})
	require.NoError(t, err)

	assert.Equal(t, "plone-1", result.Previous)
	assert.Equal(t, "plone-2", result.Current.PhysicalName())
	assert.True(t, result.Retired)
	assert.True(t, result.Archived)
	assert.Len(t, archive.objects["plone/plone-1.ndjson"], 3)

	names, _ := index.ListCollections(ctx)
	assert.Equal(t, []string{"plone-2"}, names)
	doc, ok := index.Document("plone", "pkg000-1.0")
	require.True(t, ok)
	assert.Equal(t, "2.0", doc["version"])
}

func TestVersionManager_MigrateKeepOld(t *testing.T) {
	ctx := context.Background()
	index := data.NewMemoryIndex()
	vm := biz.NewVersionManager(index, data.PackagesSchema(), nil, log.DefaultLogger)

	_, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	result, err := vm.Migrate(ctx, "plone", func(context.Context, string) error { return nil }, biz.MigrateOptions{KeepOld: true})
	require.NoError(t, err)
	assert.False(t, result.Retired)

	names, _ := index.ListCollections(ctx)
	assert.Equal(t, []string{"plone-1", "plone-2"}, names)

	// 当前目标不可退役
	err = vm.Retire(ctx, "plone", "plone-2")
	assert.True(t, errors.Is(err, pkgerrors.ErrInvalidCollection))
	require.NoError(t, vm.Retire(ctx, "plone", "plone-1"))
	names, _ = index.ListCollections(ctx)
	assert.Equal(t, []string{"plone-2"}, names)
}

func TestVersionManager_MigrateAbortLeavesAlias(t *testing.T) {
	ctx := context.Background()
	index := data.NewMemoryIndex()
	vm := biz.NewVersionManager(index, data.PackagesSchema(), nil, log.DefaultLogger)

	_, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	require.NoError(t, writeDocs(index, "plone", "1.0", 3))

	_, err = vm.Migrate(ctx, "plone", func(ctx context.Context, collection string) error {
		_ = writeDocs(index, collection, "2.0", 1)
		return errors.New("upstream listing failed")
	}, biz.MigrateOptions{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsMigrationAborted(err))

	target, err := index.GetAlias(ctx, "plone")
	require.NoError(t, err)
	assert.Equal(t, "plone-1", target)

	names, _ := index.ListCollections(ctx)
	assert.Equal(t, []string{"plone-1"}, names)
	doc, _ := index.Document("plone", "pkg000-1.0")
	assert.Equal(t, "1.0", doc["version"])

	// 中止后下一代序号不被占用
	result, err := vm.Migrate(ctx, "plone", func(context.Context, string) error { return nil }, biz.MigrateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Current.Seq)
}

func TestVersionManager_ReadsDuringRepoint(t *testing.T) {
	ctx := context.Background()
	index := data.NewMemoryIndex()
	vm := biz.NewVersionManager(index, data.PackagesSchema(), nil, log.DefaultLogger)

	_, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	require.NoError(t, writeDocs(index, "plone", "1.0", 10))

	stop := make(chan struct{})
	var (
		wg     sync.WaitGroup
		reads  atomic.Int64
		misses atomic.Int64
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				doc, ok := index.Document("plone", "pkg003-1.0")
				reads.Add(1)
				if !ok || (doc["version"] != "1.0" && doc["version"] != "2.0") {
					misses.Add(1)
				}
			}
		}()
	}

	for round := 0; round < 5; round++ {
		_, err := vm.Migrate(ctx, "plone", func(ctx context.Context, collection string) error {
			return writeDocs(index, collection, "2.0", 10)
		}, biz.MigrateOptions{})
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Positive(t, reads.Load())
	assert.Zero(t, misses.Load())
}

func TestVersionManager_Recreate(t *testing.T) {
	ctx := context.Background()
	index := data.NewMemoryIndex()
	vm := biz.NewVersionManager(index, data.PackagesSchema(), nil, log.DefaultLogger)

	_, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	require.NoError(t, writeDocs(index, "plone", "1.0", 150))

	result, err := vm.Recreate(ctx, "plone", false)
	require.NoError(t, err)
	assert.Equal(t, "plone-2", result.Current.PhysicalName())
	assert.Equal(t, 150, index.Count("plone"))
	assert.Equal(t, -1, index.Count("plone-1"))
}

func TestVersionManager_LockHonoursContext(t *testing.T) {
	ctx := context.Background()
	index := data.NewMemoryIndex()
	vm := biz.NewVersionManager(index, data.PackagesSchema(), nil, log.DefaultLogger)

	_, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	require.NoError(t, writeDocs(index, "plone", "1.0", 3))

	copying := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	index.UpsertHook = func(collection string, _ []domain.IndexDocument) error {
		if collection == "plone-2" {
			once.Do(func() { close(copying) })
			<-release
		}
		return nil
	}
	recreated := make(chan error, 1)
	go func() {
		_, err := vm.Recreate(ctx, "plone", false)
		recreated <- err
	}()
	<-copying

	// 已绑定的别名不经过锁
	gen, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	assert.Equal(t, "plone-1", gen.PhysicalName())

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = vm.Retire(short, "plone", "plone-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-recreated)
	assert.Equal(t, 3, index.Count("plone"))
}

func TestVersionManager_ConcurrentRecreate(t *testing.T) {
	ctx := context.Background()
	index := data.NewMemoryIndex()
	vm := biz.NewVersionManager(index, data.PackagesSchema(), nil, log.DefaultLogger)

	_, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	require.NoError(t, writeDocs(index, "plone", "1.0", 150))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = vm.Recreate(ctx, "plone", false)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	names, _ := index.ListCollections(ctx)
	assert.Equal(t, []string{"plone-5"}, names)
	assert.Equal(t, 150, index.Count("plone"))
}

func TestVersionManager_ConcurrentMigrationsLastWins(t *testing.T) {
	ctx := context.Background()
	index := data.NewMemoryIndex()
	vm := biz.NewVersionManager(index, data.PackagesSchema(), nil, log.DefaultLogger)
	_, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)

	slowStarted := make(chan struct{})
	release := make(chan struct{})
	slow := make(chan *biz.MigrationResult, 1)
	go func() {
		res, err := vm.Migrate(ctx, "plone", func(ctx context.Context, collection string) error {
			close(slowStarted)
			<-release
			return writeDocs(index, collection, "2.0", 2)
		}, biz.MigrateOptions{})
		assert.NoError(t, err)
		slow <- res
	}()
	<-slowStarted

	fast, err := vm.Migrate(ctx, "plone", func(ctx context.Context, collection string) error {
		return writeDocs(index, collection, "3.0", 3)
	}, biz.MigrateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "plone-3", fast.Current.PhysicalName())
	assert.Equal(t, "plone-1", fast.Previous)

	close(release)
	res := <-slow
	require.NotNil(t, res)
	assert.Equal(t, "plone-2", res.Current.PhysicalName())
	assert.Equal(t, "plone-3", res.Previous)

	names, _ := index.ListCollections(ctx)
	assert.Equal(t, []string{"plone-2"}, names)
	assert.Equal(t, 2, index.Count("plone"))
}

func TestVersionManager_RetireRejectsForeignAndMissing(t *testing.T) {
	ctx := context.Background()
	index := data.NewMemoryIndex()
	vm := biz.NewVersionManager(index, data.PackagesSchema(), nil, log.DefaultLogger)
	_, err := vm.Bootstrap(ctx, "plone")
	require.NoError(t, err)
	_, err = vm.Bootstrap(ctx, "volto")
	require.NoError(t, err)

	err = vm.Retire(ctx, "plone", "volto-1")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidCollection)
	err = vm.Retire(ctx, "plone", "plone")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidCollection)

	err = vm.Retire(ctx, "plone", "plone-7")
	assert.ErrorIs(t, err, pkgerrors.ErrCollectionMissing)

	names, _ := index.ListCollections(ctx)
	assert.Equal(t, []string{"plone-1", "volto-1"}, names)
}
