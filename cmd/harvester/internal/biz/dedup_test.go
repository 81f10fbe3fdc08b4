package biz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/cache"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGate(t *testing.T) (*DedupGate, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	store := cache.NewMemoryCache(nil).WithClock(clock.Now)
	gate := NewDedupGate(store, DedupConfig{Enabled: true, TTL: time.Hour}, log.DefaultLogger)
	return gate, clock
}

type failingStore struct{}

func (failingStore) SetNX(context.Context, string, interface{}, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestDedupGate_AdmitWithinWindow(t *testing.T) {
	gate, clock := newTestGate(t)
	ctx := context.Background()

	assert.True(t, gate.Admit(ctx, NamespaceRelease, "plone@6.0.0", 0))
	assert.False(t, gate.Admit(ctx, NamespaceRelease, "plone@6.0.0", 0))

	// 不同命名空间互不影响
	assert.True(t, gate.Admit(ctx, NamespaceNewPackage, "plone@6.0.0", 0))

	clock.Advance(time.Hour + time.Second)
	assert.True(t, gate.Admit(ctx, NamespaceRelease, "plone@6.0.0", 0))
}

func TestDedupGate_CustomTTL(t *testing.T) {
	gate, clock := newTestGate(t)
	ctx := context.Background()

	assert.True(t, gate.Admit(ctx, NamespaceRefresh, "plone", time.Minute))
	clock.Advance(30 * time.Second)
	assert.False(t, gate.Admit(ctx, NamespaceRefresh, "plone", time.Minute))
	clock.Advance(31 * time.Second)
	assert.True(t, gate.Admit(ctx, NamespaceRefresh, "plone", time.Minute))
}

func TestDedupGate_ConcurrentAdmitsOnce(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gate.Admit(ctx, NamespaceRelease, "collective.easyform@4.0", 0) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestDedupGate_FailOpen(t *testing.T) {
	gate := NewDedupGate(failingStore{}, DedupConfig{Enabled: true}, log.DefaultLogger)
	ctx := context.Background()

	assert.True(t, gate.Admit(ctx, NamespaceRelease, "plone@6.0.0", 0))
	assert.True(t, gate.Admit(ctx, NamespaceRelease, "plone@6.0.0", 0))
}

func TestDedupGate_Disabled(t *testing.T) {
	store := cache.NewMemoryCache(nil)
	gate := NewDedupGate(store, DedupConfig{Enabled: false}, log.DefaultLogger)
	ctx := context.Background()

	assert.True(t, gate.Admit(ctx, NamespaceRelease, "plone@6.0.0", 0))
	assert.True(t, gate.Admit(ctx, NamespaceRelease, "plone@6.0.0", 0))
}

func TestDedupKeys(t *testing.T) {
	item := domain.NewReleaseItem("pypi", "plone.restapi", "9.0.0")
	assert.Equal(t, "release:plone.restapi@9.0.0", ReleaseKey(item).String())
	assert.Equal(t, "new-package:plone.restapi", NewPackageKey(item).String())

	bare := domain.NewReleaseItem("pypi", "plone.restapi", "")
	assert.Equal(t, "release:plone.restapi", ReleaseKey(bare).String())
}

func TestDedupGate_Filter(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	in := make(chan domain.WorkItem)
	go func() {
		defer close(in)
		for _, v := range []string{"1.0", "1.1", "1.0", "1.2", "1.1"} {
			in <- domain.NewReleaseItem("pypi", "plone", v)
		}
	}()

	var duplicates []string
	var admitted []string
	for item := range gate.Filter(ctx, in, ReleaseKey, 0, func(item domain.WorkItem) {
		duplicates = append(duplicates, item.ID)
	}) {
		admitted = append(admitted, item.ID)
	}

	assert.Equal(t, []string{"plone-1.0", "plone-1.1", "plone-1.2"}, admitted)
	assert.Equal(t, []string{"plone-1.0", "plone-1.1"}, duplicates)
}

func TestDedupGate_Release(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()
	key := domain.DedupKey{Namespace: NamespaceRelease, Subject: "plone@6.0.0"}

	require.True(t, gate.AdmitKey(ctx, key, 0))
	gate.Release(ctx, key)
	assert.True(t, gate.AdmitKey(ctx, key, 0))
}
