package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersionedName(t *testing.T) {
	tests := []struct {
		name string
		gen  CollectionGeneration
		ok   bool
	}{
		{"plone-1", CollectionGeneration{Base: "plone", Seq: 1}, true},
		{"plone-packages-12", CollectionGeneration{Base: "plone-packages", Seq: 12}, true},
		{"plone", CollectionGeneration{}, false},
		{"plone-", CollectionGeneration{}, false},
		{"-3", CollectionGeneration{}, false},
		{"plone-0", CollectionGeneration{}, false},
		{"plone-v2", CollectionGeneration{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen, ok := ParseVersionedName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.gen, gen)
			if ok {
				assert.Equal(t, tt.name, gen.PhysicalName())
			}
		})
	}
}

func TestNextVersion(t *testing.T) {
	assert.Equal(t, "plone-1", NextVersion("plone", nil).PhysicalName())
	assert.Equal(t, "plone-4", NextVersion("plone", []string{"plone-1", "plone-3", "plone-packages-9", "plone"}).PhysicalName())
	assert.Equal(t, CollectionGeneration{Base: "plone", Seq: 4}, CollectionGeneration{Base: "plone", Seq: 3}.Next())
}

func TestWorkItem(t *testing.T) {
	ctx := map[string]string{CtxUpstream: "npm"}
	item := NewWorkItem("left-pad", ctx)
	ctx[CtxUpstream] = "pypi"
	assert.Equal(t, "npm", item.Upstream())
	assert.Equal(t, "left-pad", item.Package())
	assert.Equal(t, "", item.Version())
	assert.Equal(t, "", WorkItem{ID: "x"}.Get(CtxUpstream))

	release := NewReleaseItem("pypi", "plone.api", "2.0.0")
	assert.Equal(t, "plone.api-2.0.0", release.ID)
	assert.Equal(t, "plone.api", release.Package())
	assert.Equal(t, "2.0.0", release.Version())
}

func TestRecord(t *testing.T) {
	r := Record{
		"name":     "plone",
		"keywords": []interface{}{"cms", 3, "zope"},
		"tags":     []string{"a"},
	}
	assert.Equal(t, "plone", r.String("name"))
	assert.Equal(t, "", r.String("keywords"))
	assert.Equal(t, []string{"cms", "zope"}, r.Strings("keywords"))
	assert.Equal(t, []string{"a"}, r.Strings("tags"))
	assert.Nil(t, r.Strings("name"))

	var nilRecord Record
	assert.NotNil(t, nilRecord.Clone())

	doc := IndexDocument{ID: "plone-6.0", Fields: r}
	body := doc.Body()
	assert.Equal(t, "plone-6.0", body["id"])
	assert.NotContains(t, r, "id")
}

func TestSchemaWithName(t *testing.T) {
	s := CollectionSchema{Name: "packages", Fields: []Field{{Name: "name", Type: "string"}}}
	c := s.WithName("plone-2")
	c.Fields[0].Type = "int32"
	assert.Equal(t, "plone-2", c.Name)
	assert.Equal(t, "packages", s.Name)
	assert.Equal(t, "string", s.Fields[0].Type)
}

func TestRunReport_Result(t *testing.T) {
	assert.Equal(t, "ok", (&RunReport{Succeeded: 3}).Result())
	assert.Equal(t, "partial", (&RunReport{Failed: 1}).Result())
	assert.Equal(t, "partial", (&RunReport{IndexFailed: 1}).Result())
	assert.Equal(t, "cancelled", (&RunReport{Cancelled: true, Failed: 1}).Result())
	assert.Equal(t, "failed", (&RunReport{Cancelled: true, Error: "index unavailable"}).Result())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &RunReport{StartedAt: start, FinishedAt: start.Add(90 * time.Second)}
	assert.Equal(t, 90*time.Second, r.Duration())
}

func TestSliceSource(t *testing.T) {
	src := SliceSource{NewReleaseItem("pypi", "a", "1"), NewReleaseItem("pypi", "b", "1")}
	out := make(chan WorkItem, 2)
	require.NoError(t, src.Items(context.Background(), out))
	assert.Equal(t, "a-1", (<-out).ID)
	assert.Equal(t, "b-1", (<-out).ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := src.Items(ctx, make(chan WorkItem))
	assert.True(t, errors.Is(err, context.Canceled))
}
