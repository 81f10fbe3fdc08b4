package infra

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/events"
	"pkgharvest/pkg/resilience"
)

func packageEvent(t *testing.T, eventType string, p events.PackagePayload) *events.Event {
	t.Helper()
	e, err := events.NewEvent(eventType, p.Name, p)
	require.NoError(t, err)
	return e
}

func TestItemFromEvent(t *testing.T) {
	item, err := ItemFromEvent(packageEvent(t, events.TypePackageUpdated, events.PackagePayload{
		Name: "plone.api", Version: "2.0.1", Timestamp: 1709640000,
	}))
	require.NoError(t, err)
	assert.Equal(t, "plone.api-2.0.1", item.ID)
	assert.Equal(t, UpstreamPyPI, item.Upstream())
	assert.Equal(t, events.TypePackageUpdated, item.Get(CtxEventType))
	assert.Equal(t, "1709640000", item.Get(domain.CtxTimestamp))

	item, err = ItemFromEvent(packageEvent(t, events.TypePackageRefresh, events.PackagePayload{
		Registry: UpstreamNpm, Name: "@plone/volto",
	}))
	require.NoError(t, err)
	assert.Equal(t, "@plone/volto", item.ID)
	assert.Equal(t, UpstreamNpm, item.Upstream())

	_, err = ItemFromEvent(packageEvent(t, events.TypePackageUpdated, events.PackagePayload{}))
	assert.Error(t, err)

	_, err = ItemFromEvent(&events.Event{ID: "empty", Type: events.TypePackageUpdated})
	assert.Error(t, err)
}

func TestEventSource(t *testing.T) {
	source := NewEventSource(1, log.DefaultLogger)
	assert.ElementsMatch(t, []string{events.TypePackageUpdated, events.TypePackageRefresh}, source.SupportedEventTypes())

	ctx := context.Background()
	out := make(chan domain.WorkItem)
	errc := make(chan error, 1)
	go func() {
		errc <- source.Items(ctx, out)
	}()

	require.NoError(t, source.Handle(ctx, packageEvent(t, events.TypePackageUpdated, events.PackagePayload{Name: "a", Version: "1"})))
	require.NoError(t, source.Handle(ctx, packageEvent(t, events.TypePackageUpdated, events.PackagePayload{Name: "b", Version: "1"})))

	assert.Equal(t, "a-1", (<-out).ID)
	assert.Equal(t, "b-1", (<-out).ID)

	source.Close()
	source.Close()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Items did not return after Close")
	}

	err := source.Handle(ctx, packageEvent(t, events.TypePackageUpdated, events.PackagePayload{Name: "c"}))
	assert.ErrorIs(t, err, ErrEventSourceClosed)
}

func TestEventSource_HandleRespectsContext(t *testing.T) {
	source := NewEventSource(0, log.DefaultLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := source.Handle(ctx, packageEvent(t, events.TypePackageUpdated, events.PackagePayload{Name: "a"}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpstreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"info":{"name":"plone","version":"6.0.0"},"urls":[]}`))
	}))
	defer srv.Close()

	config := &UpstreamsConfig{PyPI: PyPIConfig{BaseURL: srv.URL}}
	limiter := NewLimiter(config)
	assert.Equal(t, 100*time.Millisecond, limiter.Interval(UpstreamPyPI))
	assert.Equal(t, 720*time.Millisecond, limiter.Interval(UpstreamNpm))

	upstreams := NewUpstreams(config, limiter, testPolicy(), log.DefaultLogger)
	rec, err := upstreams.Fetch()(context.Background(), domain.NewReleaseItem(UpstreamPyPI, "plone", "6.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "plone", rec.String("name"))

	_, err = upstreams.Fetch()(context.Background(), domain.NewReleaseItem("cargo", "serde", "1.0"))
	assert.Equal(t, resilience.ClassTerminal, resilience.Classify(err))
}

func TestEventsWiringWithoutBrokers(t *testing.T) {
	config := &EventsConfig{}
	publisher, cleanup, err := NewPublisher(config, log.DefaultLogger)
	require.NoError(t, err)
	defer cleanup()
	assert.IsType(t, &events.MemoryPublisher{}, publisher)

	source := NewEventSourceFromConfig(config, log.DefaultLogger)
	consumer, cleanup2, err := NewConsumer(config, source, log.DefaultLogger)
	require.NoError(t, err)
	defer cleanup2()
	assert.Nil(t, consumer)
}
