package route

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/runtime/internal/catalog"
	"github.com/flowmesh/runtime/internal/flowgraph"
)

func TestResolveCachesPositiveResult(t *testing.T) {
	cat := catalog.NewMemory()
	cat.PutFlow(&flowgraph.FlowConfig{ID: "f1"})
	cat.BindRoute("GET", "/api/hello", "f1", "entry")

	r := New(cat)
	route, err := r.Resolve(context.Background(), "GET", "/api/hello")
	require.NoError(t, err)
	require.NotNil(t, route)

	// Unbind at the catalog; a cached hit must still be served until TTL.
	cat.BindRoute("GET", "/api/hello", "", "")
	route2, err := r.Resolve(context.Background(), "GET", "/api/hello")
	require.NoError(t, err)
	require.NotNil(t, route2)
	assert.Equal(t, "f1", route2.FlowID)
}

func TestResolveDoesNotCacheNegativeResult(t *testing.T) {
	cat := catalog.NewMemory()
	r := New(cat)

	route, err := r.Resolve(context.Background(), "GET", "/api/missing")
	require.NoError(t, err)
	assert.Nil(t, route)

	cat.PutFlow(&flowgraph.FlowConfig{ID: "f1"})
	cat.BindRoute("GET", "/api/missing", "f1", "entry")

	route2, err := r.Resolve(context.Background(), "GET", "/api/missing")
	require.NoError(t, err)
	require.NotNil(t, route2, "a negative result must not have been cached")
}

func TestResolveExpiresAfterTTL(t *testing.T) {
	cat := catalog.NewMemory()
	cat.PutFlow(&flowgraph.FlowConfig{ID: "f1"})
	cat.BindRoute("GET", "/api/hello", "f1", "entry")

	r := NewWithOptions(cat, 10*time.Millisecond, DefaultCacheSize)
	_, err := r.Resolve(context.Background(), "GET", "/api/hello")
	require.NoError(t, err)

	cat.BindRoute("GET", "/api/hello", "f2", "entry2")
	cat.PutFlow(&flowgraph.FlowConfig{ID: "f2"})

	time.Sleep(20 * time.Millisecond)
	route, err := r.Resolve(context.Background(), "GET", "/api/hello")
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, "f2", route.FlowID)
}

func TestInvalidateDropsEntriesForFlow(t *testing.T) {
	cat := catalog.NewMemory()
	cat.PutFlow(&flowgraph.FlowConfig{ID: "f1"})
	cat.BindRoute("GET", "/api/hello", "f1", "entry")

	r := New(cat)
	_, err := r.Resolve(context.Background(), "GET", "/api/hello")
	require.NoError(t, err)

	r.Invalidate("f1")

	cat.BindRoute("GET", "/api/hello", "f2", "entry2")
	cat.PutFlow(&flowgraph.FlowConfig{ID: "f2"})

	route, err := r.Resolve(context.Background(), "GET", "/api/hello")
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, "f2", route.FlowID)
}

func TestNormalisePathStripsTrailingSlash(t *testing.T) {
	cat := catalog.NewMemory()
	cat.PutFlow(&flowgraph.FlowConfig{ID: "f1"})
	cat.BindRoute("GET", "/api/hello", "f1", "entry")

	r := New(cat)
	route, err := r.Resolve(context.Background(), "GET", "/api/hello/")
	require.NoError(t, err)
	require.NotNil(t, route)
}
