package shard

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/runtime/internal/catalog"
	"github.com/flowmesh/runtime/internal/flowgraph"
	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
	"github.com/flowmesh/runtime/internal/route"
	"github.com/flowmesh/runtime/internal/storage"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func echoRegistry() *noderegistry.Registry {
	reg := noderegistry.New()
	reg.Register(noderegistry.Definition{
		Type: "http-in", Outputs: 1,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) { return in, nil },
	})
	reg.Register(noderegistry.Definition{
		Type: "http-response", Outputs: 0,
		Execute: func(ctx context.Context, h noderegistry.NodeHandle, in *flowmsg.Message) (any, error) {
			in.HTTPResponse = &flowmsg.HTTPResponse{StatusCode: 200, Payload: in.Payload()}
			return nil, nil
		},
	})
	return reg
}

func newTestShard(t *testing.T, kind Kind, rl RateLimit) (*Shard, *catalog.Memory) {
	t.Helper()
	cat := catalog.NewMemory()
	cat.PutFlow(&flowgraph.FlowConfig{
		ID: "echo",
		Nodes: []flowgraph.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"out"}}},
			{ID: "out", Type: "http-response", Wires: [][]string{}},
		},
	})
	cat.BindRoute("GET", "/api/echo", "echo", "in")

	resolver := route.New(cat)
	backend := storage.NewMemory()
	s := New("shard-test", kind, echoRegistry(), cat, resolver, backend, nil, rl, testLogger())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, cat
}

func TestHandleResolvesAndTriggersFlow(t *testing.T) {
	s, _ := newTestShard(t, KindSession, RateLimit{})
	resp, err := s.Handle(context.Background(), Request{Method: "GET", Path: "/api/echo", Body: "hello"})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", resp.Body)
	assert.Equal(t, "echo", resp.FlowID)
}

func TestHandleReturns404ForUnknownRoute(t *testing.T) {
	s, _ := newTestShard(t, KindSession, RateLimit{})
	resp, err := s.Handle(context.Background(), Request{Method: "GET", Path: "/api/nope"})
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestHandleControlStatus(t *testing.T) {
	s, _ := newTestShard(t, KindSession, RateLimit{})
	resp, err := s.Handle(context.Background(), Request{Path: PathStatus})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	body := resp.Body.(map[string]any)
	assert.Equal(t, "shard-test", body["shard_id"])
}

func TestHandleUserRateLimitDenies(t *testing.T) {
	s, _ := newTestShard(t, KindUser, RateLimit{Requests: 1, Window: time.Minute})

	resp, err := s.Handle(context.Background(), Request{Method: "GET", Path: "/api/echo", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = s.Handle(context.Background(), Request{Method: "GET", Path: "/api/echo", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
}

func TestHandleCachesEngineAcrossRequests(t *testing.T) {
	s, _ := newTestShard(t, KindSession, RateLimit{})
	_, err := s.Handle(context.Background(), Request{Method: "GET", Path: "/api/echo", Body: "a"})
	require.NoError(t, err)

	statusResp, err := s.Handle(context.Background(), Request{Path: PathStatus})
	require.NoError(t, err)
	assert.Equal(t, 1, statusResp.Body.(map[string]any)["cached_engines"])
}

func TestControlExecuteRunsEntryNodeDirectly(t *testing.T) {
	s, _ := newTestShard(t, KindGlobal, RateLimit{})
	resp, err := s.Handle(context.Background(), Request{
		Path:      PathExecute,
		EntryNode: "in",
		Body:      map[string]any{"flow_id": "echo", "payload": "direct"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestControlCacheClearClearsRouteCache(t *testing.T) {
	s, _ := newTestShard(t, KindSession, RateLimit{})
	_, err := s.Handle(context.Background(), Request{Method: "GET", Path: "/api/echo"})
	require.NoError(t, err)

	resp, err := s.Handle(context.Background(), Request{Path: PathCacheClear})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Body.(map[string]any)["cleared"])
}

func TestSessionClearRemovesSessionData(t *testing.T) {
	s, _ := newTestShard(t, KindSession, RateLimit{})
	resp, err := s.Handle(context.Background(), Request{Path: PathSessionClear, SessionID: "sess1"})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Body.(map[string]any)["cleared"])
}
