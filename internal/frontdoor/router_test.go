package frontdoor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/runtime/internal/catalog"
	"github.com/flowmesh/runtime/internal/flowgraph"
	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
	"github.com/flowmesh/runtime/internal/shard"
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

func newTestRouter(t *testing.T) (*Router, *catalog.Memory) {
	t.Helper()
	cat := catalog.NewMemory()
	cat.PutFlow(&flowgraph.FlowConfig{
		ID: "echo",
		Nodes: []flowgraph.NodeConfig{
			{ID: "in", Type: "http-in", Wires: [][]string{{"out"}}},
			{ID: "out", Type: "http-response", Wires: [][]string{}},
		},
	})
	for _, path := range []string{"/api/chat/echo", "/api/user/echo", "/api/workspace/w1/echo", "/api/tools/echo", "/api/jobs/submit", "/api/misc/echo"} {
		cat.BindRoute("GET", path, "echo", "in")
		cat.BindRoute("POST", path, "echo", "in")
	}

	pool := shard.NewPool(echoRegistry(), cat, storage.NewMemory(), nil, shard.RateLimit{}, testLogger())
	t.Cleanup(func() { pool.StopAll(context.Background()) })
	return New(pool, nil, testLogger(), ""), cat
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzReportsRegisteredChecks(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec.Result())
	assert.Equal(t, "healthy", body["status"])
}

func TestLivezAndReadyz(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminWithoutHandlerReturns404(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/anything", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionHandlerGeneratesAndEchoesSessionID(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/chat/echo", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderSessionID))
}

func TestSessionHandlerHonoursExplicitSessionID(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/chat/echo?session_id=abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(HeaderSessionID))
}

func TestUserHandlerRequiresIdentity(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/user/echo", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserHandlerAcceptsUserIDHeader(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/user/echo", nil)
	req.Header.Set(HeaderUserID, "u1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserHandlerAcceptsBearerToken(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/user/echo", nil)
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkspaceHandlerRoutes(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/workspace/w1/echo", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestToolsHandlerRoutesToGlobalShard(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tools/echo", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnmatchedAPIPathDefaultsToSessionSharding(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/misc/echo", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderSessionID))
}

func TestJobSubmitThenPollForResult(t *testing.T) {
	r, _ := newTestRouter(t)

	submitReq := httptest.NewRequest(http.MethodPost, "/api/jobs/submit", nil)
	submitRec := httptest.NewRecorder()
	r.ServeHTTP(submitRec, submitReq)
	require.Equal(t, http.StatusAccepted, submitRec.Code)

	body := decodeBody(t, submitRec.Result())
	jobID, ok := body["jobId"].(string)
	require.True(t, ok)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		statusReq := httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID+"/status", nil)
		statusRec := httptest.NewRecorder()
		r.ServeHTTP(statusRec, statusReq)
		status := decodeBody(t, statusRec.Result())
		return status["status"] == shard.JobStatusDone || status["status"] == shard.JobStatusFailed
	}, time.Second, 5*time.Millisecond)

	resultReq := httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID+"/result", nil)
	resultRec := httptest.NewRecorder()
	r.ServeHTTP(resultRec, resultReq)
	require.Equal(t, http.StatusOK, resultRec.Code)
	result := decodeBody(t, resultRec.Result())
	assert.Equal(t, shard.JobStatusDone, result["status"])
}
