// Package frontdoor implements the Front-door Router (§4.I): a stateless
// classifier that maps an inbound HTTP request's URL prefix to a sharding
// strategy, resolves or mints the shard identity, and forwards the request
// into the Sharded Executor pool.
package frontdoor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/flowmesh/runtime/infrastructure/middleware"
	"github.com/flowmesh/runtime/internal/shard"
	"github.com/flowmesh/runtime/pkg/version"
)

// Headers the router injects/echoes per §4.I ("injects the chosen
// sharding-type header and ... echoes the session id header back").
const (
	HeaderShardKind = "X-Shard-Kind"
	HeaderSessionID = "X-Session-ID"
	HeaderUserID    = "X-User-ID"

	querySessionID = "session_id"
)

// largeBodyThreshold is the "large" threshold (§4.F) above which a []byte
// response body is streamed instead of passed through json.Marshal.
const largeBodyThreshold = 1 << 20 // 1 MiB

// Router is the stateless Front-door Router.
type Router struct {
	pool      *shard.Pool
	admin     http.Handler
	log       *logrus.Entry
	mux       *chi.Mux
	health    *middleware.HealthChecker
	ready     *bool
	apiPrefix string
}

// New constructs a Router forwarding into pool. admin may be nil, in which
// case /admin/* returns 404 (the external admin handler is out of scope,
// §4.I). apiPrefix is the configured prefix §4.G's route normalisation
// strips from a request's path before it reaches the Route Resolver; pass
// "" to strip nothing (routes registered by their full path, unchanged from
// prior behaviour).
func New(pool *shard.Pool, admin http.Handler, log *logrus.Entry, apiPrefix string) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ready := true
	r := &Router{
		pool:      pool,
		admin:     admin,
		log:       log.WithField("component", "frontdoor"),
		health:    middleware.NewHealthChecker(version.Version),
		ready:     &ready,
		apiPrefix: strings.TrimSuffix(apiPrefix, "/"),
	}
	r.health.RegisterCheck("pool", func() error {
		if r.pool == nil {
			return errors.New("shard pool not configured")
		}
		return nil
	})
	r.mux = chi.NewRouter()
	r.routes()
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.Get("/health", r.healthStub)
	r.mux.Get("/healthz", r.health.Handler())
	r.mux.Get("/livez", middleware.LivenessHandler())
	r.mux.Get("/readyz", middleware.ReadinessHandler(r.ready))

	if r.admin != nil {
		r.mux.Handle("/admin/*", r.admin)
	} else {
		r.mux.Handle("/admin/*", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
	}

	r.mux.Handle("/api/chat/*", http.HandlerFunc(r.sessionHandler))
	r.mux.Handle("/api/user/*", http.HandlerFunc(r.userHandler))
	r.mux.Post("/api/jobs/submit", r.jobSubmit)
	r.mux.Get("/api/jobs/{jobID}/status", r.jobStatus)
	r.mux.Get("/api/jobs/{jobID}/result", r.jobResult)
	r.mux.Handle("/api/workspace/{workspaceID}/*", http.HandlerFunc(r.workspaceHandler))
	r.mux.Handle("/api/tools/*", http.HandlerFunc(r.globalHandler))
	// Anything else under /api/ defaults to session sharding (§4.I).
	r.mux.Handle("/api/*", http.HandlerFunc(r.sessionHandler))
}

// healthStub is the pre-existing terse /health check, kept for backward
// compatibility; /healthz, /livez and /readyz report full status.
func (r *Router) healthStub(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) sessionHandler(w http.ResponseWriter, req *http.Request) {
	sessionID := sessionIDFrom(req)
	s, err := r.pool.Get(req.Context(), shard.KindSession, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if r.maybeUpgrade(w, req, s, sessionID) {
		return
	}
	w.Header().Set(HeaderSessionID, sessionID)
	r.dispatch(w, req, s, shard.Request{SessionID: sessionID})
}

func (r *Router) userHandler(w http.ResponseWriter, req *http.Request) {
	userID := bearerOrHeader(req, HeaderUserID)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, errUnauthorized)
		return
	}
	s, err := r.pool.Get(req.Context(), shard.KindUser, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if r.maybeUpgrade(w, req, s, userID) {
		return
	}
	r.dispatch(w, req, s, shard.Request{UserID: userID})
}

func (r *Router) workspaceHandler(w http.ResponseWriter, req *http.Request) {
	workspaceID := chi.URLParam(req, "workspaceID")
	s, err := r.pool.Get(req.Context(), shard.KindWorkspace, workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if r.maybeUpgrade(w, req, s, workspaceID) {
		return
	}
	r.dispatch(w, req, s, shard.Request{})
}

func (r *Router) globalHandler(w http.ResponseWriter, req *http.Request) {
	s, err := r.pool.Get(req.Context(), shard.KindGlobal, "global")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if r.maybeUpgrade(w, req, s, "global") {
		return
	}
	r.dispatch(w, req, s, shard.Request{})
}

// maybeUpgrade handles a WebSocket handshake on any shard-routed URL (§6):
// if req carries the Upgrade/Connection handshake headers it hands the
// connection to the shard's own upgrader and reports handled=true, leaving
// the caller's normal HTTP dispatch untouched for every other request.
func (r *Router) maybeUpgrade(w http.ResponseWriter, req *http.Request, s *shard.Shard, connID string) bool {
	if !websocket.IsWebSocketUpgrade(req) {
		return false
	}
	if err := s.Upgrade(w, req, connID); err != nil {
		r.log.WithError(err).Warn("frontdoor: websocket upgrade failed")
	}
	return true
}

// jobSubmit mints a new job id, starts the job's shard, and fires the
// request at it in the background (§4.I "forwards as fire-and-forget").
func (r *Router) jobSubmit(w http.ResponseWriter, req *http.Request) {
	jobID := uuid.NewString()
	s, err := r.pool.Get(req.Context(), shard.KindJob, jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	shReq, err := buildRequest(req, shard.KindJob)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	go s.RunJob(context.Background(), shReq)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":     jobID,
		"statusUrl": "/api/jobs/" + jobID + "/status",
		"resultUrl": "/api/jobs/" + jobID + "/result",
	})
}

func (r *Router) jobStatus(w http.ResponseWriter, req *http.Request) {
	r.jobPoll(w, req, shard.PathJobStatus)
}

func (r *Router) jobResult(w http.ResponseWriter, req *http.Request) {
	r.jobPoll(w, req, shard.PathJobResult)
}

func (r *Router) jobPoll(w http.ResponseWriter, req *http.Request, path string) {
	jobID := chi.URLParam(req, "jobID")
	s, err := r.pool.Get(req.Context(), shard.KindJob, jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp, err := s.Handle(req.Context(), shard.Request{Path: path})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeShardResponse(w, resp)
}

// dispatch builds the shard.Request from the incoming http.Request, injects
// the chosen sharding-kind header (§4.I), forwards to the shard, and writes
// the response back.
func (r *Router) dispatch(w http.ResponseWriter, req *http.Request, s *shard.Shard, base shard.Request) {
	shReq, err := buildRequest(req, s.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	shReq.Path = r.stripAPIPrefix(shReq.Path)
	shReq.UserID = base.UserID
	shReq.SessionID = base.SessionID

	resp, err := s.Handle(req.Context(), shReq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeShardResponse(w, resp)
}

// stripAPIPrefix removes the configured APIPrefix from path (§4.G), leaving
// the path unchanged when no prefix is configured or it doesn't match —
// making internal/route/resolver.go's "stripped by the caller" doc comment
// literally true.
func (r *Router) stripAPIPrefix(path string) string {
	if r.apiPrefix == "" {
		return path
	}
	if rest, ok := strings.CutPrefix(path, r.apiPrefix); ok {
		if rest == "" {
			return "/"
		}
		if strings.HasPrefix(rest, "/") {
			return rest
		}
	}
	return path
}

func buildRequest(req *http.Request, kind shard.Kind) (shard.Request, error) {
	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	headers[HeaderShardKind] = string(kind)

	values := req.URL.Query()
	query := make(map[string]string, len(values))
	for k := range values {
		query[k] = values.Get(k)
	}

	var body any
	if req.Body != nil && req.ContentLength != 0 {
		raw, err := io.ReadAll(io.LimitReader(req.Body, largeBodyThreshold*4))
		if err != nil {
			return shard.Request{}, err
		}
		if len(raw) > 0 {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				body = decoded
			} else {
				body = string(raw)
			}
		}
	}

	return shard.Request{
		Method:  req.Method,
		Path:    req.URL.Path,
		Headers: headers,
		Query:   query,
		Body:    body,
	}, nil
}

func sessionIDFrom(req *http.Request) string {
	if v := req.URL.Query().Get(querySessionID); v != "" {
		return v
	}
	if v := req.Header.Get(HeaderSessionID); v != "" {
		return v
	}
	return shard.NewSessionID()
}

func bearerOrHeader(req *http.Request, header string) string {
	if v := req.Header.Get(header); v != "" {
		return v
	}
	auth := req.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

var errUnauthorized = errors.New("user id or bearer token required")

func writeShardResponse(w http.ResponseWriter, resp *shard.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if raw, ok := resp.Body.([]byte); ok && len(raw) > largeBodyThreshold {
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, bytes.NewReader(raw))
		return
	}
	writeJSON(w, resp.StatusCode, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
