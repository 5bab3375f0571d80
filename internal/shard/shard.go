// Package shard implements the Sharded Executor (§4.F): one long-lived
// actor per shard identity, holding hot engines, session scratch, the route
// cache, the WebSocket set, rate-limit counters, and the alarm-driven
// Scheduler. It is the sole mutator of its own shard's storage.
package shard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/flowmesh/runtime/infrastructure/metrics"
	service "github.com/flowmesh/runtime/internal/app/core/service"
	"github.com/flowmesh/runtime/internal/catalog"
	"github.com/flowmesh/runtime/internal/flow"
	"github.com/flowmesh/runtime/internal/flowgraph"
	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/noderegistry"
	"github.com/flowmesh/runtime/internal/ratelimit"
	"github.com/flowmesh/runtime/internal/route"
	"github.com/flowmesh/runtime/internal/scheduler"
	"github.com/flowmesh/runtime/internal/storage"
)

// Kind is the sharding dimension chosen by the Front-door Router (§4.F).
type Kind string

const (
	KindSession   Kind = "session"
	KindUser      Kind = "user"
	KindWorkspace Kind = "workspace"
	KindJob       Kind = "job"
	KindGlobal    Kind = "global"
)

// Internal control-plane paths reserved for in-actor calls (§4.F).
const (
	PathStatus       = "status"
	PathSessionInfo  = "session/info"
	PathSessionClear = "session/clear"
	PathDebugMsgs    = "debug/messages"
	PathCacheClear   = "cache/clear"
	PathExecute      = "execute"
	PathJobStatus    = "job/status"
	PathJobResult    = "job/result"
)

// Job status values for a job-sharded request (§4.F, §4.I).
const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

const (
	jobStatusKey = storage.PrefixCache + "job_status"
	jobResultKey = storage.PrefixCache + "job_result"
)

// DefaultFlushInterval is the Batched Storage write-coalescing window
// (§4.F, default 100ms).
const DefaultFlushInterval = 100 * time.Millisecond

// DefaultExecRate/DefaultExecBurst bound one shard's own node-execution
// throughput, distinct from the user-facing ratelimit.Limiter (§5 supplement:
// "node instances are shared... no lock needed"; this is the shard's own
// runaway-loop governor, grounded on infrastructure/ratelimit.RateLimiter's
// token-bucket shape).
const (
	DefaultExecRate  = 200
	DefaultExecBurst = 400
)

// Request is one inbound call to a shard, whether from the front-door HTTP
// surface, an internal control-plane caller, or the scheduler's manual
// execute path.
type Request struct {
	Method    string
	Path      string // normalised, API-prefix already stripped
	Headers   map[string]string
	Query     map[string]string
	Body      any
	UserID    string // populated by the front-door for user sharding
	SessionID string // populated/generated for session sharding
	EntryNode string // set for the "execute" control-plane path
}

// Response is what a shard hands back to the front-door for one Request.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       any
	SessionID  string
	FlowID     string
	MsgID      string
	DurationMS int64
}

// RateLimit configures the user-shard fixed-window quota (§4.F).
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Shard is the single-consumer actor for one shard id. Handle, Upgrade and
// WebSocket frames, and the scheduler's engine lookup and idle eviction, are
// funnelled through run, which executes them one at a time on the actor's
// own goroutine — the serialisation point the concurrency model (§5)
// requires. The scheduler's tick itself, including its ExecuteNode calls,
// runs on the scheduler's own goroutine.
type Shard struct {
	ID       string
	Kind     Kind
	registry *noderegistry.Registry
	catalog  catalog.Catalog
	resolver *route.Resolver
	durable  storage.Durable
	batched  *storage.Batched
	env      map[string]string
	log      *logrus.Entry

	execLimiter *rate.Limiter
	userLimit   *ratelimit.Limiter

	scheduler *scheduler.Scheduler

	inbox  chan func()
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	lastActivity time.Time
	engines      map[string]*flow.Engine // flow id -> cached engine
	sessions     map[string]map[string]any
	conns        map[*Conn]bool
}

// New constructs a shard. rateLimit.Requests<=0 disables user-shard rate
// limiting (appropriate for non-"user" shard kinds).
func New(id string, kind Kind, registry *noderegistry.Registry, cat catalog.Catalog, resolver *route.Resolver, durable storage.Durable, env map[string]string, rateLimit RateLimit, log *logrus.Entry) *Shard {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Shard{
		ID:          id,
		Kind:        kind,
		registry:    registry,
		catalog:     cat,
		resolver:    resolver,
		durable:     durable,
		batched:     storage.NewBatched(durable, id, DefaultFlushInterval),
		env:         env,
		log:         log.WithFields(logrus.Fields{"shard_id": id, "shard_kind": string(kind)}),
		execLimiter: rate.NewLimiter(rate.Limit(DefaultExecRate), DefaultExecBurst),
		inbox:       make(chan func()),
		engines:     make(map[string]*flow.Engine),
		sessions:    make(map[string]map[string]any),
		conns:       make(map[*Conn]bool),
	}
	if kind == KindUser && rateLimit.Requests > 0 {
		s.userLimit = ratelimit.New(ratelimit.Limit{Requests: rateLimit.Requests, Window: rateLimit.Window})
	}
	s.scheduler = scheduler.New(s.batched, cat, s.engineForScheduler, s.evictIdle, s.idleSince, s.log.WithField("component", "scheduler"))
	return s
}

// Start launches the actor's inbox loop and the scheduler's alarm.
func (s *Shard) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case fn := <-s.inbox:
				fn()
			}
		}
	}()
	return s.scheduler.Start(runCtx)
}

// Stop stops the scheduler, closes every cached engine (while the actor
// loop is still alive to serialise it), then cancels the actor loop and
// waits for it to drain, and finally flushes storage.
func (s *Shard) Stop(ctx context.Context) error {
	if err := s.scheduler.Stop(ctx); err != nil {
		s.log.WithError(err).Warn("shard: scheduler stop error")
	}

	var firstErr error
	s.run(func() {
		for id, eng := range s.engines {
			if err := eng.Close(ctx); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close engine %s: %w", id, err)
			}
		}
		s.engines = make(map[string]*flow.Engine)
	})

	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.batched.Flush(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// run submits fn to the actor's single-consumer loop and blocks until it
// completes, giving every caller (HTTP handler, WebSocket frame, scheduler
// tick) a serialised view of shard-local state (§5).
func (s *Shard) run(fn func()) {
	done := make(chan struct{})
	s.inbox <- func() {
		fn()
		close(done)
	}
	<-done
}

func (s *Shard) touchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Shard) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Handle is the shard's entry point (also reachable from the front-door),
// §4.F. It serialises through run, dispatches internal control-plane paths
// or resolves+triggers a flow, flushes storage at the shard boundary, and
// formats the response.
func (s *Shard) Handle(ctx context.Context, req Request) (resp *Response, err error) {
	s.run(func() {
		s.touchActivity()
		resp, err = s.handleLocked(ctx, req)
	})
	return resp, err
}

func (s *Shard) handleLocked(ctx context.Context, req Request) (*Response, error) {
	defer s.batched.Flush(ctx)

	switch req.Path {
	case PathStatus:
		return s.controlStatus(), nil
	case PathSessionInfo:
		return s.controlSessionInfo(req), nil
	case PathSessionClear:
		return s.controlSessionClear(req), nil
	case PathDebugMsgs:
		return s.controlDebugMessages(ctx, req)
	case PathCacheClear:
		return s.controlCacheClear(), nil
	case PathExecute:
		return s.controlExecute(ctx, req)
	case PathJobStatus:
		return s.controlJobStatus(ctx)
	case PathJobResult:
		return s.controlJobResult(ctx)
	}

	if s.Kind == KindUser && s.userLimit != nil {
		allowed, retryAfter := s.userLimit.Allow(req.UserID, time.Now())
		if !allowed {
			return &Response{
				StatusCode: 429,
				Body:       map[string]any{"error": "rate limit exceeded", "retry_after_seconds": retryAfter},
			}, nil
		}
	}

	start := time.Now()
	routed, err := s.resolver.Resolve(ctx, req.Method, req.Path)
	if err != nil {
		return nil, err
	}
	if routed == nil {
		return &Response{
			StatusCode: 404,
			Body:       map[string]any{"error": "no route", "path": req.Path, "method": req.Method},
		}, nil
	}

	// Per-shard execution governor: bounds this shard's own trigger
	// throughput regardless of which user/session issued the request,
	// independent of the user-shard rate limiter above.
	if err := s.execLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	eng, err := s.engineFor(ctx, routed.FlowID, routed.FlowConfig)
	if err != nil {
		return nil, err
	}

	msg := flowmsg.NewWithPayload(req.Body)
	msg.Fields["method"] = req.Method
	msg.Fields["path"] = req.Path
	msg.Fields["headers"] = req.Headers
	msg.Fields["query"] = req.Query

	complete := observeNodeExecution("trigger")
	httpResp, err := eng.Trigger(ctx, routed.EntryNodeID, msg)
	complete(err)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}
	resp := formatResponse(routed.FlowID, msg.MsgID, httpResp, duration, s.Kind, req.SessionID)
	s.Broadcast(routed.FlowID, resp.Body, duration)
	s.writeExecutionLog(routed.FlowID, routed.EntryNodeID, msg.MsgID, resp.StatusCode, duration)
	return resp, nil
}

// ExecutionLogRecord is one entry in the shard's in-shard execution log
// (§6 "l:<ts>"), appended after every completed trigger and trimmed by the
// Scheduler's housekeeping pass (§4.H.4c).
type ExecutionLogRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	FlowID     string    `json:"flow_id"`
	NodeID     string    `json:"node_id"`
	MsgID      string    `json:"msg_id"`
	StatusCode int       `json:"status_code"`
	DurationMS int64     `json:"duration_ms"`
}

// writeExecutionLog appends one ExecutionLogRecord, keyed by its own numeric
// epoch so the Scheduler's oldest-first trim (trimByTimestampSuffix) can
// order entries the same way it orders debug records.
func (s *Shard) writeExecutionLog(flowID, nodeID, msgID string, statusCode int, durationMS int64) {
	now := time.Now().UTC()
	rec := ExecutionLogRecord{
		Timestamp:  now,
		FlowID:     flowID,
		NodeID:     nodeID,
		MsgID:      msgID,
		StatusCode: statusCode,
		DurationMS: durationMS,
	}
	key := fmt.Sprintf("%s%d", storage.PrefixLog, now.UnixNano())
	s.batched.Set(key, rec)
}

// observeNodeExecution wraps a trigger or execute_node invocation with the
// §4.D-§4.F node-execution metrics, via the same start/complete observation
// pattern the teacher's service layer uses for other long-running calls.
func observeNodeExecution(nodeType string) func(error) {
	return service.StartObservation(context.Background(), service.ObservationHooks{
		OnComplete: func(_ context.Context, meta map[string]string, err error, duration time.Duration) {
			status := "success"
			if err != nil {
				status = "error"
			}
			metrics.Global().RecordNodeExecution(meta["service"], meta["node_type"], status, duration)
		},
	}, map[string]string{"service": "flowd", "node_type": nodeType})
}

// formatResponse applies §4.F's "response formatting" rule: an HTTP-response
// descriptor's status/headers/payload if present, else the default JSON
// envelope, plus the diagnostic headers from §6.
func formatResponse(flowID, msgID string, httpResp *flowmsg.HTTPResponse, durationMS int64, kind Kind, sessionID string) *Response {
	headers := map[string]string{
		"X-Execution-Time": fmt.Sprintf("%dms", durationMS),
		"X-Flow-ID":        flowID,
		"X-Message-ID":     msgID,
	}
	if kind == KindSession {
		headers["X-Session-ID"] = sessionID
	}

	if httpResp != nil {
		for k, v := range httpResp.Headers {
			headers[k] = v
		}
		return &Response{
			StatusCode: httpResp.StatusCode,
			Headers:    headers,
			Body:       httpResp.Payload,
			SessionID:  sessionID,
			FlowID:     flowID,
			MsgID:      msgID,
			DurationMS: durationMS,
		}
	}
	return &Response{
		StatusCode: 200,
		Headers:    headers,
		Body:       map[string]any{"success": true, "duration_ms": durationMS, "flow_id": flowID},
		SessionID:  sessionID,
		FlowID:     flowID,
		MsgID:      msgID,
		DurationMS: durationMS,
	}
}

// engineFor returns the cached engine for flowID, constructing one on first
// use (§4.F "cached engines"): route resolution already happened by the
// time this is called; here it's construction -> initialize -> cache.
func (s *Shard) engineFor(ctx context.Context, flowID string, config *flowgraph.FlowConfig) (*flow.Engine, error) {
	if eng, ok := s.engines[flowID]; ok {
		return eng, nil
	}
	execCtx := flow.NewExecutionContext(s.ID, flowID, s.env, s.batched)
	eng := flow.New(s.registry, config, execCtx, s.log, 0)
	if err := eng.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize engine for flow %s: %w", flowID, err)
	}
	s.engines[flowID] = eng
	return eng, nil
}

// engineForScheduler is the scheduler.EngineProvider adapter: it fetches the
// flow from the Catalog directly (the scheduler does not go through route
// resolution, §4.H.2) and reuses engineFor's cache/construct logic. It is
// called from the scheduler's alarm goroutine, so like evictIdle it hops
// through s.run to touch the engine cache on the actor goroutine.
func (s *Shard) engineForScheduler(ctx context.Context, flowID string) (*flow.Engine, error) {
	var eng *flow.Engine
	var err error
	s.run(func() {
		var config *flowgraph.FlowConfig
		config, err = s.catalog.FetchFlow(ctx, flowID)
		if err != nil || config == nil {
			return
		}
		eng, err = s.engineFor(ctx, flowID, config)
	})
	return eng, err
}

// evictIdle is the scheduler's IdleEvictor callback (§4.H.4a); it runs on
// the scheduler's own alarm goroutine, so it must hop through s.run to keep
// mutating shard state on the single actor goroutine.
func (s *Shard) evictIdle(ctx context.Context) error {
	var firstErr error
	s.run(func() {
		for id, eng := range s.engines {
			if err := eng.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
			delete(s.engines, id)
		}
		s.sessions = make(map[string]map[string]any)
		s.resolver.Clear()
	})
	return firstErr
}

func (s *Shard) controlStatus() *Response {
	return &Response{StatusCode: 200, Body: map[string]any{
		"shard_id":       s.ID,
		"kind":           string(s.Kind),
		"cached_engines": len(s.engines),
		"connections":    len(s.conns),
		"last_activity":  s.lastActivity,
	}}
}

func (s *Shard) controlSessionInfo(req Request) *Response {
	session := s.sessions[req.SessionID]
	return &Response{StatusCode: 200, Body: map[string]any{"session_id": req.SessionID, "session": session}}
}

func (s *Shard) controlSessionClear(req Request) *Response {
	delete(s.sessions, req.SessionID)
	return &Response{StatusCode: 200, Body: map[string]any{"cleared": true}}
}

func (s *Shard) controlDebugMessages(ctx context.Context, req Request) (*Response, error) {
	kvs, err := s.batched.GetMany(ctx, storage.PrefixDebug)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: 200, Body: map[string]any{"records": kvs}}, nil
}

func (s *Shard) controlCacheClear() *Response {
	s.resolver.Clear()
	return &Response{StatusCode: 200, Body: map[string]any{"cleared": true}}
}

// InvalidateFlow drops flowID's cached engine and every route-cache entry
// bound to it (Open Question iv: local-shard-only plus TTL). Called from a
// Catalog Subscribe notification.
func (s *Shard) InvalidateFlow(ctx context.Context, flowID string) {
	s.run(func() {
		if eng, ok := s.engines[flowID]; ok {
			if err := eng.Close(ctx); err != nil {
				s.log.WithError(err).WithField("flow_id", flowID).Warn("shard: close engine on invalidate failed")
			}
			delete(s.engines, flowID)
		}
		s.resolver.Invalidate(flowID)
	})
}

// controlExecute is the manual-execution control-plane entry (§4.F): given
// an explicit entry node id, it resolves the owning flow through the
// Catalog (not the route cache, since there is no (method,path) here),
// and calls execute_node directly.
func (s *Shard) controlExecute(ctx context.Context, req Request) (*Response, error) {
	flowID, _ := req.Body.(map[string]any)["flow_id"].(string)
	if flowID == "" {
		return &Response{StatusCode: 400, Body: map[string]any{"error": "flow_id required"}}, nil
	}
	config, err := s.catalog.FetchFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return &Response{StatusCode: 404, Body: map[string]any{"error": "unknown flow", "flow_id": flowID}}, nil
	}
	eng, err := s.engineFor(ctx, flowID, config)
	if err != nil {
		return nil, err
	}
	msg := flowmsg.NewWithPayload(req.Body)
	complete := observeNodeExecution("execute_node")
	out, err := eng.ExecuteNode(ctx, req.EntryNode, msg)
	complete(err)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: 200, Body: map[string]any{"output": out}}, nil
}

// RunJob executes req against this job shard as fire-and-forget (§4.I
// "/api/jobs/submit ... forwards as fire-and-forget"): it records
// JobStatusRunning immediately, then runs the normal Handle path and records
// JobStatusDone/Failed plus the result once it completes. Intended to be
// invoked from its own goroutine by the caller (the front-door), since the
// whole point is that the submit response does not wait for it.
func (s *Shard) RunJob(ctx context.Context, req Request) {
	s.run(func() {
		s.touchActivity()
		s.batched.Set(jobStatusKey, JobStatusRunning)
		s.batched.Flush(ctx)
	})

	resp, err := s.Handle(ctx, req)

	s.run(func() {
		if err != nil {
			s.batched.Set(jobStatusKey, JobStatusFailed)
			s.batched.Set(jobResultKey, map[string]any{"error": err.Error()})
		} else {
			s.batched.Set(jobStatusKey, JobStatusDone)
			s.batched.Set(jobResultKey, resp.Body)
		}
		s.batched.Flush(ctx)
	})
}

func (s *Shard) controlJobStatus(ctx context.Context) (*Response, error) {
	status, ok, err := s.batched.Get(ctx, jobStatusKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		status = JobStatusPending
	}
	return &Response{StatusCode: 200, Body: map[string]any{"job_id": s.ID, "status": status}}, nil
}

func (s *Shard) controlJobResult(ctx context.Context) (*Response, error) {
	status, _, err := s.batched.Get(ctx, jobStatusKey)
	if err != nil {
		return nil, err
	}
	if status != JobStatusDone && status != JobStatusFailed {
		return &Response{StatusCode: 202, Body: map[string]any{"job_id": s.ID, "status": status}}, nil
	}
	result, _, err := s.batched.Get(ctx, jobResultKey)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: 200, Body: map[string]any{"job_id": s.ID, "status": status, "result": result}}, nil
}

// NewSessionID generates a fresh session id for a session-sharded request
// that arrived without one (§4.F).
func NewSessionID() string {
	return uuid.NewString()
}
