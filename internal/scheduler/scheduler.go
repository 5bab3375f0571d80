// Package scheduler implements the per-shard alarm-driven schedule runner
// described in §4.H: an alarm re-armed roughly every 60 seconds that fires
// due schedule records, computes their next run, and performs opportunistic
// housekeeping (idle eviction, debug/log trimming).
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/flowmesh/runtime/internal/catalog"
	"github.com/flowmesh/runtime/internal/flow"
	"github.com/flowmesh/runtime/internal/flowmsg"
	"github.com/flowmesh/runtime/internal/storage"
)

// AlarmInterval is the re-arm period named in §4.H ("Re-arm the alarm for
// now + 60 s").
const AlarmInterval = 60 * time.Second

// DefaultIdleTimeout is the idle-eviction threshold (§4.H.4a, default 1h).
const DefaultIdleTimeout = time.Hour

// MaxDebugRecords bounds retained debug records per shard (§4.H.4b).
const MaxDebugRecords = 1000

// MaxLogRecords bounds retained execution-log records per shard (§4.H.4c).
const MaxLogRecords = 100

// Record is one persisted schedule record, keyed under storage.PrefixSchedule
// by node id (the trigger node owning the schedule).
type Record struct {
	NodeID         string `json:"node_id"`
	FlowID         string `json:"flow_id"`
	Repeat         bool   `json:"repeat"`
	IntervalMS     int64  `json:"interval_ms,omitempty"`
	Cron           string `json:"cron,omitempty"`
	NextRunEpochMS int64  `json:"next_run_epoch_ms"`
}

// EngineProvider resolves and lazily constructs the engine owning flowID,
// matching §4.F's "cached engines" contract: first request causes route
// resolution -> engine construction -> initialize() -> cache insert, later
// calls reuse it. Implemented by the Sharded Executor's engine cache.
type EngineProvider func(ctx context.Context, flowID string) (*flow.Engine, error)

// IdleEvictor performs the idle-timeout housekeeping action (§4.H.4a):
// evict every cached engine, session data and route cache entry, closing
// engines cleanly. Implemented by the Sharded Executor.
type IdleEvictor func(ctx context.Context) error

// Scheduler is grounded on the teacher's automation.Scheduler actor: a
// cancelable background goroutine with a WaitGroup-drained Stop, adapted
// from a fixed-interval ticker dispatching enabled jobs to a re-armed
// single alarm dispatching due schedule records, plus the housekeeping
// steps the teacher's scheduler did not need.
type Scheduler struct {
	storage      *storage.Batched
	catalog      catalog.Catalog
	engines      EngineProvider
	idleEvict    IdleEvictor
	lastActivity func() time.Time
	log          *logrus.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	// mu2 serialises overruns per record (§4.H.2: "no concurrent ticks of
	// the same schedule"); keyed by node id.
	mu2       sync.Mutex
	inFlight  map[string]bool
}

// New constructs a Scheduler for one shard's storage. engines/idleEvict may
// be nil in tests that only exercise record bookkeeping.
func New(st *storage.Batched, cat catalog.Catalog, engines EngineProvider, idleEvict IdleEvictor, lastActivity func() time.Time, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		storage:      st,
		catalog:      cat,
		engines:      engines,
		idleEvict:    idleEvict,
		lastActivity: lastActivity,
		log:          log,
		inFlight:     make(map[string]bool),
	}
}

// Start begins the alarm loop: the first tick fires AlarmInterval after
// boot per §4.H's "an alarm is set for ~60s in the future at boot", then
// the alarm is re-armed after every cycle.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(AlarmInterval)
		defer timer.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-timer.C:
				s.Tick(runCtx)
				timer.Reset(AlarmInterval)
			}
		}
	}()
	return nil
}

// Stop cancels the alarm loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs exactly one alarm firing: enumerate due records, dispatch each,
// advance/persist next_run, then perform housekeeping (§4.H.1-4). It is
// exported so a shard's control plane or tests can force a tick without
// waiting out AlarmInterval.
func (s *Scheduler) Tick(ctx context.Context) {
	records, err := s.loadRecords(ctx)
	if err != nil {
		s.logf().WithError(err).Warn("scheduler: failed to load schedule records")
		return
	}

	now := time.Now()
	for _, rec := range records {
		if rec.NextRunEpochMS > now.UnixMilli() {
			continue
		}
		s.fire(ctx, rec, now)
	}

	s.houseKeep(ctx, now)
}

// loadRecords scans every key under storage.PrefixSchedule and decodes it
// into a Record.
func (s *Scheduler) loadRecords(ctx context.Context) ([]Record, error) {
	kvs, err := s.storage.GetMany(ctx, storage.PrefixSchedule)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(kvs))
	for _, kv := range kvs {
		rec, ok := decodeRecord(kv.Value)
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRecord(v any) (Record, bool) {
	switch val := v.(type) {
	case Record:
		return val, true
	case map[string]any:
		rec := Record{}
		if id, ok := val["node_id"].(string); ok {
			rec.NodeID = id
		}
		if id, ok := val["flow_id"].(string); ok {
			rec.FlowID = id
		}
		if repeat, ok := val["repeat"].(bool); ok {
			rec.Repeat = repeat
		}
		if iv, ok := val["interval_ms"].(float64); ok {
			rec.IntervalMS = int64(iv)
		}
		if c, ok := val["cron"].(string); ok {
			rec.Cron = c
		}
		if nr, ok := val["next_run_epoch_ms"].(float64); ok {
			rec.NextRunEpochMS = int64(nr)
		}
		return rec, rec.NodeID != ""
	default:
		return Record{}, false
	}
}

// fire serialises overruns per record (§4.H.2), resolves the owning flow,
// constructs/reuses its engine, synthesises the scheduled-tick message, and
// invokes execute_node. Repeat records are re-armed (§4.H.3); one-shot
// records are deleted.
func (s *Scheduler) fire(ctx context.Context, rec Record, now time.Time) {
	s.mu2.Lock()
	if s.inFlight[rec.NodeID] {
		s.mu2.Unlock()
		return
	}
	s.inFlight[rec.NodeID] = true
	s.mu2.Unlock()
	defer func() {
		s.mu2.Lock()
		delete(s.inFlight, rec.NodeID)
		s.mu2.Unlock()
	}()

	if s.engines == nil {
		return
	}
	eng, err := s.engines(ctx, rec.FlowID)
	if err != nil || eng == nil {
		s.logf().WithError(err).WithField("flow_id", rec.FlowID).Warn("scheduler: could not resolve engine for schedule record")
		return
	}

	msg := flowmsg.NewWithPayload(now.UnixMilli())
	msg.Topic = "scheduled"
	if _, err := eng.ExecuteNode(ctx, rec.NodeID, msg); err != nil {
		s.logf().WithError(err).WithField("node_id", rec.NodeID).Warn("scheduler: execute_node failed")
	}

	if !rec.Repeat {
		s.storage.Delete(storage.PrefixSchedule + rec.NodeID)
		return
	}
	next, err := NextRun(rec, now)
	if err != nil {
		s.logf().WithError(err).WithField("node_id", rec.NodeID).Warn("scheduler: could not compute next run, dropping record")
		s.storage.Delete(storage.PrefixSchedule + rec.NodeID)
		return
	}
	rec.NextRunEpochMS = next.UnixMilli()
	s.storage.Set(storage.PrefixSchedule+rec.NodeID, rec)
}

// NextRun computes a record's next fire time (Open Question iii resolution:
// cron grammar via robfig/cron/v3): a cron expression takes precedence over
// a plain interval when both are set.
func NextRun(rec Record, from time.Time) (time.Time, error) {
	if rec.Cron != "" {
		sched, err := cron.ParseStandard(rec.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("scheduler: parse cron %q: %w", rec.Cron, err)
		}
		return sched.Next(from), nil
	}
	if rec.IntervalMS <= 0 {
		return time.Time{}, fmt.Errorf("scheduler: record %q has neither cron nor interval_ms", rec.NodeID)
	}
	return from.Add(time.Duration(rec.IntervalMS) * time.Millisecond), nil
}

// houseKeep runs the three opportunistic housekeeping steps (§4.H.4).
func (s *Scheduler) houseKeep(ctx context.Context, now time.Time) {
	if s.lastActivity != nil && s.idleEvict != nil {
		idleFor := now.Sub(s.lastActivity())
		if idleFor > DefaultIdleTimeout {
			if err := s.idleEvict(ctx); err != nil {
				s.logf().WithError(err).Warn("scheduler: idle eviction failed")
			}
		}
	}

	if err := s.trimByTimestampSuffix(ctx, storage.PrefixDebug, MaxDebugRecords); err != nil {
		s.logf().WithError(err).Warn("scheduler: debug trim failed")
	}
	if err := s.trimByTimestampSuffix(ctx, storage.PrefixLog, MaxLogRecords); err != nil {
		s.logf().WithError(err).Warn("scheduler: log trim failed")
	}
}

// trimByTimestampSuffix deletes the oldest entries under prefix once the
// count exceeds max, ordering by the numeric timestamp embedded as the
// final ":"-delimited key segment (the "d:<node_id>:<ts>" / "l:<ts>"
// layout from §6's storage key table).
func (s *Scheduler) trimByTimestampSuffix(ctx context.Context, prefix string, max int) error {
	kvs, err := s.storage.GetMany(ctx, prefix)
	if err != nil {
		return err
	}
	if len(kvs) <= max {
		return nil
	}
	sort.Slice(kvs, func(i, j int) bool {
		return timestampSuffix(kvs[i].Key) < timestampSuffix(kvs[j].Key)
	})
	excess := len(kvs) - max
	for i := 0; i < excess; i++ {
		s.storage.Delete(kvs[i].Key)
	}
	return nil
}

func timestampSuffix(key string) int64 {
	idx := strings.LastIndex(key, ":")
	if idx < 0 || idx == len(key)-1 {
		return 0
	}
	ts, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

func (s *Scheduler) logf() *logrus.Entry {
	if s.log != nil {
		return s.log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
