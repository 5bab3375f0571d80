package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/runtime/infrastructure/metrics"
)

// Batched is the write-coalescing wrapper around a Durable backend described
// in §4.F/§4.J: Set and Delete stage an in-memory pending change, a flush to
// the backing Durable store is scheduled after FlushInterval (default
// 100ms) or forced by Flush, and Get consults the pending buffer before the
// durable read so a turn observes its own writes immediately (testable
// property §8.6).
type Batched struct {
	backend       Durable
	shardID       string
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string]any  // staged writes
	deleted map[string]bool // staged deletes (tombstones), checked before backend reads
	timer   *time.Timer
}

// NewBatched returns a Batched wrapper over backend for one shard.
func NewBatched(backend Durable, shardID string, flushInterval time.Duration) *Batched {
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	return &Batched{
		backend:       backend,
		shardID:       shardID,
		flushInterval: flushInterval,
		pending:       make(map[string]any),
		deleted:       make(map[string]bool),
	}
}

// Get returns the value for key, preferring a pending write or honouring a
// pending delete over the durable read.
func (b *Batched) Get(ctx context.Context, key string) (any, bool, error) {
	b.mu.Lock()
	if v, ok := b.pending[key]; ok {
		b.mu.Unlock()
		return v, true, nil
	}
	if b.deleted[key] {
		b.mu.Unlock()
		return nil, false, nil
	}
	b.mu.Unlock()
	return b.backend.Get(ctx, b.shardID, key)
}

// GetMany lists durable entries under prefix, overlaying pending writes and
// hiding pending deletes.
func (b *Batched) GetMany(ctx context.Context, prefix string) ([]KV, error) {
	base, err := b.backend.GetMany(ctx, b.shardID, prefix)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(base))
	for _, kv := range base {
		merged[kv.Key] = kv.Value
	}

	b.mu.Lock()
	for k, v := range b.pending {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}
	for k := range b.deleted {
		if strings.HasPrefix(k, prefix) {
			delete(merged, k)
		}
	}
	b.mu.Unlock()

	out := make([]KV, 0, len(merged))
	for k, v := range merged {
		out = append(out, KV{Key: k, Value: v})
	}
	return out, nil
}

// Set stages a write; it is visible to subsequent Get calls immediately and
// durable once the next flush runs.
func (b *Batched) Set(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[key] = value
	delete(b.deleted, key)
	b.scheduleFlushLocked()
}

// Delete stages a delete.
func (b *Batched) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, key)
	b.deleted[key] = true
	b.scheduleFlushLocked()
}

// scheduleFlushLocked arms a timer that forces a flush after flushInterval
// if nothing else flushes sooner. Callers must hold b.mu.
func (b *Batched) scheduleFlushLocked() {
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.flushInterval, func() {
		_ = b.Flush(context.Background())
	})
}

// Flush writes every staged change to the backend and clears the pending
// buffer. Called explicitly at every shard boundary (end of trigger, alarm
// fire, internal-endpoint exit) in addition to the timer-driven flush.
func (b *Batched) Flush(ctx context.Context) error {
	b.mu.Lock()
	writes := b.pending
	deletes := make([]string, 0, len(b.deleted))
	for k := range b.deleted {
		deletes = append(deletes, k)
	}
	b.pending = make(map[string]any)
	b.deleted = make(map[string]bool)
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(writes) > 0 {
		start := time.Now()
		err := b.backend.PutMany(ctx, b.shardID, writes)
		recordStorageOp("put_many", err, start)
		if err != nil {
			return err
		}
	}
	if len(deletes) > 0 {
		start := time.Now()
		err := b.backend.DeleteMany(ctx, b.shardID, deletes)
		recordStorageOp("delete_many", err, start)
		if err != nil {
			return err
		}
	}
	return nil
}

// recordStorageOp reports one durable-backend round trip made from Flush
// (§4.K) to the flowd metrics registry.
func recordStorageOp(operation string, err error, start time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.Global().RecordStorageOp("flowd", operation, status, time.Since(start))
}

// Keys lists the durable+pending key set under prefix.
func (b *Batched) Keys(ctx context.Context, prefix string) ([]string, error) {
	kvs, err := b.GetMany(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Key)
	}
	return out, nil
}
