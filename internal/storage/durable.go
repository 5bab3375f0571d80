// Package storage implements the Durable Storage interface named in the
// external-interfaces section of the specification, plus the Batched
// Storage write-coalescing wrapper used by every Sharded Executor.
package storage

import (
	"context"
	"time"
)

// KV is one key/value pair as returned by GetMany.
type KV struct {
	Key   string
	Value any
}

// Durable is the per-shard persistent storage interface. Every operation is
// scoped to a shardID so a single backend instance can serve every shard.
// Values are arbitrary serialisable data (the same constraint the message
// envelope places on payloads).
type Durable interface {
	Get(ctx context.Context, shardID, key string) (value any, ok bool, err error)
	GetMany(ctx context.Context, shardID, prefix string) ([]KV, error)
	Put(ctx context.Context, shardID, key string, value any) error
	PutMany(ctx context.Context, shardID string, items map[string]any) error
	Delete(ctx context.Context, shardID, key string) error
	DeleteMany(ctx context.Context, shardID string, keys []string) error
	List(ctx context.Context, shardID, prefix string) ([]string, error)
	SetAlarm(ctx context.Context, shardID string, at time.Time) error
	GetAlarm(ctx context.Context, shardID string) (time.Time, bool, error)
	DeleteAll(ctx context.Context, shardID string) error
}

// Key prefixes from the bit-stable storage key layout (§6).
const (
	PrefixFlowScope   = "f:"
	PrefixGlobalScope = "g:"
	PrefixSession     = "s:"
	PrefixDebug       = "d:"
	PrefixLog         = "l:"
	PrefixJoinBuffer  = "j:"
	PrefixSchedule    = "sched:"
	PrefixRateLimit   = "rl:"
	PrefixCache       = "cache:"
	PrefixFile        = "file:"
	PrefixNodeKV      = "n:"
)
