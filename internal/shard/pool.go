package shard

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/flowmesh/runtime/internal/catalog"
	"github.com/flowmesh/runtime/internal/noderegistry"
	"github.com/flowmesh/runtime/internal/route"
	"github.com/flowmesh/runtime/internal/storage"
)

// Pool lazily creates and starts one Shard per (kind, id) pair and keeps it
// running for the lifetime of the process, matching §4.F's "on first
// invocation for a shard id the actor is created". Each shard gets its own
// Route Resolver (its own TTL cache) but shares the registry, Catalog and
// Durable backend.
type Pool struct {
	registry  *noderegistry.Registry
	catalog   catalog.Catalog
	durable   storage.Durable
	env       map[string]string
	userLimit RateLimit
	log       *logrus.Entry

	mu     sync.Mutex
	shards map[string]*Shard
}

// NewPool constructs a shard pool. userLimit configures the fixed-window
// rate limit applied only to KindUser shards.
func NewPool(registry *noderegistry.Registry, cat catalog.Catalog, durable storage.Durable, env map[string]string, userLimit RateLimit, log *logrus.Entry) *Pool {
	return &Pool{
		registry:  registry,
		catalog:   cat,
		durable:   durable,
		env:       env,
		userLimit: userLimit,
		log:       log,
		shards:    make(map[string]*Shard),
	}
}

// Get returns the shard for id, constructing and starting it on first use.
func (p *Pool) Get(ctx context.Context, kind Kind, id string) (*Shard, error) {
	key := string(kind) + ":" + id

	p.mu.Lock()
	if s, ok := p.shards[key]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	resolver := route.New(p.catalog)
	s := New(key, kind, p.registry, p.catalog, resolver, p.durable, p.env, p.userLimit, p.log)

	unsubscribe := p.catalog.Subscribe(func(flowID string) {
		s.InvalidateFlow(context.Background(), flowID)
	})
	_ = unsubscribe // shard lifetime is process lifetime; nothing ever unsubscribes

	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.shards[key]; ok {
		// Lost the race: another caller created and started the same shard
		// while we were constructing ours. Stop the spare and use theirs.
		s.Stop(ctx)
		return existing, nil
	}
	p.shards[key] = s
	return s, nil
}

// StopAll stops every shard the pool has created, for graceful shutdown.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	shards := make([]*Shard, 0, len(p.shards))
	for _, s := range p.shards {
		shards = append(shards, s)
	}
	p.mu.Unlock()

	var firstErr error
	for _, s := range shards {
		if err := s.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
