package main

import (
	"context"
	"net/http"

	core "github.com/flowmesh/runtime/internal/app/core/service"
	"github.com/flowmesh/runtime/internal/app/system"
	"github.com/flowmesh/runtime/internal/shard"
)

// httpService adapts the Front-door Router's http.Server to the
// system.Service lifecycle contract, so it starts/stops alongside the
// Sharded Executor pool instead of being managed ad hoc.
type httpService struct {
	server *http.Server
	ready  chan error
}

func newHTTPService(server *http.Server) *httpService {
	return &httpService{server: server, ready: make(chan error, 1)}
}

func (s *httpService) Name() string { return "frontdoor-http" }

func (s *httpService) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         s.Name(),
		Domain:       "flow-runtime",
		Layer:        core.LayerIngress,
		Capabilities: []string{"http"},
	}
}

// Start launches the listener in the background; a failure other than a
// graceful Shutdown is delivered on s.ready so main can log it.
func (s *httpService) Start(ctx context.Context) error {
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.ready <- err
			return
		}
		s.ready <- nil
	}()
	return nil
}

func (s *httpService) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// poolService adapts the Sharded Executor pool to the system.Service
// lifecycle contract. Shards are created lazily on first request (§4.F), so
// Start is a no-op; Stop drains every shard the pool has created.
type poolService struct {
	pool *shard.Pool
}

func newPoolService(pool *shard.Pool) *poolService {
	return &poolService{pool: pool}
}

func (s *poolService) Name() string { return "sharded-executor" }

func (s *poolService) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         s.Name(),
		Domain:       "flow-runtime",
		Layer:        core.LayerEngine,
		Capabilities: []string{"http", "websocket", "scheduler"},
	}
}

func (s *poolService) Start(ctx context.Context) error { return nil }

func (s *poolService) Stop(ctx context.Context) error {
	return s.pool.StopAll(ctx)
}

var (
	_ system.Service            = (*httpService)(nil)
	_ system.DescriptorProvider = (*httpService)(nil)
	_ system.Service            = (*poolService)(nil)
	_ system.DescriptorProvider = (*poolService)(nil)
)
