package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/flowmesh/runtime/infrastructure/logging"
	"github.com/flowmesh/runtime/infrastructure/metrics"
	"github.com/flowmesh/runtime/infrastructure/middleware"
	"github.com/flowmesh/runtime/internal/app/system"
	"github.com/flowmesh/runtime/internal/catalog"
	"github.com/flowmesh/runtime/internal/flow/nodes"
	"github.com/flowmesh/runtime/internal/frontdoor"
	"github.com/flowmesh/runtime/internal/noderegistry"
	"github.com/flowmesh/runtime/internal/shard"
	"github.com/flowmesh/runtime/internal/storage"
	"github.com/flowmesh/runtime/pkg/config"
	"github.com/flowmesh/runtime/pkg/version"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	storageURL := flag.String("storage-url", "", "Durable Storage DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	apiTokensFlag := flag.String("api-tokens", "", "comma-separated API tokens for the internal control plane")
	flag.Parse()

	var cfg *config.Config

	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		loaded, err := loadConfigFile(trimmed)
		if err != nil {
			log.Fatalf("load config %s: %v", trimmed, err)
		}
		cfg = loaded
	} else {
		loaded, err := config.Load()
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	logger := logging.NewFromEnv("flowd")
	entry := logger.WithField("component", "flowd")

	rootCtx := context.Background()

	dsnVal := resolveDSN(*storageURL, cfg)
	durable, closeDurable, err := openDurable(rootCtx, cfg, dsnVal)
	if err != nil {
		log.Fatalf("open durable storage: %v", err)
	}
	if closeDurable != nil {
		defer closeDurable()
	}

	registry := noderegistry.New()
	nodes.Register(registry)

	cat := catalog.NewMemory()

	env := map[string]string{}
	tokens := resolveAPITokens(*apiTokensFlag, cfg)
	if len(tokens) > 0 {
		env["API_TOKENS"] = strings.Join(tokens, ",")
	}

	userLimit := shard.RateLimit{
		Requests: cfg.RateLimit.Requests,
		Window:   time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
	}

	pool := shard.NewPool(registry, cat, durable, env, userLimit, entry)

	if metrics.Enabled() {
		metrics.Init("flowd")
	}

	router := frontdoor.New(pool, nil, entry, cfg.Server.APIPrefix)
	handler, stopRateLimiter := wrapMiddleware(router, logger)
	defer stopRateLimiter()

	listenAddr := determineAddr(*addr, cfg)
	httpSvc := newHTTPService(&http.Server{Addr: listenAddr, Handler: handler})
	poolSvc := newPoolService(pool)

	services := []system.Service{poolSvc, httpSvc}
	descriptors := system.CollectDescriptors([]system.DescriptorProvider{poolSvc, httpSvc})
	for _, d := range descriptors {
		entry.WithField("layer", d.Layer).WithField("capabilities", d.Capabilities).Infof("starting %s", d.Name)
	}

	for _, svc := range services {
		if err := svc.Start(rootCtx); err != nil {
			log.Fatalf("start %s: %v", svc.Name(), err)
		}
	}
	entry.Infof("flowd %s listening on %s", version.FullVersion(), listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-httpSvc.ready:
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(shutdownCtx); err != nil {
			entry.WithError(err).Errorf("stop %s", services[i].Name())
		}
	}
}

// wrapMiddleware applies the ambient HTTP middleware chain around the
// Front-door Router: recovery (outermost, so a panic anywhere downstream
// still gets a clean response), security headers, CORS, request logging and
// Prometheus recording, per-key rate limiting and request validation, then a
// body-size cap and a request timeout closest to the handler itself. The
// returned stop func releases the rate limiter's cleanup goroutine and
// should be called on shutdown.
func wrapMiddleware(next http.Handler, logger *logging.Logger) (http.Handler, func()) {
	rl := middleware.NewRateLimiterFromConfig(middleware.LenientRateLimiterConfig(logger))
	stop := rl.StartCleanup(0)

	h := next
	h = middleware.NewTimeoutMiddleware(0).Handler(h)
	h = middleware.NewBodyLimitMiddleware(0).Handler(h)
	h = middleware.NewValidationMiddleware(middleware.ValidationConfig{
		AllowedMethods: middleware.DefaultValidationConfig().AllowedMethods,
	}).Handler(h)
	h = rl.Handler(h)
	h = middleware.MetricsMiddleware("flowd", metrics.Global())(h)
	h = middleware.LoggingMiddleware(logger)(h)
	h = middleware.NewCORSMiddleware(nil).Handler(h)
	h = middleware.NewSecurityHeadersMiddleware(nil).Handler(h)
	h = middleware.NewRecoveryMiddleware(logger).Handler(h)
	return h, stop
}

// determineAddr mirrors cmd/appserver's precedence: flag, then
// config.Server.Host:Port, then a ":8080" default.
func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	if cfg != nil {
		host := strings.TrimSpace(cfg.Server.Host)
		port := cfg.Server.Port
		if port != 0 {
			if host == "" {
				host = "0.0.0.0"
			}
			return fmt.Sprintf("%s:%d", host, port)
		}
	}
	return ":8080"
}

func loadConfigFile(path string) (*config.Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return config.LoadFile(path)
	case ".json":
		return config.LoadConfig(path)
	default:
		if cfg, err := config.LoadFile(path); err == nil {
			return cfg, nil
		}
		return config.LoadConfig(path)
	}
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("STORAGE_URL")); envDSN != "" {
		return envDSN
	}
	if cfg == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Storage.DSN)
}

func resolveAPITokens(flagTokens string, cfg *config.Config) []string {
	if trimmed := strings.TrimSpace(flagTokens); trimmed != "" {
		return splitTokens(trimmed)
	}
	if cfg == nil {
		return nil
	}
	return cfg.APITokens.Tokens
}

func splitTokens(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSpace(part)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// openDurable constructs the Durable Storage backend named by
// cfg.Storage.Driver (§4.K). "memory" (the default) needs no teardown; a
// "redis" driver opens a client that must be closed on shutdown; a SQL
// driver opens a pool that must be closed on shutdown.
func openDurable(ctx context.Context, cfg *config.Config, dsn string) (storage.Durable, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "memory" {
		return storage.NewMemory(), nil, nil
	}
	if dsn == "" {
		return nil, nil, fmt.Errorf("storage driver %q requires a DSN (set storage.dsn or STORAGE_URL)", driver)
	}

	if driver == "redis" {
		client, err := storage.OpenRedis(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis: %w", err)
		}
		return storage.NewRedisStore(client), func() { client.Close() }, nil
	}

	db, err := storage.Open(ctx, driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if cfg.Storage.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Storage.MaxOpenConns)
	}
	if cfg.Storage.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Storage.MaxIdleConns)
	}
	if cfg.Storage.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Storage.ConnMaxLifetime) * time.Second)
	}

	store, err := storage.NewSQLStore(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init sql store: %w", err)
	}
	return store, func() { db.Close() }, nil
}
