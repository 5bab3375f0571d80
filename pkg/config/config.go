package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the Front-door Router's HTTP listener. APIPrefix is
// the configured prefix §4.G's route normalisation strips from an inbound
// path before route resolution (e.g. "/api" lets an operator front the
// service behind a path-based gateway); empty (the default) strips nothing,
// matching routes bound in the Flow Catalog by their full path.
type ServerConfig struct {
	Host      string `json:"host" env:"SERVER_HOST"`
	Port      int    `json:"port" env:"SERVER_PORT"`
	APIPrefix string `json:"api_prefix" env:"SERVER_API_PREFIX"`
}

// StorageConfig selects and tunes the Durable Storage backend (§4.K).
type StorageConfig struct {
	Driver          string `json:"driver" env:"STORAGE_DRIVER"`
	DSN             string `json:"dsn" env:"STORAGE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" env:"STORAGE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"STORAGE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"STORAGE_CONN_MAX_LIFETIME"`
}

// RuntimeConfig holds tuning values for the Sharded Executor: idle eviction,
// the Scheduler's alarm cadence, the trigger message-count ceiling, and the
// per-shard execute-node rate governor. They are loaded and defaulted here
// only; the shard, scheduler and engine do not read them and use their own
// package constants instead.
type RuntimeConfig struct {
	IdleTimeoutSeconds   int `json:"idle_timeout_seconds" env:"RUNTIME_IDLE_TIMEOUT_SECONDS"`
	AlarmIntervalSeconds int `json:"alarm_interval_seconds" env:"RUNTIME_ALARM_INTERVAL_SECONDS"`
	MaxTriggerMessages   int `json:"max_trigger_messages" env:"RUNTIME_MAX_TRIGGER_MESSAGES"`
	ExecRatePerSecond    int `json:"exec_rate_per_second" env:"RUNTIME_EXEC_RATE_PER_SECOND"`
	ExecBurst            int `json:"exec_burst" env:"RUNTIME_EXEC_BURST"`
	FlushIntervalMS      int `json:"flush_interval_ms" env:"RUNTIME_FLUSH_INTERVAL_MS"`
}

// RateLimitConfig is the default fixed-window quota applied to user shards.
type RateLimitConfig struct {
	Requests      int `json:"requests" env:"RATELIMIT_REQUESTS"`
	WindowSeconds int `json:"window_seconds" env:"RATELIMIT_WINDOW_SECONDS"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// APITokensConfig authenticates the Sharded Executor's internal control
// plane with a flat bearer-token list.
type APITokensConfig struct {
	Tokens    []string `json:"tokens"`
	TokensEnv string   `json:"-" yaml:"-" env:"API_TOKENS"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	APITokens APITokensConfig `json:"api_tokens"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Runtime: RuntimeConfig{
			IdleTimeoutSeconds:   3600,
			AlarmIntervalSeconds: 60,
			MaxTriggerMessages:   10000,
			ExecRatePerSecond:    200,
			ExecBurst:            400,
			FlushIntervalMS:      100,
		},
		RateLimit: RateLimitConfig{
			Requests:      120,
			WindowSeconds: 60,
		},
		APITokens: APITokensConfig{},
	}
}

// ConnectionString formats the configured driver and DSN as one
// "driver=<driver> dsn=<dsn>" string.
func (c StorageConfig) ConnectionString() string {
	return fmt.Sprintf("driver=%s dsn=%s", c.Driver, c.DSN)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyStorageURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyStorageURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyStorageURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyStorageURLOverride aligns config loading with cmd/flowd: STORAGE_URL
// overrides any file-based DSN to reduce setup friction.
func applyStorageURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("STORAGE_URL")); dsn != "" {
		cfg.Storage.DSN = dsn
	}
}

func (a *APITokensConfig) normalize() {
	if a == nil {
		return
	}
	if toks := splitTokens(a.TokensEnv); len(toks) > 0 {
		a.Tokens = append(a.Tokens, toks...)
	}
}

// splitTokens parses a comma-separated token list, trimming whitespace and
// dropping empty entries.
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

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.APITokens.normalize()
}
