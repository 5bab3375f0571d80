package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowmesh/runtime/pkg/config"
)

func TestResolveDSNPrecedence(t *testing.T) {
	cases := []struct {
		name string
		flag string
		env  string
		cfg  func() *config.Config
		want string
	}{
		{
			name: "flag wins",
			flag: "postgres://flag",
			env:  "postgres://env",
			cfg: func() *config.Config {
				cfg := config.New()
				cfg.Storage.DSN = "postgres://cfg"
				return cfg
			},
			want: "postgres://flag",
		},
		{
			name: "env when flag missing",
			flag: "",
			env:  "postgres://env",
			cfg: func() *config.Config {
				cfg := config.New()
				cfg.Storage.DSN = "postgres://cfg"
				return cfg
			},
			want: "postgres://env",
		},
		{
			name: "config dsn when flag/env empty",
			flag: "",
			env:  "",
			cfg: func() *config.Config {
				cfg := config.New()
				cfg.Storage.DSN = "postgres://cfg"
				return cfg
			},
			want: "postgres://cfg",
		},
		{
			name: "empty when nothing provided",
			flag: "",
			env:  "",
			cfg: func() *config.Config {
				return config.New()
			},
			want: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.New()
			if tc.cfg != nil {
				cfg = tc.cfg()
			}

			if tc.env != "" {
				if err := os.Setenv("STORAGE_URL", tc.env); err != nil {
					t.Fatalf("setenv: %v", err)
				}
				t.Cleanup(func() { os.Unsetenv("STORAGE_URL") })
			} else {
				os.Unsetenv("STORAGE_URL")
			}

			got := resolveDSN(tc.flag, cfg)
			if got != tc.want {
				t.Fatalf("resolveDSN() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDetermineAddr(t *testing.T) {
	cases := []struct {
		name string
		flag string
		cfg  *config.Config
		want string
	}{
		{
			name: "flag wins",
			flag: ":9999",
			cfg:  &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080}},
			want: ":9999",
		},
		{
			name: "config host and port",
			flag: "",
			cfg:  &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 9090}},
			want: "127.0.0.1:9090",
		},
		{
			name: "config port only defaults host",
			flag: "",
			cfg:  &config.Config{Server: config.ServerConfig{Port: 9090}},
			want: "0.0.0.0:9090",
		},
		{
			name: "default when nothing set",
			flag: "",
			cfg:  &config.Config{},
			want: ":8080",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := determineAddr(tc.flag, tc.cfg)
			if got != tc.want {
				t.Fatalf("determineAddr() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveAPITokens(t *testing.T) {
	cfg := config.New()
	cfg.APITokens.Tokens = []string{"from-config"}

	if got := resolveAPITokens("flag-a, flag-b", cfg); len(got) != 2 || got[0] != "flag-a" || got[1] != "flag-b" {
		t.Fatalf("resolveAPITokens(flag) = %v", got)
	}
	if got := resolveAPITokens("", cfg); len(got) != 1 || got[0] != "from-config" {
		t.Fatalf("resolveAPITokens(config) = %v", got)
	}
}

func TestLoadConfigFileSupportsYAML(t *testing.T) {
	path := filepath.Join("testdata", "config-with-dsn.yaml")
	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if cfg.Storage.DSN == "" {
		t.Fatalf("expected DSN populated from YAML config")
	}
}

func TestOpenDurableDefaultsToMemory(t *testing.T) {
	cfg := config.New()
	durable, closeFn, err := openDurable(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("openDurable: %v", err)
	}
	if durable == nil {
		t.Fatal("expected a non-nil Durable backend")
	}
	if closeFn != nil {
		t.Fatal("memory backend should have no teardown")
	}
}

func TestOpenDurableRequiresDSNForSQLDriver(t *testing.T) {
	cfg := config.New()
	cfg.Storage.Driver = "sqlite3"
	if _, _, err := openDurable(context.Background(), cfg, ""); err == nil {
		t.Fatal("expected error when sqlite3 driver has no DSN")
	}
}

func TestOpenDurableRequiresDSNForRedisDriver(t *testing.T) {
	cfg := config.New()
	cfg.Storage.Driver = "redis"
	if _, _, err := openDurable(context.Background(), cfg, ""); err == nil {
		t.Fatal("expected error when redis driver has no DSN")
	}
}
