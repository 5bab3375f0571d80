package runtime

import (
	"os"
	"testing"
	"time"
)

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	saved, had := os.LookupEnv(key)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, saved)
		} else {
			os.Unsetenv(key)
		}
	})
	os.Setenv(key, value)
}

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		saved, had := os.LookupEnv(key)
		k := key
		s := saved
		h := had
		t.Cleanup(func() {
			if h {
				os.Setenv(k, s)
			} else {
				os.Unsetenv(k)
			}
		})
		os.Unsetenv(key)
	}
}

func TestEnv(t *testing.T) {
	t.Run("development by default", func(t *testing.T) {
		clearEnv(t, "FLOW_ENV", "ENVIRONMENT")
		if Env() != Development {
			t.Errorf("Env() = %v, want %v", Env(), Development)
		}
		if !IsDevelopment() || !IsDevelopmentOrTesting() {
			t.Error("expected default environment to be development")
		}
	})

	t.Run("FLOW_ENV takes precedence over ENVIRONMENT", func(t *testing.T) {
		withEnv(t, "FLOW_ENV", "production")
		withEnv(t, "ENVIRONMENT", "testing")
		if Env() != Production {
			t.Errorf("Env() = %v, want %v", Env(), Production)
		}
		if !IsProduction() {
			t.Error("IsProduction() should be true")
		}
	})

	t.Run("falls back to ENVIRONMENT", func(t *testing.T) {
		clearEnv(t, "FLOW_ENV")
		withEnv(t, "ENVIRONMENT", "testing")
		if Env() != Testing {
			t.Errorf("Env() = %v, want %v", Env(), Testing)
		}
		if !IsTesting() || !IsDevelopmentOrTesting() {
			t.Error("expected testing environment")
		}
	})

	t.Run("unknown value defaults to development", func(t *testing.T) {
		withEnv(t, "FLOW_ENV", "staging")
		if Env() != Development {
			t.Errorf("Env() = %v, want %v", Env(), Development)
		}
	})
}

func TestParseEnvironment(t *testing.T) {
	if env, ok := ParseEnvironment(" Production "); !ok || env != Production {
		t.Errorf("ParseEnvironment(' Production ') = %v, %v; want Production, true", env, ok)
	}
	if _, ok := ParseEnvironment("bogus"); ok {
		t.Error("ParseEnvironment(bogus) should return ok=false")
	}
}

func TestParseEnvInt(t *testing.T) {
	clearEnv(t, "FLOW_TEST_INT")
	if _, ok := ParseEnvInt("FLOW_TEST_INT"); ok {
		t.Error("expected ok=false for unset var")
	}
	withEnv(t, "FLOW_TEST_INT", "42")
	if v, ok := ParseEnvInt("FLOW_TEST_INT"); !ok || v != 42 {
		t.Errorf("ParseEnvInt = %d, %v; want 42, true", v, ok)
	}
	withEnv(t, "FLOW_TEST_INT", "not-an-int")
	if _, ok := ParseEnvInt("FLOW_TEST_INT"); ok {
		t.Error("expected ok=false for invalid int")
	}
}

func TestParseEnvDuration(t *testing.T) {
	withEnv(t, "FLOW_TEST_DURATION", "5s")
	if v, ok := ParseEnvDuration("FLOW_TEST_DURATION"); !ok || v != 5*time.Second {
		t.Errorf("ParseEnvDuration = %v, %v; want 5s, true", v, ok)
	}
}
