package config

import (
	"testing"
	"time"
)

func TestLoadClientAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("load client config: %v", err)
	}
	if cfg.Sync.PushIterations != 10 || cfg.Sync.MaxRetries != 5 {
		t.Fatalf("unexpected sync defaults %+v", cfg.Sync)
	}
	if cfg.Sync.LockTimeout != 60*time.Second || cfg.Sync.TombstoneRetention != 7*24*time.Hour {
		t.Fatalf("unexpected sync durations %+v", cfg.Sync)
	}
	if cfg.Polling.ActiveInterval != 10*time.Second || cfg.Polling.IdleInterval != time.Minute {
		t.Fatalf("unexpected polling defaults %+v", cfg.Polling)
	}
	if cfg.Realtime.MaxAttempts != 8 {
		t.Fatalf("unexpected realtime defaults %+v", cfg.Realtime)
	}
	if len(cfg.Tables) != 1 || cfg.Tables[0] != "tasks" {
		t.Fatalf("unexpected tables %v", cfg.Tables)
	}
}

func TestLoadClientReadsEnvironment(t *testing.T) {
	t.Setenv("GRAVITY_SYNC_CLIENT_TABLES", "tasks, goals")
	t.Setenv("GRAVITY_SYNC_SYNC_LOCK_TIMEOUT", "15s")
	t.Setenv("GRAVITY_SYNC_CLIENT_ACCESS_TOKEN", "token-1")

	cfg, err := LoadClient(NewViper())
	if err != nil {
		t.Fatalf("load client config: %v", err)
	}
	if len(cfg.Tables) != 2 || cfg.Tables[1] != "goals" {
		t.Fatalf("expected tables from env, got %v", cfg.Tables)
	}
	if cfg.Sync.LockTimeout != 15*time.Second {
		t.Fatalf("expected lock timeout from env, got %s", cfg.Sync.LockTimeout)
	}
	if cfg.AccessToken != "token-1" {
		t.Fatalf("expected access token from env, got %q", cfg.AccessToken)
	}
}

func TestLoadBackendRequiresSigningSecret(t *testing.T) {
	if _, err := LoadBackend(NewViper()); err == nil {
		t.Fatalf("expected missing signing secret to fail")
	}
	configViper := NewViper()
	configViper.Set("backend.signing_secret", "secret")
	cfg, err := LoadBackend(configViper)
	if err != nil {
		t.Fatalf("load backend config: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" || cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("unexpected backend defaults %+v", cfg)
	}
}
