package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SessionDuration != 15*time.Minute {
		t.Fatalf("session duration = %v, want 15m", cfg.SessionDuration)
	}
	if cfg.RollingInterval != 15*time.Minute {
		t.Fatalf("rolling interval = %v, want 15m", cfg.RollingInterval)
	}
	if cfg.PreparationDelay != 30*time.Second {
		t.Fatalf("preparation delay = %v, want 30s", cfg.PreparationDelay)
	}
	if cfg.IntegrationLead != 2*time.Minute {
		t.Fatalf("integration lead = %v, want 2m", cfg.IntegrationLead)
	}
	if cfg.CompletedRetention != 10 {
		t.Fatalf("completed retention = %d, want 10", cfg.CompletedRetention)
	}
	if cfg.SocketPath == "" || cfg.DBPath == "" {
		t.Fatalf("paths must default non-empty: %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("COHERED_SOCKET", "/tmp/test-cohered.sock")
	t.Setenv("COHERED_SESSION_DURATION", "20m")
	t.Setenv("COHERED_COMPLETED_RETENTION", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath != "/tmp/test-cohered.sock" {
		t.Fatalf("socket path = %q", cfg.SocketPath)
	}
	if cfg.SessionDuration != 20*time.Minute {
		t.Fatalf("session duration = %v, want 20m", cfg.SessionDuration)
	}
	if cfg.CompletedRetention != 3 {
		t.Fatalf("completed retention = %d, want 3", cfg.CompletedRetention)
	}
	// Untouched fields keep their defaults.
	if cfg.IntegrationLead != 2*time.Minute {
		t.Fatalf("integration lead = %v, want default 2m", cfg.IntegrationLead)
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("COHERED_SESSION_DURATION", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error for malformed duration")
	}
}
