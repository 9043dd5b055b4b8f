package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	SocketPath string `env:"COHERED_SOCKET"`
	DBPath     string `env:"COHERED_DB"`

	SessionDuration    time.Duration `env:"COHERED_SESSION_DURATION"`
	RollingInterval    time.Duration `env:"COHERED_ROLLING_INTERVAL"`
	PreparationDelay   time.Duration `env:"COHERED_PREPARATION_DELAY"`
	IntegrationLead    time.Duration `env:"COHERED_INTEGRATION_LEAD"`
	CompletedRetention int           `env:"COHERED_COMPLETED_RETENTION"`
	PhaseScanInterval  time.Duration `env:"COHERED_PHASE_SCAN_INTERVAL"`
	SnapshotInterval   time.Duration `env:"COHERED_SNAPSHOT_INTERVAL"`
	HRVRowTTL          time.Duration `env:"COHERED_HRV_ROW_TTL"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:         defaultSocketPath(),
		DBPath:             defaultDBPath(),
		SessionDuration:    15 * time.Minute,
		RollingInterval:    15 * time.Minute,
		PreparationDelay:   30 * time.Second,
		IntegrationLead:    2 * time.Minute,
		CompletedRetention: 10,
		PhaseScanInterval:  1 * time.Second,
		SnapshotInterval:   5 * time.Second,
		HRVRowTTL:          30 * 24 * time.Hour,
	}
}

// Load returns the defaults overridden by COHERED_* environment variables.
func Load() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "cohered", "cohered.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cohered.sock"
	}
	return filepath.Join(home, ".local", "state", "cohered", "cohered.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cohered.db"
	}
	return filepath.Join(home, ".local", "state", "cohered", "research.db")
}
