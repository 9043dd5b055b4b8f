package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS hrv_metrics (
	time TEXT NOT NULL,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	heart_rate REAL NOT NULL,
	rmssd REAL NOT NULL,
	sdnn REAL NOT NULL,
	mean_rr REAL NOT NULL,
	coherence_score REAL,
	PRIMARY KEY(time, user_id, session_id)
);

CREATE INDEX IF NOT EXISTS hrv_metrics_session
ON hrv_metrics(session_id, user_id, time);

CREATE TABLE IF NOT EXISTS group_snapshots (
	time TEXT NOT NULL,
	session_id TEXT NOT NULL,
	participant_count INTEGER NOT NULL,
	average_coherence REAL NOT NULL,
	peak_coherence REAL NOT NULL,
	coherence_phase TEXT NOT NULL CHECK(coherence_phase IN ('low','medium','high')),
	low_count INTEGER NOT NULL,
	medium_count INTEGER NOT NULL,
	high_count INTEGER NOT NULL,
	PRIMARY KEY(time, session_id)
);

CREATE INDEX IF NOT EXISTS group_snapshots_session
ON group_snapshots(session_id, time);

CREATE TABLE IF NOT EXISTS participant_summaries (
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	joined_at TEXT NOT NULL,
	left_at TEXT,
	intention_category TEXT,
	peak_coherence REAL NOT NULL DEFAULT 0,
	time_in_coherence_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(session_id, user_id)
);
`,
		DownSQL: `
DROP TABLE IF EXISTS participant_summaries;
DROP TABLE IF EXISTS group_snapshots;
DROP TABLE IF EXISTS hrv_metrics;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
