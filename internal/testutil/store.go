package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/resonate-labs/cohered/internal/db"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "cohered-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedHRVRows(t *testing.T, store *db.Store, ctx context.Context, sessionID, userID string, n int, start time.Time) []db.HRVRow {
	t.Helper()
	rows := make([]db.HRVRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, db.HRVRow{
			Time:      start.Add(time.Duration(i) * time.Second),
			UserID:    userID,
			SessionID: sessionID,
			HeartRate: 62,
			RMSSD:     45,
			SDNN:      52,
			MeanRR:    960,
		})
	}
	if err := store.InsertHRVRows(ctx, rows); err != nil {
		t.Fatalf("seed hrv rows: %v", err)
	}
	return rows
}
