package db_test

import (
	"errors"
	"testing"
	"time"

	"github.com/resonate-labs/cohered/internal/db"
	"github.com/resonate-labs/cohered/internal/model"
	"github.com/resonate-labs/cohered/internal/testutil"
)

func TestInsertHRVRowsUpserts(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	testutil.SeedHRVRows(t, store, ctx, "s1", "user-hash", 5, start)

	n, err := store.CountHRVRows(ctx, "s1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Fatalf("row count = %d, want 5", n)
	}

	// Replaying the same seconds overwrites instead of duplicating.
	testutil.SeedHRVRows(t, store, ctx, "s1", "user-hash", 5, start)
	n, err = store.CountHRVRows(ctx, "s1")
	if err != nil {
		t.Fatalf("count after replay: %v", err)
	}
	if n != 5 {
		t.Fatalf("row count after replay = %d, want 5", n)
	}
}

func TestInsertHRVRowsReplayKeepsScore(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	score := 71.5
	rows := []db.HRVRow{{
		Time: at, UserID: "u", SessionID: "s1",
		HeartRate: 60, RMSSD: 40, SDNN: 50, MeanRR: 1000,
		CoherenceScore: &score,
	}}
	if err := store.InsertHRVRows(ctx, rows); err != nil {
		t.Fatalf("insert scored row: %v", err)
	}

	// A later retry without a score must not wipe the backfilled value.
	rows[0].CoherenceScore = nil
	rows[0].HeartRate = 61
	if err := store.InsertHRVRows(ctx, rows); err != nil {
		t.Fatalf("replay row: %v", err)
	}

	var gotScore float64
	var gotHR float64
	err := store.DB().QueryRowContext(ctx,
		`SELECT coherence_score, heart_rate FROM hrv_metrics WHERE session_id = 's1'`).Scan(&gotScore, &gotHR)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if gotScore != score {
		t.Fatalf("coherence_score = %v, want %v", gotScore, score)
	}
	if gotHR != 61 {
		t.Fatalf("heart_rate = %v, want replayed 61", gotHR)
	}
}

func TestSetCoherenceScore(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	rows := testutil.SeedHRVRows(t, store, ctx, "s1", "user-hash", 3, start)

	target := rows[1].Time
	if err := store.SetCoherenceScore(ctx, "s1", "user-hash", target, 64.2); err != nil {
		t.Fatalf("set score: %v", err)
	}

	var got float64
	err := store.DB().QueryRowContext(ctx,
		`SELECT coherence_score FROM hrv_metrics WHERE time = ? AND user_id = 'user-hash'`,
		target.UTC().Format(time.RFC3339Nano)).Scan(&got)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got != 64.2 {
		t.Fatalf("score = %v, want 64.2", got)
	}
}

func TestGroupSnapshotRoundTrip(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	at := time.Date(2026, 8, 1, 10, 0, 5, 0, time.UTC)

	metrics := model.GroupMetrics{
		SessionID:        "s1",
		Timestamp:        at,
		ParticipantCount: 3,
		AverageCoherence: 53.33,
		PeakCoherence:    61.2,
		CoherencePhase:   model.PhaseMedium,
		Distribution:     model.Distribution{Low: 1, Medium: 1, High: 1},
	}
	if err := store.InsertGroupSnapshot(ctx, metrics); err != nil {
		t.Fatalf("insert snapshot: %v", err)
	}
	metrics.Timestamp = at.Add(5 * time.Second)
	metrics.AverageCoherence = 58
	if err := store.InsertGroupSnapshot(ctx, metrics); err != nil {
		t.Fatalf("insert second snapshot: %v", err)
	}

	got, err := store.ListGroupSnapshots(ctx, "s1")
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("snapshot count = %d, want 2", len(got))
	}
	if !got[0].Timestamp.Equal(at) || got[0].AverageCoherence != 53.33 {
		t.Fatalf("first snapshot = %+v", got[0])
	}
	if got[0].CoherencePhase != model.PhaseMedium {
		t.Fatalf("phase = %s, want medium", got[0].CoherencePhase)
	}
	if got[0].Distribution != (model.Distribution{Low: 1, Medium: 1, High: 1}) {
		t.Fatalf("distribution = %+v", got[0].Distribution)
	}
}

func TestParticipantSummaryUpsert(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	joined := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	summary := db.ParticipantSummary{
		SessionID:         "s1",
		UserID:            "user-hash",
		JoinedAt:          joined,
		IntentionCategory: "grief",
		PeakCoherence:     72,
		TimeInCoherence:   40 * time.Second,
	}
	if err := store.UpsertParticipantSummary(ctx, summary); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A later flush with a lower peak keeps the higher one.
	left := joined.Add(10 * time.Minute)
	summary.LeftAt = &left
	summary.PeakCoherence = 55
	summary.TimeInCoherence = 65 * time.Second
	if err := store.UpsertParticipantSummary(ctx, summary); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.GetParticipantSummary(ctx, "s1", "user-hash")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if got.PeakCoherence != 72 {
		t.Fatalf("peak = %v, want retained 72", got.PeakCoherence)
	}
	if got.TimeInCoherence != 65*time.Second {
		t.Fatalf("time in coherence = %v, want 65s", got.TimeInCoherence)
	}
	if got.LeftAt == nil || !got.LeftAt.Equal(left) {
		t.Fatalf("left_at = %v, want %v", got.LeftAt, left)
	}
	if got.IntentionCategory != "grief" {
		t.Fatalf("category = %q, want grief", got.IntentionCategory)
	}
}

func TestGetParticipantSummaryNotFound(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	if _, err := store.GetParticipantSummary(ctx, "s1", "nobody"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListParticipantSummariesOrdered(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	for i, user := range []string{"hash-b", "hash-a"} {
		err := store.UpsertParticipantSummary(ctx, db.ParticipantSummary{
			SessionID: "s1",
			UserID:    user,
			JoinedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", user, err)
		}
	}

	got, err := store.ListParticipantSummaries(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("summary count = %d, want 2", len(got))
	}
	if got[0].UserID != "hash-b" || got[1].UserID != "hash-a" {
		t.Fatalf("order wrong: %s, %s", got[0].UserID, got[1].UserID)
	}
}

func TestPurgeRetention(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	old := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	testutil.SeedHRVRows(t, store, ctx, "s1", "user-hash", 3, old)
	testutil.SeedHRVRows(t, store, ctx, "s1", "user-hash", 3, recent)

	if err := store.PurgeRetention(ctx, recent); err != nil {
		t.Fatalf("purge: %v", err)
	}
	n, err := store.CountHRVRows(ctx, "s1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("rows after purge = %d, want 3", n)
	}
}
