package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/resonate-labs/cohered/internal/model"
)

var ErrNotFound = errors.New("not found")

// HRVRow is one anonymized per-second HRV record. UserID is already hashed by
// the collection layer before it reaches the store.
type HRVRow struct {
	Time           time.Time
	UserID         string
	SessionID      string
	HeartRate      float64
	RMSSD          float64
	SDNN           float64
	MeanRR         float64
	CoherenceScore *float64
}

// ParticipantSummary is the per-participant research export for one session.
type ParticipantSummary struct {
	SessionID         string
	UserID            string
	JoinedAt          time.Time
	LeftAt            *time.Time
	IntentionCategory string
	PeakCoherence     float64
	TimeInCoherence   time.Duration
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertHRVRows batch-upserts per-second rows keyed by (time, user, session).
// Replaying the same second overwrites rather than duplicating, which is the
// desired behavior for client retries.
func (s *Store) InsertHRVRows(ctx context.Context, rows []HRVRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hrv insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO hrv_metrics(time, user_id, session_id, heart_rate, rmssd, sdnn, mean_rr, coherence_score)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(time, user_id, session_id) DO UPDATE SET
	heart_rate=excluded.heart_rate,
	rmssd=excluded.rmssd,
	sdnn=excluded.sdnn,
	mean_rr=excluded.mean_rr,
	coherence_score=COALESCE(excluded.coherence_score, hrv_metrics.coherence_score)
`)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("prepare hrv insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck
	for _, row := range rows {
		var score any
		if row.CoherenceScore != nil {
			score = *row.CoherenceScore
		}
		if _, err := stmt.ExecContext(ctx, ts(row.Time), row.UserID, row.SessionID,
			row.HeartRate, row.RMSSD, row.SDNN, row.MeanRR, score); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert hrv row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit hrv insert: %w", err)
	}
	return nil
}

// SetCoherenceScore backfills an engine reading onto the stored row for the
// matching second, if any.
func (s *Store) SetCoherenceScore(ctx context.Context, sessionID, userID string, at time.Time, score float64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE hrv_metrics SET coherence_score = ?
WHERE time = ? AND user_id = ? AND session_id = ?
`, score, ts(at), userID, sessionID)
	if err != nil {
		return fmt.Errorf("set coherence score: %w", err)
	}
	return nil
}

func (s *Store) CountHRVRows(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hrv_metrics WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count hrv rows: %w", err)
	}
	return n, nil
}

func (s *Store) InsertGroupSnapshot(ctx context.Context, metrics model.GroupMetrics) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO group_snapshots(time, session_id, participant_count, average_coherence, peak_coherence, coherence_phase, low_count, medium_count, high_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(time, session_id) DO UPDATE SET
	participant_count=excluded.participant_count,
	average_coherence=excluded.average_coherence,
	peak_coherence=excluded.peak_coherence,
	coherence_phase=excluded.coherence_phase,
	low_count=excluded.low_count,
	medium_count=excluded.medium_count,
	high_count=excluded.high_count
`, ts(metrics.Timestamp), metrics.SessionID, metrics.ParticipantCount,
		metrics.AverageCoherence, metrics.PeakCoherence, string(metrics.CoherencePhase),
		metrics.Distribution.Low, metrics.Distribution.Medium, metrics.Distribution.High)
	if err != nil {
		return fmt.Errorf("insert group snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListGroupSnapshots(ctx context.Context, sessionID string) ([]model.GroupMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT time, session_id, participant_count, average_coherence, peak_coherence, coherence_phase, low_count, medium_count, high_count
FROM group_snapshots WHERE session_id = ? ORDER BY time ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list group snapshots: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.GroupMetrics
	for rows.Next() {
		var m model.GroupMetrics
		var at, phase string
		if err := rows.Scan(&at, &m.SessionID, &m.ParticipantCount, &m.AverageCoherence,
			&m.PeakCoherence, &phase, &m.Distribution.Low, &m.Distribution.Medium, &m.Distribution.High); err != nil {
			return nil, fmt.Errorf("scan group snapshot: %w", err)
		}
		t, err := parseTS(at)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot time: %w", err)
		}
		m.Timestamp = t
		m.CoherencePhase = model.CoherencePhase(phase)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpsertParticipantSummary(ctx context.Context, summary ParticipantSummary) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO participant_summaries(session_id, user_id, joined_at, left_at, intention_category, peak_coherence, time_in_coherence_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, user_id) DO UPDATE SET
	left_at=excluded.left_at,
	intention_category=excluded.intention_category,
	peak_coherence=MAX(participant_summaries.peak_coherence, excluded.peak_coherence),
	time_in_coherence_ms=excluded.time_in_coherence_ms
`, summary.SessionID, summary.UserID, ts(summary.JoinedAt), nullableTS(summary.LeftAt),
		nullIfEmpty(summary.IntentionCategory), summary.PeakCoherence, summary.TimeInCoherence.Milliseconds())
	if err != nil {
		return fmt.Errorf("upsert participant summary: %w", err)
	}
	return nil
}

func (s *Store) GetParticipantSummary(ctx context.Context, sessionID, userID string) (ParticipantSummary, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, user_id, joined_at, left_at, intention_category, peak_coherence, time_in_coherence_ms
FROM participant_summaries WHERE session_id = ? AND user_id = ?
`, sessionID, userID)
	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ParticipantSummary{}, ErrNotFound
	}
	return summary, err
}

func (s *Store) ListParticipantSummaries(ctx context.Context, sessionID string) ([]ParticipantSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, user_id, joined_at, left_at, intention_category, peak_coherence, time_in_coherence_ms
FROM participant_summaries WHERE session_id = ? ORDER BY joined_at ASC, user_id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participant summaries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ParticipantSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// PurgeRetention drops per-second HRV rows older than the cutoff. Snapshots
// and summaries are small and kept indefinitely.
func (s *Store) PurgeRetention(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM hrv_metrics WHERE time < ?`, ts(cutoff))
	if err != nil {
		return fmt.Errorf("purge hrv rows: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (ParticipantSummary, error) {
	var summary ParticipantSummary
	var joinedAt string
	var leftAt, category sql.NullString
	var inCoherenceMS int64
	if err := row.Scan(&summary.SessionID, &summary.UserID, &joinedAt, &leftAt,
		&category, &summary.PeakCoherence, &inCoherenceMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ParticipantSummary{}, err
		}
		return ParticipantSummary{}, fmt.Errorf("scan participant summary: %w", err)
	}
	t, err := parseTS(joinedAt)
	if err != nil {
		return ParticipantSummary{}, fmt.Errorf("parse joined_at: %w", err)
	}
	summary.JoinedAt = t
	if leftAt.Valid {
		v, err := parseTS(leftAt.String)
		if err != nil {
			return ParticipantSummary{}, fmt.Errorf("parse left_at: %w", err)
		}
		summary.LeftAt = &v
	}
	if category.Valid {
		summary.IntentionCategory = category.String
	}
	summary.TimeInCoherence = time.Duration(inCoherenceMS) * time.Millisecond
	return summary, nil
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
