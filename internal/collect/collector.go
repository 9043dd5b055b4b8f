package collect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/resonate-labs/cohered/internal/config"
	"github.com/resonate-labs/cohered/internal/db"
	"github.com/resonate-labs/cohered/internal/model"
	"github.com/resonate-labs/cohered/internal/session"
)

// coherenceFloor is the score at or above which a participant counts as "in
// coherence" for the time-in-coherence summary field.
const coherenceFloor = 60.0

// HashUserID anonymizes a user id before anything reaches the store. The raw
// id never leaves the process.
func HashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

// Collector samples the session manager on a fixed cadence and exports
// anonymized research data: per-second HRV rows, group-coherence snapshots,
// and per-participant session summaries. Time-in-coherence is derived here by
// sampling currentCoherence over time; the session manager does not keep that
// bookkeeping itself.
type Collector struct {
	store    *db.Store
	manager  *session.Manager
	interval time.Duration

	mu      sync.Mutex
	tracked map[trackKey]*participantTrack
}

type trackKey struct {
	sessionID string
	userID    string // hashed
}

type participantTrack struct {
	joinedAt    time.Time
	category    string
	peak        float64
	inCoherence time.Duration
}

func New(store *db.Store, manager *session.Manager, cfg config.Config) *Collector {
	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		store:    store,
		manager:  manager,
		interval: interval,
		tracked:  map[trackKey]*participantTrack{},
	}
}

// RecordSamples stores a batch of per-second HRV rows for one participant,
// hashing the user id first.
func (c *Collector) RecordSamples(ctx context.Context, sessionID, userID string, samples []model.HRVSample) error {
	if len(samples) == 0 {
		return nil
	}
	hashed := HashUserID(userID)
	rows := make([]db.HRVRow, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, db.HRVRow{
			Time:      s.Timestamp,
			UserID:    hashed,
			SessionID: sessionID,
			HeartRate: s.HeartRate,
			RMSSD:     s.RMSSD,
			SDNN:      s.SDNN,
			MeanRR:    s.MeanRR,
		})
	}
	if err := c.store.InsertHRVRows(ctx, rows); err != nil {
		return fmt.Errorf("record samples: %w", err)
	}
	return nil
}

// RecordReading backfills an engine reading onto the stored row for its second.
func (c *Collector) RecordReading(ctx context.Context, sessionID, userID string, reading model.CoherenceReading) error {
	return c.store.SetCoherenceScore(ctx, sessionID, HashUserID(userID), reading.Timestamp, reading.Score)
}

// Run snapshots until ctx is done, then flushes every open participant track.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.flushAll(context.Background(), time.Now().UTC())
			return
		case <-ticker.C:
			if err := c.Snapshot(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				logErr("snapshot tick", err)
			}
		}
	}
}

// Snapshot stores one group-coherence row per active session and advances the
// per-participant tracks. Participants or sessions that disappeared since the
// previous tick get their summaries flushed.
func (c *Collector) Snapshot(ctx context.Context, now time.Time) error {
	active := c.manager.Active()

	c.mu.Lock()
	seen := map[trackKey]struct{}{}
	activeIDs := map[string]struct{}{}
	for _, sess := range active {
		activeIDs[sess.SessionID] = struct{}{}
		for _, p := range sess.Participants {
			key := trackKey{sessionID: sess.SessionID, userID: HashUserID(p.UserID)}
			seen[key] = struct{}{}
			track, ok := c.tracked[key]
			if !ok {
				track = &participantTrack{joinedAt: p.JoinedAt}
				if p.Intention != nil {
					track.category = string(p.Intention.Category)
				}
				c.tracked[key] = track
			}
			if p.CurrentCoherence > track.peak {
				track.peak = p.CurrentCoherence
			}
			if p.CurrentCoherence >= coherenceFloor {
				track.inCoherence += c.interval
			}
		}
	}
	var departed []flushEntry
	for key, track := range c.tracked {
		if _, stillActive := activeIDs[key.sessionID]; stillActive {
			if _, present := seen[key]; present {
				continue
			}
		}
		departed = append(departed, flushEntry{key: key, track: *track})
		delete(c.tracked, key)
	}
	c.mu.Unlock()

	var firstErr error
	for _, sess := range active {
		metrics := sess.GroupMetrics
		metrics.Timestamp = now
		if err := c.store.InsertGroupSnapshot(ctx, metrics); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, entry := range departed {
		if err := c.flush(ctx, entry, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type flushEntry struct {
	key   trackKey
	track participantTrack
}

func (c *Collector) flush(ctx context.Context, entry flushEntry, now time.Time) error {
	leftAt := now
	return c.store.UpsertParticipantSummary(ctx, db.ParticipantSummary{
		SessionID:         entry.key.sessionID,
		UserID:            entry.key.userID,
		JoinedAt:          entry.track.joinedAt,
		LeftAt:            &leftAt,
		IntentionCategory: entry.track.category,
		PeakCoherence:     entry.track.peak,
		TimeInCoherence:   entry.track.inCoherence,
	})
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "cohered: collect: %s: %v\n", scope, err)
}

func (c *Collector) flushAll(ctx context.Context, now time.Time) {
	c.mu.Lock()
	entries := make([]flushEntry, 0, len(c.tracked))
	for key, track := range c.tracked {
		entries = append(entries, flushEntry{key: key, track: *track})
	}
	c.tracked = map[trackKey]*participantTrack{}
	c.mu.Unlock()

	for _, entry := range entries {
		if err := c.flush(ctx, entry, now); err != nil {
			logErr("flush summary", err)
		}
	}
}
