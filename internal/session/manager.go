package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resonate-labs/cohered/internal/config"
	"github.com/resonate-labs/cohered/internal/group"
	"github.com/resonate-labs/cohered/internal/model"
)

const (
	defaultAudioTrackID   = "om-chant-432hz"
	defaultAudioTrackName = "Om Chant - 432 Hz Tuning"
)

// Manager owns the authoritative set of group sessions and drives their
// lifecycle clock. All mutating operations on one session are serialized by a
// per-session mutex so read-participants -> aggregate -> write-metrics is
// atomic with respect to concurrent joins, leaves, and coherence updates.
// Phase is never stored as a timer-written field: it is derived from wall
// clock on every access, so garbage-collecting a session mid-lifecycle cannot
// leave a timer dangling.
type Manager struct {
	cfg config.Config
	now func() time.Time
	hub *hub

	mu       sync.RWMutex
	sessions map[string]*session

	rollingMu   sync.Mutex
	stopRolling context.CancelFunc
}

// session pairs the shared state with the mutex serializing its mutations.
// lastNotified tracks the most recent phase announced on the event hub.
type session struct {
	mu           sync.Mutex
	st           model.Session
	lastNotified model.SessionPhase
}

func NewManager(cfg config.Config) (*Manager, error) {
	if cfg.SessionDuration <= 0 {
		return nil, fmt.Errorf("session duration must be positive, got %v", cfg.SessionDuration)
	}
	if cfg.PreparationDelay < 0 || cfg.IntegrationLead < 0 {
		return nil, fmt.Errorf("phase offsets must be non-negative")
	}
	if cfg.PreparationDelay+cfg.IntegrationLead >= cfg.SessionDuration {
		return nil, fmt.Errorf("phase offsets %v+%v leave no active window in %v",
			cfg.PreparationDelay, cfg.IntegrationLead, cfg.SessionDuration)
	}
	if cfg.RollingInterval <= 0 {
		cfg.RollingInterval = cfg.SessionDuration
	}
	if cfg.CompletedRetention < 0 {
		cfg.CompletedRetention = 0
	}
	return &Manager{
		cfg:      cfg,
		now:      time.Now,
		hub:      newHub(),
		sessions: map[string]*session{},
	}, nil
}

// PhaseAt derives a session's phase from elapsed wall-clock time. Negative
// elapsed time (clock drift) reads as preparation.
func (m *Manager) PhaseAt(startedAt time.Time, duration time.Duration, now time.Time) model.SessionPhase {
	elapsed := now.Sub(startedAt)
	switch {
	case elapsed < m.cfg.PreparationDelay:
		return model.SessionPreparation
	case elapsed < duration-m.cfg.IntegrationLead:
		return model.SessionActive
	case elapsed < duration:
		return model.SessionIntegration
	default:
		return model.SessionComplete
	}
}

// CreateSession allocates a new session and makes it the current one.
func (m *Manager) CreateSession() string {
	now := m.now()
	sessionID := uuid.NewString()

	s := &session{
		st: model.Session{
			SessionID:    sessionID,
			StartedAt:    now,
			Duration:     m.cfg.SessionDuration,
			Participants: map[string]model.Participant{},
			GroupMetrics: model.GroupMetrics{
				SessionID:      sessionID,
				Timestamp:      now,
				CoherencePhase: model.PhaseLow,
			},
			AudioTrack: model.AudioTrack{
				ID:       defaultAudioTrackID,
				Name:     defaultAudioTrackName,
				Duration: m.cfg.SessionDuration,
			},
		},
		lastNotified: model.SessionPreparation,
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.hub.publish(Event{
		Type:      EventSessionCreated,
		SessionID: sessionID,
		Phase:     model.SessionPreparation,
		At:        now,
	})
	return sessionID
}

// StartRolling creates one session immediately, then a new one every rolling
// interval, running retention cleanup on each tick. Idempotent while running.
func (m *Manager) StartRolling(ctx context.Context) {
	m.rollingMu.Lock()
	defer m.rollingMu.Unlock()
	if m.stopRolling != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.stopRolling = cancel

	m.CreateSession()
	go func() {
		ticker := time.NewTicker(m.cfg.RollingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CreateSession()
				m.cleanup(m.now())
			}
		}
	}()
}

// StopRolling cancels only the repeating creation clock. Existing sessions
// keep draining to completion through the lazy phase derivation.
func (m *Manager) StopRolling() {
	m.rollingMu.Lock()
	defer m.rollingMu.Unlock()
	if m.stopRolling != nil {
		m.stopRolling()
		m.stopRolling = nil
	}
}

// Run drives the phase-change scanner until ctx is done. Because phases are
// derived lazily, this loop exists only to surface transitions on the event
// hub for the transport to push to clients.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.PhaseScanInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scanPhases(m.now())
		}
	}
}

// Current returns the most recently started session that is not complete.
func (m *Manager) Current() (model.Session, bool) {
	now := m.now()
	m.mu.RLock()
	var current *session
	var currentStart time.Time
	for _, s := range m.sessions {
		s.mu.Lock()
		started := s.st.StartedAt
		duration := s.st.Duration
		s.mu.Unlock()
		if m.PhaseAt(started, duration, now) == model.SessionComplete {
			continue
		}
		if current == nil || started.After(currentStart) {
			current = s
			currentStart = started
		}
	}
	m.mu.RUnlock()
	if current == nil {
		return model.Session{}, false
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	return m.snapshotLocked(current, now), true
}

func (m *Manager) Get(sessionID string) (model.Session, bool) {
	s := m.lookup(sessionID)
	if s == nil {
		return model.Session{}, false
	}
	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.snapshotLocked(s, now), true
}

// Active returns every non-complete session, newest first.
func (m *Manager) Active() []model.Session {
	now := m.now()
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]model.Session, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		snap := m.snapshotLocked(s, now)
		s.mu.Unlock()
		if snap.CurrentPhase == model.SessionComplete {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (m *Manager) Metrics(sessionID string) (model.GroupMetrics, bool) {
	s := m.lookup(sessionID)
	if s == nil {
		return model.GroupMetrics{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GroupMetrics, true
}

// Join inserts or overwrites the participant entry for userID. Re-joining is
// an idempotent upsert so reconnects do not fail. Returns false when the
// session does not exist or is already complete.
func (m *Manager) Join(sessionID, userID string, intention *model.Intention) bool {
	s := m.lookup(sessionID)
	if s == nil {
		return false
	}
	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.PhaseAt(s.st.StartedAt, s.st.Duration, now) == model.SessionComplete {
		return false
	}
	s.st.Participants[userID] = model.Participant{
		UserID:     userID,
		JoinedAt:   now,
		LastUpdate: now,
		Intention:  intention,
	}
	m.recomputeLocked(s, now)
	return true
}

// Leave removes the participant. A missing session or participant is a no-op.
func (m *Manager) Leave(sessionID, userID string) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}
	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.Participants[userID]; !ok {
		return
	}
	delete(s.st.Participants, userID)
	m.recomputeLocked(s, now)
}

// UpdateCoherence overwrites the participant's current coherence with the
// latest engine reading. A missing session or participant is a no-op; the
// score is clamped into [0,100] rather than rejected.
func (m *Manager) UpdateCoherence(sessionID, userID string, coherence float64) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}
	now := m.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.Participants[userID]
	if !ok {
		return
	}
	p.CurrentCoherence = clampScore(coherence)
	p.LastUpdate = now
	s.st.Participants[userID] = p
	m.recomputeLocked(s, now)
}

func (m *Manager) lookup(sessionID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// recomputeLocked rebuilds the session's aggregate view from the full
// participant set and announces it. Caller holds s.mu.
func (m *Manager) recomputeLocked(s *session, now time.Time) {
	participants := make([]model.Participant, 0, len(s.st.Participants))
	for _, p := range s.st.Participants {
		participants = append(participants, p)
	}
	s.st.GroupMetrics = group.Recompute(s.st.SessionID, participants, s.st.GroupMetrics.PeakCoherence, now)

	metrics := s.st.GroupMetrics
	m.hub.publish(Event{
		Type:             EventMetricsUpdated,
		SessionID:        s.st.SessionID,
		Phase:            m.PhaseAt(s.st.StartedAt, s.st.Duration, now),
		ParticipantCount: metrics.ParticipantCount,
		Metrics:          &metrics,
		At:               now,
	})
}

// snapshotLocked copies the session state so callers never share the live
// participant map. Caller holds s.mu.
func (m *Manager) snapshotLocked(s *session, now time.Time) model.Session {
	snap := s.st
	snap.CurrentPhase = m.PhaseAt(s.st.StartedAt, s.st.Duration, now)
	snap.Participants = make(map[string]model.Participant, len(s.st.Participants))
	for id, p := range s.st.Participants {
		snap.Participants[id] = p
	}
	return snap
}

// cleanup keeps only the most recently started completed sessions, freeing
// the rest. Runs on the rolling tick, not continuously.
func (m *Manager) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type completed struct {
		id      string
		started time.Time
	}
	var done []completed
	for id, s := range m.sessions {
		s.mu.Lock()
		started := s.st.StartedAt
		duration := s.st.Duration
		s.mu.Unlock()
		if m.PhaseAt(started, duration, now) == model.SessionComplete {
			done = append(done, completed{id: id, started: started})
		}
	}
	sort.Slice(done, func(i, j int) bool {
		return done[i].started.After(done[j].started)
	})
	for _, c := range done[min(len(done), m.cfg.CompletedRetention):] {
		delete(m.sessions, c.id)
	}
}

var phaseOrder = []model.SessionPhase{
	model.SessionPreparation,
	model.SessionActive,
	model.SessionIntegration,
	model.SessionComplete,
}

var phaseRank = map[model.SessionPhase]int{
	model.SessionPreparation: 0,
	model.SessionActive:      1,
	model.SessionIntegration: 2,
	model.SessionComplete:    3,
}

// scanPhases announces phase transitions that have elapsed since the last
// scan. A session that crossed more than one boundary between scans gets each
// transition published in increasing boundary order.
func (m *Manager) scanPhases(now time.Time) {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.mu.Lock()
		current := m.PhaseAt(s.st.StartedAt, s.st.Duration, now)
		last := s.lastNotified
		sessionID := s.st.SessionID
		count := len(s.st.Participants)
		if phaseRank[current] > phaseRank[last] {
			s.lastNotified = current
		}
		s.mu.Unlock()

		for rank := phaseRank[last] + 1; rank <= phaseRank[current]; rank++ {
			m.hub.publish(Event{
				Type:             EventPhaseChanged,
				SessionID:        sessionID,
				Phase:            phaseOrder[rank],
				ParticipantCount: count,
				At:               now,
			})
		}
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
