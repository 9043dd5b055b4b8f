package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/resonate-labs/cohered/internal/api"
	"github.com/resonate-labs/cohered/internal/coherence"
	"github.com/resonate-labs/cohered/internal/collect"
	"github.com/resonate-labs/cohered/internal/config"
	"github.com/resonate-labs/cohered/internal/db"
	"github.com/resonate-labs/cohered/internal/model"
	"github.com/resonate-labs/cohered/internal/session"
)

// maxWindowSamples bounds the per-participant sample buffer the HRV ingest
// path keeps for server-side coherence computation.
const maxWindowSamples = 120

const maxHRVBatch = 600

// Server is the transport adapter: it receives participant events over the
// unix socket, calls into the session manager, and pushes resulting state
// back out through response envelopes and the watch stream. It is the only
// place the spectral engine and the manager are wired together.
type Server struct {
	cfg       config.Config
	httpSrv   *http.Server
	listener  net.Listener
	lockFile  *os.File
	manager   *session.Manager
	store     *db.Store
	collector *collect.Collector
	streamID  string
	sequence  atomic.Int64

	windowMu sync.Mutex
	windows  map[windowKey][]model.HRVSample

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

type windowKey struct {
	sessionID string
	userID    string
}

func NewServer(cfg config.Config, manager *session.Manager, store *db.Store, collector *collect.Collector) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:       cfg,
		manager:   manager,
		store:     store,
		collector: collector,
		streamID:  uuid.NewString(),
		windows:   map[windowKey][]model.HRVSample{},
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionByIDHandler)
	mux.HandleFunc("/v1/watch", s.watchHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	sessions := s.manager.Active()
	items := make([]api.SessionItem, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, sessionItem(sess))
	}
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Sessions:      items,
	})
}

func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session route not found")
		return
	}
	sessionID, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalidEncoding, "invalid session encoding")
		return
	}
	sessionID = strings.TrimSpace(sessionID)

	if len(parts) == 1 {
		if sessionID == "current" {
			s.getCurrentSession(w, r)
			return
		}
		s.getSession(w, r, sessionID)
		return
	}
	if len(parts) != 2 {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session route not found")
		return
	}
	switch parts[1] {
	case "metrics":
		s.getMetrics(w, r, sessionID)
	case "summaries":
		s.listSummaries(w, r, sessionID)
	case "join":
		s.joinSession(w, r, sessionID)
	case "leave":
		s.leaveSession(w, r, sessionID)
	case "coherence":
		s.updateCoherence(w, r, sessionID)
	case "hrv":
		s.ingestHRV(w, r, sessionID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session route not found")
	}
}

func (s *Server) getCurrentSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	sess, ok := s.manager.Current()
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrNoCurrentSession, "no active session available")
		return
	}
	s.writeSession(w, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	sess, ok := s.manager.Get(sessionID)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session not found")
		return
	}
	s.writeSession(w, sess)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	metrics, ok := s.manager.Metrics(sessionID)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.MetricsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Metrics:       metricsItem(metrics),
	})
}

func (s *Server) listSummaries(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "data collection is unavailable")
		return
	}
	summaries, err := s.store.ListParticipantSummaries(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to list summaries")
		return
	}
	items := make([]api.ParticipantSummaryItem, 0, len(summaries))
	for _, summary := range summaries {
		item := api.ParticipantSummaryItem{
			SessionID:         summary.SessionID,
			UserID:            summary.UserID,
			JoinedAt:          summary.JoinedAt.UTC().Format(time.RFC3339Nano),
			IntentionCategory: summary.IntentionCategory,
			PeakCoherence:     summary.PeakCoherence,
			TimeInCoherenceMS: summary.TimeInCoherence.Milliseconds(),
		}
		if summary.LeftAt != nil {
			v := summary.LeftAt.UTC().Format(time.RFC3339Nano)
			item.LeftAt = &v
		}
		items = append(items, item)
	}
	s.writeJSON(w, http.StatusOK, api.SummariesEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		SessionID:     sessionID,
		Summaries:     items,
	})
}

func (s *Server) joinSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.JoinRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "user_id is required")
		return
	}
	var intention *model.Intention
	if req.Intention != nil {
		intention = &model.Intention{
			Category: model.NormalizeIntentionCategory(req.Intention.Category),
			Note:     req.Intention.Note,
		}
	}
	if !s.manager.Join(sessionID, req.UserID, intention) {
		s.writeError(w, http.StatusConflict, model.ErrSessionComplete, "session not joinable")
		return
	}
	sess, ok := s.manager.Get(sessionID)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.JoinResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Joined:        true,
		Session:       sessionItem(sess),
	})
}

func (s *Server) leaveSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.LeaveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "user_id is required")
		return
	}
	s.manager.Leave(sessionID, req.UserID)
	s.dropWindow(sessionID, req.UserID)
	s.writeJSON(w, http.StatusOK, api.LeaveResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Left:          true,
	})
}

func (s *Server) updateCoherence(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.CoherenceUpdateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "user_id is required")
		return
	}
	s.manager.UpdateCoherence(sessionID, req.UserID, req.Score)

	sess, ok := s.manager.Get(sessionID)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session not found")
		return
	}
	resp := api.CoherenceUpdateResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Metrics:       metricsItem(sess.GroupMetrics),
		GroupAverage:  sess.GroupMetrics.AverageCoherence,
	}
	if p, ok := sess.Participants[req.UserID]; ok {
		resp.Applied = true
		resp.YourCoherence = p.CurrentCoherence
		if p.CurrentCoherence > sess.GroupMetrics.AverageCoherence {
			resp.Contribution = api.ContributionHelpingLift
		} else {
			resp.Contribution = api.ContributionBeingSupported
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ingestHRV is the engine wiring boundary: raw samples come in, get stored
// anonymized, and once the participant's rolling buffer holds a full window
// the periodogram runs and the resulting score is applied to the session.
func (s *Server) ingestHRV(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.HRVIngestRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "user_id is required")
		return
	}
	if len(req.Samples) == 0 {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "samples are required")
		return
	}
	if len(req.Samples) > maxHRVBatch {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "too many samples in one batch")
		return
	}
	sess, ok := s.manager.Get(sessionID)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session not found")
		return
	}
	if _, ok := sess.Participants[req.UserID]; !ok {
		s.writeError(w, http.StatusConflict, model.ErrPreconditionFailed, "user has not joined this session")
		return
	}

	samples := make([]model.HRVSample, 0, len(req.Samples))
	for _, payload := range req.Samples {
		at, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "sample timestamp must be RFC3339")
			return
		}
		samples = append(samples, model.HRVSample{
			Timestamp: at.UTC(),
			MeanRR:    payload.MeanRR,
			HeartRate: payload.HeartRate,
			RMSSD:     payload.RMSSD,
			SDNN:      payload.SDNN,
		})
	}

	if s.collector != nil {
		if err := s.collector.RecordSamples(r.Context(), sessionID, req.UserID, samples); err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to store samples")
			return
		}
	}

	window := s.appendWindow(sessionID, req.UserID, samples)
	resp := api.HRVIngestResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Stored:        len(samples),
		WindowSize:    len(window),
	}
	if len(window) >= coherence.MinWindow {
		reading, ok := coherence.Compute(window[len(window)-coherence.MinWindow:], time.Now().UTC())
		if ok {
			s.manager.UpdateCoherence(sessionID, req.UserID, reading.Score)
			if s.collector != nil {
				_ = s.collector.RecordReading(r.Context(), sessionID, req.UserID, reading)
			}
			resp.Reading = &api.CoherenceReadingItem{
				Timestamp:  reading.Timestamp.UTC().Format(time.RFC3339Nano),
				Score:      reading.Score,
				PeakPower:  reading.PeakPower,
				TotalPower: reading.TotalPower,
				Phase:      string(reading.Phase),
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) appendWindow(sessionID, userID string, samples []model.HRVSample) []model.HRVSample {
	key := windowKey{sessionID: sessionID, userID: userID}
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	window := append(s.windows[key], samples...)
	if len(window) > maxWindowSamples {
		window = window[len(window)-maxWindowSamples:]
	}
	s.windows[key] = window
	out := make([]model.HRVSample, len(window))
	copy(out, window)
	return out
}

func (s *Server) dropWindow(sessionID, userID string) {
	s.windowMu.Lock()
	delete(s.windows, windowKey{sessionID: sessionID, userID: userID})
	s.windowMu.Unlock()
}

func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "streaming unsupported")
		return
	}

	events, cancel := s.manager.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	generatedAt := time.Now().UTC()

	sessions := s.manager.Active()
	items := make([]api.SessionItem, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, sessionItem(sess))
	}
	seq := s.nextSequence()
	snapshot := api.WatchLine{
		SchemaVersion: "v1",
		GeneratedAt:   generatedAt,
		EmittedAt:     time.Now().UTC(),
		StreamID:      s.streamID,
		Cursor:        fmt.Sprintf("%s:%d", s.streamID, seq),
		Type:          "snapshot",
		Sequence:      seq,
		Sessions:      items,
	}
	if err := enc.Encode(snapshot); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			seq := s.nextSequence()
			line := api.WatchLine{
				SchemaVersion:    "v1",
				GeneratedAt:      generatedAt,
				EmittedAt:        time.Now().UTC(),
				StreamID:         s.streamID,
				Cursor:           fmt.Sprintf("%s:%d", s.streamID, seq),
				Type:             string(ev.Type),
				Sequence:         seq,
				SessionID:        ev.SessionID,
				Phase:            string(ev.Phase),
				ParticipantCount: ev.ParticipantCount,
			}
			if ev.Metrics != nil {
				item := metricsItem(*ev.Metrics)
				line.Metrics = &item
			}
			if err := enc.Encode(line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeSession(w http.ResponseWriter, sess model.Session) {
	s.writeJSON(w, http.StatusOK, api.SessionEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Session:       sessionItem(sess),
	})
}

func sessionItem(sess model.Session) api.SessionItem {
	return api.SessionItem{
		SessionID:        sess.SessionID,
		StartedAt:        sess.StartedAt.UTC().Format(time.RFC3339Nano),
		DurationMS:       sess.Duration.Milliseconds(),
		CurrentPhase:     string(sess.CurrentPhase),
		ParticipantCount: len(sess.Participants),
		GroupMetrics:     metricsItem(sess.GroupMetrics),
		AudioTrack: api.AudioTrackItem{
			ID:         sess.AudioTrack.ID,
			Name:       sess.AudioTrack.Name,
			DurationMS: sess.AudioTrack.Duration.Milliseconds(),
		},
	}
}

func metricsItem(m model.GroupMetrics) api.GroupMetricsItem {
	return api.GroupMetricsItem{
		SessionID:        m.SessionID,
		Timestamp:        m.Timestamp.UTC().Format(time.RFC3339Nano),
		ParticipantCount: m.ParticipantCount,
		AverageCoherence: m.AverageCoherence,
		PeakCoherence:    m.PeakCoherence,
		CoherencePhase:   string(m.CoherencePhase),
		Distribution: api.DistributionPayload{
			Low:    m.Distribution.Low,
			Medium: m.Distribution.Medium,
			High:   m.Distribution.High,
		},
	}
}

func (s *Server) nextSequence() int64 {
	return s.sequence.Add(1)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
