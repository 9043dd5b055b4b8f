package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/resonate-labs/cohered/internal/api"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWithClient(srv.URL, srv.Client())
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(api.HealthResponse{
			SchemaVersion: "v1",
			GeneratedAt:   time.Now().UTC(),
			Status:        "ok",
		})
	}))

	resp, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.Status != "ok" || resp.SchemaVersion != "v1" {
		t.Fatalf("health response = %+v", resp)
	}
}

func TestJoinSendsBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sessions/s1/join" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req api.JoinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.UserID != "alice" || req.Intention == nil || req.Intention.Category != "grief" {
			t.Errorf("request body = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(api.JoinResponse{SchemaVersion: "v1", Joined: true})
	}))

	resp, err := c.Join(context.Background(), "s1", api.JoinRequest{
		UserID:    "alice",
		Intention: &api.IntentionPayload{Category: "grief"},
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !resp.Joined {
		t.Fatalf("join response = %+v", resp)
	}
}

func TestErrorEnvelopeDecoding(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			SchemaVersion: "v1",
			Error:         api.APIError{Code: "E_REF_NOT_FOUND", Message: "session not found"},
		})
	}))

	_, err := c.Session(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	var statusErr *APIStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error type = %T: %v", err, err)
	}
	if statusErr.StatusCode != http.StatusNotFound || statusErr.Code != "E_REF_NOT_FOUND" {
		t.Fatalf("status error = %+v", statusErr)
	}
}

func TestWatchDeliversLines(t *testing.T) {
	lines := []api.WatchLine{
		{SchemaVersion: "v1", Type: "snapshot", Sequence: 1},
		{SchemaVersion: "v1", Type: "metrics_updated", Sequence: 2, SessionID: "s1"},
	}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for _, line := range lines {
			_ = enc.Encode(line)
		}
	}))

	var got []api.WatchLine
	err := c.Watch(context.Background(), func(line api.WatchLine) error {
		got = append(got, line)
		return nil
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(got) != 2 || got[0].Type != "snapshot" || got[1].SessionID != "s1" {
		t.Fatalf("watch lines = %+v", got)
	}
}

func TestWatchStopsOnCallbackError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		enc := json.NewEncoder(w)
		for i := 0; i < 10; i++ {
			_ = enc.Encode(api.WatchLine{Type: "snapshot", Sequence: int64(i)})
		}
	}))

	stop := errors.New("stop")
	seen := 0
	err := c.Watch(context.Background(), func(api.WatchLine) error {
		seen++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("watch error = %v, want callback error", err)
	}
	if seen != 1 {
		t.Fatalf("callback ran %d times, want 1", seen)
	}
}
