package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/resonate-labs/cohered/internal/api"
	"github.com/resonate-labs/cohered/internal/appclient"
)

func newTestRunner(t *testing.T, handler http.Handler) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(appclient.NewWithClient(srv.URL, srv.Client()), out, errOut)
	return r, out, errOut
}

func TestStatusCommand(t *testing.T) {
	r, out, _ := newTestRunner(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(api.HealthResponse{
			SchemaVersion: "v1",
			GeneratedAt:   time.Now().UTC(),
			Status:        "ok",
		})
	}))

	if code := r.Run(context.Background(), []string{"status"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out.String(), "daemon ok") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestSessionsCommand(t *testing.T) {
	r, out, _ := newTestRunner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(api.SessionsEnvelope{
			SchemaVersion: "v1",
			Sessions: []api.SessionItem{{
				SessionID:    "s1",
				CurrentPhase: "active",
				GroupMetrics: api.GroupMetricsItem{AverageCoherence: 53.3},
			}},
		})
	}))

	if code := r.Run(context.Background(), []string{"sessions"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out.String(), "s1") || !strings.Contains(out.String(), "active") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestJoinRequiresUser(t *testing.T) {
	r, _, errOut := newTestRunner(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Errorf("no request expected")
	}))

	if code := r.Run(context.Background(), []string{"join", "s1"}); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "-user is required") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestUnknownCommandPrintsUsage(t *testing.T) {
	r, _, errOut := newTestRunner(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	if code := r.Run(context.Background(), []string{"orchestrate"}); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestDaemonErrorSurfacesCode(t *testing.T) {
	r, _, errOut := newTestRunner(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			SchemaVersion: "v1",
			Error:         api.APIError{Code: "E_SESSION_COMPLETE", Message: "session not joinable"},
		})
	}))

	if code := r.Run(context.Background(), []string{"join", "s1", "-user", "alice"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "E_SESSION_COMPLETE") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}
