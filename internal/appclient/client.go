package appclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/resonate-labs/cohered/internal/api"
)

const (
	watchScannerInitialBuffer = 64 * 1024
	watchScannerMaxBuffer     = 4 * 1024 * 1024
	defaultUnaryTimeout       = 10 * time.Second
)

// Client talks to the cohered daemon over its unix socket.
type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.getJSON(ctx, "/v1/health", &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context) (api.SessionsEnvelope, error) {
	var out api.SessionsEnvelope
	err := c.getJSON(ctx, "/v1/sessions", &out)
	return out, err
}

func (c *Client) CurrentSession(ctx context.Context) (api.SessionEnvelope, error) {
	var out api.SessionEnvelope
	err := c.getJSON(ctx, "/v1/sessions/current", &out)
	return out, err
}

func (c *Client) Session(ctx context.Context, sessionID string) (api.SessionEnvelope, error) {
	var out api.SessionEnvelope
	err := c.getJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID), &out)
	return out, err
}

func (c *Client) Metrics(ctx context.Context, sessionID string) (api.MetricsEnvelope, error) {
	var out api.MetricsEnvelope
	err := c.getJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/metrics", &out)
	return out, err
}

func (c *Client) Summaries(ctx context.Context, sessionID string) (api.SummariesEnvelope, error) {
	var out api.SummariesEnvelope
	err := c.getJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/summaries", &out)
	return out, err
}

func (c *Client) Join(ctx context.Context, sessionID string, req api.JoinRequest) (api.JoinResponse, error) {
	var out api.JoinResponse
	err := c.postJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/join", req, &out)
	return out, err
}

func (c *Client) Leave(ctx context.Context, sessionID string, req api.LeaveRequest) (api.LeaveResponse, error) {
	var out api.LeaveResponse
	err := c.postJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/leave", req, &out)
	return out, err
}

func (c *Client) UpdateCoherence(ctx context.Context, sessionID string, req api.CoherenceUpdateRequest) (api.CoherenceUpdateResponse, error) {
	var out api.CoherenceUpdateResponse
	err := c.postJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/coherence", req, &out)
	return out, err
}

func (c *Client) IngestHRV(ctx context.Context, sessionID string, req api.HRVIngestRequest) (api.HRVIngestResponse, error) {
	var out api.HRVIngestResponse
	err := c.postJSON(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/hrv", req, &out)
	return out, err
}

// Watch streams ndjson lines from /v1/watch, invoking fn per line until the
// stream ends, fn returns an error, or ctx is cancelled.
func (c *Client) Watch(ctx context.Context, fn func(api.WatchLine) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/watch", nil)
	if err != nil {
		return fmt.Errorf("build watch request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("watch request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, watchScannerInitialBuffer), watchScannerMaxBuffer)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line api.WatchLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("decode watch line: %w", err)
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read watch stream: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.unaryTimeout)
	defer cancel()
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIStatusError carries a structured daemon error envelope.
type APIStatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIStatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (http %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func decodeError(resp *http.Response) error {
	var envelope api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &APIStatusError{StatusCode: resp.StatusCode}
	}
	return &APIStatusError{
		StatusCode: resp.StatusCode,
		Code:       envelope.Error.Code,
		Message:    envelope.Error.Message,
	}
}
