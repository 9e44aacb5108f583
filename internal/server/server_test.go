package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/config"
	"github.com/modelherd/herd/internal/orchestrator"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.EnablePersistence = false
	cfg.Persistence.Enabled = false
	cfg.Persistence.Dir = t.TempDir()
	cfg.HealthCheck.Enabled = false
	cfg.Metrics.PrometheusEnabled = false
	cfg.Queue.Timeout = 2 * time.Second
	cfg.Retry.RetryDelay = time.Millisecond
	cfg.Retry.MaxRetryDelay = 2 * time.Millisecond
	cfg.Timeouts.DefaultTimeout = 2 * time.Second
	cfg.Timeouts.MinTimeout = 100 * time.Millisecond
	cfg.Timeouts.MaxTimeout = 5 * time.Second
	cfg.Streaming.BackgroundListen = 0
	return cfg
}

// newTestServer wires a full orchestrator behind the HTTP handler and
// serves it from an httptest listener.
func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	orch, err := orchestrator.New(cfg)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	orch.Start()
	s := New(orch, "")
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return s, ts
}

// addBackend registers a ready-to-serve backend advertising the given
// models.
func addBackend(t *testing.T, s *Server, id, url string, models ...string) *backend.Backend {
	t.Helper()
	b, err := s.orch.Inventory().Add(backend.Spec{ID: id, BaseURL: url, MaxConcurrency: 4})
	if err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
	b.SetModels(models)
	b.SetHealthy(true)
	return b
}

// errorBody is the client-facing error shape.
type errorBody struct {
	Error     string `json:"error"`
	Details   string `json:"details"`
	RequestID string `json:"request_id"`
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func doRequest(t *testing.T, method, url string, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	s, ts := newTestServer(t, testConfig(t))
	addBackend(t, s, "a", "http://127.0.0.1:11501", "m")

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Backends int    `json:"backends"`
		Healthy  int    `json:"healthy"`
	}
	decodeInto(t, resp, &body)
	if body.Status != "ok" || body.Backends != 1 || body.Healthy != 1 {
		t.Fatalf("healthz = %+v", body)
	}
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))

	resp, err := http.Get(ts.URL + "/api/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body errorBody
	decodeInto(t, resp, &body)
	if body.Error == "" {
		t.Fatal("expected a JSON error body")
	}
}

func TestMethodNotAllowedReturnsJSON(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))

	resp := doRequest(t, http.MethodDelete, ts.URL+"/api/generate", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	var body errorBody
	decodeInto(t, resp, &body)
	if body.Error == "" {
		t.Fatal("expected a JSON error body")
	}
}

// Model-store mutations have no fleet-wide meaning and are refused with
// an explanation rather than proxied to an arbitrary node.
func TestModelStoreEndpointsRejected(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))

	cases := []struct{ method, path string }{
		{http.MethodPost, "/api/pull"},
		{http.MethodPost, "/api/push"},
		{http.MethodPost, "/api/create"},
		{http.MethodPost, "/api/copy"},
		{http.MethodDelete, "/api/delete"},
		{http.MethodPost, "/api/blobs/sha256:abc"},
	}
	for _, tc := range cases {
		resp := doRequest(t, tc.method, ts.URL+tc.path, `{}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s %s: status = %d, want 400", tc.method, tc.path, resp.StatusCode)
		}
		var body errorBody
		decodeInto(t, resp, &body)
		if !strings.Contains(body.Error, "not supported in multi-node mode") {
			t.Errorf("%s %s: error = %q", tc.method, tc.path, body.Error)
		}
	}

	resp := doRequest(t, http.MethodHead, ts.URL+"/api/blobs/sha256:abc", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("HEAD /api/blobs: status = %d, want 400", resp.StatusCode)
	}
}

func TestMetricsOnMainListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.PrometheusEnabled = true
	_, ts := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestControlPlaneAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableAuth = true
	cfg.Auth.Token = "fleet-secret"
	_, ts := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/api/orchestrator/servers")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/orchestrator/servers", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/orchestrator/servers", nil)
	req.Header.Set("Authorization", "Bearer fleet-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", resp.StatusCode)
	}

	// The data plane stays open; auth gates operators, not inference.
	resp, err = http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET /api/version: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("data plane: status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimitWired(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RPS = 0.001
	cfg.RateLimit.Burst = 2
	_, ts := newTestServer(t, cfg)

	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.URL + "/api/version")
		if err != nil {
			t.Fatalf("GET %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, resp.StatusCode)
		}
	}
	resp, err := http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over burst: status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRequestIDPropagates(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))

	resp, err := http.Get(ts.URL + "/api/version")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID on response")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/version", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "caller-supplied" {
		t.Fatalf("X-Request-ID = %q, want caller-supplied", got)
	}
}

// fakeNode builds a single inference node for proxy tests. The handlers
// mirror just enough of the native API for routing assertions.
type fakeNode struct {
	srv  *httptest.Server
	mu   sync.Mutex
	hits int
	last []byte
}

func newFakeNode(t *testing.T, models ...string) *fakeNode {
	t.Helper()
	n := &fakeNode{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		type mi struct {
			Name       string `json:"name"`
			ModifiedAt string `json:"modified_at"`
		}
		out := struct {
			Models []mi `json:"models"`
		}{Models: make([]mi, 0, len(models))}
		for _, m := range models {
			out.Models = append(out.Models, mi{Name: m, ModifiedAt: "2025-01-02T03:04:05Z"})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/api/ps", func(w http.ResponseWriter, r *http.Request) {
		type lm struct {
			Name string `json:"name"`
		}
		out := struct {
			Models []lm `json:"models"`
		}{}
		for _, m := range models {
			out.Models = append(out.Models, lm{Name: m})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		n.record(body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"details":{"family":"llama"},"echo":%q}`, string(body))
	})
	proxyHandler := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		n.record(body)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"hello","done":true,"eval_count":5,"prompt_eval_count":2}`)
	}
	mux.HandleFunc("/api/generate", proxyHandler)
	mux.HandleFunc("/api/chat", proxyHandler)
	mux.HandleFunc("/api/embed", proxyHandler)
	mux.HandleFunc("/api/embeddings", proxyHandler)
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		n.record(body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"id":"chatcmpl-1","object":"chat.completion","choices":[]}`)
	})

	n.srv = httptest.NewServer(mux)
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) record(body []byte) {
	n.mu.Lock()
	n.hits++
	n.last = append([]byte(nil), body...)
	n.mu.Unlock()
}

func (n *fakeNode) snapshot() (int, []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hits, n.last
}
