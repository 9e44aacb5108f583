package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/inventory"
	"github.com/modelherd/herd/internal/upstream"
)

// fakeOllama serves /api/tags and /api/version, failing the next
// `fails` tag listings with a 500.
type fakeOllama struct {
	mu     sync.Mutex
	fails  int
	tags   int
	models []string
}

func (f *fakeOllama) setFails(n int) {
	f.mu.Lock()
	f.fails = n
	f.mu.Unlock()
}

func (f *fakeOllama) tagCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tags
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		f.mu.Lock()
		f.tags++
		fail := f.fails > 0
		if fail {
			f.fails--
		}
		models := f.models
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":"busy"}`)
			return
		}
		type entry struct {
			Name string `json:"name"`
		}
		var resp struct {
			Models []entry `json:"models"`
		}
		for _, m := range models {
			resp.Models = append(resp.Models, entry{Name: m})
		}
		json.NewEncoder(w).Encode(resp)
	case "/api/version":
		io.WriteString(w, `{"version":"0.6.1"}`)
	default:
		http.NotFound(w, r)
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, fake *fakeOllama) (*Scheduler, *backend.Backend) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store := inventory.NewStore()
	b, err := store.Add(backend.Spec{ID: "a", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	s := NewScheduler(cfg, upstream.New(upstream.Config{}), store)
	t.Cleanup(s.Stop)
	return s, b
}

func TestProbeMarksHealthyAndUpdatesInventory(t *testing.T) {
	fake := &fakeOllama{models: []string{"llama3:8b", "qwen2:7b"}}
	s, b := newTestScheduler(t, fastConfig(), fake)

	s.CheckAll(context.Background())

	if !b.Healthy() {
		t.Fatal("backend not healthy after successful probe")
	}
	if !b.HasModel("llama3:8b") || !b.HasModel("qwen2:7b") {
		t.Fatalf("models not updated: %v", b.Models())
	}
	if b.Version() != "0.6.1" {
		t.Fatalf("version = %q, want 0.6.1", b.Version())
	}
	if b.LastResponseTime() <= 0 {
		t.Fatal("last response time not recorded")
	}
}

func TestFailureThresholdFlipsUnhealthy(t *testing.T) {
	fake := &fakeOllama{models: []string{"llama3:8b"}}
	cfg := fastConfig()
	cfg.FailureThreshold = 2
	s, b := newTestScheduler(t, cfg, fake)

	var flips []bool
	s.OnChange(func(id string, healthy bool) { flips = append(flips, healthy) })

	s.CheckAll(context.Background())
	if !b.Healthy() {
		t.Fatal("backend not healthy after first probe")
	}

	fake.setFails(100)
	s.CheckAll(context.Background())
	if !b.Healthy() {
		t.Fatal("one failure flipped healthy before threshold")
	}
	s.CheckAll(context.Background())
	if b.Healthy() {
		t.Fatal("backend still healthy past failure threshold")
	}

	want := []bool{true, false}
	if len(flips) != len(want) || flips[0] != want[0] || flips[1] != want[1] {
		t.Fatalf("flips = %v, want %v", flips, want)
	}
}

func TestSuccessThresholdRestores(t *testing.T) {
	fake := &fakeOllama{models: []string{"llama3:8b"}}
	cfg := fastConfig()
	cfg.SuccessThreshold = 2
	s, b := newTestScheduler(t, cfg, fake)

	s.CheckAll(context.Background())
	if b.Healthy() {
		t.Fatal("one success restored health before threshold")
	}
	s.CheckAll(context.Background())
	if !b.Healthy() {
		t.Fatal("backend not healthy after success threshold")
	}
}

func TestRetriesWithinProbe(t *testing.T) {
	fake := &fakeOllama{models: []string{"llama3:8b"}}
	fake.setFails(2)
	cfg := fastConfig()
	cfg.RetryAttempts = 2
	s, b := newTestScheduler(t, cfg, fake)

	s.CheckAll(context.Background())

	if !b.Healthy() {
		t.Fatal("retries did not recover the probe")
	}
	if got := fake.tagCalls(); got != 3 {
		t.Fatalf("tag calls = %d, want 3", got)
	}
	r, ok := s.CheckNow(context.Background(), "a")
	if !ok {
		t.Fatal("CheckNow: backend missing")
	}
	if r.ConsecutiveFail != 0 {
		t.Fatalf("intra-probe retries leaked into fail count: %d", r.ConsecutiveFail)
	}
}

func TestFailuresAgainstUnhealthyBackendDoNotNotify(t *testing.T) {
	fake := &fakeOllama{}
	fake.setFails(100)
	cfg := fastConfig()
	cfg.FailureThreshold = 1
	s, b := newTestScheduler(t, cfg, fake)

	fired := 0
	s.OnChange(func(string, bool) { fired++ })

	s.CheckAll(context.Background())
	s.CheckAll(context.Background())

	if b.Healthy() {
		t.Fatal("backend healthy despite failing probes")
	}
	if fired != 0 {
		t.Fatalf("hook fired %d times for a backend that never was healthy", fired)
	}
}

func TestProbeCadence(t *testing.T) {
	fake := &fakeOllama{models: []string{"llama3:8b"}}
	cfg := fastConfig()
	cfg.Interval = 30 * time.Second
	cfg.RecoveryInterval = 10 * time.Second
	s, _ := newTestScheduler(t, cfg, fake)

	srv2 := httptest.NewServer(fake)
	defer srv2.Close()
	u, err := s.store.Add(backend.Spec{ID: "u", BaseURL: srv2.URL})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	h, _ := s.store.Get("a")
	h.SetHealthy(true)

	now := time.Now()
	s.now = func() time.Time { return now }
	s.states["a"] = &probeState{lastProbe: now}
	s.states["u"] = &probeState{lastProbe: now}

	if s.due(h) || s.due(u) {
		t.Fatal("freshly probed backends reported due")
	}
	now = now.Add(15 * time.Second)
	if s.due(h) {
		t.Error("healthy backend due before interval elapsed")
	}
	if !s.due(u) {
		t.Error("unhealthy backend not due after recovery interval")
	}
	now = now.Add(20 * time.Second)
	if !s.due(h) {
		t.Error("healthy backend not due after interval elapsed")
	}
}

func TestPruneDropsRemovedBackendState(t *testing.T) {
	fake := &fakeOllama{models: []string{"llama3:8b"}}
	s, _ := newTestScheduler(t, fastConfig(), fake)

	srv2 := httptest.NewServer(fake)
	defer srv2.Close()
	if _, err := s.store.Add(backend.Spec{ID: "b", BaseURL: srv2.URL}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.CheckAll(context.Background())
	s.mu.Lock()
	n := len(s.states)
	s.mu.Unlock()
	if n != 2 {
		t.Fatalf("states = %d, want 2", n)
	}

	if _, err := s.store.Remove("b"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	s.CheckAll(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) != 1 {
		t.Fatalf("states = %d after removal, want 1", len(s.states))
	}
	if _, ok := s.states["a"]; !ok {
		t.Fatal("surviving backend state missing")
	}
}

func TestStartLoopProbesAndStops(t *testing.T) {
	fake := &fakeOllama{models: []string{"llama3:8b"}}
	cfg := fastConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.RecoveryInterval = 10 * time.Millisecond
	s, b := newTestScheduler(t, cfg, fake)

	flips := make(chan bool, 1)
	s.OnChange(func(id string, healthy bool) {
		select {
		case flips <- healthy:
		default:
		}
	})

	s.Start()
	select {
	case healthy := <-flips:
		if !healthy {
			t.Fatal("first flip was unhealthy")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no health flip within 2s")
	}
	s.Stop()
	if !b.Healthy() {
		t.Fatal("backend not healthy after flip")
	}
}

func TestDisabledSchedulerDoesNotProbe(t *testing.T) {
	fake := &fakeOllama{models: []string{"llama3:8b"}}
	cfg := fastConfig()
	cfg.Enabled = false
	s, b := newTestScheduler(t, cfg, fake)

	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	if b.Healthy() {
		t.Fatal("disabled scheduler probed a backend")
	}
	if fake.tagCalls() != 0 {
		t.Fatalf("tag calls = %d, want 0", fake.tagCalls())
	}
}

func TestCheckNowUnknownBackend(t *testing.T) {
	fake := &fakeOllama{}
	s, _ := newTestScheduler(t, fastConfig(), fake)
	if _, ok := s.CheckNow(context.Background(), "nope"); ok {
		t.Fatal("CheckNow found a backend that does not exist")
	}
}
