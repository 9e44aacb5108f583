package balancer

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/breaker"
	"github.com/modelherd/herd/internal/logging"
)

func TestMain(m *testing.M) {
	logging.SetGlobal(zap.NewNop())
	os.Exit(m.Run())
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// healthyCandidate returns a candidate with neutral signals.
func healthyCandidate(id string) Candidate {
	return Candidate{
		ID:             id,
		Healthy:        true,
		MaxConcurrency: 4,
		SuccessRate:    1,
		HasMetrics:     true,
		BreakerState:   breaker.StateClosed,
	}
}

func TestSelectEmpty(t *testing.T) {
	b := New(Config{})
	_, err := b.Select(nil, Request{Model: "llama3"})
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("err = %v, want ErrNoCandidates", err)
	}
}

func TestSelectFastestResponsePrefersFasterBackend(t *testing.T) {
	b := New(Config{})

	slow := healthyCandidate("gpu-slow")
	slow.LastResponseMs = 5000
	slow.P95Ms = 6000
	fast := healthyCandidate("gpu-fast")
	fast.LastResponseMs = 100
	fast.P95Ms = 150

	sel, err := b.Select([]Candidate{slow, fast}, Request{Model: "llama3"})
	if err != nil {
		t.Fatal(err)
	}
	if sel.ID != "gpu-fast" {
		t.Errorf("selected %s, want gpu-fast", sel.ID)
	}
	if sel.Algorithm != AlgoFastestResponse {
		t.Errorf("Algorithm = %s", sel.Algorithm)
	}
	if len(sel.Scores) != 2 {
		t.Fatalf("Scores has %d entries, want 2", len(sel.Scores))
	}
	if sel.Scores[0].ID != "gpu-fast" || sel.Scores[0].Score < sel.Scores[1].Score {
		t.Errorf("Scores not best-first: %+v", sel.Scores)
	}
}

func TestSelectTieBreaksLexicographic(t *testing.T) {
	b := New(Config{})

	c1 := healthyCandidate("gpu-b")
	c2 := healthyCandidate("gpu-a")
	sel, err := b.Select([]Candidate{c1, c2}, Request{Model: "llama3"})
	if err != nil {
		t.Fatal(err)
	}
	if sel.ID != "gpu-a" {
		t.Errorf("selected %s on tie, want gpu-a", sel.ID)
	}
}

func TestSelectWeightedOverride(t *testing.T) {
	b := New(Config{Algorithm: AlgoWeighted})

	// loaded is fast but busy; idle is slow but free.
	loaded := healthyCandidate("gpu-loaded")
	loaded.LastResponseMs = 100
	loaded.P95Ms = 100
	loaded.InFlight = 4
	idle := healthyCandidate("gpu-idle")
	idle.LastResponseMs = 4000
	idle.P95Ms = 4000

	latencyHeavy := &Weights{Latency: 1}
	sel, err := b.Select([]Candidate{loaded, idle}, Request{Model: "llama3", Weights: latencyHeavy})
	if err != nil {
		t.Fatal(err)
	}
	if sel.ID != "gpu-loaded" {
		t.Errorf("latency-only weights selected %s, want gpu-loaded", sel.ID)
	}

	loadHeavy := &Weights{Load: 1}
	sel, err = b.Select([]Candidate{loaded, idle}, Request{Model: "llama3", Weights: loadHeavy})
	if err != nil {
		t.Fatal(err)
	}
	if sel.ID != "gpu-idle" {
		t.Errorf("load-only weights selected %s, want gpu-idle", sel.ID)
	}
}

func TestSelectRandomCoversCandidates(t *testing.T) {
	b := New(Config{Algorithm: AlgoRandom})
	b.rnd = rand.New(rand.NewSource(1))

	cands := []Candidate{healthyCandidate("a"), healthyCandidate("b"), healthyCandidate("c")}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sel, err := b.Select(cands, Request{Model: "llama3"})
		if err != nil {
			t.Fatal(err)
		}
		seen[sel.ID] = true
	}
	if len(seen) != 3 {
		t.Errorf("100 random selections hit %d candidates, want 3", len(seen))
	}
}

func TestNewUnknownAlgorithmFallsBack(t *testing.T) {
	b := New(Config{Algorithm: "best-effort"})
	if got := b.Algorithm(); got != AlgoFastestResponse {
		t.Errorf("Algorithm = %s, want fallback to fastest-response", got)
	}
}

func TestUpdateConfigSwapsAlgorithm(t *testing.T) {
	b := New(Config{})
	cfg := DefaultConfig()
	cfg.Algorithm = AlgoLeastConnections
	b.UpdateConfig(cfg)
	if got := b.Algorithm(); got != AlgoLeastConnections {
		t.Errorf("Algorithm = %s after update, want least-connections", got)
	}
}

func TestBreakerBonus(t *testing.T) {
	tests := []struct {
		state    breaker.State
		failures int
		want     float64
	}{
		{breaker.StateClosed, 0, 100},
		{breaker.StateClosed, 3, 91},
		{breaker.StateClosed, 50, 40},
		{breaker.StateHalfOpen, 0, 20},
		{breaker.StateOpen, 0, 5},
	}
	for _, tt := range tests {
		if got := breakerBonus(tt.state, tt.failures); !almostEqual(got, tt.want) {
			t.Errorf("breakerBonus(%v, %d) = %v, want %v", tt.state, tt.failures, got, tt.want)
		}
	}
}

func TestTimeoutBonus(t *testing.T) {
	b := New(Config{MinTimeout: 10 * time.Second, MaxTimeout: 110 * time.Second})

	tests := []struct {
		current time.Duration
		want    float64
	}{
		{10 * time.Second, 100},
		{60 * time.Second, 50},
		{110 * time.Second, 0},
		{5 * time.Minute, 0},
		{0, 0},
	}
	for _, tt := range tests {
		if got := b.timeoutBonus(tt.current); !almostEqual(got, tt.want) {
			t.Errorf("timeoutBonus(%v) = %v, want %v", tt.current, got, tt.want)
		}
	}

	unbounded := New(Config{})
	if got := unbounded.timeoutBonus(30 * time.Second); got != 0 {
		t.Errorf("timeoutBonus = %v without bounds, want 0", got)
	}
}
