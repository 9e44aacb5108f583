package balancer

import (
	"testing"

	"github.com/modelherd/herd/internal/breaker"
)

func TestBlendedLatency(t *testing.T) {
	b := New(Config{})

	tests := []struct {
		name string
		c    Candidate
		want float64
	}{
		{
			name: "recent and historical blend",
			c:    Candidate{LastResponseMs: 1000, P95Ms: 2000},
			want: 0.3*1000 + 0.7*2000,
		},
		{
			name: "no data uses default latency",
			c:    Candidate{},
			want: 200,
		},
		{
			name: "missing p95 reuses recent",
			c:    Candidate{LastResponseMs: 400},
			want: 400,
		},
		{
			name: "missing recent reuses p95",
			c:    Candidate{P95Ms: 800},
			want: 800,
		},
		{
			name: "in-flight surcharge",
			c:    Candidate{LastResponseMs: 1000, P95Ms: 1000, InFlight: 3},
			want: 1000 + 50*3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.blendedLatency(tt.c); !almostEqual(got, tt.want) {
				t.Errorf("blendedLatency = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLatencyScoreClamps(t *testing.T) {
	b := New(Config{})

	past := Candidate{LastResponseMs: 50_000, P95Ms: 50_000}
	if got := b.latencyScore(past); got != 0 {
		t.Errorf("latencyScore = %v past the ceiling, want 0", got)
	}
	instant := Candidate{LastResponseMs: 1, P95Ms: 1}
	if got := b.latencyScore(instant); got <= 99 || got > 100 {
		t.Errorf("latencyScore = %v for 1ms backend", got)
	}
}

func TestSuccessRateScore(t *testing.T) {
	b := New(Config{})

	tests := []struct {
		name string
		c    Candidate
		want float64
	}{
		{"perfect", Candidate{SuccessRate: 1, HasMetrics: true}, 100},
		{"at floor", Candidate{SuccessRate: 0.5, HasMetrics: true}, 0},
		{"below floor", Candidate{SuccessRate: 0.2, HasMetrics: true}, 0},
		{"midpoint", Candidate{SuccessRate: 0.75, HasMetrics: true}, 50},
		{"no data scores optimistic", Candidate{}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.successRateScore(tt.c); !almostEqual(got, tt.want) {
				t.Errorf("successRateScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadAndCapacityScores(t *testing.T) {
	b := New(Config{})

	idle := Candidate{MaxConcurrency: 4}
	if got := b.loadScore(idle); got != 100 {
		t.Errorf("loadScore(idle) = %v, want 100", got)
	}
	half := Candidate{MaxConcurrency: 4, InFlight: 2}
	if got := b.loadScore(half); got != 50 {
		t.Errorf("loadScore(half) = %v, want 50", got)
	}
	full := Candidate{MaxConcurrency: 4, InFlight: 4}
	if got := b.loadScore(full); got != 0 {
		t.Errorf("loadScore(full) = %v, want 0", got)
	}
	over := Candidate{MaxConcurrency: 4, InFlight: 9}
	if got := b.loadScore(over); got != 0 {
		t.Errorf("loadScore(over) = %v, want clamp to 0", got)
	}

	if got := capacityScore(4, 16); got != 25 {
		t.Errorf("capacityScore(4, 16) = %v, want 25", got)
	}
	if got := capacityScore(16, 16); got != 100 {
		t.Errorf("capacityScore(16, 16) = %v, want 100", got)
	}
}

func TestPenalties(t *testing.T) {
	b := New(Config{})

	clean := Candidate{LastResponseMs: 100, P95Ms: 100, SuccessRate: 1, HasMetrics: true}
	if got := b.penalty(clean); got != 0 {
		t.Errorf("penalty(clean) = %v, want 0", got)
	}

	slow := Candidate{LastResponseMs: 20_000, P95Ms: 20_000, SuccessRate: 1, HasMetrics: true}
	if got := b.penalty(slow); got != 10 {
		t.Errorf("penalty(slow) = %v, want latency penalty 10", got)
	}

	failing := Candidate{LastResponseMs: 100, P95Ms: 100, SuccessRate: 0.2, HasMetrics: true}
	if got := b.penalty(failing); got != 10 {
		t.Errorf("penalty(failing) = %v, want error penalty 10", got)
	}

	both := Candidate{LastResponseMs: 20_000, P95Ms: 20_000, SuccessRate: 0.2, HasMetrics: true}
	if got := b.penalty(both); got != 20 {
		t.Errorf("penalty(both) = %v, want 20", got)
	}

	// Without samples the success-rate penalty cannot apply.
	unknown := Candidate{LastResponseMs: 100, P95Ms: 100}
	if got := b.penalty(unknown); got != 0 {
		t.Errorf("penalty(unknown) = %v, want 0", got)
	}
}

func TestScoreComposite(t *testing.T) {
	b := New(Config{})

	c := Candidate{
		ID:             "gpu-1",
		Healthy:        true,
		MaxConcurrency: 4,
		LastResponseMs: 1000,
		P95Ms:          2000,
		SuccessRate:    0.95,
		HasMetrics:     true,
		BreakerState:   breaker.StateClosed,
	}
	sc := b.score(c, b.cfg.Weights, 4)

	if !almostEqual(sc.Components.Latency, 83) {
		t.Errorf("Latency = %v, want 83", sc.Components.Latency)
	}
	if !almostEqual(sc.Components.SuccessRate, 90) {
		t.Errorf("SuccessRate = %v, want 90", sc.Components.SuccessRate)
	}
	if !almostEqual(sc.Components.Load, 100) {
		t.Errorf("Load = %v, want 100", sc.Components.Load)
	}
	if !almostEqual(sc.Components.Capacity, 100) {
		t.Errorf("Capacity = %v, want 100", sc.Components.Capacity)
	}
	if !almostEqual(sc.Components.Breaker, 100) {
		t.Errorf("Breaker = %v, want 100", sc.Components.Breaker)
	}

	want := 0.4*83 + 0.3*90 + 0.2*100 + 0.1*100 + 100
	if !almostEqual(sc.Score, want) {
		t.Errorf("Score = %v, want %v", sc.Score, want)
	}
}

func TestScoreNeverNegative(t *testing.T) {
	b := New(Config{})

	c := Candidate{
		ID:              "gpu-1",
		MaxConcurrency:  1,
		InFlight:        1,
		LastResponseMs:  60_000,
		P95Ms:           60_000,
		SuccessRate:     0,
		HasMetrics:      true,
		BreakerState:    breaker.StateOpen,
		BreakerFailures: 50,
	}
	sc := b.score(c, Weights{Latency: 0.25, SuccessRate: 0.25, Load: 0.25, Capacity: 0.25}, 16)
	if sc.Score < 0 {
		t.Errorf("Score = %v, want >= 0", sc.Score)
	}
}
