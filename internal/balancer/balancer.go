// Package balancer picks one backend out of a prefiltered candidate set.
// Candidates arrive with their live signals already attached (latency,
// success rate, in-flight, breaker state, learned timeout); the balancer
// is pure selection state and scoring math.
package balancer

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/breaker"
	"github.com/modelherd/herd/internal/logging"
)

// Algorithm names accepted in configuration.
const (
	AlgoFastestResponse    = "fastest-response"
	AlgoRoundRobin         = "round-robin"
	AlgoLeastConnections   = "least-connections"
	AlgoWeighted           = "weighted"
	AlgoRandom             = "random"
	AlgoStreamingOptimized = "streaming-optimized"
)

// Algorithms lists every selectable algorithm.
func Algorithms() []string {
	return []string{
		AlgoFastestResponse,
		AlgoRoundRobin,
		AlgoLeastConnections,
		AlgoWeighted,
		AlgoRandom,
		AlgoStreamingOptimized,
	}
}

// ErrNoCandidates is returned when the candidate set is empty.
var ErrNoCandidates = errors.New("no candidates")

// Weights splits the composite score between its four factors. They must
// sum to 1; config validation enforces the tolerance.
type Weights struct {
	Latency     float64 `yaml:"latency" json:"latency"`
	SuccessRate float64 `yaml:"success_rate" json:"success_rate"`
	Load        float64 `yaml:"load" json:"load"`
	Capacity    float64 `yaml:"capacity" json:"capacity"`
}

// Thresholds bound the scoring inputs.
type Thresholds struct {
	MaxP95LatencyMs float64 `yaml:"max_p95_latency_ms"`
	MinSuccessRate  float64 `yaml:"min_success_rate"`
	LatencyPenalty  float64 `yaml:"latency_penalty"`
	ErrorPenalty    float64 `yaml:"error_penalty"`
}

// StreamingWeights tune the streaming-optimized algorithm.
type StreamingWeights struct {
	TTFTWeight                 float64 `yaml:"ttft_weight"`
	DurationWeight             float64 `yaml:"duration_weight"`
	TTFTBlendAvg               float64 `yaml:"ttft_blend_avg"`
	TTFTBlendP95               float64 `yaml:"ttft_blend_p95"`
	DurationEstimateMultiplier float64 `yaml:"duration_estimate_multiplier"`
}

// RoundRobinConfig tunes the round-robin algorithm.
type RoundRobinConfig struct {
	SkipUnhealthy     bool          `yaml:"skip_unhealthy"`
	CheckCapacity     bool          `yaml:"check_capacity"`
	StickySessionsTTL time.Duration `yaml:"sticky_sessions_ttl"`
}

// LeastConnectionsConfig tunes the least-connections algorithm.
type LeastConnectionsConfig struct {
	SkipUnhealthy       bool    `yaml:"skip_unhealthy"`
	ConsiderCapacity    bool    `yaml:"consider_capacity"`
	ConsiderFailureRate bool    `yaml:"consider_failure_rate"`
	FailureRatePenalty  float64 `yaml:"failure_rate_penalty"`
}

// Config is the full balancer configuration.
type Config struct {
	Algorithm              string                 `yaml:"algorithm"`
	Weights                Weights                `yaml:"weights"`
	Thresholds             Thresholds             `yaml:"thresholds"`
	LatencyBlendRecent     float64                `yaml:"latency_blend_recent"`
	LatencyBlendHistorical float64                `yaml:"latency_blend_historical"`
	LoadFactorMultiplier   float64                `yaml:"load_factor_multiplier"`
	DefaultLatencyMs       float64                `yaml:"default_latency_ms"`
	DefaultMaxConcurrency  int                    `yaml:"default_max_concurrency"`
	Streaming              StreamingWeights       `yaml:"streaming"`
	RoundRobin             RoundRobinConfig       `yaml:"round_robin"`
	LeastConnections       LeastConnectionsConfig `yaml:"least_connections"`

	// Timeout bounds for the timeout bonus, wired from the timeout
	// manager's configuration rather than parsed here.
	MinTimeout time.Duration `yaml:"-"`
	MaxTimeout time.Duration `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Algorithm: AlgoFastestResponse,
		Weights: Weights{
			Latency:     0.4,
			SuccessRate: 0.3,
			Load:        0.2,
			Capacity:    0.1,
		},
		Thresholds: Thresholds{
			MaxP95LatencyMs: 10_000,
			MinSuccessRate:  0.5,
			LatencyPenalty:  10,
			ErrorPenalty:    10,
		},
		LatencyBlendRecent:     0.3,
		LatencyBlendHistorical: 0.7,
		LoadFactorMultiplier:   50,
		DefaultLatencyMs:       200,
		DefaultMaxConcurrency:  backend.DefaultMaxConcurrency,
		Streaming: StreamingWeights{
			TTFTWeight:                 0.6,
			DurationWeight:             0.4,
			TTFTBlendAvg:               0.5,
			TTFTBlendP95:               0.5,
			DurationEstimateMultiplier: 1.5,
		},
		RoundRobin: RoundRobinConfig{
			SkipUnhealthy: true,
			CheckCapacity: true,
		},
		LeastConnections: LeastConnectionsConfig{
			SkipUnhealthy:      true,
			ConsiderCapacity:   true,
			FailureRatePenalty: 0.3,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Algorithm == "" {
		c.Algorithm = d.Algorithm
	}
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	if c.Thresholds.MaxP95LatencyMs <= 0 {
		c.Thresholds.MaxP95LatencyMs = d.Thresholds.MaxP95LatencyMs
	}
	if c.Thresholds.MinSuccessRate <= 0 || c.Thresholds.MinSuccessRate >= 1 {
		c.Thresholds.MinSuccessRate = d.Thresholds.MinSuccessRate
	}
	if c.Thresholds.LatencyPenalty <= 0 {
		c.Thresholds.LatencyPenalty = d.Thresholds.LatencyPenalty
	}
	if c.Thresholds.ErrorPenalty <= 0 {
		c.Thresholds.ErrorPenalty = d.Thresholds.ErrorPenalty
	}
	if c.LatencyBlendRecent <= 0 && c.LatencyBlendHistorical <= 0 {
		c.LatencyBlendRecent = d.LatencyBlendRecent
		c.LatencyBlendHistorical = d.LatencyBlendHistorical
	}
	if c.LoadFactorMultiplier <= 0 {
		c.LoadFactorMultiplier = d.LoadFactorMultiplier
	}
	if c.DefaultLatencyMs <= 0 {
		c.DefaultLatencyMs = d.DefaultLatencyMs
	}
	if c.DefaultMaxConcurrency <= 0 {
		c.DefaultMaxConcurrency = d.DefaultMaxConcurrency
	}
	if c.Streaming.TTFTWeight <= 0 && c.Streaming.DurationWeight <= 0 {
		c.Streaming = d.Streaming
	}
	if c.Streaming.TTFTBlendAvg <= 0 && c.Streaming.TTFTBlendP95 <= 0 {
		c.Streaming.TTFTBlendAvg = d.Streaming.TTFTBlendAvg
		c.Streaming.TTFTBlendP95 = d.Streaming.TTFTBlendP95
	}
	if c.Streaming.DurationEstimateMultiplier <= 0 {
		c.Streaming.DurationEstimateMultiplier = d.Streaming.DurationEstimateMultiplier
	}
	if c.LeastConnections.FailureRatePenalty <= 0 {
		c.LeastConnections.FailureRatePenalty = d.LeastConnections.FailureRatePenalty
	}
	return c
}

// Candidate is one prefiltered backend with the signals scoring reads.
// The orchestrator assembles these; IDs are unique within a call.
type Candidate struct {
	ID             string
	Healthy        bool
	MaxConcurrency int

	InFlight     int // backend-wide public in-flight
	PairInFlight int

	LastResponseMs float64
	P95Ms          float64
	SuccessRate    float64
	HasMetrics     bool

	TTFTAvgMs      float64
	TTFTP95Ms      float64
	StreamDurAvgMs float64

	BreakerState    breaker.State
	BreakerFailures int

	CurrentTimeout time.Duration
}

// Request is the selection context.
type Request struct {
	Model     string
	Streaming bool
	// ClientID keys sticky sessions for round-robin; empty disables.
	ClientID string
	// Weights overrides the configured weights for the weighted
	// algorithm.
	Weights *Weights
}

// ScoreComponents break a composite score down for debug output. TTFT
// and Duration are only set by the streaming-optimized algorithm.
type ScoreComponents struct {
	Latency     float64 `json:"latency"`
	SuccessRate float64 `json:"success_rate"`
	Load        float64 `json:"load"`
	Capacity    float64 `json:"capacity"`
	Breaker     float64 `json:"breaker"`
	Timeout     float64 `json:"timeout"`
	Penalty     float64 `json:"penalty"`
	TTFT        float64 `json:"ttft,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
}

// ScoredCandidate is one candidate's composite score.
type ScoredCandidate struct {
	ID         string          `json:"id"`
	Score      float64         `json:"score"`
	Components ScoreComponents `json:"components"`
}

// Selection is the outcome of Select.
type Selection struct {
	ID        string
	Algorithm string
	// Scores is present for scoring algorithms, sorted best-first.
	Scores []ScoredCandidate
	// Sticky marks a round-robin sticky-session hit.
	Sticky bool
}

// Balancer holds the algorithm state: round-robin cursors, sticky
// sessions, and the random source. One instance serves the whole fleet.
type Balancer struct {
	mu      sync.Mutex
	cfg     Config
	cursors map[string]int
	sticky  *expirable.LRU[string, string]
	rnd     *rand.Rand
}

const stickySessionCap = 4096

// New builds a balancer. Unknown algorithm names fall back to
// fastest-response with a warning.
func New(cfg Config) *Balancer {
	cfg = cfg.withDefaults()
	if !validAlgorithm(cfg.Algorithm) {
		logging.Warn("unknown balancer algorithm, using fastest-response",
			zap.String("algorithm", cfg.Algorithm))
		cfg.Algorithm = AlgoFastestResponse
	}
	b := &Balancer{
		cfg:     cfg,
		cursors: make(map[string]int),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.RoundRobin.StickySessionsTTL > 0 {
		b.sticky = expirable.NewLRU[string, string](stickySessionCap, nil, cfg.RoundRobin.StickySessionsTTL)
	}
	return b
}

func validAlgorithm(name string) bool {
	for _, a := range Algorithms() {
		if a == name {
			return true
		}
	}
	return false
}

// Algorithm returns the configured default algorithm.
func (b *Balancer) Algorithm() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Algorithm
}

// UpdateConfig swaps tunables at runtime (config reload). Algorithm
// state (cursors, sticky sessions) survives the swap.
func (b *Balancer) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	if !validAlgorithm(cfg.Algorithm) {
		cfg.Algorithm = AlgoFastestResponse
	}
	b.mu.Lock()
	prevTTL := b.cfg.RoundRobin.StickySessionsTTL
	b.cfg = cfg
	if cfg.RoundRobin.StickySessionsTTL != prevTTL {
		b.sticky = nil
		if cfg.RoundRobin.StickySessionsTTL > 0 {
			b.sticky = expirable.NewLRU[string, string](stickySessionCap, nil, cfg.RoundRobin.StickySessionsTTL)
		}
	}
	b.mu.Unlock()
}

// Select picks one candidate using the configured algorithm.
func (b *Balancer) Select(cands []Candidate, req Request) (Selection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(cands) == 0 {
		return Selection{}, ErrNoCandidates
	}

	switch b.cfg.Algorithm {
	case AlgoRoundRobin:
		return b.selectRoundRobin(cands, req)
	case AlgoLeastConnections:
		return b.selectLeastConnections(cands)
	case AlgoRandom:
		c := cands[b.rnd.Intn(len(cands))]
		return Selection{ID: c.ID, Algorithm: AlgoRandom}, nil
	case AlgoWeighted:
		w := b.cfg.Weights
		if req.Weights != nil {
			w = *req.Weights
		}
		return b.selectScored(cands, w, AlgoWeighted)
	case AlgoStreamingOptimized:
		if req.Streaming {
			return b.selectStreaming(cands)
		}
		return b.selectScored(cands, b.cfg.Weights, AlgoStreamingOptimized)
	default:
		return b.selectScored(cands, b.cfg.Weights, AlgoFastestResponse)
	}
}

// pickBest returns the highest score, ties broken by lexicographic ID.
func pickBest(scores []ScoredCandidate) ScoredCandidate {
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Score > best.Score || (s.Score == best.Score && s.ID < best.ID) {
			best = s
		}
	}
	return best
}

// sortScores orders best-first for debug output.
func sortScores(scores []ScoredCandidate) {
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ID < scores[j].ID
	})
}

// breakerBonus rewards quiet circuits: a closed breaker with no failures
// contributes 100, decaying to 40 as failures accumulate; half-open 20;
// open 5.
func breakerBonus(state breaker.State, failures int) float64 {
	switch state {
	case breaker.StateOpen:
		return 5
	case breaker.StateHalfOpen:
		return 20
	default:
		bonus := 100 - 3*float64(failures)
		if bonus < 40 {
			bonus = 40
		}
		return bonus
	}
}

// timeoutBonus rewards pairs whose learned timeout sits near the floor:
// 100 at or below the minimum, 0 at or above the maximum, linear
// in between. Zero when no bounds are wired.
func (b *Balancer) timeoutBonus(current time.Duration) float64 {
	min, max := b.cfg.MinTimeout, b.cfg.MaxTimeout
	if max <= min || current <= 0 {
		return 0
	}
	if current <= min {
		return 100
	}
	if current >= max {
		return 0
	}
	return 100 * float64(max-current) / float64(max-min)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
