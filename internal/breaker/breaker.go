// Package breaker implements the per-(backend, model) circuit breaker:
// closed/open/half-open with adaptive failure thresholds, an error-rate
// EWMA, and error-kind-aware reopen backoff. A registry keys breakers by
// pair and layers backend-level escalation on top.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/errclass"
	"github.com/modelherd/herd/internal/logging"
	"github.com/modelherd/herd/internal/metrics"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateHalfOpen              // Testing recovery
	StateOpen                  // Failing, reject requests
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of String, for restoring persisted state.
func ParseState(s string) (State, bool) {
	switch s {
	case "closed":
		return StateClosed, true
	case "half-open":
		return StateHalfOpen, true
	case "open":
		return StateOpen, true
	}
	return StateClosed, false
}

// Config tunes breaker behavior. Zero values take defaults.
type Config struct {
	BaseFailureThreshold     int           `yaml:"base_failure_threshold"`
	MinFailureThreshold      int           `yaml:"min_failure_threshold"`
	MaxFailureThreshold      int           `yaml:"max_failure_threshold"`
	OpenTimeout              time.Duration `yaml:"open_timeout"`
	HalfOpenTimeout          time.Duration `yaml:"half_open_timeout"`
	HalfOpenMaxRequests      int           `yaml:"half_open_max_requests"`
	RecoverySuccessThreshold int           `yaml:"recovery_success_threshold"`
	ErrorRateWindow          time.Duration `yaml:"error_rate_window"`
	ErrorRateThreshold       float64       `yaml:"error_rate_threshold"`
	AdaptiveThresholds       bool          `yaml:"adaptive_thresholds"`
	AdaptiveAdjustment       int           `yaml:"adaptive_adjustment"`
	ErrorRateSmoothing       float64       `yaml:"error_rate_smoothing"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseFailureThreshold:     5,
		MinFailureThreshold:      2,
		MaxFailureThreshold:      10,
		OpenTimeout:              2 * time.Minute,
		HalfOpenTimeout:          time.Minute,
		HalfOpenMaxRequests:      1,
		RecoverySuccessThreshold: 3,
		ErrorRateWindow:          time.Minute,
		ErrorRateThreshold:       0.5,
		AdaptiveThresholds:       true,
		AdaptiveAdjustment:       2,
		ErrorRateSmoothing:       0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseFailureThreshold <= 0 {
		c.BaseFailureThreshold = d.BaseFailureThreshold
	}
	if c.MinFailureThreshold <= 0 {
		c.MinFailureThreshold = d.MinFailureThreshold
	}
	if c.MaxFailureThreshold <= 0 {
		c.MaxFailureThreshold = d.MaxFailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = d.HalfOpenTimeout
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = d.HalfOpenMaxRequests
	}
	if c.RecoverySuccessThreshold <= 0 {
		c.RecoverySuccessThreshold = d.RecoverySuccessThreshold
	}
	if c.ErrorRateWindow <= 0 {
		c.ErrorRateWindow = d.ErrorRateWindow
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		c.ErrorRateThreshold = d.ErrorRateThreshold
	}
	if c.AdaptiveAdjustment <= 0 {
		c.AdaptiveAdjustment = d.AdaptiveAdjustment
	}
	if c.ErrorRateSmoothing <= 0 || c.ErrorRateSmoothing >= 1 {
		c.ErrorRateSmoothing = d.ErrorRateSmoothing
	}
	return c
}

// Decision is the outcome of Allow.
type Decision struct {
	Admit bool
	// Probe marks half-open admissions; the caller must account the
	// request as bypass traffic and report the outcome back.
	Probe  bool
	Reason string
}

// Breaker is the state machine for one pair. The mutex orders
// Allow/OnSuccess/OnFailure; the atomic counters allow lock-free stat
// reads.
type Breaker struct {
	mu   sync.Mutex
	cfg  Config
	pair backend.Pair
	now  func() time.Time

	state                State
	failureCount         int
	successCount         int
	consecutiveSuccesses int
	lastFailureAt        time.Time
	lastSuccessAt        time.Time
	nextRetryAt          time.Time
	errorRate            float64
	errorsByCategory     map[string]int64
	errorsByKind         map[errclass.Type]int64
	lastErrorKind        errclass.Type
	lastFailureReason    string
	halfOpenStartedAt    time.Time
	halfOpenAttempts     int
	activeProbeCount     int
	openEpisodes         int
	recentBreaking       []bool

	totalRequests   atomic.Int64
	blockedRequests atomic.Int64
}

// New creates a closed breaker for one pair.
func New(pair backend.Pair, cfg Config) *Breaker {
	return &Breaker{
		cfg:              cfg.withDefaults(),
		pair:             pair,
		now:              time.Now,
		state:            StateClosed,
		errorsByCategory: make(map[string]int64),
		errorsByKind:     make(map[errclass.Type]int64),
	}
}

// Allow decides whether a request may proceed. In open state it flips to
// half-open once nextRetryAt has passed and admits the caller as the
// first probe.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.totalRequests.Add(1)

	switch b.state {
	case StateClosed:
		return Decision{Admit: true}

	case StateOpen:
		if !now.Before(b.nextRetryAt) {
			b.toHalfOpen(now)
			b.activeProbeCount = 1
			b.halfOpenAttempts = 1
			return Decision{Admit: true, Probe: true}
		}
		b.blockedRequests.Add(1)
		return Decision{Admit: false, Reason: "circuit open"}

	case StateHalfOpen:
		// A half-open episode that produced no success within the
		// window counts as failed; fall back to open.
		if b.consecutiveSuccesses == 0 && now.Sub(b.halfOpenStartedAt) > b.cfg.HalfOpenTimeout {
			b.openEpisodes++
			b.toOpen(now)
			b.blockedRequests.Add(1)
			return Decision{Admit: false, Reason: "circuit open"}
		}
		if b.activeProbeCount < b.cfg.HalfOpenMaxRequests {
			b.activeProbeCount++
			b.halfOpenAttempts++
			return Decision{Admit: true, Probe: true}
		}
		b.blockedRequests.Add(1)
		return Decision{Admit: false, Reason: "circuit half-open, capacity exhausted"}
	}

	b.blockedRequests.Add(1)
	return Decision{Admit: false, Reason: "unknown circuit state"}
}

// OnSuccess records a successful request or probe.
func (b *Breaker) OnSuccess(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.successCount++
	b.consecutiveSuccesses++
	b.lastSuccessAt = now
	b.errorRate *= 1 - b.cfg.ErrorRateSmoothing

	switch b.state {
	case StateClosed:
		// A success breaks the failure streak.
		b.failureCount = 0
		b.recentBreaking = b.recentBreaking[:0]

	case StateHalfOpen:
		if b.activeProbeCount > 0 {
			b.activeProbeCount--
		}
		logging.Debug("probe succeeded",
			zap.String("pair", b.pair.String()),
			zap.Duration("latency", latency),
			zap.Int("consecutive", b.consecutiveSuccesses),
		)
		if b.consecutiveSuccesses >= b.cfg.RecoverySuccessThreshold {
			b.toClosed()
		}
	}
	// StateOpen: a straggler from before the trip; stats only.
}

// OnFailure records a failed request with its classification.
func (b *Breaker) OnFailure(cls errclass.Classification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failureCount++
	b.consecutiveSuccesses = 0
	b.lastFailureAt = now
	b.lastErrorKind = cls.Type
	b.lastFailureReason = cls.MatchedPattern
	b.errorsByCategory[string(cls.Category)]++
	b.errorsByKind[cls.Type]++
	b.errorRate = b.cfg.ErrorRateSmoothing + (1-b.cfg.ErrorRateSmoothing)*b.errorRate

	b.recentBreaking = append(b.recentBreaking, cls.ShouldCircuitBreak)
	if len(b.recentBreaking) > b.cfg.MaxFailureThreshold {
		b.recentBreaking = b.recentBreaking[len(b.recentBreaking)-b.cfg.MaxFailureThreshold:]
	}

	switch b.state {
	case StateClosed:
		if b.shouldTrip() {
			b.toOpen(now)
		}

	case StateHalfOpen:
		if b.activeProbeCount > 0 {
			b.activeProbeCount--
		}
		b.openEpisodes++
		b.toOpen(now)
	}
	// StateOpen: nextRetryAt stays put; it never moves backward within
	// an episode and stragglers must not extend it.
}

// shouldTrip evaluates the two closed→open conditions. Caller holds mu.
func (b *Breaker) shouldTrip() bool {
	eff := b.effectiveThreshold()
	if b.failureCount >= eff && b.recentAllBreaking(eff) {
		return true
	}
	return b.errorRate >= b.cfg.ErrorRateThreshold && b.failureCount >= b.cfg.MinFailureThreshold
}

// recentAllBreaking reports whether the latest n recorded failures all
// carried shouldCircuitBreak.
func (b *Breaker) recentAllBreaking(n int) bool {
	if len(b.recentBreaking) < n {
		return false
	}
	for _, ok := range b.recentBreaking[len(b.recentBreaking)-n:] {
		if !ok {
			return false
		}
	}
	return true
}

// effectiveThreshold applies the adaptive adjustment: the dominant error
// kind shifts the base threshold down (non-retryable) or up (transient),
// clamped to [min, max]. Caller holds mu.
func (b *Breaker) effectiveThreshold() int {
	t := b.cfg.BaseFailureThreshold
	if b.cfg.AdaptiveThresholds {
		switch b.dominantKind() {
		case errclass.TypeNonRetryable, errclass.TypePermanent:
			t -= b.cfg.AdaptiveAdjustment
		case errclass.TypeTransient:
			t += b.cfg.AdaptiveAdjustment
		}
	}
	if t < b.cfg.MinFailureThreshold {
		t = b.cfg.MinFailureThreshold
	}
	if t > b.cfg.MaxFailureThreshold {
		t = b.cfg.MaxFailureThreshold
	}
	return t
}

func (b *Breaker) dominantKind() errclass.Type {
	var dom errclass.Type
	var max int64
	for k, n := range b.errorsByKind {
		if n > max {
			dom, max = k, n
		}
	}
	return dom
}

// backoffFor maps the error kind that tripped the circuit to how long it
// stays open. n counts consecutive failed open episodes.
func (b *Breaker) backoffFor(kind errclass.Type, n int) time.Duration {
	switch kind {
	case errclass.TypePermanent:
		return 24 * time.Hour
	case errclass.TypeNonRetryable:
		return 48 * time.Hour
	case errclass.TypeRetryable:
		return 12 * time.Hour
	case errclass.TypeRateLimited:
		d := 5 * time.Minute
		for i := 0; i < n; i++ {
			d *= 3
			if d >= time.Hour {
				return time.Hour
			}
		}
		if d > time.Hour {
			d = time.Hour
		}
		return d
	default:
		return b.cfg.OpenTimeout
	}
}

// toOpen enters the open state. nextRetryAt only ever moves forward
// within the episode. Caller holds mu.
func (b *Breaker) toOpen(now time.Time) {
	prev := b.state
	b.state = StateOpen
	b.activeProbeCount = 0
	b.halfOpenAttempts = 0
	b.halfOpenStartedAt = time.Time{}
	b.consecutiveSuccesses = 0

	next := now.Add(b.backoffFor(b.lastErrorKind, b.openEpisodes))
	if next.After(b.nextRetryAt) {
		b.nextRetryAt = next
	}

	metrics.SetBreakerState(b.pair, 2)
	logging.Warn("circuit opened",
		zap.String("pair", b.pair.String()),
		zap.String("from", prev.String()),
		zap.String("error_kind", string(b.lastErrorKind)),
		zap.Int("open_episodes", b.openEpisodes),
		zap.Time("next_retry_at", b.nextRetryAt),
	)
}

// toHalfOpen enters the probing state. Caller holds mu.
func (b *Breaker) toHalfOpen(now time.Time) {
	b.state = StateHalfOpen
	b.halfOpenStartedAt = now
	b.activeProbeCount = 0
	b.halfOpenAttempts = 0
	b.consecutiveSuccesses = 0

	metrics.SetBreakerState(b.pair, 1)
	logging.Info("circuit half-open", zap.String("pair", b.pair.String()))
}

// toClosed restores normal operation. Caller holds mu.
func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.failureCount = 0
	b.recentBreaking = b.recentBreaking[:0]
	b.activeProbeCount = 0
	b.halfOpenAttempts = 0
	b.halfOpenStartedAt = time.Time{}
	b.openEpisodes = 0
	b.nextRetryAt = time.Time{}

	metrics.SetBreakerState(b.pair, 0)
	logging.Info("circuit closed", zap.String("pair", b.pair.String()))
}

// ForceOpen trips the circuit by operator command. The reopen backoff is
// the configured open timeout regardless of error history.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.state = StateOpen
	b.activeProbeCount = 0
	b.halfOpenAttempts = 0
	b.halfOpenStartedAt = time.Time{}
	b.consecutiveSuccesses = 0
	b.nextRetryAt = now.Add(b.cfg.OpenTimeout)
	metrics.SetBreakerState(b.pair, 2)
	logging.Warn("circuit force-opened", zap.String("pair", b.pair.String()))
}

// ForceClose resets the circuit by operator command.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveSuccesses = 0
	b.toClosed()
}

// ForceHalfOpen moves straight to probing by operator command.
func (b *Breaker) ForceHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toHalfOpen(b.now())
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	State                string           `json:"state"`
	FailureCount         int              `json:"failure_count"`
	SuccessCount         int              `json:"success_count"`
	ConsecutiveSuccesses int              `json:"consecutive_successes"`
	TotalRequests        int64            `json:"total_requests"`
	BlockedRequests      int64            `json:"blocked_requests"`
	LastFailureAt        time.Time        `json:"last_failure_at,omitempty"`
	LastSuccessAt        time.Time        `json:"last_success_at,omitempty"`
	NextRetryAt          time.Time        `json:"next_retry_at,omitempty"`
	ErrorRate            float64          `json:"error_rate"`
	ErrorsByCategory     map[string]int64 `json:"errors_by_category,omitempty"`
	LastErrorKind        string           `json:"last_error_kind,omitempty"`
	LastFailureReason    string           `json:"last_failure_reason,omitempty"`
	HalfOpenStartedAt    time.Time        `json:"half_open_started_at,omitempty"`
	HalfOpenAttempts     int              `json:"half_open_attempts"`
	ActiveProbeCount     int              `json:"active_probe_count"`
	OpenEpisodes         int              `json:"open_episodes"`
	EffectiveThreshold   int              `json:"effective_threshold"`
}

// Snapshot returns a point-in-time view of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	cats := make(map[string]int64, len(b.errorsByCategory))
	for k, v := range b.errorsByCategory {
		cats[k] = v
	}
	return Snapshot{
		State:                b.state.String(),
		FailureCount:         b.failureCount,
		SuccessCount:         b.successCount,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalRequests:        b.totalRequests.Load(),
		BlockedRequests:      b.blockedRequests.Load(),
		LastFailureAt:        b.lastFailureAt,
		LastSuccessAt:        b.lastSuccessAt,
		NextRetryAt:          b.nextRetryAt,
		ErrorRate:            b.errorRate,
		ErrorsByCategory:     cats,
		LastErrorKind:        string(b.lastErrorKind),
		LastFailureReason:    b.lastFailureReason,
		HalfOpenStartedAt:    b.halfOpenStartedAt,
		HalfOpenAttempts:     b.halfOpenAttempts,
		ActiveProbeCount:     b.activeProbeCount,
		OpenEpisodes:         b.openEpisodes,
		EffectiveThreshold:   b.effectiveThreshold(),
	}
}

// restore rebuilds breaker state from a persisted snapshot.
func (b *Breaker) restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := ParseState(s.State); ok {
		b.state = st
	}
	b.failureCount = s.FailureCount
	b.successCount = s.SuccessCount
	b.consecutiveSuccesses = s.ConsecutiveSuccesses
	b.totalRequests.Store(s.TotalRequests)
	b.blockedRequests.Store(s.BlockedRequests)
	b.lastFailureAt = s.LastFailureAt
	b.lastSuccessAt = s.LastSuccessAt
	b.nextRetryAt = s.NextRetryAt
	b.errorRate = s.ErrorRate
	for k, v := range s.ErrorsByCategory {
		b.errorsByCategory[k] = v
	}
	b.lastErrorKind = errclass.Type(s.LastErrorKind)
	b.lastFailureReason = s.LastFailureReason
	b.halfOpenStartedAt = s.HalfOpenStartedAt
	b.halfOpenAttempts = s.HalfOpenAttempts
	b.openEpisodes = s.OpenEpisodes

	var g float64
	switch b.state {
	case StateHalfOpen:
		g = 1
	case StateOpen:
		g = 2
	}
	metrics.SetBreakerState(b.pair, g)
}
