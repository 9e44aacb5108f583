package breaker

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/errclass"
	"github.com/modelherd/herd/internal/metrics"
)

// Registry keys breakers by (backend, model) pair. Breakers are created
// lazily on first use and all share one config.
type Registry struct {
	cfg      Config
	breakers *xsync.MapOf[backend.Pair, *Breaker]
	esc      *escalation
	nowFn    func() time.Time
}

// EscalationConfig enables the backend-level breaker: when too many of a
// backend's pairs sit open for long enough, the whole backend is blocked.
type EscalationConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RatioThreshold    float64       `yaml:"ratio_threshold"`
	DurationThreshold time.Duration `yaml:"duration_threshold"`
	CheckInterval     time.Duration `yaml:"check_interval"`
}

// DefaultEscalationConfig returns the escalation defaults (disabled).
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		RatioThreshold:    0.5,
		DurationThreshold: 2 * time.Minute,
		CheckInterval:     30 * time.Second,
	}
}

// NewRegistry builds a registry.
func NewRegistry(cfg Config, esc EscalationConfig) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		breakers: xsync.NewMapOf[backend.Pair, *Breaker](),
		nowFn:    time.Now,
	}
	r.esc = newEscalation(esc, r)
	return r
}

// Get returns the breaker for a pair, creating it closed if absent.
func (r *Registry) Get(p backend.Pair) *Breaker {
	b, _ := r.breakers.LoadOrTryCompute(p, func() (*Breaker, bool) {
		nb := New(p, r.cfg)
		nb.now = r.nowFn
		return nb, false
	})
	return b
}

// Peek returns the breaker only if it exists.
func (r *Registry) Peek(p backend.Pair) (*Breaker, bool) {
	return r.breakers.Load(p)
}

// Allow runs the admission check for a pair, including the backend-level
// escalation block.
func (r *Registry) Allow(p backend.Pair) Decision {
	if r.esc.blocked(p.BackendID) {
		return Decision{Admit: false, Reason: "backend escalated: too many open circuits"}
	}
	return r.Get(p).Allow()
}

// OnSuccess reports a successful request for the pair.
func (r *Registry) OnSuccess(p backend.Pair, latency time.Duration) {
	r.Get(p).OnSuccess(latency)
}

// OnFailure reports a classified failure for the pair.
func (r *Registry) OnFailure(p backend.Pair, cls errclass.Classification) {
	r.Get(p).OnFailure(cls)
}

// ForceOpen trips the pair's breaker.
func (r *Registry) ForceOpen(p backend.Pair) { r.Get(p).ForceOpen() }

// ForceClose resets the pair's breaker.
func (r *Registry) ForceClose(p backend.Pair) { r.Get(p).ForceClose() }

// ForceHalfOpen moves the pair's breaker to probing.
func (r *Registry) ForceHalfOpen(p backend.Pair) { r.Get(p).ForceHalfOpen() }

// State returns the pair's state without creating a breaker.
func (r *Registry) State(p backend.Pair) State {
	if b, ok := r.breakers.Load(p); ok {
		return b.State()
	}
	return StateClosed
}

// BackendBlocked reports whether escalation currently blocks the backend.
func (r *Registry) BackendBlocked(backendID string) bool {
	return r.esc.blocked(backendID)
}

// All returns a snapshot per known pair.
func (r *Registry) All() map[backend.Pair]Snapshot {
	out := make(map[backend.Pair]Snapshot, r.breakers.Size())
	r.breakers.Range(func(p backend.Pair, b *Breaker) bool {
		out[p] = b.Snapshot()
		return true
	})
	return out
}

// Remove drops one pair's breaker.
func (r *Registry) Remove(p backend.Pair) {
	r.breakers.Delete(p)
	metrics.DeleteBreakerState(p)
}

// RemoveBackend drops every breaker belonging to the backend.
func (r *Registry) RemoveBackend(backendID string) {
	r.breakers.Range(func(p backend.Pair, _ *Breaker) bool {
		if p.BackendID == backendID {
			r.breakers.Delete(p)
			metrics.DeleteBreakerState(p)
		}
		return true
	})
	r.esc.forget(backendID)
}

// RunEscalation starts the escalation sweep loop; it returns immediately
// when escalation is disabled. Cancel the context to stop it.
func (r *Registry) RunEscalation(stop <-chan struct{}) {
	r.esc.run(stop)
}

// SweepEscalations evaluates escalation once, for tests and manual kicks.
func (r *Registry) SweepEscalations() {
	r.esc.sweep(r.nowFn())
}

// PersistedState is the circuit-breakers.json payload.
type PersistedState struct {
	Timestamp time.Time           `json:"timestamp"`
	Breakers  map[string]Snapshot `json:"breakers"`
}

// PersistedState captures every breaker, keyed "backendID:model".
func (r *Registry) PersistedState() PersistedState {
	st := PersistedState{Timestamp: r.nowFn(), Breakers: make(map[string]Snapshot)}
	r.breakers.Range(func(p backend.Pair, b *Breaker) bool {
		st.Breakers[p.String()] = b.Snapshot()
		return true
	})
	return st
}

// Restore rebuilds breakers from a persisted state. Open breakers whose
// nextRetryAt already passed restore as open anyway; the first Allow
// flips them to half-open, which is the behavior we want after a restart.
func (r *Registry) Restore(st PersistedState) {
	for key, snap := range st.Breakers {
		p, ok := backend.ParsePair(key)
		if !ok {
			continue
		}
		r.Get(p).restore(snap)
	}
}
