// Package timeout derives per-(backend, model) upstream timeouts from
// observed response times. The connection and activity deadlines for a
// call both come from the pair's current timeout; streaming requests get
// a larger multiplier over the learned base.
package timeout

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/modelherd/herd/internal/backend"
)

// Config tunes the manager. Zero values take defaults.
type Config struct {
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	MinTimeout          time.Duration `yaml:"min_timeout"`
	MaxTimeout          time.Duration `yaml:"max_timeout"`
	Multiplier          float64       `yaml:"multiplier"`
	StreamingMultiplier float64       `yaml:"streaming_multiplier"`
	GrowthFactor        float64       `yaml:"growth_factor"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:      30 * time.Second,
		MinTimeout:          5 * time.Second,
		MaxTimeout:          10 * time.Minute,
		Multiplier:          1.5,
		StreamingMultiplier: 3.0,
		GrowthFactor:        1.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = d.MinTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.MaxTimeout < c.MinTimeout {
		c.MaxTimeout = c.MinTimeout
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.StreamingMultiplier <= 0 {
		c.StreamingMultiplier = d.StreamingMultiplier
	}
	if c.GrowthFactor <= 1 {
		c.GrowthFactor = d.GrowthFactor
	}
	return c
}

// state is one pair's learned timing. base tracks the last successful
// response time and only grows on timeouts; the current timeout is always
// derived as clamp(base * multiplier).
type state struct {
	mu                   sync.Mutex
	base                 time.Duration
	consecutiveSuccesses int
	consecutiveFailures  int
	lastUpdated          time.Time
}

// Manager holds per-pair timeout state.
type Manager struct {
	cfg     Config
	entries *xsync.MapOf[backend.Pair, *state]
	nowFn   func() time.Time
}

// NewManager builds a manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		entries: xsync.NewMapOf[backend.Pair, *state](),
		nowFn:   time.Now,
	}
}

func (m *Manager) get(p backend.Pair) *state {
	s, _ := m.entries.LoadOrTryCompute(p, func() (*state, bool) {
		return &state{base: m.cfg.DefaultTimeout}, false
	})
	return s
}

func (m *Manager) clamp(d time.Duration) time.Duration {
	if d < m.cfg.MinTimeout {
		return m.cfg.MinTimeout
	}
	if d > m.cfg.MaxTimeout {
		return m.cfg.MaxTimeout
	}
	return d
}

// For returns the pair's current timeout. It bounds both phases of a
// call: time to response headers and the idle gap between chunks.
func (m *Manager) For(p backend.Pair, streaming bool) time.Duration {
	mult := m.cfg.Multiplier
	if streaming {
		mult = m.cfg.StreamingMultiplier
	}
	s := m.get(p)
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	return m.clamp(time.Duration(float64(base) * mult))
}

// RecordSuccess reseeds the pair's base from a measured response time.
func (m *Manager) RecordSuccess(p backend.Pair, responseTime time.Duration) {
	if responseTime <= 0 {
		return
	}
	s := m.get(p)
	s.mu.Lock()
	s.base = responseTime
	s.consecutiveSuccesses++
	s.consecutiveFailures = 0
	s.lastUpdated = m.nowFn()
	s.mu.Unlock()
}

// RecordTimeout grows the pair's base after an upstream deadline fired,
// so the next attempt gets more headroom.
func (m *Manager) RecordTimeout(p backend.Pair) {
	s := m.get(p)
	s.mu.Lock()
	s.base = time.Duration(float64(s.base) * m.cfg.GrowthFactor)
	if s.base > m.cfg.MaxTimeout {
		s.base = m.cfg.MaxTimeout
	}
	s.consecutiveFailures++
	s.consecutiveSuccesses = 0
	s.lastUpdated = m.nowFn()
	s.mu.Unlock()
}

// State is the control-plane view of one pair.
type State struct {
	Base                 time.Duration `json:"base_ms"`
	Current              time.Duration `json:"current_ms"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	LastUpdated          time.Time     `json:"last_updated,omitempty"`
}

// Get returns the pair's state, reporting whether it has one.
func (m *Manager) Get(p backend.Pair) (State, bool) {
	s, ok := m.entries.Load(p)
	if !ok {
		return State{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Base:                 s.base,
		Current:              m.clamp(time.Duration(float64(s.base) * m.cfg.Multiplier)),
		ConsecutiveSuccesses: s.consecutiveSuccesses,
		ConsecutiveFailures:  s.consecutiveFailures,
		LastUpdated:          s.lastUpdated,
	}, true
}

// All returns every pair's state.
func (m *Manager) All() map[backend.Pair]State {
	out := make(map[backend.Pair]State, m.entries.Size())
	m.entries.Range(func(p backend.Pair, _ *state) bool {
		if st, ok := m.Get(p); ok {
			out[p] = st
		}
		return true
	})
	return out
}

// Remove drops one pair's state.
func (m *Manager) Remove(p backend.Pair) {
	m.entries.Delete(p)
}

// RemoveBackend drops every pair belonging to the backend.
func (m *Manager) RemoveBackend(backendID string) {
	m.entries.Range(func(p backend.Pair, _ *state) bool {
		if p.BackendID == backendID {
			m.entries.Delete(p)
		}
		return true
	})
}

// Entry is the timeouts.json representation of one pair.
type Entry struct {
	BaseTimeoutMs    int64     `json:"baseTimeoutMs"`
	CurrentTimeoutMs int64     `json:"currentTimeoutMs"`
	LastUpdatedAt    time.Time `json:"lastUpdatedAt"`
}

// PersistedState is the timeouts.json payload.
type PersistedState struct {
	Version  int              `json:"version"`
	Timeouts map[string]Entry `json:"timeouts"`
}

// PersistVersion marks the timeouts.json schema.
const PersistVersion = 1

// PersistedState captures every pair, keyed "backendID:model".
func (m *Manager) PersistedState() PersistedState {
	st := PersistedState{Version: PersistVersion, Timeouts: make(map[string]Entry)}
	m.entries.Range(func(p backend.Pair, s *state) bool {
		s.mu.Lock()
		st.Timeouts[p.String()] = Entry{
			BaseTimeoutMs:    s.base.Milliseconds(),
			CurrentTimeoutMs: m.clamp(time.Duration(float64(s.base) * m.cfg.Multiplier)).Milliseconds(),
			LastUpdatedAt:    s.lastUpdated,
		}
		s.mu.Unlock()
		return true
	})
	return st
}

// Restore seeds pair state from a persisted payload, skipping malformed
// keys and non-positive bases.
func (m *Manager) Restore(st PersistedState) {
	for key, e := range st.Timeouts {
		p, ok := backend.ParsePair(key)
		if !ok || e.BaseTimeoutMs <= 0 {
			continue
		}
		s := m.get(p)
		s.mu.Lock()
		s.base = time.Duration(e.BaseTimeoutMs) * time.Millisecond
		s.lastUpdated = e.LastUpdatedAt
		s.mu.Unlock()
	}
}
