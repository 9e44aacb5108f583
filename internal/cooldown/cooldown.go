// Package cooldown keeps recently-failed (backend, model) pairs out of
// candidate selection for a configured window, and holds the permanent
// ban set that survives restarts.
package cooldown

import (
	"time"

	"github.com/maypok86/otter"

	"github.com/modelherd/herd/internal/backend"
)

const (
	// DefaultCapacity bounds the cooldown cache. Entries past capacity
	// evict least-recently-used first, which for cooldowns means the
	// oldest failures.
	DefaultCapacity = 4096

	// DefaultWindow applies when no failure cooldown is configured.
	DefaultWindow = 5 * time.Minute
)

// Store maps a pair to its last failure time. A pair is "in cooldown"
// while less than the window has elapsed since that failure. The otter
// cache bounds memory and expires stale entries on its own; the window
// check here is authoritative so tests can drive the clock.
type Store struct {
	cache  otter.Cache[backend.Pair, time.Time]
	window time.Duration
	now    func() time.Time
}

// NewStore builds a cooldown store. capacity <= 0 and window <= 0 take
// defaults.
func NewStore(capacity int, window time.Duration) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}
	cache, err := otter.MustBuilder[backend.Pair, time.Time](capacity).
		Cost(func(_ backend.Pair, _ time.Time) uint32 { return 1 }).
		WithTTL(window).
		Build()
	if err != nil {
		panic("cooldown: failed to create store: " + err.Error())
	}
	return &Store{
		cache:  cache,
		window: window,
		now:    time.Now,
	}
}

// Window returns the configured cooldown duration.
func (s *Store) Window() time.Duration { return s.window }

// Mark records a failure for the pair, starting (or restarting) its
// cooldown.
func (s *Store) Mark(p backend.Pair) {
	s.cache.Set(p, s.now())
}

// InCooldown reports whether the pair failed within the window.
func (s *Store) InCooldown(p backend.Pair) bool {
	ts, ok := s.cache.Get(p)
	if !ok {
		return false
	}
	return s.now().Sub(ts) < s.window
}

// Remaining returns how much cooldown is left for the pair, zero if none.
func (s *Store) Remaining(p backend.Pair) time.Duration {
	ts, ok := s.cache.Get(p)
	if !ok {
		return 0
	}
	left := s.window - s.now().Sub(ts)
	if left < 0 {
		return 0
	}
	return left
}

// Lift clears the pair's cooldown immediately.
func (s *Store) Lift(p backend.Pair) {
	s.cache.Delete(p)
}

// RemoveBackend clears every cooldown belonging to the backend.
func (s *Store) RemoveBackend(backendID string) {
	var stale []backend.Pair
	s.cache.Range(func(p backend.Pair, _ time.Time) bool {
		if p.BackendID == backendID {
			stale = append(stale, p)
		}
		return true
	})
	for _, p := range stale {
		s.cache.Delete(p)
	}
}

// Snapshot returns the pairs currently in cooldown with their failure
// times.
func (s *Store) Snapshot() map[backend.Pair]time.Time {
	now := s.now()
	out := make(map[backend.Pair]time.Time)
	s.cache.Range(func(p backend.Pair, ts time.Time) bool {
		if now.Sub(ts) < s.window {
			out[p] = ts
		}
		return true
	})
	return out
}

// Close releases the cache's internal resources.
func (s *Store) Close() {
	s.cache.Close()
}
