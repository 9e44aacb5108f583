// Package inflight tracks concurrent requests per (backend, model) pair.
// Regular traffic counts against the backend's concurrency cap; probe
// traffic is accounted separately and bypasses the cap. The admission
// check and its increment happen in one critical section.
package inflight

import (
	"sync"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/metrics"
)

// Counts is the per-pair view: public in-flight is Regular + Bypass.
type Counts struct {
	Regular int `json:"regular"`
	Bypass  int `json:"bypass"`
}

// Manager holds both counter maps under one mutex. Counters never go
// negative and a zero deletes its key, so the maps stay proportional to
// live traffic.
type Manager struct {
	mu      sync.Mutex
	regular map[backend.Pair]int
	bypass  map[backend.Pair]int
}

// NewManager builds an empty manager.
func NewManager() *Manager {
	return &Manager{
		regular: make(map[backend.Pair]int),
		bypass:  make(map[backend.Pair]int),
	}
}

// TryAcquire admits one regular request for the pair iff the backend's
// public in-flight total is below maxConcurrency. The check and the
// increment are atomic.
func (m *Manager) TryAcquire(p backend.Pair, maxConcurrency int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxConcurrency <= 0 {
		maxConcurrency = backend.DefaultMaxConcurrency
	}
	if m.backendTotalLocked(p.BackendID) >= maxConcurrency {
		return false
	}
	m.regular[p]++
	metrics.SetInflight(p.BackendID, m.backendTotalLocked(p.BackendID))
	return true
}

// AcquireBypass admits a probe for the pair unconditionally.
func (m *Manager) AcquireBypass(p backend.Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bypass[p]++
	metrics.SetInflight(p.BackendID, m.backendTotalLocked(p.BackendID))
}

// Release returns one regular slot for the pair. Releasing an empty
// counter is a no-op.
func (m *Manager) Release(p backend.Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decrementLocked(m.regular, p)
	metrics.SetInflight(p.BackendID, m.backendTotalLocked(p.BackendID))
}

// ReleaseBypass returns one probe slot for the pair.
func (m *Manager) ReleaseBypass(p backend.Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decrementLocked(m.bypass, p)
	metrics.SetInflight(p.BackendID, m.backendTotalLocked(p.BackendID))
}

func (m *Manager) decrementLocked(counters map[backend.Pair]int, p backend.Pair) {
	n, ok := counters[p]
	if !ok {
		return
	}
	if n <= 1 {
		delete(counters, p)
		return
	}
	counters[p] = n - 1
}

// backendTotalLocked sums regular and bypass across the backend's models.
// Caller holds mu.
func (m *Manager) backendTotalLocked(backendID string) int {
	total := 0
	for p, n := range m.regular {
		if p.BackendID == backendID {
			total += n
		}
	}
	for p, n := range m.bypass {
		if p.BackendID == backendID {
			total += n
		}
	}
	return total
}

// PairInFlight returns the public in-flight count for the pair.
func (m *Manager) PairInFlight(p backend.Pair) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regular[p] + m.bypass[p]
}

// BackendInFlight returns the public in-flight total across the
// backend's models.
func (m *Manager) BackendInFlight(backendID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backendTotalLocked(backendID)
}

// Total returns the public in-flight count across the whole fleet.
func (m *Manager) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.regular {
		total += n
	}
	for _, n := range m.bypass {
		total += n
	}
	return total
}

// Snapshot copies every live counter pair.
func (m *Manager) Snapshot() map[backend.Pair]Counts {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[backend.Pair]Counts, len(m.regular)+len(m.bypass))
	for p, n := range m.regular {
		c := out[p]
		c.Regular = n
		out[p] = c
	}
	for p, n := range m.bypass {
		c := out[p]
		c.Bypass = n
		out[p] = c
	}
	return out
}

// RemoveBackend drops every counter belonging to the backend. Used when
// a backend leaves the fleet; outstanding releases for it become no-ops.
func (m *Manager) RemoveBackend(backendID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.regular {
		if p.BackendID == backendID {
			delete(m.regular, p)
		}
	}
	for p := range m.bypass {
		if p.BackendID == backendID {
			delete(m.bypass, p)
		}
	}
	metrics.SetInflight(backendID, 0)
}
