package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/logging"
)

// escalation watches the per-pair breakers of each backend. When the
// fraction of open pairs stays above the ratio threshold for the full
// duration threshold, the backend is blocked outright; it heals the same
// way, staying below the threshold for the full duration.
type escalation struct {
	cfg EscalationConfig
	reg *Registry

	mu     sync.Mutex
	states map[string]*escalationState
}

type escalationState struct {
	blocked    bool
	aboveSince time.Time
	belowSince time.Time
}

func newEscalation(cfg EscalationConfig, reg *Registry) *escalation {
	if cfg.RatioThreshold <= 0 || cfg.RatioThreshold > 1 {
		cfg.RatioThreshold = DefaultEscalationConfig().RatioThreshold
	}
	if cfg.DurationThreshold <= 0 {
		cfg.DurationThreshold = DefaultEscalationConfig().DurationThreshold
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultEscalationConfig().CheckInterval
	}
	return &escalation{
		cfg:    cfg,
		reg:    reg,
		states: make(map[string]*escalationState),
	}
}

// blocked gates new admissions only; requests already in flight on an
// escalated backend run to completion.
//
// TODO: revisit whether escalation should also cancel in-flight work; a
// blocked backend still finishes what it already accepted.
func (e *escalation) blocked(backendID string) bool {
	if !e.cfg.Enabled {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[backendID]
	return ok && st.blocked
}

func (e *escalation) forget(backendID string) {
	e.mu.Lock()
	delete(e.states, backendID)
	e.mu.Unlock()
}

func (e *escalation) run(stop <-chan struct{}) {
	if !e.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

// sweep recomputes the open-pair ratio per backend and applies the
// hysteresis on block/unblock.
func (e *escalation) sweep(now time.Time) {
	if !e.cfg.Enabled {
		return
	}

	open := make(map[string]int)
	total := make(map[string]int)
	e.reg.breakers.Range(func(p backend.Pair, b *Breaker) bool {
		total[p.BackendID]++
		if b.State() == StateOpen {
			open[p.BackendID]++
		}
		return true
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	for backendID, n := range total {
		ratio := float64(open[backendID]) / float64(n)
		st, ok := e.states[backendID]
		if !ok {
			st = &escalationState{}
			e.states[backendID] = st
		}

		if ratio >= e.cfg.RatioThreshold {
			st.belowSince = time.Time{}
			if st.aboveSince.IsZero() {
				st.aboveSince = now
			}
			if !st.blocked && now.Sub(st.aboveSince) >= e.cfg.DurationThreshold {
				st.blocked = true
				logging.Warn("backend escalated to blocked",
					zap.String("backend", backendID),
					zap.Float64("open_ratio", ratio),
					zap.Int("open_pairs", open[backendID]),
					zap.Int("total_pairs", n),
				)
			}
		} else {
			st.aboveSince = time.Time{}
			if st.belowSince.IsZero() {
				st.belowSince = now
			}
			if st.blocked && now.Sub(st.belowSince) >= e.cfg.DurationThreshold {
				st.blocked = false
				logging.Info("backend escalation healed",
					zap.String("backend", backendID),
					zap.Float64("open_ratio", ratio),
				)
			}
		}
	}

	// Backends that lost all their breakers heal implicitly.
	for backendID := range e.states {
		if total[backendID] == 0 {
			delete(e.states, backendID)
		}
	}
}
