package metrics

import (
	"time"

	"github.com/modelherd/herd/internal/backend"
)

// PersistedState is the metrics.json payload. Rings and windows are
// short-lived and deliberately not persisted; lifetime counters and the
// EWMA survive restarts so scoring does not cold-start the whole fleet.
type PersistedState struct {
	Timestamp time.Time                 `json:"timestamp"`
	Servers   map[string]PersistedEntry `json:"servers"`
}

// PersistedEntry is one pair's durable slice, keyed "backendID:model".
type PersistedEntry struct {
	TotalRequests   int64            `json:"total_requests"`
	TotalErrors     int64            `json:"total_errors"`
	ErrorsByKind    map[string]int64 `json:"errors_by_kind,omitempty"`
	TokensGenerated int64            `json:"tokens_generated"`
	TokensPrompt    int64            `json:"tokens_prompt"`
	EWMALatencyMs   float64          `json:"ewma_latency_ms"`
	LastRequestAt   time.Time        `json:"last_request_at"`
}

// PersistedState captures the durable slice of every pair seen within
// retention. Zero retention keeps everything.
func (a *Aggregator) PersistedState(retention time.Duration) PersistedState {
	now := a.nowFn()
	st := PersistedState{Timestamp: now, Servers: make(map[string]PersistedEntry)}
	a.entries.Range(func(p backend.Pair, e *entry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.totalCount == 0 {
			return true
		}
		if retention > 0 && now.Sub(e.lastSeen) > retention {
			return true
		}
		var kinds map[string]int64
		if len(e.errsByKind) > 0 {
			kinds = make(map[string]int64, len(e.errsByKind))
			for k, v := range e.errsByKind {
				kinds[k] = v
			}
		}
		st.Servers[p.String()] = PersistedEntry{
			TotalRequests:   e.totalCount,
			TotalErrors:     e.totalErrs,
			ErrorsByKind:    kinds,
			TokensGenerated: e.tokensGen,
			TokensPrompt:    e.tokensPrm,
			EWMALatencyMs:   e.ewmaMs,
			LastRequestAt:   e.lastSeen,
		}
		return true
	})
	return st
}

// Restore seeds entries from a persisted state. Entries older than
// retention (relative to now) are skipped; malformed keys are skipped.
// Restore is meant for startup, before traffic flows.
func (a *Aggregator) Restore(st PersistedState, retention time.Duration) {
	now := a.nowFn()
	for key, pe := range st.Servers {
		p, ok := backend.ParsePair(key)
		if !ok {
			continue
		}
		if retention > 0 && now.Sub(pe.LastRequestAt) > retention {
			continue
		}
		e := a.get(p)
		e.mu.Lock()
		e.totalCount = pe.TotalRequests
		e.totalErrs = pe.TotalErrors
		if len(pe.ErrorsByKind) > 0 {
			e.errsByKind = make(map[string]int64, len(pe.ErrorsByKind))
			for k, v := range pe.ErrorsByKind {
				e.errsByKind[k] = v
			}
		}
		e.tokensGen = pe.TokensGenerated
		e.tokensPrm = pe.TokensPrompt
		if pe.EWMALatencyMs > 0 {
			e.ewmaMs = pe.EWMALatencyMs
			e.ewmaAt = pe.LastRequestAt
		}
		e.lastSeen = pe.LastRequestAt
		e.mu.Unlock()
	}
}
