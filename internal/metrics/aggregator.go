// Package metrics keeps per-(backend, model) request statistics: recent
// latency/TTFT/stream-duration rings, tumbling windows from one minute to
// a day, and a time-decayed latency EWMA the load balancer reads. All
// window rollover is lazy; there is no background goroutine.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/modelherd/herd/internal/backend"
)

const defaultRingSize = 1000

// Options tunes the aggregator. Zero values take defaults.
type Options struct {
	RingSize int
	// DecayWindow sets the EWMA time constant: an observation Δt old
	// keeps weight exp(-Δt/DecayWindow). Zero disables time decay and
	// falls back to a fixed Alpha blend per observation.
	DecayWindow time.Duration
	// Alpha is the fixed smoothing factor used when DecayWindow is zero.
	Alpha float64
}

func (o Options) withDefaults() Options {
	if o.RingSize <= 0 {
		o.RingSize = defaultRingSize
	}
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = 0.5
	}
	return o
}

// entry is the mutable state for one pair. All fields are guarded by mu;
// the rings and windows are not safe to touch outside it.
type entry struct {
	mu sync.Mutex

	latencies  *ring
	ttft       *ring
	streamDur  *ring
	slots      []windowSlot
	totalCount int64
	totalErrs  int64
	tokensGen  int64
	tokensPrm  int64
	errsByKind map[string]int64
	lastSeen   time.Time
	lastError  time.Time

	ewmaMs float64
	ewmaAt time.Time
}

// Snapshot is the read-only view of one pair's statistics.
type Snapshot struct {
	TotalRequests int64            `json:"total_requests"`
	TotalErrors   int64            `json:"total_errors"`
	ErrorsByKind  map[string]int64 `json:"errors_by_kind,omitempty"`

	SuccessRate   float64 `json:"success_rate"`
	ThroughputRPM float64 `json:"throughput_rpm"`

	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P50LatencyMs  float64 `json:"p50_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	EWMALatencyMs float64 `json:"ewma_latency_ms"`

	AvgTTFTMs float64 `json:"avg_ttft_ms"`
	P50TTFTMs float64 `json:"p50_ttft_ms"`
	P95TTFTMs float64 `json:"p95_ttft_ms"`
	P99TTFTMs float64 `json:"p99_ttft_ms"`

	AvgStreamDurationMs float64 `json:"avg_stream_duration_ms"`
	P95StreamDurationMs float64 `json:"p95_stream_duration_ms"`

	TokensGenerated     int64   `json:"tokens_generated"`
	TokensPrompt        int64   `json:"tokens_prompt"`
	AvgTokensPerRequest float64 `json:"avg_tokens_per_request"`

	Windows map[string]Window `json:"windows"`

	LastRequestAt time.Time `json:"last_request_at"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
}

// Aggregator holds the per-pair entries plus one synthetic global entry
// fed by every record call.
type Aggregator struct {
	opts    Options
	entries *xsync.MapOf[backend.Pair, *entry]
	global  *entry
	nowFn   func() time.Time
}

// NewAggregator builds an empty aggregator.
func NewAggregator(opts Options) *Aggregator {
	o := opts.withDefaults()
	a := &Aggregator{
		opts:    o,
		entries: xsync.NewMapOf[backend.Pair, *entry](),
		nowFn:   time.Now,
	}
	a.global = a.newEntry(a.nowFn())
	return a
}

func (a *Aggregator) newEntry(now time.Time) *entry {
	slots := make([]windowSlot, len(windowDurations))
	for i, d := range windowDurations {
		slots[i] = newWindowSlot(d, now)
	}
	return &entry{
		latencies:  newRing(a.opts.RingSize),
		ttft:       newRing(a.opts.RingSize),
		streamDur:  newRing(a.opts.RingSize),
		slots:      slots,
		errsByKind: make(map[string]int64),
	}
}

func (a *Aggregator) get(p backend.Pair) *entry {
	e, _ := a.entries.LoadOrTryCompute(p, func() (*entry, bool) {
		return a.newEntry(a.nowFn()), false
	})
	return e
}

// RecordRequest records one completed request with its end-to-end latency
// and token counts from the upstream's final chunk.
func (a *Aggregator) RecordRequest(p backend.Pair, latency time.Duration, tokensGen, tokensPrompt int64) {
	now := a.nowFn()
	ms := float64(latency) / float64(time.Millisecond)
	for _, e := range [2]*entry{a.get(p), a.global} {
		e.mu.Lock()
		e.latencies.push(ms)
		for i := range e.slots {
			e.slots[i].recordRequest(now, ms, tokensGen, tokensPrompt)
		}
		e.totalCount++
		e.tokensGen += tokensGen
		e.tokensPrm += tokensPrompt
		e.lastSeen = now
		a.observeEWMA(e, now, ms)
		e.mu.Unlock()
	}
	requestsTotal.WithLabelValues(p.BackendID, p.Model, "success").Inc()
	requestDuration.WithLabelValues(p.BackendID, p.Model).Observe(latency.Seconds())
}

// RecordError records one failed request. kind is the classified error
// type ("transient", "non-retryable", ...).
func (a *Aggregator) RecordError(p backend.Pair, kind string) {
	now := a.nowFn()
	for _, e := range [2]*entry{a.get(p), a.global} {
		e.mu.Lock()
		for i := range e.slots {
			e.slots[i].recordError(now)
		}
		e.totalCount++
		e.totalErrs++
		if kind != "" {
			e.errsByKind[kind]++
		}
		e.lastSeen = now
		e.lastError = now
		e.mu.Unlock()
	}
	requestsTotal.WithLabelValues(p.BackendID, p.Model, "error").Inc()
}

// RecordFirstToken records time-to-first-token for a streaming request:
// the gap from proxy start to the first chunk carrying visible content.
func (a *Aggregator) RecordFirstToken(p backend.Pair, ttft time.Duration) {
	ms := float64(ttft) / float64(time.Millisecond)
	for _, e := range [2]*entry{a.get(p), a.global} {
		e.mu.Lock()
		e.ttft.push(ms)
		e.mu.Unlock()
	}
	ttftSeconds.WithLabelValues(p.BackendID, p.Model).Observe(ttft.Seconds())
}

// RecordStreamDuration records the end-to-end wall time of a completed
// stream.
func (a *Aggregator) RecordStreamDuration(p backend.Pair, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	for _, e := range [2]*entry{a.get(p), a.global} {
		e.mu.Lock()
		e.streamDur.push(ms)
		e.mu.Unlock()
	}
}

// observeEWMA folds one latency sample into the entry's EWMA. Caller
// holds e.mu.
func (a *Aggregator) observeEWMA(e *entry, now time.Time, ms float64) {
	if e.ewmaAt.IsZero() {
		e.ewmaMs = ms
		e.ewmaAt = now
		return
	}
	var w float64
	if a.opts.DecayWindow > 0 {
		dt := now.Sub(e.ewmaAt)
		if dt < 0 {
			dt = 0
		}
		w = math.Exp(-float64(dt) / float64(a.opts.DecayWindow))
	} else {
		w = 1 - a.opts.Alpha
	}
	e.ewmaMs = w*e.ewmaMs + (1-w)*ms
	e.ewmaAt = now
}

// Get returns the snapshot for one pair. ok is false if the pair was
// never recorded.
func (a *Aggregator) Get(p backend.Pair) (Snapshot, bool) {
	e, ok := a.entries.Load(p)
	if !ok {
		return Snapshot{}, false
	}
	return a.snapshot(e), true
}

// All returns a snapshot per known pair.
func (a *Aggregator) All() map[backend.Pair]Snapshot {
	out := make(map[backend.Pair]Snapshot, a.entries.Size())
	a.entries.Range(func(p backend.Pair, e *entry) bool {
		out[p] = a.snapshot(e)
		return true
	})
	return out
}

// Global returns the fleet-wide snapshot.
func (a *Aggregator) Global() Snapshot {
	return a.snapshot(a.global)
}

// EWMALatencyMs returns the decayed latency estimate for scoring. ok is
// false when the pair has no samples yet.
func (a *Aggregator) EWMALatencyMs(p backend.Pair) (float64, bool) {
	e, ok := a.entries.Load(p)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ewmaAt.IsZero() {
		return 0, false
	}
	return e.ewmaMs, true
}

// SuccessRate returns 1 - errors/count over the one-minute window, 0 for
// an unseen or idle pair.
func (a *Aggregator) SuccessRate(p backend.Pair) float64 {
	e, ok := a.entries.Load(p)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := a.nowFn()
	e.slots[0].advance(now)
	return e.slots[0].cur.SuccessRate()
}

// Remove drops one pair's statistics.
func (a *Aggregator) Remove(p backend.Pair) {
	a.entries.Delete(p)
}

// RemoveBackend drops every pair belonging to the backend, used when a
// server leaves the fleet.
func (a *Aggregator) RemoveBackend(backendID string) {
	a.entries.Range(func(p backend.Pair, _ *entry) bool {
		if p.BackendID == backendID {
			a.entries.Delete(p)
		}
		return true
	})
}

func (a *Aggregator) snapshot(e *entry) Snapshot {
	now := a.nowFn()
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.slots {
		e.slots[i].advance(now)
	}

	windows := make(map[string]Window, len(e.slots))
	for _, s := range e.slots {
		windows[WindowName(s.dur)] = s.cur
	}

	oneMin := e.slots[0].cur
	var avgTokens float64
	if succ := e.totalCount - e.totalErrs; succ > 0 {
		avgTokens = float64(e.tokensGen) / float64(succ)
	}

	var kinds map[string]int64
	if len(e.errsByKind) > 0 {
		kinds = make(map[string]int64, len(e.errsByKind))
		for k, v := range e.errsByKind {
			kinds[k] = v
		}
	}

	return Snapshot{
		TotalRequests: e.totalCount,
		TotalErrors:   e.totalErrs,
		ErrorsByKind:  kinds,

		SuccessRate:   oneMin.SuccessRate(),
		ThroughputRPM: throughput(oneMin, now),

		AvgLatencyMs:  e.latencies.mean(),
		P50LatencyMs:  e.latencies.percentile(0.50),
		P95LatencyMs:  e.latencies.percentile(0.95),
		P99LatencyMs:  e.latencies.percentile(0.99),
		EWMALatencyMs: e.ewmaMs,

		AvgTTFTMs: e.ttft.mean(),
		P50TTFTMs: e.ttft.percentile(0.50),
		P95TTFTMs: e.ttft.percentile(0.95),
		P99TTFTMs: e.ttft.percentile(0.99),

		AvgStreamDurationMs: e.streamDur.mean(),
		P95StreamDurationMs: e.streamDur.percentile(0.95),

		TokensGenerated:     e.tokensGen,
		TokensPrompt:        e.tokensPrm,
		AvgTokensPerRequest: avgTokens,

		Windows: windows,

		LastRequestAt: e.lastSeen,
		LastErrorAt:   e.lastError,
	}
}

// throughput projects requests-per-minute from the in-progress window.
// The elapsed time is floored at one second so a fresh window does not
// explode the estimate.
func throughput(w Window, now time.Time) float64 {
	if w.Count == 0 {
		return 0
	}
	elapsed := now.Sub(w.Start)
	if elapsed < time.Second {
		elapsed = time.Second
	}
	return float64(w.Count) / elapsed.Minutes()
}
