package metrics

import "time"

// Window is one sealed or in-progress aggregation interval.
type Window struct {
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
	Count             int64     `json:"count"`
	Errors            int64     `json:"errors"`
	LatencySumMs      float64   `json:"latency_sum_ms"`
	LatencySumSquares float64   `json:"latency_sum_squares"`
	MinLatencyMs      float64   `json:"min_latency_ms"`
	MaxLatencyMs      float64   `json:"max_latency_ms"`
	TokensGenerated   int64     `json:"tokens_generated"`
	TokensPrompt      int64     `json:"tokens_prompt"`
}

// AvgLatencyMs returns the mean latency of successful requests in the
// window, or 0 when it saw none.
func (w Window) AvgLatencyMs() float64 {
	n := w.Count - w.Errors
	if n <= 0 {
		return 0
	}
	return w.LatencySumMs / float64(n)
}

// SuccessRate returns 1 - errors/count, or 0 for an empty window.
func (w Window) SuccessRate() float64 {
	if w.Count == 0 {
		return 0
	}
	return 1 - float64(w.Errors)/float64(w.Count)
}

// windowDurations are the tracked spans, shortest first. The 1m window
// drives successRate and throughput.
var windowDurations = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	24 * time.Hour,
}

// WindowName labels a duration the way snapshots key it ("1m", "24h").
func WindowName(d time.Duration) string {
	switch d {
	case time.Minute:
		return "1m"
	case 5 * time.Minute:
		return "5m"
	case 15 * time.Minute:
		return "15m"
	case time.Hour:
		return "1h"
	case 24 * time.Hour:
		return "24h"
	}
	return d.String()
}

// windowSlot tracks the in-progress window for one duration plus the
// last sealed one.
type windowSlot struct {
	dur  time.Duration
	cur  Window
	prev Window
}

func newWindowSlot(dur time.Duration, now time.Time) windowSlot {
	return windowSlot{dur: dur, cur: Window{Start: now, End: now.Add(dur)}}
}

// advance seals the current window if its end has passed and opens a new
// one starting at now. Lazy: called on every read and write, so no
// background sweeping is needed.
func (s *windowSlot) advance(now time.Time) {
	if now.Before(s.cur.End) {
		return
	}
	s.prev = s.cur
	s.cur = Window{Start: now, End: now.Add(s.dur)}
}

func (s *windowSlot) recordRequest(now time.Time, latencyMs float64, tokensGen, tokensPrompt int64) {
	s.advance(now)
	w := &s.cur
	w.Count++
	w.LatencySumMs += latencyMs
	w.LatencySumSquares += latencyMs * latencyMs
	if w.Count-w.Errors == 1 || latencyMs < w.MinLatencyMs {
		w.MinLatencyMs = latencyMs
	}
	if latencyMs > w.MaxLatencyMs {
		w.MaxLatencyMs = latencyMs
	}
	w.TokensGenerated += tokensGen
	w.TokensPrompt += tokensPrompt
}

func (s *windowSlot) recordError(now time.Time) {
	s.advance(now)
	s.cur.Count++
	s.cur.Errors++
}
