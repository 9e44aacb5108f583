package balancer

// durationCeilingFactor scales the latency ceiling into a streaming
// duration ceiling: whole streams run an order of magnitude longer than
// single-response latencies.
const durationCeilingFactor = 10

// selectStreaming scores candidates on time-to-first-token blended with
// estimated stream duration. Candidates without streaming history fall
// back to their blended request latency for TTFT and a neutral duration
// score. Caller holds b.mu.
func (b *Balancer) selectStreaming(cands []Candidate) (Selection, error) {
	sw := b.cfg.Streaming
	maxP95 := b.cfg.Thresholds.MaxP95LatencyMs

	scores := make([]ScoredCandidate, len(cands))
	for i, c := range cands {
		ttft := sw.TTFTBlendAvg*c.TTFTAvgMs + sw.TTFTBlendP95*c.TTFTP95Ms
		if ttft <= 0 {
			ttft = b.blendedLatency(c)
		}
		ttftScore := 100 * clamp01(1-ttft/maxP95)

		durationScore := 50.0
		if c.StreamDurAvgMs > 0 {
			est := c.StreamDurAvgMs * sw.DurationEstimateMultiplier
			durationScore = 100 * clamp01(1-est/(maxP95*durationCeilingFactor))
		}

		comp := ScoreComponents{
			TTFT:     ttftScore,
			Duration: durationScore,
			Breaker:  breakerBonus(c.BreakerState, c.BreakerFailures),
			Timeout:  b.timeoutBonus(c.CurrentTimeout),
		}
		score := sw.TTFTWeight*ttftScore +
			sw.DurationWeight*durationScore +
			comp.Breaker + comp.Timeout
		if score < 0 {
			score = 0
		}
		scores[i] = ScoredCandidate{ID: c.ID, Score: score, Components: comp}
	}

	best := pickBest(scores)
	sortScores(scores)
	return Selection{ID: best.ID, Algorithm: AlgoStreamingOptimized, Scores: scores}, nil
}
