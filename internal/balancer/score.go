package balancer

// selectScored runs the composite scoring used by fastest-response and
// weighted, and by streaming-optimized for non-streaming requests.
func (b *Balancer) selectScored(cands []Candidate, w Weights, algo string) (Selection, error) {
	scores := b.scoreAll(cands, w)
	best := pickBest(scores)
	sortScores(scores)
	return Selection{ID: best.ID, Algorithm: algo, Scores: scores}, nil
}

func (b *Balancer) scoreAll(cands []Candidate, w Weights) []ScoredCandidate {
	maxMC := b.maxObservedConcurrency(cands)
	out := make([]ScoredCandidate, len(cands))
	for i, c := range cands {
		out[i] = b.score(c, w, maxMC)
	}
	return out
}

func (b *Balancer) score(c Candidate, w Weights, maxMC int) ScoredCandidate {
	comp := ScoreComponents{
		Latency:     b.latencyScore(c),
		SuccessRate: b.successRateScore(c),
		Load:        b.loadScore(c),
		Capacity:    capacityScore(b.effectiveMC(c), maxMC),
		Breaker:     breakerBonus(c.BreakerState, c.BreakerFailures),
		Timeout:     b.timeoutBonus(c.CurrentTimeout),
		Penalty:     b.penalty(c),
	}
	score := w.Latency*comp.Latency +
		w.SuccessRate*comp.SuccessRate +
		w.Load*comp.Load +
		w.Capacity*comp.Capacity +
		comp.Breaker + comp.Timeout - comp.Penalty
	if score < 0 {
		score = 0
	}
	return ScoredCandidate{ID: c.ID, Score: score, Components: comp}
}

// blendedLatency mixes the last response time with the historical p95
// and adds a load surcharge per in-flight request. Candidates without
// data score as if they ran at the configured default latency.
func (b *Balancer) blendedLatency(c Candidate) float64 {
	last, hist := c.LastResponseMs, c.P95Ms
	switch {
	case last <= 0 && hist <= 0:
		last, hist = b.cfg.DefaultLatencyMs, b.cfg.DefaultLatencyMs
	case last <= 0:
		last = hist
	case hist <= 0:
		hist = last
	}
	return b.cfg.LatencyBlendRecent*last +
		b.cfg.LatencyBlendHistorical*hist +
		b.cfg.LoadFactorMultiplier*float64(c.InFlight)
}

func (b *Balancer) latencyScore(c Candidate) float64 {
	return 100 * clamp01(1-b.blendedLatency(c)/b.cfg.Thresholds.MaxP95LatencyMs)
}

func (b *Balancer) successRateScore(c Candidate) float64 {
	sr := c.SuccessRate
	if !c.HasMetrics {
		sr = 1
	}
	minSR := b.cfg.Thresholds.MinSuccessRate
	return 100 * clamp01((sr-minSR)/(1-minSR))
}

func (b *Balancer) loadScore(c Candidate) float64 {
	mc := b.effectiveMC(c)
	return 100 * clamp01(1-float64(c.InFlight)/float64(mc))
}

func (b *Balancer) effectiveMC(c Candidate) int {
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency
	}
	return b.cfg.DefaultMaxConcurrency
}

func (b *Balancer) maxObservedConcurrency(cands []Candidate) int {
	maxMC := 0
	for _, c := range cands {
		if mc := b.effectiveMC(c); mc > maxMC {
			maxMC = mc
		}
	}
	return maxMC
}

func capacityScore(mc, maxMC int) float64 {
	if maxMC <= 0 {
		return 0
	}
	return 100 * float64(mc) / float64(maxMC)
}

// penalty subtracts flat amounts for candidates past the latency ceiling
// or under the success-rate floor.
func (b *Balancer) penalty(c Candidate) float64 {
	p := 0.0
	if b.blendedLatency(c) > b.cfg.Thresholds.MaxP95LatencyMs {
		p += b.cfg.Thresholds.LatencyPenalty
	}
	if c.HasMetrics && c.SuccessRate < b.cfg.Thresholds.MinSuccessRate {
		p += b.cfg.Thresholds.ErrorPenalty
	}
	return p
}
