package balancer

// selectLeastConnections minimizes the backend's load factor, optionally
// normalized by capacity and penalized by failure rate. Ties break to
// the lexicographically smaller ID. Caller holds b.mu.
func (b *Balancer) selectLeastConnections(cands []Candidate) (Selection, error) {
	cfg := b.cfg.LeastConnections

	bestIdx := -1
	bestCost := 0.0
	for i, c := range cands {
		if cfg.SkipUnhealthy && !c.Healthy {
			continue
		}
		cost := float64(c.InFlight)
		if cfg.ConsiderCapacity {
			cost = float64(c.InFlight) / float64(b.effectiveMC(c))
		}
		if cfg.ConsiderFailureRate && c.HasMetrics {
			cost += (1 - c.SuccessRate) * cfg.FailureRatePenalty
		}
		if bestIdx < 0 || cost < bestCost ||
			(cost == bestCost && c.ID < cands[bestIdx].ID) {
			bestIdx, bestCost = i, cost
		}
	}
	if bestIdx < 0 {
		// All skipped as unhealthy; candidates are prefiltered, so take
		// the raw minimum instead of failing.
		for i, c := range cands {
			cost := float64(c.InFlight)
			if bestIdx < 0 || cost < bestCost ||
				(cost == bestCost && c.ID < cands[bestIdx].ID) {
				bestIdx, bestCost = i, cost
			}
		}
	}
	return Selection{ID: cands[bestIdx].ID, Algorithm: AlgoLeastConnections}, nil
}
