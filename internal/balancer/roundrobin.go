package balancer

import "sort"

// selectRoundRobin advances a per-model cursor over the candidates,
// sorted by ID so the rotation is stable across calls regardless of
// input order. Sticky sessions pin a client to its previous backend
// while that backend remains eligible. Caller holds b.mu.
func (b *Balancer) selectRoundRobin(cands []Candidate, req Request) (Selection, error) {
	ordered := make([]Candidate, len(cands))
	copy(ordered, cands)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	if b.sticky != nil && req.ClientID != "" {
		if id, ok := b.sticky.Get(req.ClientID); ok {
			for _, c := range ordered {
				if c.ID == id && b.eligibleRR(c) {
					return Selection{ID: c.ID, Algorithm: AlgoRoundRobin, Sticky: true}, nil
				}
			}
		}
	}

	start := b.cursors[req.Model]
	b.cursors[req.Model] = start + 1

	for i := 0; i < len(ordered); i++ {
		c := ordered[(start+i)%len(ordered)]
		if !b.eligibleRR(c) {
			continue
		}
		if b.sticky != nil && req.ClientID != "" {
			b.sticky.Add(req.ClientID, c.ID)
		}
		return Selection{ID: c.ID, Algorithm: AlgoRoundRobin}, nil
	}

	// Every candidate was skipped by the config filters; fall back to
	// plain rotation rather than failing the request.
	c := ordered[start%len(ordered)]
	return Selection{ID: c.ID, Algorithm: AlgoRoundRobin}, nil
}

func (b *Balancer) eligibleRR(c Candidate) bool {
	if b.cfg.RoundRobin.SkipUnhealthy && !c.Healthy {
		return false
	}
	if b.cfg.RoundRobin.CheckCapacity && c.InFlight >= b.effectiveMC(c) {
		return false
	}
	return true
}
