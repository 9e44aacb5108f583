package orchestrator

import (
	"context"
	"time"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/metrics"
)

// AddServer registers a backend and probes it immediately so its models
// are known without waiting for the next health sweep.
func (o *Orchestrator) AddServer(spec backend.Spec) (*backend.Backend, error) {
	b, err := o.inventory.Add(spec)
	if err != nil {
		return nil, err
	}
	if o.Config().HealthCheck.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		o.health.CheckNow(ctx, b.ID())
	}
	return b, nil
}

// RemoveServer drops a backend and every piece of per-pair state keyed
// on it: breakers, metrics, bans, cooldowns, learned timeouts, and
// in-flight counters.
func (o *Orchestrator) RemoveServer(id string) error {
	if _, err := o.inventory.Remove(id); err != nil {
		return err
	}
	o.breakers.RemoveBackend(id)
	o.metrics.RemoveBackend(id)
	o.bans.RemoveBackend(id)
	o.cooldowns.RemoveBackend(id)
	o.timeouts.RemoveBackend(id)
	o.inflight.RemoveBackend(id)
	metrics.DeleteBackendSeries(id)
	return nil
}

// UpdateServer patches a backend's mutable spec fields.
func (o *Orchestrator) UpdateServer(id string, spec backend.Spec) (*backend.Backend, error) {
	return o.inventory.Update(id, spec)
}
