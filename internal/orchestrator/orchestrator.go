// Package orchestrator owns every mutable subsystem of the fleet: the
// inventory, breakers, metrics, queue, in-flight accounting, cooldowns,
// bans, adaptive timeouts, and the proxy. It implements the per-request
// select → admit → forward → record loop and the process lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/balancer"
	"github.com/modelherd/herd/internal/breaker"
	"github.com/modelherd/herd/internal/config"
	"github.com/modelherd/herd/internal/cooldown"
	"github.com/modelherd/herd/internal/errclass"
	"github.com/modelherd/herd/internal/health"
	"github.com/modelherd/herd/internal/inflight"
	"github.com/modelherd/herd/internal/inventory"
	"github.com/modelherd/herd/internal/logging"
	"github.com/modelherd/herd/internal/metrics"
	"github.com/modelherd/herd/internal/persist"
	"github.com/modelherd/herd/internal/proxy"
	"github.com/modelherd/herd/internal/queue"
	"github.com/modelherd/herd/internal/timeout"
	"github.com/modelherd/herd/internal/upstream"
)

// Orchestrator is the facade the HTTP layer talks to. All cross-subsystem
// coordination happens here; the subsystems do not know about each other.
type Orchestrator struct {
	cfg atomic.Pointer[config.Config]

	inventory  *inventory.Store
	breakers   *breaker.Registry
	metrics    *metrics.Aggregator
	queue      *queue.Queue
	inflight   *inflight.Manager
	cooldowns  *cooldown.Store
	bans       *cooldown.BanSet
	timeouts   *timeout.Manager
	balancer   *balancer.Balancer
	classifier *errclass.Classifier
	proxy      *proxy.Proxy
	upstream   *upstream.Client
	health     *health.Scheduler
	persist    *persist.Store

	streamSem *semaphore.Weighted

	draining atomic.Bool
	escStop  chan struct{}
	started  atomic.Bool
}

// New wires the subsystems, loads persisted state, and seeds the fleet.
// Nothing runs until Start.
func New(cfg *config.Config) (*Orchestrator, error) {
	o := &Orchestrator{escStop: make(chan struct{})}
	o.cfg.Store(cfg)

	o.classifier = errclass.New(cfg.CircuitBreaker.ErrorPatterns)
	o.breakers = breaker.NewRegistry(cfg.CircuitBreaker.Config, cfg.CircuitBreaker.ModelEscalation)
	o.metrics = metrics.NewAggregator(metrics.Options{
		RingSize:    cfg.Metrics.RingSize,
		DecayWindow: cfg.Metrics.Decay.Window,
		Alpha:       cfg.Metrics.Decay.Alpha,
	})
	o.inflight = inflight.NewManager()
	o.queue = queue.New(cfg.Queue)
	o.cooldowns = cooldown.NewStore(cfg.Cooldown.Capacity, cfg.Cooldown.FailureCooldown)
	o.bans = cooldown.NewBanSet()
	o.timeouts = timeout.NewManager(cfg.Timeouts)
	o.balancer = balancer.New(cfg.LoadBalancer)
	o.upstream = upstream.New(cfg.Upstream)
	o.inventory = inventory.NewStore()
	o.health = health.NewScheduler(cfg.HealthCheck, o.upstream, o.inventory)
	o.persist = persist.New(cfg.Persistence)

	bg := cfg.Streaming.BackgroundListen
	if !cfg.Streaming.Enabled {
		bg = 0
	}
	o.proxy = proxy.New(proxy.Config{
		BufferSize:       cfg.Streaming.BufferSize,
		BackgroundListen: bg,
	})

	if n := cfg.Streaming.MaxConcurrentStreams; n > 0 {
		o.streamSem = semaphore.NewWeighted(int64(n))
	}

	if err := o.restoreState(); err != nil {
		return nil, fmt.Errorf("restoring persisted state: %w", err)
	}
	o.seedBackends(cfg.Backends)
	o.registerPersistence()
	o.installHooks()

	return o, nil
}

// Start brings up the background machinery: health probes, the queue
// sweeper, the persistence flusher, and the breaker escalation sweep.
func (o *Orchestrator) Start() {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	o.queue.Start()
	o.health.Start()
	o.persist.Start()
	if o.Config().EnableCircuitBreaker && o.Config().CircuitBreaker.ModelEscalation.Enabled {
		go o.breakers.RunEscalation(o.escStop)
	}
	logging.Info("orchestrator started",
		zap.Int("backends", o.inventory.Len()),
		zap.String("algorithm", o.balancer.Algorithm()))
}

// Shutdown stops admissions, waits for in-flight requests up to the
// context deadline, then flushes persistent state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.draining.Store(true)
	o.queue.Stop()
	o.health.Stop()
	select {
	case <-o.escStop:
	default:
		close(o.escStop)
	}

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
drain:
	for o.inflight.Total() > 0 {
		select {
		case <-ctx.Done():
			logging.Warn("shutdown grace expired with requests in flight",
				zap.Int("in_flight", o.inflight.Total()))
			break drain
		case <-tick.C:
		}
	}
	o.persist.FlushAll()
	o.persist.Stop()
	o.cooldowns.Close()
	logging.Info("orchestrator stopped")
	return nil
}

// Config returns the current configuration snapshot.
func (o *Orchestrator) Config() *config.Config {
	return o.cfg.Load()
}

// ApplyConfig installs a reloaded configuration. Tunables that the
// subsystems support changing at runtime are applied; structural settings
// (listen address, persistence layout, queue capacity) need a restart and
// are logged as ignored when they differ.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	old := o.cfg.Load()
	if cfg.Addr() != old.Addr() {
		logging.Warn("listen address change requires restart, ignoring",
			zap.String("current", old.Addr()), zap.String("new", cfg.Addr()))
		cfg.Host, cfg.Port = old.Host, old.Port
	}
	if cfg.Persistence != old.Persistence {
		logging.Warn("persistence change requires restart, ignoring")
		cfg.Persistence = old.Persistence
	}

	o.balancer.UpdateConfig(cfg.LoadBalancer)
	o.classifier.AddPatterns(cfg.CircuitBreaker.ErrorPatterns)
	o.health.UpdateConfig(cfg.HealthCheck)
	o.cfg.Store(cfg)
	logging.Info("configuration applied",
		zap.String("algorithm", cfg.LoadBalancer.Algorithm))
}

// Accessors for the HTTP layer. The control plane manipulates subsystems
// directly; the data plane goes through Execute.

func (o *Orchestrator) Inventory() *inventory.Store   { return o.inventory }
func (o *Orchestrator) Breakers() *breaker.Registry   { return o.breakers }
func (o *Orchestrator) Metrics() *metrics.Aggregator  { return o.metrics }
func (o *Orchestrator) Queue() *queue.Queue           { return o.queue }
func (o *Orchestrator) Bans() *cooldown.BanSet        { return o.bans }
func (o *Orchestrator) Cooldowns() *cooldown.Store    { return o.cooldowns }
func (o *Orchestrator) Timeouts() *timeout.Manager    { return o.timeouts }
func (o *Orchestrator) Health() *health.Scheduler     { return o.health }
func (o *Orchestrator) Upstream() *upstream.Client    { return o.upstream }
func (o *Orchestrator) InFlight() *inflight.Manager   { return o.inflight }

// HealthyBackends returns the backends eligible for fleet-wide fan-outs.
func (o *Orchestrator) HealthyBackends() []*backend.Backend {
	all := o.inventory.List()
	out := make([]*backend.Backend, 0, len(all))
	for _, b := range all {
		if b.Healthy() && b.AcceptingRequests() {
			out = append(out, b)
		}
	}
	return out
}

// seedBackends registers configured backends that persistence did not
// already restore.
func (o *Orchestrator) seedBackends(specs []backend.Spec) {
	for _, spec := range specs {
		if _, ok := o.inventory.Get(spec.ID); ok {
			continue
		}
		if _, err := o.inventory.Add(spec); err != nil {
			logging.Warn("skipping seed backend",
				zap.String("backend", spec.ID), zap.Error(err))
		}
	}
}

// installHooks wires cross-subsystem reactions: persistence write-through
// and queue wakeups on capacity-affecting events.
func (o *Orchestrator) installHooks() {
	o.inventory.OnChange(func() {
		if err := o.persist.SaveJSON(persist.ServersFile, o.inventory.PersistSpecs()); err != nil {
			logging.Error("persisting servers", zap.Error(err))
		}
		o.queue.Wake()
	})
	o.bans.OnChange(func() {
		if err := o.persist.SaveJSON(persist.BansFile, o.bans.Keys()); err != nil {
			logging.Error("persisting bans", zap.Error(err))
		}
	})
	o.health.OnChange(func(id string, healthy bool) {
		if healthy {
			o.queue.Wake()
		}
	})
}
