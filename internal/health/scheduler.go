// Package health probes the fleet's model-listing endpoints and keeps
// each backend's healthy flag, model set and version current.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/inventory"
	"github.com/modelherd/herd/internal/logging"
	"github.com/modelherd/herd/internal/metrics"
	"github.com/modelherd/herd/internal/upstream"
)

// Config holds the probe scheduler settings.
type Config struct {
	Enabled             bool          `yaml:"enabled"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxConcurrentChecks int64         `yaml:"max_concurrent_checks"`
	RetryAttempts       int           `yaml:"retry_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	RecoveryInterval    time.Duration `yaml:"recovery_interval"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	SuccessThreshold    int           `yaml:"success_threshold"`
}

// DefaultConfig returns production defaults. Unhealthy backends are
// probed on the slower recovery cadence so a down box is not hammered.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Interval:            30 * time.Second,
		Timeout:             5 * time.Second,
		MaxConcurrentChecks: 5,
		RetryAttempts:       2,
		RetryDelay:          time.Second,
		BackoffMultiplier:   2.0,
		RecoveryInterval:    60 * time.Second,
		FailureThreshold:    3,
		SuccessThreshold:    1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxConcurrentChecks <= 0 {
		c.MaxConcurrentChecks = d.MaxConcurrentChecks
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = d.RecoveryInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// Result is a backend's latest probe outcome.
type Result struct {
	BackendID       string    `json:"backend_id"`
	Healthy         bool      `json:"healthy"`
	LastProbe       time.Time `json:"last_probe"`
	LatencyMs       int64     `json:"latency_ms"`
	ConsecutiveFail int       `json:"consecutive_failures"`
	ConsecutivePass int       `json:"consecutive_successes"`
	Error           string    `json:"error,omitempty"`
}

type probeState struct {
	lastProbe       time.Time
	lastError       error
	latency         time.Duration
	consecutivePass int
	consecutiveFail int
}

// Scheduler runs interval probes against every registered backend. A
// probe is one /api/tags call with bounded retries; its outcome feeds
// the consecutive-threshold logic that flips the healthy flag.
type Scheduler struct {
	cfg    Config
	client *upstream.Client
	store  *inventory.Store
	sem    *semaphore.Weighted

	mu       sync.Mutex
	states   map[string]*probeState
	onChange func(id string, healthy bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewScheduler builds a stopped scheduler over the given fleet.
func NewScheduler(cfg Config, client *upstream.Client, store *inventory.Store) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		client: client,
		store:  store,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentChecks),
		states: make(map[string]*probeState),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// OnChange installs a hook fired whenever a backend's healthy flag
// flips. Called from probe goroutines, outside the scheduler lock.
func (s *Scheduler) OnChange(fn func(id string, healthy bool)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// UpdateConfig applies new probe cadence and thresholds at runtime.
// Enabled and probe parallelism stay as constructed; cadence takes
// effect through the per-backend due check, not by resetting the
// ticker.
func (s *Scheduler) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	cfg.Enabled = s.cfg.Enabled
	cfg.MaxConcurrentChecks = s.cfg.MaxConcurrentChecks
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scheduler) snapshotCfg() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the probe loop. No-op when probing is disabled.
func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logging.Info("health probing disabled")
		return
	}
	s.wg.Add(1)
	go s.run()
}

// Stop cancels probing and waits for in-flight probes to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.sweep(s.ctx, false)

	cfg := s.snapshotCfg()
	tick := cfg.Interval
	if cfg.RecoveryInterval < tick {
		tick = cfg.RecoveryInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.ctx, false)
		}
	}
}

// CheckAll probes every backend immediately, ignoring cadence, and
// returns once all probes have recorded their outcome.
func (s *Scheduler) CheckAll(ctx context.Context) {
	s.sweep(ctx, true)
}

// CheckNow probes a single backend immediately.
func (s *Scheduler) CheckNow(ctx context.Context, id string) (Result, bool) {
	b, ok := s.store.Get(id)
	if !ok {
		return Result{}, false
	}
	s.probe(ctx, b)
	return s.result(b), true
}

// sweep probes every due backend, bounded by the semaphore, and waits
// for the batch. Waiting keeps cadence bookkeeping simple: a backend
// cannot be scheduled twice concurrently.
func (s *Scheduler) sweep(ctx context.Context, force bool) {
	backends := s.store.List()
	s.prune(backends)

	var wg sync.WaitGroup
	for _, b := range backends {
		if !force && !s.due(b) {
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(b *backend.Backend) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.probe(ctx, b)
		}(b)
	}
	wg.Wait()
}

func (s *Scheduler) due(b *backend.Backend) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[b.ID()]
	if !ok || st.lastProbe.IsZero() {
		return true
	}
	interval := s.cfg.Interval
	if !b.Healthy() {
		interval = s.cfg.RecoveryInterval
	}
	return s.now().Sub(st.lastProbe) >= interval
}

// prune drops probe state for backends no longer in the fleet.
func (s *Scheduler) prune(backends []*backend.Backend) {
	live := make(map[string]struct{}, len(backends))
	for _, b := range backends {
		live[b.ID()] = struct{}{}
	}
	s.mu.Lock()
	for id := range s.states {
		if _, ok := live[id]; !ok {
			delete(s.states, id)
		}
	}
	s.mu.Unlock()
}

// probe runs one model-listing check with retries and records the
// outcome. A successful probe refreshes the backend's model set,
// response time and, best effort, its version.
func (s *Scheduler) probe(ctx context.Context, b *backend.Backend) {
	cfg := s.snapshotCfg()
	tags, latency, err := s.fetchTags(ctx, b, cfg)
	if err != nil {
		s.record(b, 0, err)
		return
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		if name != "" {
			models = append(models, name)
		}
	}
	b.SetModels(models)
	b.SetLastResponseTime(latency)

	vctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	if v, verr := s.client.Version(vctx, b.BaseURL(), b.APIKey()); verr == nil && v != "" {
		b.SetVersion(v)
	}
	cancel()

	s.record(b, latency, nil)
}

// fetchTags calls /api/tags up to 1+RetryAttempts times with
// exponential backoff between attempts.
func (s *Scheduler) fetchTags(ctx context.Context, b *backend.Backend, cfg Config) (upstream.TagsResponse, time.Duration, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryDelay
	bo.Multiplier = cfg.BackoffMultiplier
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return upstream.TagsResponse{}, 0, ctx.Err()
			}
		}
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		start := s.now()
		tags, err := s.client.Tags(probeCtx, b.BaseURL(), b.APIKey())
		latency := s.now().Sub(start)
		cancel()
		if err == nil {
			return tags, latency, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return upstream.TagsResponse{}, 0, lastErr
}

// record applies the threshold logic and fires the change hook when
// the healthy flag flips.
func (s *Scheduler) record(b *backend.Backend, latency time.Duration, err error) {
	metrics.IncProbe(b.ID(), err == nil)

	s.mu.Lock()
	st, ok := s.states[b.ID()]
	if !ok {
		st = &probeState{}
		s.states[b.ID()] = st
	}
	st.lastProbe = s.now()
	st.lastError = err
	st.latency = latency

	var flipped, healthy bool
	if err == nil {
		st.consecutiveFail = 0
		st.consecutivePass++
		if !b.Healthy() && st.consecutivePass >= s.cfg.SuccessThreshold {
			b.SetHealthy(true)
			flipped, healthy = true, true
		}
	} else {
		st.consecutivePass = 0
		st.consecutiveFail++
		if b.Healthy() && st.consecutiveFail >= s.cfg.FailureThreshold {
			b.SetHealthy(false)
			flipped, healthy = true, false
		}
	}
	onChange := s.onChange
	s.mu.Unlock()

	metrics.SetBackendHealthy(b.ID(), b.Healthy())

	if !flipped {
		return
	}
	if healthy {
		logging.Info("backend recovered",
			zap.String("backend", b.ID()),
			zap.Duration("latency", latency))
	} else {
		logging.Warn("backend unhealthy",
			zap.String("backend", b.ID()),
			zap.Error(err))
	}
	if onChange != nil {
		onChange(b.ID(), healthy)
	}
}

func (s *Scheduler) result(b *backend.Backend) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Result{BackendID: b.ID(), Healthy: b.Healthy()}
	if st, ok := s.states[b.ID()]; ok {
		r.LastProbe = st.lastProbe
		r.LatencyMs = st.latency.Milliseconds()
		r.ConsecutiveFail = st.consecutiveFail
		r.ConsecutivePass = st.consecutivePass
		if st.lastError != nil {
			r.Error = st.lastError.Error()
		}
	}
	return r
}

// Results returns the latest probe outcome per backend, for the
// control plane.
func (s *Scheduler) Results() map[string]Result {
	out := make(map[string]Result)
	for _, b := range s.store.List() {
		out[b.ID()] = s.result(b)
	}
	return out
}
