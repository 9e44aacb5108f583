package config

import (
	"fmt"
	"math"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/balancer"
)

// weightTolerance bounds how far the balancer weights may drift from 1.0.
const weightTolerance = 1e-3

var validAlgorithms = map[string]bool{
	balancer.AlgoFastestResponse:    true,
	balancer.AlgoRoundRobin:         true,
	balancer.AlgoLeastConnections:   true,
	balancer.AlgoWeighted:           true,
	balancer.AlgoRandom:             true,
	balancer.AlgoStreamingOptimized: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if p := cfg.Metrics.PrometheusPort; p != 0 && (p < 1 || p > 65535 || p == cfg.Port) {
		return fmt.Errorf("metrics.prometheus_port %d invalid", p)
	}

	if err := validateBackends(cfg.Backends); err != nil {
		return err
	}
	if err := validateQueue(cfg); err != nil {
		return err
	}
	if err := validateBalancer(cfg); err != nil {
		return err
	}
	if err := validateBreaker(cfg); err != nil {
		return err
	}
	if err := validateRetry(cfg); err != nil {
		return err
	}
	if err := validateTimeouts(cfg); err != nil {
		return err
	}
	if err := validateHealth(cfg); err != nil {
		return err
	}
	if err := validateMetrics(cfg); err != nil {
		return err
	}
	if err := validateStreaming(cfg); err != nil {
		return err
	}

	if cfg.Persistence.Enabled && cfg.Persistence.Dir == "" {
		return fmt.Errorf("persistence.dir must be set when persistence is enabled")
	}
	if cfg.Persistence.MaxBackups < 0 {
		return fmt.Errorf("persistence.max_backups must not be negative")
	}
	if cfg.EnableAuth && cfg.Auth.Token == "" {
		return fmt.Errorf("auth.token must be set when enable_auth is true")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RPS <= 0 {
			return fmt.Errorf("rate_limit.rps must be positive")
		}
		if cfg.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1")
		}
	}
	if cfg.Logging.Level != "" && !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level %q unknown (debug, info, warn, error)", cfg.Logging.Level)
	}
	if cfg.ConfigReloadInterval < 0 {
		return fmt.Errorf("config_reload_interval must not be negative")
	}
	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative")
	}
	return nil
}

func validateBackends(specs []backend.Spec) error {
	seenID := make(map[string]bool, len(specs))
	seenURL := make(map[string]bool, len(specs))
	for i, s := range specs {
		if s.ID == "" {
			return fmt.Errorf("backends[%d]: id must not be empty", i)
		}
		if s.BaseURL == "" {
			return fmt.Errorf("backend %q: base_url must not be empty", s.ID)
		}
		if seenID[s.ID] {
			return fmt.Errorf("backend %q: duplicate id", s.ID)
		}
		seenID[s.ID] = true
		u, _ := backend.NormalizeURL(s.BaseURL)
		if seenURL[u] {
			return fmt.Errorf("backend %q: duplicate base_url %q", s.ID, s.BaseURL)
		}
		seenURL[u] = true
	}
	return nil
}

func validateQueue(cfg *Config) error {
	q := cfg.Queue
	if !cfg.EnableQueue {
		return nil
	}
	if q.MaxSize < 1 {
		return fmt.Errorf("queue.max_size must be at least 1")
	}
	if q.Timeout <= 0 {
		return fmt.Errorf("queue.timeout must be positive")
	}
	if q.PriorityBoostInterval < 0 || q.PriorityBoostAmount < 0 {
		return fmt.Errorf("queue priority boost values must not be negative")
	}
	return nil
}

func validateBalancer(cfg *Config) error {
	lb := cfg.LoadBalancer
	if lb.Algorithm != "" && !validAlgorithms[lb.Algorithm] {
		return fmt.Errorf("load_balancer.algorithm %q unknown", lb.Algorithm)
	}
	w := lb.Weights
	sum := w.Latency + w.SuccessRate + w.Load + w.Capacity
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("load_balancer.weights must sum to 1.0, got %.4f", sum)
	}
	if w.Latency < 0 || w.SuccessRate < 0 || w.Load < 0 || w.Capacity < 0 {
		return fmt.Errorf("load_balancer.weights must not be negative")
	}
	if lb.Thresholds.MinSuccessRate < 0 || lb.Thresholds.MinSuccessRate > 1 {
		return fmt.Errorf("load_balancer.thresholds.min_success_rate must be within [0,1]")
	}
	return nil
}

func validateBreaker(cfg *Config) error {
	if !cfg.EnableCircuitBreaker {
		return nil
	}
	cb := cfg.CircuitBreaker
	if cb.MinFailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.min_failure_threshold must be at least 1")
	}
	if cb.MinFailureThreshold > cb.BaseFailureThreshold || cb.BaseFailureThreshold > cb.MaxFailureThreshold {
		return fmt.Errorf("circuit_breaker thresholds must satisfy min <= base <= max")
	}
	if cb.OpenTimeout <= 0 || cb.HalfOpenTimeout <= 0 {
		return fmt.Errorf("circuit_breaker open and half-open timeouts must be positive")
	}
	if cb.HalfOpenMaxRequests < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max_requests must be at least 1")
	}
	if cb.RecoverySuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.recovery_success_threshold must be at least 1")
	}
	if cb.ErrorRateThreshold < 0 || cb.ErrorRateThreshold > 1 {
		return fmt.Errorf("circuit_breaker.error_rate_threshold must be within [0,1]")
	}
	if cb.ErrorRateSmoothing <= 0 || cb.ErrorRateSmoothing > 1 {
		return fmt.Errorf("circuit_breaker.error_rate_smoothing must be within (0,1]")
	}
	esc := cb.ModelEscalation
	if esc.Enabled {
		if esc.RatioThreshold <= 0 || esc.RatioThreshold > 1 {
			return fmt.Errorf("circuit_breaker.model_escalation.ratio_threshold must be within (0,1]")
		}
		if esc.CheckInterval <= 0 {
			return fmt.Errorf("circuit_breaker.model_escalation.check_interval must be positive")
		}
	}
	return nil
}

func validateRetry(cfg *Config) error {
	r := cfg.Retry
	if r.MaxRetriesPerServer < 0 {
		return fmt.Errorf("retry.max_retries_per_server must not be negative")
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1")
	}
	if r.RetryDelay < 0 || r.MaxRetryDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	for _, code := range r.RetryableStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("retry.retryable_status_codes: %d is not an HTTP status", code)
		}
	}
	return nil
}

func validateTimeouts(cfg *Config) error {
	t := cfg.Timeouts
	if t.MinTimeout <= 0 {
		return fmt.Errorf("timeouts.min_timeout must be positive")
	}
	if t.MinTimeout > t.DefaultTimeout || t.DefaultTimeout > t.MaxTimeout {
		return fmt.Errorf("timeouts must satisfy min <= default <= max")
	}
	if t.Multiplier < 1 || t.StreamingMultiplier < 1 {
		return fmt.Errorf("timeout multipliers must be at least 1")
	}
	if t.GrowthFactor < 1 {
		return fmt.Errorf("timeouts.growth_factor must be at least 1")
	}
	return nil
}

func validateHealth(cfg *Config) error {
	h := cfg.HealthCheck
	if !h.Enabled {
		return nil
	}
	if h.Interval <= 0 {
		return fmt.Errorf("health_check.interval must be positive")
	}
	if h.Timeout <= 0 {
		return fmt.Errorf("health_check.timeout must be positive")
	}
	if h.MaxConcurrentChecks < 1 {
		return fmt.Errorf("health_check.max_concurrent_checks must be at least 1")
	}
	if h.FailureThreshold < 1 || h.SuccessThreshold < 1 {
		return fmt.Errorf("health_check thresholds must be at least 1")
	}
	if h.BackoffMultiplier < 1 {
		return fmt.Errorf("health_check.backoff_multiplier must be at least 1")
	}
	return nil
}

func validateMetrics(cfg *Config) error {
	m := cfg.Metrics
	if !m.Enabled {
		return nil
	}
	if m.RingSize < 1 {
		return fmt.Errorf("metrics.ring_size must be at least 1")
	}
	if m.HistoryWindow <= 0 {
		return fmt.Errorf("metrics.history_window must be positive")
	}
	if m.Decay.Window == 0 && (m.Decay.Alpha <= 0 || m.Decay.Alpha > 1) {
		return fmt.Errorf("metrics.decay.alpha must be within (0,1] when no decay window is set")
	}
	return nil
}

func validateStreaming(cfg *Config) error {
	s := cfg.Streaming
	if s.MaxConcurrentStreams < 0 {
		return fmt.Errorf("streaming.max_concurrent_streams must not be negative")
	}
	if s.BufferSize < 0 {
		return fmt.Errorf("streaming.buffer_size must not be negative")
	}
	if s.BackgroundListen < 0 {
		return fmt.Errorf("streaming.background_listen must not be negative")
	}
	if s.TTFTWeight < 0 || s.DurationWeight < 0 {
		return fmt.Errorf("streaming scoring weights must not be negative")
	}
	return nil
}
