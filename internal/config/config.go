// Package config defines the orchestrator configuration tree, its defaults,
// YAML loading with environment expansion, validation, and live reload.
package config

import (
	"net"
	"strconv"
	"time"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/balancer"
	"github.com/modelherd/herd/internal/breaker"
	"github.com/modelherd/herd/internal/errclass"
	"github.com/modelherd/herd/internal/health"
	"github.com/modelherd/herd/internal/logging"
	"github.com/modelherd/herd/internal/persist"
	"github.com/modelherd/herd/internal/queue"
	"github.com/modelherd/herd/internal/timeout"
	"github.com/modelherd/herd/internal/upstream"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	EnableQueue          bool `yaml:"enable_queue"`
	EnableCircuitBreaker bool `yaml:"enable_circuit_breaker"`
	EnableMetrics        bool `yaml:"enable_metrics"`
	EnableStreaming      bool `yaml:"enable_streaming"`
	EnablePersistence    bool `yaml:"enable_persistence"`
	EnableAuth           bool `yaml:"enable_auth"`

	// Backends seeds the fleet at startup. The control plane can add and
	// remove servers at runtime; persisted servers take precedence over
	// seeds with the same ID.
	Backends []backend.Spec `yaml:"backends"`

	Queue          queue.Config         `yaml:"queue"`
	LoadBalancer   balancer.Config      `yaml:"load_balancer"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	Cooldown       CooldownConfig       `yaml:"cooldown"`
	HealthCheck    health.Config        `yaml:"health_check"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Streaming      StreamingConfig      `yaml:"streaming"`
	Timeouts       timeout.Config       `yaml:"timeouts"`
	Upstream       upstream.Config      `yaml:"upstream"`
	Persistence    persist.Config       `yaml:"persistence"`
	Auth           AuthConfig           `yaml:"auth"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`

	// ConfigReloadInterval debounces filesystem change events before the
	// file is re-read. Zero disables live reload entirely.
	ConfigReloadInterval time.Duration `yaml:"config_reload_interval"`
}

// CircuitBreakerConfig couples the per-pair breaker tuning with the error
// pattern tables and the backend-level escalation sweep.
type CircuitBreakerConfig struct {
	breaker.Config  `yaml:",inline"`
	ErrorPatterns   errclass.Patterns        `yaml:"error_patterns"`
	ModelEscalation breaker.EscalationConfig `yaml:"model_escalation"`
}

// RetryConfig tunes the per-request failover loop.
type RetryConfig struct {
	MaxRetriesPerServer  int           `yaml:"max_retries_per_server"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
	MaxRetryDelay        time.Duration `yaml:"max_retry_delay"`
	RetryableStatusCodes []int         `yaml:"retryable_status_codes"`
}

// CooldownConfig tunes the short-lived per-pair failure cooldown.
type CooldownConfig struct {
	FailureCooldown       time.Duration `yaml:"failure_cooldown"`
	DefaultMaxConcurrency int           `yaml:"default_max_concurrency"`
	Capacity              int           `yaml:"capacity"`
}

// MetricsConfig tunes the sliding-window aggregator and the Prometheus
// surface. When PrometheusPort is zero /metrics is served on the main
// listener; otherwise a dedicated listener is started.
type MetricsConfig struct {
	Enabled           bool          `yaml:"enabled"`
	PrometheusEnabled bool          `yaml:"prometheus_enabled"`
	PrometheusPort    int           `yaml:"prometheus_port"`
	HistoryWindow     time.Duration `yaml:"history_window"`
	RingSize          int           `yaml:"ring_size"`
	Decay             DecayConfig   `yaml:"decay"`
}

// DecayConfig tunes the latency EWMA. A non-zero Window enables
// time-decayed smoothing; otherwise Alpha blends per observation.
type DecayConfig struct {
	Window time.Duration `yaml:"window"`
	Alpha  float64       `yaml:"alpha"`
}

// StreamingConfig tunes streaming responses. TTFTWeight and DurationWeight,
// when set, override load_balancer.streaming so deployments that only care
// about streaming can tune scoring in one place.
type StreamingConfig struct {
	Enabled              bool          `yaml:"enabled"`
	MaxConcurrentStreams int           `yaml:"max_concurrent_streams"`
	Timeout              time.Duration `yaml:"timeout"`
	BufferSize           int           `yaml:"buffer_size"`
	TTFTWeight           float64       `yaml:"ttft_weight"`
	DurationWeight       float64       `yaml:"duration_weight"`

	// BackgroundListen keeps reading an upstream response after the client
	// deadline fired so the true completion time can feed the timeout
	// manager. Zero disables background tracking.
	BackgroundListen      time.Duration `yaml:"background_listen"`
	BackgroundFeedBreaker bool          `yaml:"background_feed_breaker"`
}

// AuthConfig guards the control plane. The token is compared as a bearer
// credential and is usually injected via ${HERD_AUTH_TOKEN}.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// RateLimitConfig applies a per-client token bucket in front of the data
// plane. Keyed by API key when present, else by remote address.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// ServerConfig holds inbound HTTP listener settings. WriteTimeout is left
// zero by default: streaming responses outlive any fixed write deadline and
// are bounded by the activity timeout instead.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

// LoggingConfig selects level and optional rotating file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Rotation converts the file settings for the logging package.
func (l LoggingConfig) Rotation() logging.Rotation {
	return logging.Rotation{
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MetricsAddr returns the dedicated Prometheus listen address, or "" when
// /metrics is served on the main listener.
func (c *Config) MetricsAddr() string {
	if c.Metrics.PrometheusPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Metrics.PrometheusPort))
}

// DefaultConfig returns a fully populated configuration. Loading overlays
// the YAML file on top of these values, so absent keys keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: 11434,

		EnableQueue:          true,
		EnableCircuitBreaker: true,
		EnableMetrics:        true,
		EnableStreaming:      true,
		EnablePersistence:    true,
		EnableAuth:           false,

		Queue:        queue.DefaultConfig(),
		LoadBalancer: balancer.DefaultConfig(),
		CircuitBreaker: CircuitBreakerConfig{
			Config:          breaker.DefaultConfig(),
			ModelEscalation: breaker.DefaultEscalationConfig(),
		},
		Retry: RetryConfig{
			MaxRetriesPerServer:  2,
			RetryDelay:           100 * time.Millisecond,
			BackoffMultiplier:    2.0,
			MaxRetryDelay:        2 * time.Second,
			RetryableStatusCodes: []int{502, 503, 504},
		},
		Cooldown: CooldownConfig{
			FailureCooldown:       30 * time.Second,
			DefaultMaxConcurrency: backend.DefaultMaxConcurrency,
			Capacity:              10000,
		},
		HealthCheck: health.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:           true,
			PrometheusEnabled: true,
			HistoryWindow:     24 * time.Hour,
			RingSize:          1000,
			Decay: DecayConfig{
				Window: 5 * time.Minute,
				Alpha:  0.2,
			},
		},
		Streaming: StreamingConfig{
			Enabled:               true,
			MaxConcurrentStreams:  0,
			Timeout:               0,
			BufferSize:            64 * 1024,
			BackgroundListen:      2 * time.Minute,
			BackgroundFeedBreaker: true,
		},
		Timeouts: timeout.DefaultConfig(),
		Upstream: upstream.Config{Timeout: 10 * time.Second},
		Persistence: persist.Config{
			Dir:           "data",
			Enabled:       true,
			FlushInterval: 30 * time.Second,
			MaxBackups:    3,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     50,
			Burst:   100,
		},
		Server: ServerConfig{
			ReadTimeout:       5 * time.Minute,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      0,
			IdleTimeout:       2 * time.Minute,
			MaxHeaderBytes:    1 << 20,
			MaxBodyBytes:      64 << 20,
			ShutdownGrace:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		ConfigReloadInterval: 500 * time.Millisecond,
	}
}

// normalize resolves cross-section settings after unmarshal and before
// validation.
func (c *Config) normalize() {
	// Master switches override section toggles.
	if !c.EnableMetrics {
		c.Metrics.Enabled = false
	}
	if !c.EnableStreaming {
		c.Streaming.Enabled = false
	}
	if !c.EnablePersistence {
		c.Persistence.Enabled = false
	}

	// Streaming scoring shortcuts override the balancer section when set.
	if c.Streaming.TTFTWeight > 0 {
		c.LoadBalancer.Streaming.TTFTWeight = c.Streaming.TTFTWeight
	}
	if c.Streaming.DurationWeight > 0 {
		c.LoadBalancer.Streaming.DurationWeight = c.Streaming.DurationWeight
	}

	// The balancer estimates completion odds from the adaptive timeout
	// bounds; they are not independently configurable.
	c.LoadBalancer.MinTimeout = c.Timeouts.MinTimeout
	c.LoadBalancer.MaxTimeout = c.Timeouts.MaxTimeout

	if c.Cooldown.DefaultMaxConcurrency <= 0 {
		c.Cooldown.DefaultMaxConcurrency = backend.DefaultMaxConcurrency
	}
	for i := range c.Backends {
		if c.Backends[i].MaxConcurrency <= 0 {
			c.Backends[i].MaxConcurrency = c.Cooldown.DefaultMaxConcurrency
		}
	}
}
