package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Port != 11434 {
		t.Errorf("Port = %d, want 11434", cfg.Port)
	}
	if !cfg.EnableQueue || !cfg.EnableCircuitBreaker || !cfg.EnableStreaming {
		t.Error("queue, circuit breaker, and streaming should default to enabled")
	}
	if cfg.EnableAuth {
		t.Error("auth should default to disabled")
	}
	if cfg.Addr() != "0.0.0.0:11434" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.MetricsAddr() != "" {
		t.Errorf("MetricsAddr() = %q, want empty for shared listener", cfg.MetricsAddr())
	}
}

func TestParseOverrides(t *testing.T) {
	data := []byte(`
port: 8080
host: 127.0.0.1
enable_auth: true
auth:
  token: sekrit
queue:
  max_size: 25
  timeout: 15s
load_balancer:
  algorithm: round-robin
circuit_breaker:
  base_failure_threshold: 7
  error_patterns:
    transient: ["gpu hiccup"]
  model_escalation:
    enabled: true
    ratio_threshold: 0.6
backends:
  - id: a
    base_url: http://10.0.0.1:11434
  - id: b
    base_url: http://10.0.0.2:11434
    max_concurrency: 8
retry:
  max_retries_per_server: 1
streaming:
  ttft_weight: 0.9
`)
	cfg, err := NewLoader().Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Port != 8080 || cfg.Host != "127.0.0.1" {
		t.Errorf("listen = %s, want 127.0.0.1:8080", cfg.Addr())
	}
	if cfg.Queue.MaxSize != 25 || cfg.Queue.Timeout != 15*time.Second {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.LoadBalancer.Algorithm != "round-robin" {
		t.Errorf("algorithm = %q", cfg.LoadBalancer.Algorithm)
	}
	if cfg.CircuitBreaker.BaseFailureThreshold != 7 {
		t.Errorf("base_failure_threshold = %d", cfg.CircuitBreaker.BaseFailureThreshold)
	}
	if got := cfg.CircuitBreaker.ErrorPatterns.Transient; len(got) != 1 || got[0] != "gpu hiccup" {
		t.Errorf("transient patterns = %v", got)
	}
	if !cfg.CircuitBreaker.ModelEscalation.Enabled {
		t.Error("model escalation should be enabled")
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("backends = %d, want 2", len(cfg.Backends))
	}
	if cfg.Backends[0].MaxConcurrency != cfg.Cooldown.DefaultMaxConcurrency {
		t.Errorf("seed without max_concurrency should inherit default, got %d", cfg.Backends[0].MaxConcurrency)
	}
	if cfg.Backends[1].MaxConcurrency != 8 {
		t.Errorf("explicit max_concurrency lost: %d", cfg.Backends[1].MaxConcurrency)
	}
	if cfg.Retry.MaxRetriesPerServer != 1 {
		t.Errorf("retry.max_retries_per_server = %d", cfg.Retry.MaxRetriesPerServer)
	}
	// Streaming shortcut overrides the balancer's streaming weights.
	if cfg.LoadBalancer.Streaming.TTFTWeight != 0.9 {
		t.Errorf("streaming ttft weight not propagated: %v", cfg.LoadBalancer.Streaming.TTFTWeight)
	}
	// Defaults survive partial override.
	if cfg.Queue.PriorityBoostInterval == 0 {
		t.Error("unset queue fields should keep defaults")
	}
}

func TestParseMasterSwitches(t *testing.T) {
	data := []byte(`
enable_metrics: false
enable_streaming: false
enable_persistence: false
`)
	cfg, err := NewLoader().Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Metrics.Enabled {
		t.Error("enable_metrics: false should disable the metrics section")
	}
	if cfg.Streaming.Enabled {
		t.Error("enable_streaming: false should disable the streaming section")
	}
	if cfg.Persistence.Enabled {
		t.Error("enable_persistence: false should disable persistence")
	}
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("HERD_TEST_TOKEN", "from-env")
	data := []byte(`
enable_auth: true
auth:
  token: ${HERD_TEST_TOKEN}
`)
	cfg, err := NewLoader().Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("token = %q, want expansion from environment", cfg.Auth.Token)
	}
}

func TestParseUnsetEnvKeptLiteral(t *testing.T) {
	data := []byte(`host: ${HERD_DEFINITELY_UNSET_VAR}`)
	cfg, err := NewLoader().Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Host != "${HERD_DEFINITELY_UNSET_VAR}" {
		t.Errorf("host = %q, unset vars should stay literal", cfg.Host)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"port out of range", "port: 99999"},
		{"zero port", "port: 0"},
		{"bad algorithm", "load_balancer:\n  algorithm: quantum"},
		{"weights off balance", "load_balancer:\n  weights:\n    latency: 0.9\n    success_rate: 0.9\n    load: 0.1\n    capacity: 0.1"},
		{"breaker order", "circuit_breaker:\n  min_failure_threshold: 10\n  base_failure_threshold: 5"},
		{"queue size", "queue:\n  max_size: 0"},
		{"timeout order", "timeouts:\n  min_timeout: 1m\n  default_timeout: 10s"},
		{"auth without token", "enable_auth: true"},
		{"duplicate backend id", "backends:\n  - id: a\n    base_url: http://h1:11434\n  - id: a\n    base_url: http://h2:11434"},
		{"duplicate backend url", "backends:\n  - id: a\n    base_url: http://h1:11434\n  - id: b\n    base_url: http://h1:11434/"},
		{"missing backend url", "backends:\n  - id: a"},
		{"negative reload", "config_reload_interval: -1s"},
		{"rate limit rps", "rate_limit:\n  enabled: true\n  rps: 0"},
		{"log level", "logging:\n  level: loud"},
		{"escalation ratio", "circuit_breaker:\n  model_escalation:\n    enabled: true\n    ratio_threshold: 1.5"},
		{"retry backoff", "retry:\n  backoff_multiplier: 0.5"},
	}
	l := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Parse([]byte(tt.yaml)); err == nil {
				t.Errorf("Parse(%q) succeeded, want validation error", tt.yaml)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() on missing file should fail")
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "herd.yaml")
	if err := os.WriteFile(path, []byte("port: 8080"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, 20*time.Millisecond, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	got := make(chan *Config, 1)
	w.OnChange(func(c *Config) {
		select {
		case got <- c:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("port: 9090"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-got:
		if cfg.Port != 9090 {
			t.Errorf("reloaded port = %d, want 9090", cfg.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload callback within 5s")
	}
}

func TestWatcherIgnoresBrokenConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "herd.yaml")
	if err := os.WriteFile(path, []byte("port: 8080"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, 20*time.Millisecond, NewLoader())
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	called := make(chan struct{}, 1)
	w.OnChange(func(*Config) { called <- struct{}{} })
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("port: not-a-number"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-called:
		t.Error("broken config must not reach callbacks")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherRejectsZeroDebounce(t *testing.T) {
	if _, err := NewWatcher("x.yaml", 0, NewLoader()); err == nil {
		t.Error("zero debounce should be rejected; reload is disabled by not constructing a watcher")
	}
}
