package backend

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Hardware describes what an operator reported about a backend's host.
// Purely informational; scoring uses MaxConcurrency, not these fields.
type Hardware struct {
	GPUName    string `json:"gpu_name,omitempty"`
	TotalVRAMB int64  `json:"total_vram_mb,omitempty"`
	CPUCores   int    `json:"cpu_cores,omitempty"`
}

// Spec is the operator-facing description of a backend. It is what the
// control plane accepts on registration and what gets persisted.
type Spec struct {
	ID                   string    `json:"id"`
	BaseURL              string    `json:"base_url"`
	APIKey               string    `json:"api_key,omitempty"`
	MaxConcurrency       int       `json:"max_concurrency"`
	SupportsNative       bool      `json:"supports_native"`
	SupportsOpenAICompat bool      `json:"supports_openai_compat"`
	Draining             bool      `json:"draining,omitempty"`
	Maintenance          bool      `json:"maintenance,omitempty"`
	MaintenanceReason    string    `json:"maintenance_reason,omitempty"`
	Hardware             *Hardware `json:"hardware,omitempty"`
}

// Snapshot is the redacted, read-only view served by the control plane.
// It never carries the API key.
type Snapshot struct {
	ID                   string    `json:"id"`
	BaseURL              string    `json:"base_url"`
	MaxConcurrency       int       `json:"max_concurrency"`
	Healthy              bool      `json:"healthy"`
	LastResponseTimeMs   int64     `json:"last_response_time_ms"`
	Models               []string  `json:"models"`
	Version              string    `json:"version,omitempty"`
	SupportsNative       bool      `json:"supports_native"`
	SupportsOpenAICompat bool      `json:"supports_openai_compat"`
	Draining             bool      `json:"draining"`
	Maintenance          bool      `json:"maintenance"`
	MaintenanceReason    string    `json:"maintenance_reason,omitempty"`
	Hardware             *Hardware `json:"hardware,omitempty"`
}

// Backend is one inference server in the fleet. Workers read it
// concurrently; the health scheduler and the control plane mutate it.
// All access goes through methods so the lock stays internal.
type Backend struct {
	mu sync.RWMutex

	id        string
	baseURL   string
	parsedURL *url.URL
	apiKey    string

	maxConcurrency int
	healthy        bool
	lastResponse   time.Duration
	models         map[string]struct{}
	version        string
	supportsNative    bool
	supportsOpenAI    bool
	draining          bool
	maintenance       bool
	maintenanceReason string
	hardware          *Hardware
}

// DefaultMaxConcurrency applies when a Spec leaves the field zero.
const DefaultMaxConcurrency = 4

// New validates a Spec and builds a Backend. The base URL is normalized;
// callers comparing backends for duplicates should compare BaseURL().
func New(spec Spec) (*Backend, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("backend: id is required")
	}
	if strings.ContainsAny(spec.ID, ":/ \t") {
		return nil, fmt.Errorf("backend: id %q must not contain ':', '/' or whitespace", spec.ID)
	}
	normalized, err := NormalizeURL(spec.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", spec.ID, err)
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("backend %s: parsing normalized url: %w", spec.ID, err)
	}
	maxConc := spec.MaxConcurrency
	if maxConc <= 0 {
		maxConc = DefaultMaxConcurrency
	}

	supportsNative := spec.SupportsNative
	supportsOpenAI := spec.SupportsOpenAICompat
	if !supportsNative && !supportsOpenAI {
		// Unspecified means both until the version probe says otherwise.
		supportsNative = true
		supportsOpenAI = true
	}

	return &Backend{
		id:             spec.ID,
		baseURL:        normalized,
		parsedURL:      parsed,
		apiKey:         spec.APIKey,
		maxConcurrency: maxConc,
		models:         make(map[string]struct{}),
		supportsNative:    supportsNative,
		supportsOpenAI:    supportsOpenAI,
		draining:          spec.Draining,
		maintenance:       spec.Maintenance,
		maintenanceReason: spec.MaintenanceReason,
		hardware:          spec.Hardware,
	}, nil
}

// ID returns the stable fleet-unique identifier.
func (b *Backend) ID() string { return b.id }

// BaseURL returns the normalized base URL.
func (b *Backend) BaseURL() string { return b.baseURL }

// URL returns the parsed base URL. Callers must not mutate it.
func (b *Backend) URL() *url.URL { return b.parsedURL }

// APIKey returns the bearer token for upstream calls, if any.
func (b *Backend) APIKey() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.apiKey
}

// MaxConcurrency returns the configured concurrent-request ceiling.
func (b *Backend) MaxConcurrency() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxConcurrency
}

// Healthy reports the health scheduler's current verdict.
func (b *Backend) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy
}

// SetHealthy records a health transition.
func (b *Backend) SetHealthy(healthy bool) {
	b.mu.Lock()
	b.healthy = healthy
	b.mu.Unlock()
}

// LastResponseTime returns the most recent probe or request latency.
func (b *Backend) LastResponseTime() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastResponse
}

// SetLastResponseTime records the most recent latency observation.
func (b *Backend) SetLastResponseTime(d time.Duration) {
	b.mu.Lock()
	b.lastResponse = d
	b.mu.Unlock()
}

// HasModel reports whether the backend advertised the model on its last
// successful inventory poll. The name is normalized before lookup.
func (b *Backend) HasModel(model string) bool {
	name := NormalizeModel(model)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.models[name]
	return ok
}

// Models returns the advertised model names, sorted.
func (b *Backend) Models() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.models))
	for m := range b.models {
		out = append(out, m)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SetModels replaces the advertised model set. Names are normalized.
func (b *Backend) SetModels(models []string) {
	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		if name := NormalizeModel(m); name != "" {
			set[name] = struct{}{}
		}
	}
	b.mu.Lock()
	b.models = set
	b.mu.Unlock()
}

// Version returns the upstream-reported version string.
func (b *Backend) Version() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// SetVersion records the upstream-reported version string.
func (b *Backend) SetVersion(v string) {
	b.mu.Lock()
	b.version = v
	b.mu.Unlock()
}

// SupportsNative reports whether the backend serves the native /api routes.
func (b *Backend) SupportsNative() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.supportsNative
}

// SupportsOpenAICompat reports whether the backend serves /v1 routes.
func (b *Backend) SupportsOpenAICompat() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.supportsOpenAI
}

// Draining reports whether the operator is draining this backend.
func (b *Backend) Draining() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.draining
}

// SetDraining toggles the draining flag. In-flight requests finish;
// new ones are refused.
func (b *Backend) SetDraining(v bool) {
	b.mu.Lock()
	b.draining = v
	b.mu.Unlock()
}

// Maintenance reports whether the operator put this backend in maintenance.
func (b *Backend) Maintenance() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maintenance
}

// MaintenanceReason returns the operator's note, if any.
func (b *Backend) MaintenanceReason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maintenanceReason
}

// SetMaintenance toggles the maintenance flag. The reason is cleared
// when maintenance ends.
func (b *Backend) SetMaintenance(v bool, reason string) {
	b.mu.Lock()
	b.maintenance = v
	if v {
		b.maintenanceReason = reason
	} else {
		b.maintenanceReason = ""
	}
	b.mu.Unlock()
}

// AcceptingRequests reports whether new traffic may be routed here:
// healthy and not drained or under maintenance.
func (b *Backend) AcceptingRequests() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy && !b.draining && !b.maintenance
}

// Update applies the mutable Spec fields in place. ID and URL are
// immutable after construction; changing those means remove + re-add.
func (b *Backend) Update(spec Spec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if spec.APIKey != "" {
		b.apiKey = spec.APIKey
	}
	if spec.MaxConcurrency > 0 {
		b.maxConcurrency = spec.MaxConcurrency
	}
	b.draining = spec.Draining
	b.maintenance = spec.Maintenance
	b.maintenanceReason = spec.MaintenanceReason
	if spec.Hardware != nil {
		b.hardware = spec.Hardware
	}
}

// Snapshot returns the redacted control-plane view.
func (b *Backend) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	models := make([]string, 0, len(b.models))
	for m := range b.models {
		models = append(models, m)
	}
	sort.Strings(models)
	return Snapshot{
		ID:                   b.id,
		BaseURL:              b.baseURL,
		MaxConcurrency:       b.maxConcurrency,
		Healthy:              b.healthy,
		LastResponseTimeMs:   b.lastResponse.Milliseconds(),
		Models:               models,
		Version:              b.version,
		SupportsNative:       b.supportsNative,
		SupportsOpenAICompat: b.supportsOpenAI,
		Draining:             b.draining,
		Maintenance:          b.maintenance,
		MaintenanceReason:    b.maintenanceReason,
		Hardware:             b.hardware,
	}
}

// PersistSpec returns the full Spec including the API key, for writing
// to the servers state file. Not for serving to clients.
func (b *Backend) PersistSpec() Spec {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Spec{
		ID:                   b.id,
		BaseURL:              b.baseURL,
		APIKey:               b.apiKey,
		MaxConcurrency:       b.maxConcurrency,
		SupportsNative:       b.supportsNative,
		SupportsOpenAICompat: b.supportsOpenAI,
		Draining:             b.draining,
		Maintenance:          b.maintenance,
		MaintenanceReason:    b.maintenanceReason,
		Hardware:             b.hardware,
	}
}
