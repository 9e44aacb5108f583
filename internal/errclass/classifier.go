// Package errclass maps upstream failures to a routing decision: whether
// the error can be retried elsewhere, whether it should trip the circuit
// breaker for its (backend, model) pair, and how urgent it is.
package errclass

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Type is the retry disposition of a classified error.
type Type string

const (
	TypeRetryable    Type = "retryable"
	TypeNonRetryable Type = "non-retryable"
	TypeTransient    Type = "transient"
	TypePermanent    Type = "permanent"
	TypeRateLimited  Type = "rate-limited"
)

// Category names the subsystem the error points at.
type Category string

const (
	CategoryResource       Category = "resource"
	CategoryCompatibility  Category = "compatibility"
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryConfiguration  Category = "configuration"
	CategoryUnknown        Category = "unknown"
)

// Severity grades operator urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RetryStrategy carries the pacing hint for rate-limited errors.
type RetryStrategy struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
}

// Classification is the full verdict for one error.
type Classification struct {
	Type               Type           `json:"type"`
	Category           Category       `json:"category"`
	Severity           Severity       `json:"severity"`
	Retryable          bool           `json:"retryable"`
	Transient          bool           `json:"transient"`
	Permanent          bool           `json:"permanent"`
	ShouldCircuitBreak bool           `json:"should_circuit_break"`
	RetryStrategy      *RetryStrategy `json:"retry_strategy,omitempty"`
	MatchedPattern     string         `json:"matched_pattern,omitempty"`
}

// Patterns holds the substring lists the classifier checks, in match
// order. All matching is case-insensitive.
type Patterns struct {
	Ignore       []string `yaml:"ignore" json:"ignore"`
	NonRetryable []string `yaml:"non_retryable" json:"non_retryable"`
	RateLimit    []string `yaml:"rate_limit" json:"rate_limit"`
	Transient    []string `yaml:"transient" json:"transient"`
	Resource     []string `yaml:"resource" json:"resource"`
}

// DefaultPatterns returns the built-in pattern sets. They track the error
// strings Ollama and its llama runner emit plus the usual Go net errors.
func DefaultPatterns() Patterns {
	return Patterns{
		Ignore: []string{
			"does not support chat",
			"does not support generate",
			"does not support embeddings",
			"embedding models do not support",
		},
		NonRetryable: []string{
			"model not found",
			"not found, try pulling it first",
			"unknown model",
			"invalid model name",
			"no such file or directory",
			"file does not exist",
			"out of memory",
			"cuda error",
			"cudnn",
			"requires more system memory",
			"unauthorized",
			"invalid api key",
			"forbidden",
			"llama runner process has terminated",
			"llama runner process no longer running",
			"runner has unexpectedly stopped",
		},
		RateLimit: []string{
			"rate limit",
			"too many requests",
			"quota exceeded",
			"concurrency limit",
		},
		Transient: []string{
			"connection refused",
			"connection reset",
			"broken pipe",
			"no route to host",
			"network is unreachable",
			"i/o timeout",
			"request timed out",
			"context deadline exceeded",
			"temporarily unavailable",
			"tls handshake",
			"unexpected eof",
		},
		Resource: []string{
			"server overloaded",
			"server busy",
			"no slots available",
			"max queue size",
			"resource exhausted",
			"insufficient vram",
			"loading model",
		},
	}
}

// Classifier applies the pattern sets. Pattern updates are additive and
// safe under concurrent Classify calls.
type Classifier struct {
	mu sync.RWMutex
	p  Patterns
}

// New builds a classifier from the given patterns merged over the
// defaults. Zero-value lists keep their defaults.
func New(extra Patterns) *Classifier {
	c := &Classifier{p: lowered(DefaultPatterns())}
	c.AddPatterns(extra)
	return c
}

// AddPatterns extends the pattern sets at runtime. Existing entries are
// never removed.
func (c *Classifier) AddPatterns(extra Patterns) {
	add := lowered(extra)
	c.mu.Lock()
	c.p.Ignore = append(c.p.Ignore, add.Ignore...)
	c.p.NonRetryable = append(c.p.NonRetryable, add.NonRetryable...)
	c.p.RateLimit = append(c.p.RateLimit, add.RateLimit...)
	c.p.Transient = append(c.p.Transient, add.Transient...)
	c.p.Resource = append(c.p.Resource, add.Resource...)
	c.mu.Unlock()
}

// Patterns returns a copy of the active pattern sets.
func (c *Classifier) Patterns() Patterns {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Patterns{
		Ignore:       append([]string(nil), c.p.Ignore...),
		NonRetryable: append([]string(nil), c.p.NonRetryable...),
		RateLimit:    append([]string(nil), c.p.RateLimit...),
		Transient:    append([]string(nil), c.p.Transient...),
		Resource:     append([]string(nil), c.p.Resource...),
	}
}

// rateLimitStrategy is the pacing handed back with every rate-limited
// verdict: start at five minutes, triple, cap at an hour.
var rateLimitStrategy = &RetryStrategy{
	InitialDelay: 5 * time.Minute,
	MaxDelay:     time.Hour,
	Multiplier:   3,
}

// Classify maps an error plus optional HTTP status to a Classification.
// Steps run in a fixed order and the first match wins, so overlapping
// patterns resolve deterministically.
func (c *Classifier) Classify(err error, status int) Classification {
	msg := ""
	if err != nil {
		msg = strings.ToLower(err.Error())
	}

	c.mu.RLock()
	p := c.p
	c.mu.RUnlock()

	// 1. Ignore: wrong backend for the call shape, not the backend's fault.
	if pat, ok := match(msg, p.Ignore); ok {
		return Classification{
			Type:           TypeNonRetryable,
			Category:       CategoryCompatibility,
			Severity:       SeverityLow,
			MatchedPattern: pat,
		}
	}

	// 2. Hard failures that should trip the breaker immediately and put
	// the pair into cooldown.
	if pat, ok := match(msg, p.NonRetryable); ok {
		return Classification{
			Type:               TypeNonRetryable,
			Category:           categoryFromContent(msg),
			Severity:           SeverityCritical,
			Permanent:          true,
			ShouldCircuitBreak: true,
			MatchedPattern:     pat,
		}
	}

	// 3. Rate limiting, by pattern or by status.
	if pat, ok := match(msg, p.RateLimit); ok || status == 429 {
		return Classification{
			Type:               TypeRateLimited,
			Category:           CategoryNetwork,
			Severity:           SeverityMedium,
			Retryable:          true,
			ShouldCircuitBreak: true,
			RetryStrategy:      rateLimitStrategy,
			MatchedPattern:     pat,
		}
	}

	// 4. Network blips, by pattern or by error kind.
	if pat, ok := match(msg, p.Transient); ok || isNetworkError(err) {
		return Classification{
			Type:           TypeTransient,
			Category:       CategoryNetwork,
			Severity:       SeverityMedium,
			Retryable:      true,
			Transient:      true,
			MatchedPattern: pat,
		}
	}

	// 5. Backend saturated but not broken: retry elsewhere, no penalty.
	if pat, ok := match(msg, p.Resource); ok {
		return Classification{
			Type:           TypeRetryable,
			Category:       CategoryResource,
			Severity:       SeverityHigh,
			Retryable:      true,
			MatchedPattern: pat,
		}
	}

	// 6. Fall back to the HTTP status when the message said nothing.
	if cls, ok := classifyStatus(status); ok {
		return cls
	}

	// 7. Unknown errors retry and count against the breaker.
	return Classification{
		Type:               TypeRetryable,
		Category:           CategoryUnknown,
		Severity:           SeverityHigh,
		Retryable:          true,
		ShouldCircuitBreak: true,
	}
}

func classifyStatus(status int) (Classification, bool) {
	switch status {
	case 502, 503, 504:
		return Classification{
			Type:      TypeTransient,
			Category:  CategoryNetwork,
			Severity:  SeverityMedium,
			Retryable: true,
			Transient: true,
		}, true
	case 400, 401, 403, 404, 405, 406, 410, 422:
		cat := CategoryCompatibility
		switch status {
		case 401, 403:
			cat = CategoryAuthentication
		case 404, 410:
			cat = CategoryConfiguration
		}
		return Classification{
			Type:               TypeNonRetryable,
			Category:           cat,
			Severity:           SeverityHigh,
			ShouldCircuitBreak: true,
		}, true
	}
	if status >= 500 && status <= 599 {
		return Classification{
			Type:               TypeRetryable,
			Category:           CategoryUnknown,
			Severity:           SeverityHigh,
			Retryable:          true,
			ShouldCircuitBreak: true,
		}, true
	}
	return Classification{}, false
}

// categoryFromContent picks the category for a non-retryable error from
// what the message talks about.
func categoryFromContent(msg string) Category {
	switch {
	case containsAny(msg, "memory", "vram", "cuda", "cudnn", "oom"):
		return CategoryResource
	case containsAny(msg, "unauthorized", "forbidden", "api key", "authentication", "token"):
		return CategoryAuthentication
	case containsAny(msg, "model", "file", "blob", "manifest"):
		return CategoryConfiguration
	case containsAny(msg, "unsupported", "not support", "incompatible"):
		return CategoryCompatibility
	default:
		return CategoryUnknown
	}
}

// isNetworkError recognizes transport-level failures by error kind, for
// errors whose message matches none of the configured patterns.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func match(msg string, patterns []string) (string, bool) {
	if msg == "" {
		return "", false
	}
	for _, p := range patterns {
		if p != "" && strings.Contains(msg, p) {
			return p, true
		}
	}
	return "", false
}

func containsAny(msg string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func lowered(p Patterns) Patterns {
	return Patterns{
		Ignore:       lowerAll(p.Ignore),
		NonRetryable: lowerAll(p.NonRetryable),
		RateLimit:    lowerAll(p.RateLimit),
		Transient:    lowerAll(p.Transient),
		Resource:     lowerAll(p.Resource),
	}
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
