package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestClassifyOrder(t *testing.T) {
	c := New(Patterns{})

	tests := []struct {
		name      string
		err       error
		status    int
		wantType  Type
		wantCat   Category
		wantSev   Severity
		wantBreak bool
		wantRetry bool
	}{
		{
			name:     "ignore pattern wins over everything",
			err:      errors.New(`model "nomic-embed-text" does not support chat`),
			wantType: TypeNonRetryable,
			wantCat:  CategoryCompatibility,
			wantSev:  SeverityLow,
		},
		{
			name:      "model not found is non-retryable",
			err:       errors.New(`model "llama9" not found, try pulling it first`),
			wantType:  TypeNonRetryable,
			wantCat:   CategoryConfiguration,
			wantSev:   SeverityCritical,
			wantBreak: true,
		},
		{
			name:      "oom maps to resource category",
			err:       errors.New("CUDA error: out of memory"),
			wantType:  TypeNonRetryable,
			wantCat:   CategoryResource,
			wantSev:   SeverityCritical,
			wantBreak: true,
		},
		{
			name:      "auth maps to authentication category",
			err:       errors.New("401: invalid api key provided"),
			wantType:  TypeNonRetryable,
			wantCat:   CategoryAuthentication,
			wantSev:   SeverityCritical,
			wantBreak: true,
		},
		{
			name:      "runner crash is non-retryable",
			err:       errors.New("llama runner process has terminated: exit status 2"),
			wantType:  TypeNonRetryable,
			wantSev:   SeverityCritical,
			wantBreak: true,
			wantCat:   CategoryUnknown,
		},
		{
			name:      "rate limit by pattern",
			err:       errors.New("rate limit exceeded, retry later"),
			wantType:  TypeRateLimited,
			wantCat:   CategoryNetwork,
			wantSev:   SeverityMedium,
			wantBreak: true,
			wantRetry: true,
		},
		{
			name:      "rate limit by status 429",
			err:       errors.New("upstream replied"),
			status:    429,
			wantType:  TypeRateLimited,
			wantCat:   CategoryNetwork,
			wantSev:   SeverityMedium,
			wantBreak: true,
			wantRetry: true,
		},
		{
			name:      "connection refused is transient",
			err:       errors.New("dial tcp 10.0.0.1:11434: connect: connection refused"),
			wantType:  TypeTransient,
			wantCat:   CategoryNetwork,
			wantSev:   SeverityMedium,
			wantRetry: true,
		},
		{
			name:      "no slots is retryable resource",
			err:       errors.New("no slots available after timeout"),
			wantType:  TypeRetryable,
			wantCat:   CategoryResource,
			wantSev:   SeverityHigh,
			wantRetry: true,
		},
		{
			name:      "status 503 is transient",
			err:       errors.New("upstream replied"),
			status:    503,
			wantType:  TypeTransient,
			wantCat:   CategoryNetwork,
			wantSev:   SeverityMedium,
			wantRetry: true,
		},
		{
			name:      "status 404 is non-retryable configuration",
			err:       errors.New("upstream replied"),
			status:    404,
			wantType:  TypeNonRetryable,
			wantCat:   CategoryConfiguration,
			wantSev:   SeverityHigh,
			wantBreak: true,
		},
		{
			name:      "status 401 is non-retryable authentication",
			err:       errors.New("upstream replied"),
			status:    401,
			wantType:  TypeNonRetryable,
			wantCat:   CategoryAuthentication,
			wantSev:   SeverityHigh,
			wantBreak: true,
		},
		{
			name:      "status 500 is retryable and circuit breaking",
			err:       errors.New("upstream replied"),
			status:    500,
			wantType:  TypeRetryable,
			wantCat:   CategoryUnknown,
			wantSev:   SeverityHigh,
			wantBreak: true,
			wantRetry: true,
		},
		{
			name:      "unknown defaults to retryable circuit breaking",
			err:       errors.New("something nobody has seen before"),
			wantType:  TypeRetryable,
			wantCat:   CategoryUnknown,
			wantSev:   SeverityHigh,
			wantBreak: true,
			wantRetry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.err, tt.status)
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if got.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", got.Category, tt.wantCat)
			}
			if got.Severity != tt.wantSev {
				t.Errorf("Severity = %q, want %q", got.Severity, tt.wantSev)
			}
			if got.ShouldCircuitBreak != tt.wantBreak {
				t.Errorf("ShouldCircuitBreak = %v, want %v", got.ShouldCircuitBreak, tt.wantBreak)
			}
			if got.Retryable != tt.wantRetry {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.wantRetry)
			}
		})
	}
}

func TestClassifyCaseInsensitive(t *testing.T) {
	c := New(Patterns{})
	got := c.Classify(errors.New("RATE LIMIT Exceeded"), 0)
	if got.Type != TypeRateLimited {
		t.Errorf("Type = %q, want %q for upper-case message", got.Type, TypeRateLimited)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	c := New(Patterns{})
	err := errors.New("connection reset by peer")
	first := c.Classify(err, 0)
	for i := 0; i < 10; i++ {
		if got := c.Classify(err, 0); got != first {
			t.Fatalf("classification changed on call %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestClassifyErrorKinds(t *testing.T) {
	c := New(Patterns{})

	t.Run("deadline exceeded", func(t *testing.T) {
		got := c.Classify(fmt.Errorf("proxying: %w", context.DeadlineExceeded), 0)
		if got.Type != TypeTransient {
			t.Errorf("Type = %q, want transient", got.Type)
		}
	})

	t.Run("net.OpError", func(t *testing.T) {
		opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("host unreachable somehow")}
		got := c.Classify(opErr, 0)
		if got.Type != TypeTransient {
			t.Errorf("Type = %q, want transient", got.Type)
		}
	})
}

func TestClassifyNilError(t *testing.T) {
	c := New(Patterns{})
	got := c.Classify(nil, 503)
	if got.Type != TypeTransient {
		t.Errorf("Type = %q, want transient from status alone", got.Type)
	}
}

func TestRateLimitStrategy(t *testing.T) {
	c := New(Patterns{})
	got := c.Classify(errors.New("quota exceeded"), 0)
	if got.RetryStrategy == nil {
		t.Fatal("rate-limited classification should carry a retry strategy")
	}
	if got.RetryStrategy.InitialDelay != 5*time.Minute {
		t.Errorf("InitialDelay = %v, want 5m", got.RetryStrategy.InitialDelay)
	}
	if got.RetryStrategy.MaxDelay != time.Hour {
		t.Errorf("MaxDelay = %v, want 1h", got.RetryStrategy.MaxDelay)
	}
	if got.RetryStrategy.Multiplier != 3 {
		t.Errorf("Multiplier = %v, want 3", got.RetryStrategy.Multiplier)
	}
}

func TestAddPatterns(t *testing.T) {
	c := New(Patterns{})

	before := c.Classify(errors.New("flux capacitor misaligned"), 0)
	if before.Type != TypeRetryable || before.Category != CategoryUnknown {
		t.Fatalf("pre-update classification = %+v", before)
	}

	c.AddPatterns(Patterns{NonRetryable: []string{"Flux Capacitor"}})

	after := c.Classify(errors.New("flux capacitor misaligned"), 0)
	if after.Type != TypeNonRetryable {
		t.Errorf("Type = %q after AddPatterns, want non-retryable", after.Type)
	}
	if after.MatchedPattern != "flux capacitor" {
		t.Errorf("MatchedPattern = %q, want lowered pattern", after.MatchedPattern)
	}

	// Defaults must survive the additive update.
	if got := c.Classify(errors.New("connection refused"), 0); got.Type != TypeTransient {
		t.Errorf("default pattern lost after AddPatterns: %+v", got)
	}
}

func TestMatchedPatternReported(t *testing.T) {
	c := New(Patterns{})
	got := c.Classify(errors.New("dial tcp: i/o timeout"), 0)
	if got.MatchedPattern != "i/o timeout" {
		t.Errorf("MatchedPattern = %q, want %q", got.MatchedPattern, "i/o timeout")
	}
}
