package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/modelherd/herd/internal/errors"
)

const (
	limiterCap = 8192
	limiterTTL = 10 * time.Minute
)

// ClientKey identifies the caller for rate limiting and sticky sessions:
// the bearer credential when one is presented, else the remote host.
func ClientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok := strings.TrimPrefix(auth, "Bearer "); tok != auth {
			return tok
		}
	}
	return clientHost(r)
}

// RateLimit applies a token bucket per client key. Idle clients age out
// of the limiter cache; a recreated bucket starts full, which only ever
// errs toward admitting.
func RateLimit(rps float64, burst int) Middleware {
	if burst <= 0 {
		burst = int(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	limiters := expirable.NewLRU[string, *rate.Limiter](limiterCap, nil, limiterTTL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			lim, ok := limiters.Get(key)
			if !ok {
				lim = rate.NewLimiter(rate.Limit(rps), burst)
				limiters.Add(key, lim)
			}
			if !lim.Allow() {
				w.Header().Set("Retry-After", "1")
				errors.ErrTooManyRequests.WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
