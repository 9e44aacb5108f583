package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/modelherd/herd/internal/errors"
)

// BearerAuth guards a handler with a static token. Comparison is constant
// time so response timing cannot probe the token.
func BearerAuth(token string) Middleware {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := ""
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimPrefix(auth, "Bearer ")
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				errors.ErrUnauthorized.WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
