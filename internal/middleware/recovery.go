package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/errors"
	"github.com/modelherd/herd/internal/logging"
)

// Recovery converts handler panics into 500 responses.
// http.ErrAbortHandler is re-raised so net/http tears the connection
// down instead of a JSON error landing mid-stream.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logging.Error("panic recovered",
					zap.Any("error", v),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				apiErr := errors.ErrInternalServer.WithDetails(fmt.Sprintf("panic: %v", v))
				if id := w.Header().Get(RequestIDHeader); id != "" {
					apiErr = apiErr.WithRequestID(id)
				}
				apiErr.WriteJSON(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
