package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/logging"
)

var accessRWPool = sync.Pool{
	New: func() any { return &accessWriter{} },
}

// AccessLog emits one structured line per request. Paths in skip are not
// logged; health and metrics scrapes would otherwise drown the log.
func AccessLog(skip ...string) Middleware {
	skipPaths := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			aw := accessRWPool.Get().(*accessWriter)
			aw.ResponseWriter = w
			aw.status = http.StatusOK
			aw.bytes = 0

			next.ServeHTTP(aw, r)

			// Stack-allocated array avoids slice growth allocations.
			var fields [9]zap.Field
			n := 0
			fields[n] = zap.String("request_id", RequestIDFromContext(r.Context()))
			n++
			fields[n] = zap.String("remote_addr", clientHost(r))
			n++
			fields[n] = zap.String("method", r.Method)
			n++
			fields[n] = zap.String("path", r.URL.Path)
			n++
			fields[n] = zap.Int("status", aw.status)
			n++
			fields[n] = zap.Int64("body_bytes", aw.bytes)
			n++
			fields[n] = zap.Duration("response_time", time.Since(start))
			n++
			if r.URL.RawQuery != "" {
				fields[n] = zap.String("query", r.URL.RawQuery)
				n++
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua)
				n++
			}
			logging.Info("http request", fields[:n]...)

			aw.ResponseWriter = nil
			accessRWPool.Put(aw)
		})
	}
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// accessWriter captures status and byte counts. Flush passes through so
// streaming responses keep flushing per chunk.
type accessWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (aw *accessWriter) WriteHeader(status int) {
	aw.status = status
	aw.ResponseWriter.WriteHeader(status)
}

func (aw *accessWriter) Write(b []byte) (int, error) {
	n, err := aw.ResponseWriter.Write(b)
	aw.bytes += int64(n)
	return n, err
}

func (aw *accessWriter) Flush() {
	if f, ok := aw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
