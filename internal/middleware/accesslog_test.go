package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// The wrapped writer must pass status, body, and Flush through untouched;
// streaming depends on per-chunk flushes surviving the wrapper.
func TestAccessLogPassthrough(t *testing.T) {
	var flushable bool
	h := AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/api/version?v=1", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rr.Code)
	}
	if rr.Body.String() != "short and stout" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if !flushable {
		t.Error("wrapped writer does not implement http.Flusher")
	}
}

func TestAccessLogSkipPaths(t *testing.T) {
	var sawWrapper bool
	h := AccessLog("/healthz")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawWrapper = w.(*accessWriter)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	if sawWrapper {
		t.Error("skipped path should not be wrapped")
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/tags", nil))
	if !sawWrapper {
		t.Error("normal path should be wrapped")
	}
}
