package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/modelherd/herd/internal/errors"
	"github.com/modelherd/herd/internal/middleware"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError tags the error with the request ID before serializing.
func writeError(w http.ResponseWriter, r *http.Request, apiErr *errors.APIError) {
	if id := middleware.RequestIDFromContext(r.Context()); id != "" && apiErr.RequestID == "" {
		apiErr = apiErr.WithRequestID(id)
	}
	apiErr.WriteJSON(w)
}

// writeRoutingError adds the circuit-state hint on breaker rejections so
// callers can tell a tripped breaker from plain capacity exhaustion
// without requesting debug headers.
func writeRoutingError(w http.ResponseWriter, r *http.Request, apiErr *errors.APIError) {
	switch apiErr.Message {
	case errors.ErrCircuitOpen.Message:
		w.Header().Set("X-Model-Circuit-State", "open")
	case errors.ErrHalfOpenExhausted.Message:
		w.Header().Set("X-Model-Circuit-State", "half-open")
	}
	writeError(w, r, apiErr)
}

// readBody consumes the request body under the configured size cap.
func readBody(w http.ResponseWriter, r *http.Request, max int64) ([]byte, *errors.APIError) {
	body := r.Body
	if max > 0 {
		body = http.MaxBytesReader(w, body, max)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		if _, ok := err.(*http.MaxBytesError); ok {
			return nil, errors.ErrRequestEntityTooLarge
		}
		return nil, errors.ErrBadRequest.WithDetails("reading request body: " + err.Error())
	}
	return data, nil
}

func decodeJSON(data []byte, v any) *errors.APIError {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.ErrBadRequest.WithDetails("parsing request body: " + err.Error())
	}
	return nil
}

// requestPriority reads the queue priority hint. Absent or malformed
// headers mean default priority.
func requestPriority(r *http.Request) int {
	v := r.Header.Get("X-Priority")
	if v == "" {
		return 0
	}
	p, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return p
}

func wantsDebug(r *http.Request) bool {
	return r.Header.Get("X-Include-Debug-Info") == "true"
}
