package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// APIError represents an error that can be returned to clients. The body
// shape follows the Ollama convention: {"error": "...", "details": "..."}.
// The HTTP status travels out of band in Code.
type APIError struct {
	Code       int    `json:"-"`
	Message    string `json:"error"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *APIError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNoServerAvailable = &APIError{
		Code:    http.StatusServiceUnavailable,
		Message: "no server available for requested model",
	}

	ErrAllServersFailed = &APIError{
		Code:    http.StatusServiceUnavailable,
		Message: "all candidate servers failed",
	}

	ErrQueueFull = &APIError{
		Code:    http.StatusServiceUnavailable,
		Message: "request queue is full",
	}

	ErrQueueTimeout = &APIError{
		Code:    http.StatusServiceUnavailable,
		Message: "queue wait timed out",
	}

	ErrTooManyStreams = &APIError{
		Code:    http.StatusServiceUnavailable,
		Message: "too many concurrent streams",
	}

	ErrDraining = &APIError{
		Code:    http.StatusServiceUnavailable,
		Message: "server is draining and not accepting new requests",
	}

	ErrCircuitOpen = &APIError{
		Code:    http.StatusServiceUnavailable,
		Message: "circuit breaker open for all candidate servers",
	}

	ErrHalfOpenExhausted = &APIError{
		Code:    http.StatusServiceUnavailable,
		Message: "circuit half-open, probe capacity exhausted",
	}

	ErrUpstreamTimeout = &APIError{
		Code:    http.StatusGatewayTimeout,
		Message: "upstream request timed out",
	}

	ErrBadGateway = &APIError{
		Code:    http.StatusBadGateway,
		Message: "upstream server error",
	}

	ErrMissingModel = &APIError{
		Code:    http.StatusBadRequest,
		Message: "missing required field: model",
	}

	ErrBadRequest = &APIError{
		Code:    http.StatusBadRequest,
		Message: "invalid request",
	}

	ErrNotSupported = &APIError{
		Code:    http.StatusBadRequest,
		Message: "not supported in multi-node mode",
	}

	ErrModelNotFound = &APIError{
		Code:    http.StatusNotFound,
		Message: "model not found",
	}

	ErrNotFound = &APIError{
		Code:    http.StatusNotFound,
		Message: "not found",
	}

	ErrMethodNotAllowed = &APIError{
		Code:    http.StatusMethodNotAllowed,
		Message: "method not allowed",
	}

	ErrUnauthorized = &APIError{
		Code:    http.StatusUnauthorized,
		Message: "unauthorized",
	}

	ErrTooManyRequests = &APIError{
		Code:    http.StatusTooManyRequests,
		Message: "too many requests",
	}

	ErrInternalServer = &APIError{
		Code:    http.StatusInternalServerError,
		Message: "internal server error",
	}

	ErrRequestEntityTooLarge = &APIError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "request entity too large",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*APIError][]byte

func init() {
	bases := []*APIError{
		ErrNoServerAvailable, ErrAllServersFailed, ErrQueueFull, ErrQueueTimeout,
		ErrTooManyStreams, ErrDraining,
		ErrCircuitOpen, ErrHalfOpenExhausted, ErrUpstreamTimeout, ErrBadGateway,
		ErrMissingModel, ErrBadRequest, ErrNotSupported, ErrModelNotFound,
		ErrNotFound, ErrMethodNotAllowed, ErrUnauthorized, ErrTooManyRequests,
		ErrInternalServer, ErrRequestEntityTooLarge,
	}
	preSerialized = make(map[*APIError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new APIError
func New(code int, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, message string) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	return &APIError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsAPIError checks if an error is an APIError
func IsAPIError(err error) (*APIError, bool) {
	if ae, ok := err.(*APIError); ok {
		return ae, true
	}
	return nil, false
}
