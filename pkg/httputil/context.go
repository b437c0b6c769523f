package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/edgeflare/pgcollections/pkg/apperr"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
)

// RequestID returns the id assigned by the RequestID middleware, or "".
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(RequestIDCtxKey).(string)
	return id
}

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// BindOrError decodes the JSON body of r into dst. If decoding fails, it
// responds with 400 and an InvalidFilter error.
func BindOrError(r *http.Request, w http.ResponseWriter, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		err = apperr.Wrap(err, apperr.KindInvalidFilter, "invalid request body")
		Error(w, err)
		return err
	}
	return nil
}

// JSON writes a JSON response with the given status code and data. A
// Content-Type set by the caller, such as application/geo+json, is kept.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Blob writes a binary response with the given status code and data.
func Blob(w http.ResponseWriter, statusCode int, data []byte, contentType string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		http.Error(w, "Failed to write response", http.StatusInternalServerError)
	}
}

// ErrorResponse is the body of every error response. Error holds the
// machine-readable kind.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RetryAfterSeconds is advertised on 503 responses.
const RetryAfterSeconds = 5

// Error writes err as an ErrorResponse with the status of its kind. Errors
// without a kind are reported as internal without their detail.
func Error(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	JSON(w, status, ErrorResponse{
		Code:    status,
		Error:   string(kind),
		Message: apperr.Message(err),
	})
}
