package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sajjad-MoBe/kvs/internal/errors"
	"github.com/sajjad-MoBe/kvs/internal/shared"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// RecoveryMiddleware recovers panics and writes JSON errors
func RecoveryMiddleware(logger *shared.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					err := errors.RecoverError(rec)
					logger.Error("Panic serving %s %s: %v", r.Method, r.URL.Path, rec)
					handleError(w, err)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// handleError writes an error response to the client
func handleError(w http.ResponseWriter, err error) {
	var statusCode int
	errType := errors.TypeOf(err)

	switch errType {
	case errors.ErrorTypeNotFound:
		statusCode = http.StatusNotFound
	case errors.ErrorTypeInvalidInput:
		statusCode = http.StatusBadRequest
	case errors.ErrorTypeTimeout:
		statusCode = http.StatusGatewayTimeout
	default:
		statusCode = http.StatusInternalServerError
		if errType == "" {
			errType = errors.ErrorTypeInternal
		}
	}

	response := ErrorResponse{}
	response.Error.Type = string(errType)
	response.Error.Message = err.Error()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// LoggingMiddleware logs request details
func LoggingMiddleware(logger *shared.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			logger.Debug("%s %s %d %v", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
		})
	}
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
