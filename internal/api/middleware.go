package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	fleeterrors "github.com/atlasfleet/atlas/internal/errors"
)

// handlerTimeout bounds every request except websocket upgrades.
const handlerTimeout = 10 * time.Second

// APIError is the JSON body of every error response.
type APIError struct {
	ErrorMessage string `json:"error"`
	Code         string `json:"code,omitempty"`
	StatusCode   int    `json:"status_code"`
	Timestamp    int64  `json:"timestamp"`
	RequestID    string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string { return e.ErrorMessage }

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// wrap is the outermost middleware: request ID, security headers, panic
// recovery, deadline, status capture, and request metrics.
func (r *Router) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "" {
			req.URL.Path = "/"
		}

		// Websocket connections outlive any sane handler deadline and
		// cannot be served through a wrapped writer.
		if req.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, req)
			return
		}

		requestID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()[:8]
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set("X-Request-ID", requestID)
		r.setSecurityHeaders(rw)

		ctx, cancel := context.WithTimeout(req.Context(), handlerTimeout)
		defer cancel()
		req = req.WithContext(ctx)

		start := time.Now()
		route := normalizeRoute(req.URL.Path)

		defer func() {
			if r.metrics != nil {
				r.metrics.ObserveRequest(route, req.Method, rw.statusCode, time.Since(start))
			}
		}()

		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("error", rec).
					Str("path", req.URL.Path).
					Str("method", req.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")
				writeError(rw, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
			}
		}()

		next.ServeHTTP(rw, req)

		if rw.statusCode >= 400 {
			log.Warn().
				Str("path", req.URL.Path).
				Str("method", req.Method).
				Int("status", rw.statusCode).
				Str("request_id", requestID).
				Msg("Request failed")
		}
	})
}

func (r *Router) setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer-when-downgrade")
	h.Set("Content-Security-Policy", "default-src 'self'")
	if r.tlsActive {
		h.Set("Strict-Transport-Security", "max-age=31536000")
	}
}

// normalizeRoute collapses per-machine paths so metric cardinality
// stays bounded.
func normalizeRoute(path string) string {
	if rest, ok := strings.CutPrefix(path, "/api/fleet/machines/"); ok && rest != "" {
		if strings.HasSuffix(rest, "/history") {
			return "/api/fleet/machines/{id}/history"
		}
		if strings.HasSuffix(rest, "/commands") {
			return "/api/fleet/machines/{id}/commands"
		}
		return "/api/fleet/machines/{id}"
	}
	if strings.HasPrefix(path, "/api/fleet/commands/") {
		return "/api/fleet/commands/{id}/result"
	}
	return path
}

// writeJSON writes a 200 JSON response.
func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes the structured error body.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeFleetError maps a typed failure to its HTTP shape. Internal
// details are logged, never surfaced.
func writeFleetError(w http.ResponseWriter, err error) {
	status := fleeterrors.HTTPStatus(err)
	kind := string(fleeterrors.KindOf(err))
	message := err.Error()
	if status >= 500 {
		log.Error().Err(err).Msg("Request failed with internal error")
		message = "An unexpected error occurred"
	}
	writeError(w, status, kind, message)
}

// clientIP prefers the transport peer; proxies are expected to sit on
// a trusted network and are not consulted for throttling.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
