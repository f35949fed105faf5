// Package middleware composes the HTTP-layer ambient concerns — request ID
// assignment, structured access logging, authentication, and ingress rate
// limiting — into the chain wrapped around the core handlers, the way the
// base composes SecurityMiddleware around its routes.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/security"
)

type contextKey string

const RequestIDKey contextKey = "request_id"

// RequestID returns the request ID stashed in ctx, or "" if none.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

// WithRequestID assigns a request ID (from X-Request-ID if the caller
// supplied one, else a fresh UUID) and stores it in the request context.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLog logs method, path, status, duration, and request ID for every
// request, mirroring the base's structured access logging.
func AccessLog(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     sw.status,
			"duration":   time.Since(start),
			"request_id": RequestID(r.Context()),
			"remote":     r.RemoteAddr,
		}).Info("request completed")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Auth rejects requests that fail the shared-secret bearer check with the
// exact 401 body shape spec §6 describes.
func Auth(auth *security.Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := auth.Check(r)
		if !result.OK {
			writeErrorEnvelope(w, http.StatusUnauthorized, "UNAUTHORIZED", result.Reason, RequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit rejects requests beyond the ingress token-bucket limit with 429.
func RateLimit(limiter *security.IngressLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := security.ClientKey(r)
		if !limiter.Allow(key) {
			writeErrorEnvelope(w, http.StatusTooManyRequests, "RATE_LIMIT", "too many requests", RequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Recover turns a panic in a downstream handler into a 500 error envelope
// instead of crashing the process.
func Recover(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.WithField("request_id", RequestID(r.Context())).Errorf("panic recovered: %v", rec)
				writeErrorEnvelope(w, http.StatusInternalServerError, "UNKNOWN_ERROR", "internal error", RequestID(r.Context()))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeErrorEnvelope writes the {error, message, request_id} body shape
// spec §6 assigns to every failed HTTP request.
func writeErrorEnvelope(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + jsonEscape(message) + `","request_id":"` + requestID + `"}`))
}

func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
