package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// TenantHeader carries the tenant when the body does not
const TenantHeader = "X-Tenant-ID"

// loggingMiddleware assigns a request ID and logs request metadata
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.logger.WithRequestID(requestID).LogAccess(
			r.Method,
			r.URL.Path,
			rw.statusCode,
			time.Since(start),
			r.ContentLength,
			int64(rw.size),
		)
	})
}

// allow applies the per-tenant limit to the resolved tenant, whether it came
// from the body or the header. Requests without a tenant are keyed by client
// address.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if s.limiter == nil {
		return true
	}

	key := "tenant:" + tenantID
	if tenantID == "" {
		key = "addr:" + s.clientIP(r)
	}
	if s.limiter.Allow(key) {
		return true
	}

	s.logger.Warn("Rate limit exceeded",
		zap.String("request_id", getRequestID(r.Context())),
		zap.String("tenant_id", tenantID),
	)
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// bodyLimitMiddleware caps request bodies
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.maxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the peer address. Forwarding headers are honored only
// when server.trust_proxy_headers is set, and then only the first hop.
func (s *Server) clientIP(r *http.Request) string {
	if s.config.Server.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseWriter wraps http.ResponseWriter to capture response data
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// getRequestID extracts request ID from context
func getRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return "unknown"
}
