package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/internal/authz"
	"github.com/loomhq/loom/internal/log"
)

type contextKey int

const (
	principalKey contextKey = iota
	requestIDKey
)

// principalFrom returns the authenticated principal stored by authenticate.
func principalFrom(ctx context.Context) authz.Principal {
	p, _ := ctx.Value(principalKey).(authz.Principal)
	return p
}

// requestIDFrom returns the request ID assigned by requestID.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// authenticate resolves the principal from headers set by the fronting
// gateway. X-User-ID carries the numeric identity, X-User-Role the role
// (defaults to "user"). Requests without a valid identity are rejected.
func authenticate(logger log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
		if err != nil || userID <= 0 {
			writeJSON(logger, w, http.StatusUnauthorized, errorBody{Error: "missing or invalid identity"})
			return
		}

		role := r.Header.Get("X-User-Role")
		if role == "" {
			role = authz.RoleUser
		}
		switch role {
		case authz.RoleUser, authz.RoleAdmin, authz.RoleSystem:
		default:
			writeJSON(logger, w, http.StatusUnauthorized, errorBody{Error: "unknown role"})
			return
		}

		p := authz.Principal{UserID: userID, Role: role}
		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestID assigns a request ID and echoes it back in the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("http.request_id", id))
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the status code for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so streaming responses keep working.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// accessLog logs one line per request with method, path, status, and latency.
func accessLog(logger log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFrom(r.Context()),
		)
	})
}

// recovery turns handler panics into 500 responses instead of dropped
// connections.
func recovery(logger log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic",
					"panic", rec,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeJSON(logger, w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
