package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"aiedu.app/tutor/internal/auth"
	"aiedu.app/tutor/internal/metrics"
	"aiedu.app/tutor/internal/store"
)

type ctxKey int

const (
	userKey ctxKey = iota
	claimsKey
)

const tokenCookie = "token"

func userFrom(ctx context.Context) *store.User {
	u, _ := ctx.Value(userKey).(*store.User)
	return u
}

func claimsFrom(ctx context.Context) auth.Claims {
	c, _ := ctx.Value(claimsKey).(auth.Claims)
	return c
}

// tokenFrom reads the session token. EventSource cannot set headers, so the
// query string and cookie are accepted too.
func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie(tokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// RequireAuth rejects requests without a valid session token.
func (h *APIHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFrom(r)
		if token == "" {
			h.Error(w, http.StatusUnauthorized, "authentication required")
			return
		}
		user, claims, err := h.auth.Verify(r.Context(), token)
		if err != nil {
			h.Error(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger returns a request logging middleware using zerolog.
func Logger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush keeps event streams working behind the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Metrics returns middleware that records Prometheus metrics.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, path, strconv.Itoa(wrapped.status),
		).Inc()

		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, path,
		).Observe(duration)
	})
}

// pageActions are the path segments routed under /api/pages/{kind}/{pageID}.
var pageActions = map[string]bool{"ask": true, "stop": true, "regenerate": true, "sessions": true, "open": true}

// normalizePath replaces ids, unknown kinds and unknown actions so label cardinality stays bounded.
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" || (parts[1] != "pages" && parts[1] != "history") {
		return path
	}
	if _, ok := store.ParseKind(parts[2]); !ok {
		parts[2] = ":kind"
	}
	if len(parts) < 4 {
		return "/" + strings.Join(parts, "/")
	}

	if parts[1] == "history" {
		// /api/history/{kind}/{sessionID}
		parts[3] = ":session"
		if len(parts) > 4 {
			parts = append(parts[:4], ":other")
		}
		return "/" + strings.Join(parts, "/")
	}

	// /api/pages/{kind}/events or /api/pages/{kind}/{pageID}/...
	if parts[3] == "events" && len(parts) == 4 {
		return "/" + strings.Join(parts, "/")
	}
	parts[3] = ":page"
	for i := 4; i < len(parts); i++ {
		switch {
		case i == 5 && parts[4] == "sessions":
			parts[i] = ":session"
		case !pageActions[parts[i]]:
			parts[i] = ":action"
		}
	}
	if len(parts) > 7 {
		parts = parts[:7]
	}
	return "/" + strings.Join(parts, "/")
}

// UserRateLimiter limits requests per signed-in user with a token bucket each.
type UserRateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewUserRateLimiter allows perMinute requests a minute per user, in bursts of up to perMinute.
func NewUserRateLimiter(perMinute int) *UserRateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &UserRateLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		limiters: map[string]*rate.Limiter{},
	}
}

func (l *UserRateLimiter) Allow(userID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Middleware rejects over-limit requests with 429. It runs after RequireAuth.
func (l *UserRateLimiter) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u := userFrom(r.Context())
			if u != nil && !l.Allow(u.ID) {
				metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
				retry := time.Duration(float64(time.Second) / float64(l.limit))
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests, slow down"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
