package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/llm-gateway/gateway/internal/apperr"
	"github.com/llm-gateway/gateway/internal/auth"
	"github.com/llm-gateway/gateway/internal/logging"
	"github.com/llm-gateway/gateway/internal/metrics"
	"github.com/llm-gateway/gateway/internal/ratelimit"
)

// publicPaths skip both authentication and rate limiting (§4.7). Matched
// by prefix so /docs's generated sub-paths are covered too.
var publicPaths = []string{"/health", "/metrics", "/docs", "/redoc", "/openapi.json"}

func isPublic(path string) bool {
	for _, p := range publicPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// correlationID allocates a request id, stores it in the request
// context (for both logging enrichment and the error body), and echoes
// it back as X-Request-ID.
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := logging.WithCorrelationID(r.Context(), id)
		ctx = withRequestID(ctx, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// debugFlag stashes the process-wide debug flag onto every request
// context, for writeError to read back when deciding whether details and
// stack traces belong on the wire (§"Error body", §"Stack traces").
func debugFlag(debug bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(withDebug(r.Context(), debug)))
		})
	}
}

// recoverer converts a panicking handler into a normalized 500 instead
// of crashing the connection, matching the teacher's chi
// middleware.Recoverer but emitting the gateway's own error body shape.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.From(r.Context()).Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeError(w, r, apperr.Internal("internal error", fmt.Errorf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder wraps a ResponseWriter to capture the status code the
// handler actually wrote, for the metrics/logging middleware below.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Flush lets the SSE handlers' http.Flusher type assertion keep working
// through the wrapper.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestMetrics wraps call_next: measures wall time, records the
// latency histogram keyed by method/normalized-path/status, and logs
// one line per request (§4.7).
func requestMetrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			path := routePattern(r)
			m.Record(r.Context(), r.Method, path, rec.status, elapsed.Seconds())
			logging.From(r.Context()).Info().
				Str("method", r.Method).
				Str("path", path).
				Int("status", rec.status).
				Dur("latency", elapsed).
				Msg("request handled")
		})
	}
}

// routePattern prefers chi's matched route pattern ("/dialogs/{id}")
// over the raw URL so metrics cardinality doesn't explode with one
// series per dialog id.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// requireAuth extracts and verifies the bearer token for every
// non-public path, storing the resulting claims in the request context.
// Any failure — missing header, bad scheme, invalid/expired token — is
// a 401 (§4.7, §7).
func requireAuth(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				writeError(w, r, apperr.Unauthorized("missing bearer token"))
				return
			}

			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeError(w, r, err)
				return
			}

			ctx := withClaims(r.Context(), claims)
			ctx = logging.WithUserID(ctx, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// requireRateLimit runs the sliding-window check for every non-public
// request, setting the X-RateLimit-* headers on every response and
// rejecting with 429 once the identity's window is exhausted (§4.4,
// §6). Identity is the caller's user id when authenticated (this
// middleware always runs after requireAuth), otherwise the client IP.
func requireRateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			var userID *int64
			if claims, ok := claimsFrom(r.Context()); ok {
				userID = &claims.UserID
			}
			identity := ratelimit.Identity(userID, clientIP(r))

			result := limiter.Check(r.Context(), identity)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 0 {
					retryAfter = 0
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, r, apperr.RateLimitExceeded(map[string]any{
					"limit":          result.Limit,
					"window_seconds": int(result.Window.Seconds()),
					"retry_after":    retryAfter,
				}))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP takes the first hop of X-Forwarded-For if present, otherwise
// the connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
