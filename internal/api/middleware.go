package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/auth"
	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/metrics"
	"github.com/lalithlochan/notifylab/internal/redis"
)

type contextKey struct{}

var apiKeyContextKey = contextKey{}

// KeyVerifier checks a bearer API key
type KeyVerifier interface {
	Verify(ctx context.Context, plaintext string) (*db.APIKey, error)
}

// APIKeyFromContext returns the key attached by AuthMiddleware, or nil
func APIKeyFromContext(ctx context.Context) *db.APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*db.APIKey)
	return key
}

// WithAPIKey attaches an authenticated key to ctx
func WithAPIKey(ctx context.Context, key *db.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// AuthMiddleware rejects requests without a valid "Authorization: Bearer" key
func AuthMiddleware(verifier KeyVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.ExtractBearer(r.Header.Get("Authorization"))
			if token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeProblem(w, http.StatusUnauthorized, "unauthorized", "Missing API key",
					"Authorization header must carry a Bearer API key")
				return
			}

			key, err := verifier.Verify(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrInvalidKey) {
					w.Header().Set("WWW-Authenticate", "Bearer")
					writeProblem(w, http.StatusUnauthorized, "unauthorized", "Invalid API key", "")
					return
				}
				logger.Error("api key verification failed", zap.Error(err))
				writeProblem(w, http.StatusInternalServerError, "internal_error", "Failed to verify API key", "")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
		})
	}
}

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request (e.g., API key, IP).
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(keyKind(key))
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeRateLimited(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// FallbackRateLimit limits in process memory. It is used when redis is
// unavailable, so limits are per gateway instance.
func FallbackRateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return APIKeyKeyFunc(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RecordRateLimitRejection(keyKind(APIKeyKeyFunc(r)))
			writeRateLimited(w)
		}),
	)
}

func writeRateLimited(w http.ResponseWriter) {
	writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
		"Rate limit exceeded. Please retry after the specified time.")
}

// APIKeyKeyFunc limits per authenticated key and falls back to the client IP
func APIKeyKeyFunc(r *http.Request) string {
	if key := APIKeyFromContext(r.Context()); key != nil {
		return "key:" + key.Prefix
	}
	return IPKeyFunc(r)
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

func keyKind(key string) string {
	if kind, _, ok := strings.Cut(key, ":"); ok {
		return kind
	}
	return "other"
}

// idempotencyScope namespaces idempotency keys and queued batches per API key
func idempotencyScope(r *http.Request) string {
	if key := APIKeyFromContext(r.Context()); key != nil {
		return key.Prefix
	}
	return "anonymous"
}

// CORS allows browser dashboards on origins to call the API
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Idempotency-Replayed", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}

// RequestLogger logs one line per completed request
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
