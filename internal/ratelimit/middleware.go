package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/lumenclass/aigateway/internal/auth"
)

// Middleware returns an HTTP middleware that enforces per-caller rate limits
// using the provided Limiter. It expects an authenticated caller in the
// request context (set by auth.CallerAuthMiddleware). The caller's ID is used
// as the bucket key and its RateLimit field as the custom rate override.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit      maximum requests allowed in the window
//	X-RateLimit-Remaining  tokens remaining in the current window
//	X-RateLimit-Reset      Unix timestamp when the bucket is fully replenished
//
// When the limit is exceeded the middleware responds with HTTP 429, a
// Retry-After header, and a JSON error body carrying the same hint.
func Middleware(limiter *Limiter, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := auth.CallerFromContext(r.Context())
			if caller == nil {
				// No caller in context, nothing to key the bucket on.
				next.ServeHTTP(w, r)
				return
			}

			limit, remaining, resetAt := limiter.Status(caller.ID, caller.RateLimit)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

			allowed, retryAfter := limiter.Allow(caller.ID, caller.RateLimit)
			if !allowed {
				for _, fn := range onReject {
					fn()
				}
				seconds := int(math.Ceil(retryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"code":        "rate_limit",
						"message":     "Too many requests. Slow down and retry.",
						"retry_after": seconds,
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
