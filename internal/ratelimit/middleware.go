// Package ratelimit is per-client-IP admission control placed in front of the
// auth routes.
package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"auth-service/internal/observability"
)

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Middleware rejects over-limit clients with 429. Limiter errors let the
// request through.
func Middleware(limiter Limiter, logger *observability.Logger, name, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := observability.ClientIP(r)

			decision, err := limiter.Allow(r.Context(), name+":"+ip)
			if err != nil {
				logger.Warn("rate_limit_unavailable", map[string]any{"limiter": name, "error": err.Error()})
				next.ServeHTTP(w, r)
				return
			}

			if !decision.Allowed {
				logger.Warn("rate_limited", map[string]any{"limiter": name, "ip": ip})
				seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
