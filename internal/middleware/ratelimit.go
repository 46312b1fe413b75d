package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// WithRateLimit rejects requests outside the excluded paths once limiter
// has no tokens left.
func WithRateLimit(limiter *rate.Limiter, logger *slog.Logger, excluded ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, path := range excluded {
				if strings.HasPrefix(r.URL.Path, path) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if !limiter.Allow() {
				logger.Warn("rate limit exceeded",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
