package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/znz-systems/mailindex/internal/ratelimit"
)

// RateLimit limits ops API requests per client IP. Reads cost one token.
// Requests that change state, such as an attachment sweep, cost writeCost
// tokens. A rejected request gets 429 with Retry-After set to the whole
// seconds until the bucket can cover it.
func RateLimit(limiter *ratelimit.Limiter, writeCost int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			wait, ok := limiter.Take(ip, requestCost(r.Method, writeCost))
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter(wait))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "rate limit exceeded",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func requestCost(method string, writeCost int) int {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return 1
	}
	return max(1, writeCost)
}

func retryAfter(wait time.Duration) string {
	secs := int(math.Ceil(wait.Seconds()))
	return strconv.Itoa(max(1, secs))
}
