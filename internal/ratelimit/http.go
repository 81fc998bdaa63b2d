package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/ccmob/internal/audit"
	"github.com/basket/ccmob/internal/otel"
)

// TooManyRequests is the body of every 429 response.
const TooManyRequests = "Too many requests, please try again later"

// ClientIP returns the source address used to key limits. With trustProxy
// the last X-Forwarded-For hop, as appended by the fronting tunnel, is
// used; otherwise the socket peer.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			hops := strings.Split(xff, ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// SetHeaders writes the standard RateLimit-* headers, plus Retry-After on
// rejection.
func SetHeaders(h http.Header, d Decision) {
	h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("RateLimit-Reset", strconv.Itoa(ceilSeconds(d.Reset)))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(max(1, ceilSeconds(d.RetryAfter))))
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// Middleware rejects over-limit calls with 429. source extracts the key
// for a request.
func Middleware(l Limiter, metrics *otel.Metrics, source func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			src := source(r)
			d := l.Allow(src)
			SetHeaders(w.Header(), d)
			if !d.Allowed {
				metrics.RateLimited(r.Context(), l.Name())
				audit.RecordContext(r.Context(), "ratelimit."+l.Name(), "rejected", src, r.Method+" "+r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": TooManyRequests})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
