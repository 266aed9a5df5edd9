package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	"refsync/lib/api/response"
	"refsync/lib/sl"
)

const staleAfter = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New limits requests per client IP. Intended for unauthenticated routes
// where the bearer token cannot serve as the principal.
func New(log *slog.Logger, rps float64, burst int) func(next http.Handler) http.Handler {
	mod := sl.Module("middleware.ratelimit")
	log.With(mod).Info("rate limit middleware initialized",
		slog.Float64("rps", rps), slog.Int("burst", burst))

	var mu sync.Mutex
	visitors := make(map[string]*visitor)

	// stale limiters are pruned lazily so the map does not grow unbounded
	prune := func(now time.Time) {
		for ip, v := range visitors {
			if now.Sub(v.lastSeen) > staleAfter {
				delete(visitors, ip)
			}
		}
	}

	allow := func(ip string) bool {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		v, ok := visitors[ip]
		if !ok {
			if len(visitors) > 1000 {
				prune(now)
			}
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			visitors[ip] = v
		}
		v.lastSeen = now
		return v.limiter.Allow()
	}

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !allow(ip) {
				log.With(mod, slog.String("remote_addr", ip)).Warn("rate limit exceeded")
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, response.Error("Too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
