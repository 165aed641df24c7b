package infra

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the per-client limiter map.
const maxTrackedClients = 10000

// RateLimiter throttles store-backed ops routes per client address, so range
// queries and stream backfills cannot starve the writer of SQLite time.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      *slog.Logger
	now      func() time.Time
}

// NewRateLimiter allows each client bursts of burst requests refilled at perSecond.
func NewRateLimiter(burst int, perSecond float64, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		log:      logger,
		now:      time.Now,
	}
}

// Allow takes a token from key's bucket without blocking.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxTrackedClients {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = lim
	}
	rl.mu.Unlock()
	return lim.AllowN(rl.now(), 1)
}

// Throttle answers 429 when the client has no token left. A nil limiter
// passes everything through.
func (rl *RateLimiter) Throttle(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}
		if !rl.Allow(key) {
			rl.log.Warn("Ledger query throttled", slog.String("client", key), slog.String("path", r.URL.Path))
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many ledger queries", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
