package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reskit/internal/domain"
)

// RateLimitConfig holds configuration for the rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	TrustedProxies    []string // peers allowed to set X-Forwarded-For

	// Key picks the bucket for a request. Defaults to the client IP.
	Key func(r *http.Request) string

	// IdleTTL evicts buckets unused for this long. Defaults to 3 minutes.
	IdleTTL time.Duration
}

// RateLimit applies one token bucket per client key. A non-positive rate
// disables limiting. The sweeper goroutine exits when ctx is done.
func RateLimit(ctx context.Context, cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	key := cfg.Key
	if key == nil {
		key = func(r *http.Request) string { return ClientIP(r, cfg.TrustedProxies) }
	}

	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
	)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				for k, c := range clients {
					if time.Since(c.lastSeen) > cfg.IdleTTL {
						delete(clients, k)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)

			mu.Lock()
			c, ok := clients[k]
			if !ok {
				c = &client{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
				clients[k] = c
			}
			c.lastSeen = time.Now()
			mu.Unlock()

			if !c.limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    string(domain.CodeRateLimit),
						"message": domain.ErrRateLimit.Error(),
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
