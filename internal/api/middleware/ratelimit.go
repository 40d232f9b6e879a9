package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per client address. The least recently
// seen clients are evicted once maxClients is reached.
type RateLimiter struct {
	mu       sync.Mutex
	visitors *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(rps float64, burst, maxClients int) *RateLimiter {
	if maxClients <= 0 {
		maxClients = 10000
	}
	visitors, _ := lru.New[string, *rate.Limiter](maxClients)
	return &RateLimiter{
		visitors: visitors,
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.visitors.Get(key)
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.visitors.Add(key, l)
	}
	return l
}

func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter(clientKey(r)).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
