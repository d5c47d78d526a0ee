package admin

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Defaults for the control listener. Page traffic on the proxy listener is
// never limited.
const (
	defaultRateLimitRPS   = 5
	defaultRateLimitBurst = 10
	defaultMaxFailures    = 20
	defaultBlockDuration  = 10 * time.Minute
	idleClientTTL         = 15 * time.Minute
)

// defaultExemptPaths are polled by probes and scrapers on a fixed interval
// and carry no state-changing operation.
var defaultExemptPaths = []string{"/healthz", "/metrics"}

type RateLimitConfig struct {
	RPS           int
	Burst         int
	MaxFailures   int
	BlockDuration time.Duration
	// ExemptPaths bypass the limiter; nil means /healthz and /metrics.
	ExemptPaths []string
}

// RateLimiter keeps one token bucket per client IP for the control API. A
// client that keeps failing authentication is shut out for BlockDuration,
// and clients idle for a while are forgotten.
type RateLimiter struct {
	rate        float64
	burst       float64
	maxFailures int
	blockFor    time.Duration
	exempt      map[string]struct{}
	now         func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientState
	lastSweep time.Time
}

type clientState struct {
	tokens       float64
	seen         time.Time
	failures     int
	blockedUntil time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	l := &RateLimiter{
		rate:        float64(positiveOr(cfg.RPS, defaultRateLimitRPS)),
		burst:       float64(positiveOr(cfg.Burst, defaultRateLimitBurst)),
		maxFailures: positiveOr(cfg.MaxFailures, defaultMaxFailures),
		blockFor:    cfg.BlockDuration,
		exempt:      make(map[string]struct{}),
		now:         time.Now,
		clients:     make(map[string]*clientState),
	}
	if l.blockFor <= 0 {
		l.blockFor = defaultBlockDuration
	}
	exempt := cfg.ExemptPaths
	if exempt == nil {
		exempt = defaultExemptPaths
	}
	for _, path := range exempt {
		l.exempt[path] = struct{}{}
	}
	return l
}

// Allow takes a token for the client at addr. When it refuses, wait is how
// long the client should back off.
func (l *RateLimiter) Allow(addr string) (ok bool, wait time.Duration) {
	if l == nil {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	client := l.client(clientIP(addr), now)
	if now.Before(client.blockedUntil) {
		return false, client.blockedUntil.Sub(now)
	}
	client.tokens = min(l.burst, client.tokens+now.Sub(client.seen).Seconds()*l.rate)
	client.seen = now
	if client.tokens < 1 {
		return false, time.Duration((1 - client.tokens) / l.rate * float64(time.Second))
	}
	client.tokens--
	return true, 0
}

// Middleware rejects over-limit requests with 429 and a Retry-After hint.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l != nil {
			if _, ok := l.exempt[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
		}
		if ok, wait := l.Allow(r.RemoteAddr); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, r, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecordFailure counts a failed authentication and blocks the client once
// it reaches the limit.
func (l *RateLimiter) RecordFailure(addr string) {
	if l == nil {
		return
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	client := l.client(clientIP(addr), now)
	if now.Before(client.blockedUntil) {
		return
	}
	client.failures++
	if client.failures >= l.maxFailures {
		client.blockedUntil = now.Add(l.blockFor)
		client.failures = 0
	}
}

func (l *RateLimiter) ResetFailures(addr string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if client := l.clients[clientIP(addr)]; client != nil {
		client.failures = 0
	}
}

func (l *RateLimiter) client(ip string, now time.Time) *clientState {
	client := l.clients[ip]
	if client == nil {
		client = &clientState{tokens: l.burst, seen: now}
		l.clients[ip] = client
	}
	return client
}

// sweep drops clients that are neither blocked nor seen recently. Caller holds mu.
func (l *RateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleClientTTL {
		return
	}
	l.lastSweep = now
	for ip, client := range l.clients {
		if now.Sub(client.seen) > idleClientTTL && !now.Before(client.blockedUntil) {
			delete(l.clients, ip)
		}
	}
}

func positiveOr(value int, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func clientIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
