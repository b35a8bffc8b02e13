package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL    = 5 * time.Minute
	evictionInterval  = time.Minute
	minRetryAfterSecs = 1
)

// RateLimit is a token bucket refilled at RequestsPerMinute with room for
// Burst requests.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

func (l RateLimit) limiter() *rate.Limiter {
	perSecond := l.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets for each named limit. Rejected
// requests get 429 with a Retry-After hint.
type RateLimiter struct {
	logger     *slog.Logger
	limits     map[string]RateLimit
	onThrottle func(key string)
	trustProxy bool

	mu        sync.Mutex
	visitors  map[string]*rateEntry
	lastEvict time.Time
	clockNow  func() time.Time
	idleTTL   time.Duration
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
		idleTTL:  defaultIdleTTL,
	}
}

// OnThrottle registers a callback invoked whenever a request is rejected.
func (r *RateLimiter) OnThrottle(fn func(key string)) {
	r.onThrottle = fn
}

// TrustProxyHeaders makes the limiter identify clients by X-Real-IP or the
// first X-Forwarded-For hop instead of the connection address.
func (r *RateLimiter) TrustProxyHeaders(trust bool) {
	r.trustProxy = trust
}

func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			client := r.clientID(req)
			retryAfter, allowed := r.allow(key+"|"+client, limit)
			if !allowed {
				if r.onThrottle != nil {
					r.onThrottle(key)
				}
				r.logger.Debug("rate limited",
					slog.String("limit", key),
					slog.String("client", client),
					slog.Duration("retryAfter", retryAfter))
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retryAfter)))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// allow takes a token for id. When none is available it reports how long
// until one is.
func (r *RateLimiter) allow(id string, cfg RateLimit) (time.Duration, bool) {
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastEvict) >= evictionInterval {
		r.evictLocked(now)
		r.lastEvict = now
	}
	entry, ok := r.visitors[id]
	if !ok || now.Sub(entry.lastSeen) > r.idleTTL {
		entry = &rateEntry{limiter: cfg.limiter()}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return r.idleTTL, false
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return delay, false
	}
	return 0, true
}

func (r *RateLimiter) evictLocked(now time.Time) {
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idleTTL {
			delete(r.visitors, id)
		}
	}
}

func (r *RateLimiter) clientID(req *http.Request) string {
	if r.trustProxy {
		if ip := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
		if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func retrySeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < minRetryAfterSecs {
		return minRetryAfterSecs
	}
	return secs
}
