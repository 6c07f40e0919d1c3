package httpmiddleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/jx"
)

// RateLimitConfig configures a Limiter.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// Key identifies the client of a request. Defaults to ClientIP.
	Key func(*http.Request) string
	// Skip exempts requests from limiting, e.g. health probes.
	Skip func(*http.Request) bool
}

// counter approximates a sliding window from two fixed windows: the count of
// the window starting at start and the count of the one before it.
type counter struct {
	start time.Time
	prev  int
	curr  int
}

// decision is the outcome of one Allow call.
type decision struct {
	allowed   bool
	remaining int
	reset     time.Time
}

// Limiter is a per-client sliding window rate limiter.
type Limiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
}

// NewLimiter creates a Limiter. Stale clients are only evicted while Run is
// running.
func NewLimiter(cfg RateLimitConfig) *Limiter {
	if cfg.Key == nil {
		cfg.Key = ClientIP
	}
	return &Limiter{
		cfg:      cfg,
		now:      time.Now,
		counters: make(map[string]*counter),
	}
}

func (l *Limiter) allow(key string) decision {
	now := l.now()
	window := l.cfg.Window
	start := now.Truncate(window)

	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.counters[key]
	switch {
	case c == nil:
		c = &counter{start: start}
		l.counters[key] = c
	case start.Sub(c.start) == window:
		c.prev, c.curr, c.start = c.curr, 0, start
	case start.After(c.start):
		c.prev, c.curr, c.start = 0, 0, start
	}

	// The previous window counts in proportion to how much of it the sliding
	// window still covers.
	covered := 1 - float64(now.Sub(start))/float64(window)
	used := int(float64(c.prev)*covered) + c.curr

	d := decision{reset: start.Add(window)}
	if used >= l.cfg.Max {
		return d
	}
	c.curr++
	d.allowed = true
	d.remaining = max(l.cfg.Max-used-1, 0)
	return d
}

func (l *Limiter) evict() {
	cutoff := l.now().Truncate(l.cfg.Window).Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.counters {
		if c.start.Before(cutoff) {
			delete(l.counters, key)
		}
	}
}

// Run evicts idle clients every other window until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(2 * l.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.evict()
		}
	}
}

// Middleware enforces the limit. Every limited response carries the
// X-RateLimit-* headers; rejected requests get 429 with Retry-After.
func (l *Limiter) Middleware() Middleware {
	limit := strconv.Itoa(l.cfg.Max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.cfg.Skip != nil && l.cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			d := l.allow(l.cfg.Key(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.reset.Unix(), 10))
			if d.allowed {
				next.ServeHTTP(w, r)
				return
			}

			wait := d.reset.Sub(l.now())
			h.Set("Retry-After", strconv.Itoa(int((wait+time.Second-1)/time.Second)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		})
	}
}

// writeError writes the {"code","message"} body shared by the handlers.
func writeError(w http.ResponseWriter, code int, msg string) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(code) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}

// HeaderKey limits by the value of header, falling back to ClientIP for
// requests without it. Shoppers behind a shared proxy are limited apart.
func HeaderKey(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return header + ":" + v
		}
		return ClientIP(r)
	}
}

// PathPrefixes matches requests whose path starts with any of prefixes.
func PathPrefixes(prefixes ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				return true
			}
		}
		return false
	}
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
