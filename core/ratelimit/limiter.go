// Package ratelimit provides named token buckets for cross-reply plugin and
// tool calls.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"golang.org/x/time/rate"
)

const scopeName = "github.com/koscakluka/ema-vpet/core/ratelimit"

var logger = otelslog.NewLogger(scopeName)

var rateLimitDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vpet_rate_limit_decisions_total",
	Help: "Rate limit decisions by bucket",
}, []string{"bucket", "allowed"})

type bucket struct {
	limiter *rate.Limiter
	max     int
	window  time.Duration
}

// Limiter holds one token bucket per name. A bucket allows max calls per
// window and refills continuously.
type Limiter struct {
	clock clockwork.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{clock: clock, buckets: make(map[string]*bucket)}
}

// Acquire takes one token from the named bucket. A bucket is (re)created
// whenever its max or window changes. A max of zero or less never allows.
func (l *Limiter) Acquire(name string, max int, window time.Duration) bool {
	if l == nil {
		return true
	}

	allowed := l.acquire(name, max, window)
	rateLimitDecisionsTotal.WithLabelValues(name, boolLabel(allowed)).Inc()
	if !allowed {
		logger.Info("rate limit exceeded", "bucket", name, "max", max, "window", window)
	}
	return allowed
}

func (l *Limiter) acquire(name string, max int, window time.Duration) bool {
	if max <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[name]
	if !ok || b.max != max || b.window != window {
		every := rate.Inf
		if window > 0 {
			every = rate.Every(window / time.Duration(max))
		}
		b = &bucket{limiter: rate.NewLimiter(every, max), max: max, window: window}
		l.buckets[name] = b
	}
	return b.limiter.AllowN(l.clock.Now(), 1)
}

// Reset forgets every bucket.
func (l *Limiter) Reset() {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.buckets)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
