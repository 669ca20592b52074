package security

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

// Rate limited operations.
const (
	OpSession = "session"
	OpMessage = "message"
	OpReceive = "receive"
)

const (
	ewmaAlpha        = 0.2
	decreaseAbove    = 0.5
	increaseBelow    = 0.1
	decreaseFactor   = 0.5
	increaseFraction = 0.1
	minRateFraction  = 0.1
)

// rateLimiter is a set of token buckets keyed by (agent, operation). With the
// adaptive policy each bucket runs AIMD on an EWMA of its deny/error ratio.
type rateLimiter struct {
	policy config.RateLimitPolicy
	base   rate.Limit
	burst  int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	current rate.Limit
	ewma    float64
}

func newRateLimiter(policy config.RateLimitPolicy) *rateLimiter {
	window := policy.Window
	if window <= 0 {
		window = time.Minute
	}
	base := rate.Limit(policy.BaseRate / window.Seconds())
	mult := policy.BurstMultiplier
	if mult <= 0 {
		mult = 1
	}
	burst := int(math.Floor(policy.BaseRate * mult))
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		policy:  policy,
		base:    base,
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

func (r *rateLimiter) enabled() bool { return r.policy.BaseRate > 0 }

func (r *rateLimiter) get(key string, now time.Time) *bucket {
	b, ok := r.buckets[key]
	if !ok {
		l := rate.NewLimiter(r.base, r.burst)
		// Start full as of now so a fake clock far from wall time behaves.
		l.SetLimitAt(now, r.base)
		b = &bucket{limiter: l, current: r.base}
		r.buckets[key] = b
	}
	return b
}

// allow consumes one token or returns RateLimited with the wait until one is
// available.
func (r *rateLimiter) allow(agentID, op string, now time.Time) error {
	if !r.enabled() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(agentID+"|"+op, now)
	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		b.observe(1)
		return a2a.RateLimited(time.Second, "%s rate limit exceeded for %s", op, agentID)
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		b.observe(1)
		return a2a.RateLimited(delay, "%s rate limit exceeded for %s", op, agentID)
	}
	b.observe(0)
	return nil
}

// recordError counts a failed operation against the bucket's error ratio.
func (r *rateLimiter) recordError(agentID, op string, now time.Time) {
	if !r.enabled() {
		return
	}
	r.mu.Lock()
	r.get(agentID+"|"+op, now).observe(1)
	r.mu.Unlock()
}

func (b *bucket) observe(sample float64) {
	b.ewma = ewmaAlpha*sample + (1-ewmaAlpha)*b.ewma
}

// adapt applies one AIMD step to every bucket.
func (r *rateLimiter) adapt(now time.Time) {
	if !r.enabled() || !r.policy.Adaptive {
		return
	}
	floor := r.base * minRateFraction
	step := r.base * increaseFraction

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.buckets {
		next := b.current
		switch {
		case b.ewma > decreaseAbove:
			next = b.current * decreaseFactor
			if next < floor {
				next = floor
			}
		case b.ewma < increaseBelow && b.current < r.base:
			next = b.current + step
			if next > r.base {
				next = r.base
			}
		}
		if next != b.current {
			b.current = next
			b.limiter.SetLimitAt(now, next)
		}
	}
}

// currentRate reports the bucket rate in operations per second.
func (r *rateLimiter) currentRate(agentID, op string) (rate.Limit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[agentID+"|"+op]
	if !ok {
		return r.base, false
	}
	return b.current, true
}

// errorRatio is the smoothed deny/error ratio across an agent's buckets.
func (r *rateLimiter) errorRatio(agentID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var worst float64
	for _, op := range []string{OpSession, OpMessage, OpReceive} {
		if b, ok := r.buckets[agentID+"|"+op]; ok && b.ewma > worst {
			worst = b.ewma
		}
	}
	return worst
}

func (r *rateLimiter) forget(agentID string) {
	r.mu.Lock()
	for _, op := range []string{OpSession, OpMessage, OpReceive} {
		delete(r.buckets, agentID+"|"+op)
	}
	r.mu.Unlock()
}
