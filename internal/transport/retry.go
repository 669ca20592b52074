package transport

import (
	"context"
	"time"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy bounds resends of retryable failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    string
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// RetryPolicyFromConfig converts the YAML retry section.
func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: c.MaxRetries,
		Backoff:    c.Backoff,
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
	}
}

// Delay returns the wait before retry number attempt (0 based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	var d time.Duration
	if p.Backoff == BackoffLinear {
		d = base * time.Duration(attempt+1)
	} else {
		shift := attempt
		if shift > 30 {
			shift = 30
		}
		d = base << uint(shift)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// SendWithRetry calls fn until it succeeds, fails with a non-retryable error,
// or MaxRetries resends are spent. A RetryAfter hint longer than the backoff
// delay wins.
func SendWithRetry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 0; ; attempt++ {
		out, err = fn(ctx)
		if err == nil || !a2a.IsRetryable(err) || attempt >= policy.MaxRetries {
			return out, err
		}

		wait := policy.Delay(attempt)
		if hint := a2a.RetryAfterOf(err); hint > wait {
			wait = hint
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return out, err
		}
	}
}

// SendWithRetry sends msg over connID using the manager retry policy.
func (m *Manager) SendWithRetry(ctx context.Context, connID string, msg *a2a.Message) (*a2a.Response, error) {
	return SendWithRetry(ctx, RetryPolicyFromConfig(m.cfg.Retry), func(ctx context.Context) (*a2a.Response, error) {
		return m.SendMessage(ctx, connID, msg)
	})
}
