package security

import (
	"sync"
	"time"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "closed"
}

// breakers holds one circuit per downstream agent. A circuit opens after
// FailureThreshold consecutive failures inside FailureWindow, rejects for
// Cooldown, then lets a single trial call through.
type breakers struct {
	cfg config.BreakerConfig

	mu       sync.Mutex
	circuits map[string]*circuit
	trials   uint64
	onChange func(agentID string, open bool)
}

type circuit struct {
	state        breakerState
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	trying       bool
	trial        uint64
}

func noRelease() {}

func newBreakers(cfg config.BreakerConfig, onChange func(string, bool)) *breakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &breakers{cfg: cfg, circuits: make(map[string]*circuit), onChange: onChange}
}

func (b *breakers) get(agentID string) *circuit {
	c, ok := b.circuits[agentID]
	if !ok {
		c = &circuit{}
		b.circuits[agentID] = c
	}
	return c
}

// allow admits a call to agentID or returns CircuitOpen. release must run
// once the call is over: when the call was the half-open trial and neither
// success nor failure was recorded, it frees the trial slot.
func (b *breakers) allow(agentID string, now time.Time) (release func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(agentID)

	switch c.state {
	case breakerOpen:
		remaining := b.cfg.Cooldown - now.Sub(c.openedAt)
		if remaining > 0 {
			e := a2a.Errorf(a2a.KindCircuitOpen, "circuit for %s is open", agentID)
			e.RetryAfter = remaining
			return noRelease, e
		}
		c.state = breakerHalfOpen
	case breakerHalfOpen:
		if c.trying {
			e := a2a.Errorf(a2a.KindCircuitOpen, "circuit for %s is half-open, trial call in flight", agentID)
			e.RetryAfter = time.Second
			return noRelease, e
		}
	default:
		return noRelease, nil
	}

	b.trials++
	c.trying = true
	c.trial = b.trials
	ticket := b.trials
	return func() { b.release(agentID, ticket) }, nil
}

func (b *breakers) release(agentID string, ticket uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[agentID]
	if ok && c.state == breakerHalfOpen && c.trying && c.trial == ticket {
		c.trying = false
	}
}

func (b *breakers) success(agentID string) {
	b.mu.Lock()
	c := b.get(agentID)
	wasOpen := c.state != breakerClosed
	*c = circuit{}
	notify := b.onChange
	b.mu.Unlock()
	if wasOpen && notify != nil {
		notify(agentID, false)
	}
}

// failure records a failure and reports whether the circuit opened.
func (b *breakers) failure(agentID string, now time.Time) bool {
	b.mu.Lock()
	c := b.get(agentID)

	opened := false
	switch c.state {
	case breakerHalfOpen:
		c.state = breakerOpen
		c.openedAt = now
		c.trying = false
		opened = true
	case breakerClosed:
		if c.failures == 0 || now.Sub(c.firstFailure) > b.cfg.FailureWindow {
			c.failures = 0
			c.firstFailure = now
		}
		c.failures++
		if c.failures >= b.cfg.FailureThreshold {
			c.state = breakerOpen
			c.openedAt = now
			opened = true
		}
	}
	notify := b.onChange
	b.mu.Unlock()

	if opened && notify != nil {
		notify(agentID, true)
	}
	return opened
}

func (b *breakers) state(agentID string) breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[agentID]; ok {
		return c.state
	}
	return breakerClosed
}
