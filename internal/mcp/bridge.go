package mcp

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/logger"
	"github.com/praxis/a2a-fabric/internal/metrics"
)

// UnresolvedRecipient is the "to" of a translated request before Dispatch
// picks an agent.
const UnresolvedRecipient = "*"

// Bridge translates between MCP tool invocations and A2A messages. Mappings
// are registered once and looked up by MCP method or A2A method.
type Bridge struct {
	nodeID     string
	logger     *logrus.Logger
	collector  *metrics.Collector
	transforms *TransformRegistry

	mu       sync.RWMutex
	mappings map[string]*Mapping // by MCP method
	byA2A    map[string]*Mapping

	stats stats

	finder     AgentFinder
	dispatcher Dispatcher
	timeout    time.Duration
	now        func() time.Time
}

type Option func(*Bridge)

// WithTransforms replaces the builtin transform registry.
func WithTransforms(t *TransformRegistry) Option {
	return func(b *Bridge) { b.transforms = t }
}

// WithFinder sets the registry used to resolve target agents.
func WithFinder(f AgentFinder) Option {
	return func(b *Bridge) { b.finder = f }
}

// WithDispatcher sets how translated requests reach their agent.
func WithDispatcher(d Dispatcher) Option {
	return func(b *Bridge) { b.dispatcher = d }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// NewBridge creates a bridge and registers every configured mapping.
func NewBridge(cfg config.BridgeConfig, nodeID string, log *logrus.Logger, collector *metrics.Collector, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		nodeID:     nodeID,
		logger:     logger.OrDefault(log),
		collector:  collector,
		transforms: NewTransformRegistry(),
		mappings:   make(map[string]*Mapping),
		byA2A:      make(map[string]*Mapping),
		timeout:    cfg.DispatchTimeout,
		now:        time.Now,
	}
	b.stats.byCategory = make(map[string]int64)
	for _, opt := range opts {
		opt(b)
	}
	for _, mc := range cfg.Mappings {
		if err := b.RegisterMapping(MappingFromConfig(mc)); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// MappingFromConfig converts a configured mapping.
func MappingFromConfig(mc config.MappingConfig) *Mapping {
	m := &Mapping{
		MCPMethod:   mc.MCPMethod,
		A2AMethod:   mc.A2AMethod,
		Capability:  mc.Capability,
		Description: mc.Description,
	}
	for _, p := range mc.Parameters {
		m.Parameters = append(m.Parameters, ParameterMapping{
			MCPParam:  p.MCPParam,
			A2AParam:  p.A2AParam,
			Transform: p.Transform,
			Inverse:   p.Inverse,
			Type:      p.Type,
			Required:  p.Required,
		})
	}
	for _, r := range mc.Responses {
		m.Responses = append(m.Responses, ResponseMapping{
			MCPField:  r.MCPField,
			A2AField:  r.A2AField,
			Transform: r.Transform,
			Inverse:   r.Inverse,
		})
	}
	return m
}

// RegisterMapping adds a mapping. Each MCP method and each A2A method can be
// mapped once.
func (b *Bridge) RegisterMapping(m *Mapping) error {
	if m == nil || m.MCPMethod == "" || m.A2AMethod == "" {
		return a2a.Errorf(a2a.KindInvalidMapping, "mapping needs an MCP method and an A2A method")
	}
	if err := b.checkTransforms(m); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.mappings[m.MCPMethod]; exists {
		return a2a.Errorf(a2a.KindMappingAlreadyExists, "MCP method %s is already mapped", m.MCPMethod)
	}
	if existing, exists := b.byA2A[m.A2AMethod]; exists {
		return a2a.Errorf(a2a.KindMappingAlreadyExists, "A2A method %s is already mapped from %s", m.A2AMethod, existing.MCPMethod)
	}
	c := m.clone()
	b.mappings[c.MCPMethod] = c
	b.byA2A[c.A2AMethod] = c
	b.logger.Infof("Registered MCP mapping %s -> %s", c.MCPMethod, c.A2AMethod)
	return nil
}

func (b *Bridge) checkTransforms(m *Mapping) error {
	seen := make(map[string]bool, len(m.Parameters))
	for _, p := range m.Parameters {
		if p.MCPParam == "" || p.A2AParam == "" {
			return a2a.Errorf(a2a.KindInvalidMapping, "mapping %s has a parameter without a name", m.MCPMethod)
		}
		if seen[p.MCPParam] {
			return a2a.Errorf(a2a.KindInvalidMapping, "mapping %s maps parameter %s twice", m.MCPMethod, p.MCPParam)
		}
		seen[p.MCPParam] = true
		for _, name := range []string{p.Transform, p.Inverse} {
			if _, ok := b.transforms.Get(name); !ok {
				return a2a.Errorf(a2a.KindInvalidMapping, "mapping %s: unknown transform %q", m.MCPMethod, name)
			}
		}
	}
	for _, r := range m.Responses {
		if r.MCPField == "" || r.A2AField == "" {
			return a2a.Errorf(a2a.KindInvalidMapping, "mapping %s has a response field without a name", m.MCPMethod)
		}
		for _, name := range []string{r.Transform, r.Inverse} {
			if _, ok := b.transforms.Get(name); !ok {
				return a2a.Errorf(a2a.KindInvalidMapping, "mapping %s: unknown transform %q", m.MCPMethod, name)
			}
		}
	}
	return nil
}

// Mapping returns a copy of the mapping registered for an MCP method.
func (b *Bridge) Mapping(mcpMethod string) (*Mapping, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.mappings[mcpMethod]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// Mappings returns copies of all mappings.
func (b *Bridge) Mappings() []*Mapping {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Mapping, 0, len(b.mappings))
	for _, m := range b.mappings {
		out = append(out, m.clone())
	}
	return out
}

func (b *Bridge) lookupMCP(method string) *Mapping {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mappings[method]
}

func (b *Bridge) lookupA2A(method string) *Mapping {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.byA2A[method]
}

// Transforms exposes the registry so callers can add custom transforms before
// registering mappings that use them.
func (b *Bridge) Transforms() *TransformRegistry { return b.transforms }
