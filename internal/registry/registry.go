// Package registry is the agent card directory: TTL-bound cards, composable
// discovery queries, semver capability matching and endpoint resolution for
// the transport layer.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/logger"
	"github.com/praxis/a2a-fabric/internal/metrics"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

// Store persists cards across restarts.
type Store interface {
	SaveCard(ctx context.Context, card *agentcard.AgentCard, expiresAt time.Time) error
	DeleteCard(ctx context.Context, agentID string) error
	LoadCards(ctx context.Context) ([]StoredCard, error)
}

// StoredCard is a persisted card. A zero ExpiresAt never expires.
type StoredCard struct {
	Card      *agentcard.AgentCard
	ExpiresAt time.Time
}

type entry struct {
	card      *agentcard.AgentCard
	ttl       time.Duration
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type shard struct {
	mu    sync.RWMutex
	cards map[string]*entry
}

// Registry holds agent cards in hash-sharded maps.
type Registry struct {
	cfg       config.RegistryConfig
	log       *logrus.Logger
	bus       *bus.EventBus
	collector *metrics.Collector
	store     Store
	now       func() time.Time

	shards []*shard

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithStore persists cards through s.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// New creates an empty registry.
func New(cfg config.RegistryConfig, log *logrus.Logger, eventBus *bus.EventBus, collector *metrics.Collector, opts ...Option) *Registry {
	n := cfg.Shards
	if n <= 0 {
		n = 16
	}
	r := &Registry{
		cfg:       cfg,
		log:       logger.OrDefault(log),
		bus:       eventBus,
		collector: collector,
		now:       time.Now,
		shards:    make([]*shard, n),
		stopCh:    make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{cards: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(agentID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func validateCard(card *agentcard.AgentCard) error {
	if card == nil {
		return a2a.Errorf(a2a.KindRegistrationError, "missing required fields: card is nil")
	}
	var missing []string
	if card.ID == "" {
		missing = append(missing, "id")
	}
	if card.Name == "" {
		missing = append(missing, "name")
	}
	if card.Version == "" {
		missing = append(missing, "version")
	}
	if card.Metadata.Type == "" {
		missing = append(missing, "metadata.type")
	}
	if len(missing) > 0 {
		return a2a.Errorf(a2a.KindRegistrationError, "missing required fields: %s", strings.Join(missing, ", "))
	}

	declared := make(map[string]struct{}, len(card.Capabilities))
	for _, c := range card.Capabilities {
		if c.Name == "" {
			return a2a.Errorf(a2a.KindRegistrationError, "agent %s: capability without a name", card.ID)
		}
		declared[c.Name] = struct{}{}
	}
	for _, s := range card.Services {
		if s.Name == "" || s.Method == "" {
			return a2a.Errorf(a2a.KindRegistrationError, "agent %s: service needs a name and a method", card.ID)
		}
		if s.Capability == "" {
			continue
		}
		if _, ok := declared[s.Capability]; !ok {
			return a2a.Errorf(a2a.KindRegistrationError, "agent %s: service %s requires undeclared capability %s", card.ID, s.Name, s.Capability)
		}
	}
	for _, e := range card.Endpoints {
		switch e.Protocol {
		case config.ProtocolWebSocket, config.ProtocolHTTP, config.ProtocolGRPC, config.ProtocolTCP:
		default:
			return a2a.Errorf(a2a.KindRegistrationError, "agent %s: unsupported endpoint protocol %q", card.ID, e.Protocol)
		}
	}
	if card.Metadata.Status != "" && !card.Metadata.Status.Valid() {
		return a2a.Errorf(a2a.KindRegistrationError, "agent %s: unknown status %q", card.ID, card.Metadata.Status)
	}
	if card.Metadata.Load < 0 || card.Metadata.Load > 1 {
		return a2a.Errorf(a2a.KindRegistrationError, "agent %s: load %.2f outside [0,1]", card.ID, card.Metadata.Load)
	}
	return nil
}

// RegisterAgent stores a card. A ttl of zero falls back to the configured
// default; when both are zero the card never expires.
func (r *Registry) RegisterAgent(ctx context.Context, card *agentcard.AgentCard, ttl time.Duration) error {
	if err := validateCard(card); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = r.cfg.DefaultTTL
	}

	now := r.now()
	stored := card.Clone()
	if stored.Metadata.Status == "" {
		stored.Metadata.Status = agentcard.StatusIdle
	}
	stored.Metadata.CreatedAt = now
	stored.Metadata.LastSeen = now

	e := &entry{card: stored, ttl: ttl}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	s := r.shardFor(card.ID)
	s.mu.Lock()
	if old, exists := s.cards[card.ID]; exists && !old.expired(now) {
		s.mu.Unlock()
		return a2a.Errorf(a2a.KindAgentAlreadyRegistered, "agent %s is already registered", card.ID)
	}
	s.cards[card.ID] = e
	s.mu.Unlock()

	r.persist(ctx, stored, e.expiresAt)
	r.collector.SetRegisteredAgents(r.Count())

	r.log.WithFields(logrus.Fields{
		logger.FieldAgentID: card.ID,
		"type":              stored.Metadata.Type,
		"capabilities":      len(stored.Capabilities),
		"ttl":               ttl,
	}).Info("Agent card registered")
	if r.bus != nil {
		r.bus.PublishAsync(bus.EventAgentRegistered, map[string]interface{}{
			"agentId": card.ID,
			"type":    stored.Metadata.Type,
		})
	}
	return nil
}

// UnregisterAgent removes a card and invalidates it for in-flight consumers.
func (r *Registry) UnregisterAgent(ctx context.Context, agentID string) error {
	s := r.shardFor(agentID)
	s.mu.Lock()
	_, ok := s.cards[agentID]
	delete(s.cards, agentID)
	s.mu.Unlock()
	if !ok {
		return a2a.Errorf(a2a.KindUnknownAgent, "agent %s is not registered", agentID)
	}

	r.forget(ctx, agentID)
	r.collector.SetRegisteredAgents(r.Count())
	r.log.WithField(logger.FieldAgentID, agentID).Info("Agent card unregistered")
	r.invalidate(agentID, "unregistered")
	return nil
}

// GetAgent returns a copy of a live card.
func (r *Registry) GetAgent(agentID string) (*agentcard.AgentCard, error) {
	now := r.now()
	s := r.shardFor(agentID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cards[agentID]
	if !ok || e.expired(now) {
		return nil, a2a.Errorf(a2a.KindUnknownAgent, "agent %s is not registered", agentID)
	}
	return e.card.Clone(), nil
}

// StatusUpdate carries the metadata fields a heartbeat may change. Nil fields
// are left alone.
type StatusUpdate struct {
	Status  *agentcard.Status  `json:"status,omitempty"`
	Load    *float64           `json:"load,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// RefreshAgentStatus applies update, stamps lastSeen and extends the TTL.
func (r *Registry) RefreshAgentStatus(ctx context.Context, agentID string, update StatusUpdate) (*agentcard.AgentCard, error) {
	if update.Status != nil && !update.Status.Valid() {
		return nil, a2a.Errorf(a2a.KindRegistrationError, "unknown status %q", *update.Status)
	}
	if update.Load != nil && (*update.Load < 0 || *update.Load > 1) {
		return nil, a2a.Errorf(a2a.KindRegistrationError, "load %.2f outside [0,1]", *update.Load)
	}

	now := r.now()
	s := r.shardFor(agentID)
	s.mu.Lock()
	e, ok := s.cards[agentID]
	if !ok || e.expired(now) {
		s.mu.Unlock()
		return nil, a2a.Errorf(a2a.KindUnknownAgent, "agent %s is not registered", agentID)
	}
	prev := e.card.Metadata.Status
	md := &e.card.Metadata
	if update.Status != nil {
		md.Status = *update.Status
	}
	if update.Load != nil {
		md.Load = *update.Load
	}
	if len(update.Metrics) > 0 {
		if md.Metrics == nil {
			md.Metrics = make(map[string]float64, len(update.Metrics))
		}
		for k, v := range update.Metrics {
			md.Metrics[k] = v
		}
	}
	md.LastSeen = now
	if e.ttl > 0 {
		e.expiresAt = now.Add(e.ttl)
	}
	out := e.card.Clone()
	expiresAt := e.expiresAt
	s.mu.Unlock()

	r.persist(ctx, out, expiresAt)
	if out.Metadata.Status != prev {
		r.log.WithFields(logrus.Fields{
			logger.FieldAgentID: agentID,
			"from":              prev,
			"to":                out.Metadata.Status,
		}).Debug("Agent status changed")
		if r.bus != nil {
			r.bus.PublishAsync(bus.EventAgentStatusChanged, map[string]interface{}{
				"agentId": agentID,
				"status":  string(out.Metadata.Status),
			})
		}
	}
	return out, nil
}

// Heartbeat stamps lastSeen and extends the TTL without changing metadata.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	_, err := r.RefreshAgentStatus(ctx, agentID, StatusUpdate{})
	return err
}

// ReapExpired removes every card whose TTL elapsed and returns their ids.
func (r *Registry) ReapExpired(ctx context.Context) []string {
	now := r.now()
	var reaped []string
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.cards {
			if e.expired(now) {
				delete(s.cards, id)
				reaped = append(reaped, id)
			}
		}
		s.mu.Unlock()
	}
	if len(reaped) == 0 {
		return nil
	}
	sort.Strings(reaped)

	for _, id := range reaped {
		r.forget(ctx, id)
		r.invalidate(id, "expired")
	}
	r.collector.AgentsReaped(len(reaped))
	r.collector.SetRegisteredAgents(r.Count())
	r.log.WithField("agents", reaped).Info("Reaped expired agent cards")
	return reaped
}

func (r *Registry) invalidate(agentID, reason string) {
	if r.bus == nil {
		return
	}
	r.bus.PublishDiscoveryInvalidated(agentID, reason)
	r.bus.PublishAsync(bus.EventAgentUnregistered, map[string]interface{}{
		"agentId": agentID,
		"reason":  reason,
	})
}

// Count returns the number of stored cards, expired or not.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.cards)
		s.mu.RUnlock()
	}
	return n
}

// snapshot copies every live card.
func (r *Registry) snapshot() []*agentcard.AgentCard {
	now := r.now()
	var out []*agentcard.AgentCard
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.cards {
			if !e.expired(now) {
				out = append(out, e.card.Clone())
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// ResolveEndpoint returns the agent's endpoint for protocol, or its first
// endpoint when protocol is empty.
func (r *Registry) ResolveEndpoint(agentID, protocol string) (agentcard.AgentEndpoint, error) {
	card, err := r.GetAgent(agentID)
	if err != nil {
		return agentcard.AgentEndpoint{}, err
	}
	ep, ok := card.Endpoint(protocol)
	if !ok {
		if protocol == "" {
			return agentcard.AgentEndpoint{}, a2a.Errorf(a2a.KindUnknownAgent, "agent %s advertises no endpoints", agentID)
		}
		return agentcard.AgentEndpoint{}, a2a.Errorf(a2a.KindUnknownAgent, "agent %s has no %s endpoint", agentID, protocol)
	}
	return ep, nil
}

// ResolveTransport builds a transport profile from the agent's first
// advertised endpoint.
func (r *Registry) ResolveTransport(agentID string) (config.TransportConfig, error) {
	ep, err := r.ResolveEndpoint(agentID, "")
	if err != nil {
		return config.TransportConfig{}, err
	}
	tc := config.TransportConfig{
		Name:     fmt.Sprintf("%s-%s", agentID, ep.Protocol),
		AgentID:  agentID,
		Protocol: ep.Protocol,
		Host:     ep.Address,
		Port:     ep.Port,
		Secure:   ep.Secure,
	}
	if ep.Protocol == config.ProtocolHTTP || ep.Protocol == config.ProtocolWebSocket {
		tc.Path = "/a2a"
	}
	return tc, nil
}

// Start loads persisted cards and runs the reaper until Stop.
func (r *Registry) Start(ctx context.Context) error {
	var startErr error
	r.startOnce.Do(func() {
		if r.store != nil {
			if err := r.load(ctx); err != nil {
				startErr = err
				return
			}
		}
		interval := r.cfg.ReapInterval
		if interval <= 0 {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-r.stopCh:
					return
				case <-ticker.C:
					r.ReapExpired(ctx)
				}
			}
		}()
	})
	return startErr
}

// Stop halts the reaper.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) load(ctx context.Context) error {
	cards, err := r.store.LoadCards(ctx)
	if err != nil {
		return fmt.Errorf("load agent cards: %w", err)
	}
	now := r.now()
	loaded := 0
	for _, sc := range cards {
		if sc.Card == nil || validateCard(sc.Card) != nil {
			continue
		}
		e := &entry{card: sc.Card.Clone(), expiresAt: sc.ExpiresAt}
		if e.expired(now) {
			continue
		}
		if !sc.ExpiresAt.IsZero() {
			e.ttl = sc.ExpiresAt.Sub(now)
			if r.cfg.DefaultTTL > 0 {
				e.ttl = r.cfg.DefaultTTL
			}
		}
		s := r.shardFor(sc.Card.ID)
		s.mu.Lock()
		s.cards[sc.Card.ID] = e
		s.mu.Unlock()
		loaded++
	}
	r.collector.SetRegisteredAgents(r.Count())
	r.log.WithField("agents", loaded).Info("Loaded persisted agent cards")
	return nil
}

func (r *Registry) persist(ctx context.Context, card *agentcard.AgentCard, expiresAt time.Time) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveCard(ctx, card, expiresAt); err != nil {
		r.log.WithError(err).WithField(logger.FieldAgentID, card.ID).Warn("Failed to persist agent card")
	}
}

func (r *Registry) forget(ctx context.Context, agentID string) {
	if r.store == nil {
		return
	}
	if err := r.store.DeleteCard(ctx, agentID); err != nil {
		r.log.WithError(err).WithField(logger.FieldAgentID, agentID).Warn("Failed to delete persisted agent card")
	}
}
