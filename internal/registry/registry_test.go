package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := config.DefaultConfig().Registry
	cfg.ReapInterval = 0
	r := New(cfg, quietLogger(), nil, nil, append([]Option{WithClock(clock.Now)}, opts...)...)
	return r, clock
}

func card(id, agentType string, status agentcard.Status, load float64, caps ...string) *agentcard.AgentCard {
	c := &agentcard.AgentCard{
		ID:      id,
		Name:    id,
		Version: "1.0.0",
		Endpoints: []agentcard.AgentEndpoint{
			{Protocol: config.ProtocolWebSocket, Address: "127.0.0.1", Port: 8700},
		},
		Metadata: agentcard.CardMetadata{Type: agentType, Status: status, Load: load},
	}
	for _, name := range caps {
		c.Capabilities = append(c.Capabilities, agentcard.AgentCapability{Name: name, Version: "1.2.0"})
	}
	return c
}

// catalogue registers one agent per role of the default catalogue.
func catalogue(t *testing.T, r *Registry) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.RegisterAgent(ctx, card("coordinator-1", "coordinator", agentcard.StatusIdle, 0.2, "planning", "delegation"), 0))
	require.NoError(t, r.RegisterAgent(ctx, card("researcher-1", "researcher", agentcard.StatusBusy, 0.3, "search", "summarize"), 0))
	require.NoError(t, r.RegisterAgent(ctx, card("coder-1", "coder", agentcard.StatusIdle, 0.4, "codegen", "review"), 0))
	require.NoError(t, r.RegisterAgent(ctx, card("analyst-1", "analyst", agentcard.StatusIdle, 0.8, "analyze", "search"), 0))
}

func ids(matches []Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Card.ID
	}
	return out
}

func TestDiscoveryFiltersOverCatalogue(t *testing.T) {
	r, _ := newTestRegistry(t)
	catalogue(t, r)

	found, err := r.DiscoverAgents(DiscoveryRequest{Filters: []Filter{
		{Field: "metadata.load", Operator: OpLt, Value: 0.5},
		{Field: "metadata.status", Operator: OpEq, Value: "idle"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"coder-1", "coordinator-1"}, ids(found))
}

func TestDiscoveryComposesCriteria(t *testing.T) {
	r, _ := newTestRegistry(t)
	catalogue(t, r)

	found, err := r.DiscoverAgents(DiscoveryRequest{Capabilities: []string{"search"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst-1", "researcher-1"}, ids(found))

	found, err = r.DiscoverAgents(DiscoveryRequest{Capabilities: []string{"search"}, AgentType: "analyst"})
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst-1"}, ids(found))

	found, err = r.DiscoverAgents(DiscoveryRequest{Filters: []Filter{
		{Field: "capabilities.name", Operator: OpContains, Value: "review"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"coder-1"}, ids(found))

	found, err = r.DiscoverAgents(DiscoveryRequest{Filters: []Filter{
		{Field: "metadata.type", Operator: OpIn, Value: []string{"coder", "analyst"}},
		{Field: "metadata.load", Operator: OpGte, Value: 0.4},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst-1", "coder-1"}, ids(found))

	found, err = r.DiscoverAgents(DiscoveryRequest{Status: []agentcard.Status{agentcard.StatusBusy}})
	require.NoError(t, err)
	assert.Equal(t, []string{"researcher-1"}, ids(found))

	found, err = r.DiscoverAgents(DiscoveryRequest{Filters: []Filter{
		{Field: "metadata.nope", Operator: OpEq, Value: 1},
	}})
	require.NoError(t, err)
	assert.Empty(t, found, "missing fields never match")
}

func TestDiscoveryRejectsUnknownOperator(t *testing.T) {
	r, _ := newTestRegistry(t)
	catalogue(t, r)

	_, err := r.DiscoverAgents(DiscoveryRequest{Filters: []Filter{
		{Field: "metadata.load", Operator: OpLt, Value: 0.5},
		{Field: "metadata.load", Operator: "regex", Value: ".*"},
	}})
	assert.True(t, a2a.IsKind(err, a2a.KindInvalidFilterOperator))

	_, err = r.DiscoverAgents(DiscoveryRequest{Filters: []Filter{
		{Field: "metadata.type", Operator: OpIn, Value: "coder"},
	}})
	assert.True(t, a2a.IsKind(err, a2a.KindInvalidFilterOperator))
}

func TestDiscoveryRankingByDistance(t *testing.T) {
	r, _ := newTestRegistry(t)
	catalogue(t, r)

	max := 0.45
	found, err := r.DiscoverAgents(DiscoveryRequest{
		PreferredCapabilities: []string{"search"},
		MaxDistance:           &max,
	})
	require.NoError(t, err)
	// analyst: 0.3*0.8 = 0.24; researcher: 0.09+0.1 = 0.19;
	// coordinator: 0.5+0.06 = 0.56; coder: 0.5+0.12 = 0.62
	assert.Equal(t, []string{"researcher-1", "analyst-1"}, ids(found))
	assert.InDelta(t, 0.19, found[0].Distance, 1e-9)
	assert.InDelta(t, 0.24, found[1].Distance, 1e-9)

	found, err = r.DiscoverAgents(DiscoveryRequest{PreferredCapabilities: []string{"search"}, MaxDistance: &max, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"researcher-1"}, ids(found))
}

func TestRegisterAgentValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	err := r.RegisterAgent(ctx, &agentcard.AgentCard{ID: "x"}, 0)
	require.Error(t, err)
	assert.True(t, a2a.IsKind(err, a2a.KindRegistrationError))
	assert.Contains(t, err.Error(), "missing required fields")

	bad := card("svc-1", "coder", agentcard.StatusIdle, 0.1, "codegen")
	bad.Services = []agentcard.AgentService{{Name: "deploy", Method: "ops.deploy", Capability: "deploy"}}
	assert.True(t, a2a.IsKind(r.RegisterAgent(ctx, bad, 0), a2a.KindRegistrationError))

	good := card("svc-1", "coder", agentcard.StatusIdle, 0.1, "codegen")
	good.Services = []agentcard.AgentService{{Name: "generate", Method: "code.generate", Capability: "codegen"}}
	require.NoError(t, r.RegisterAgent(ctx, good, 0))
	assert.True(t, a2a.IsKind(r.RegisterAgent(ctx, good, 0), a2a.KindAgentAlreadyRegistered))

	byService, err := r.FindAgentsByService("generate")
	require.NoError(t, err)
	require.Len(t, byService, 1)
	assert.Equal(t, "svc-1", byService[0].ID)

	got, err := r.GetAgent("svc-1")
	require.NoError(t, err)
	got.Name = "mutated"
	again, err := r.GetAgent("svc-1")
	require.NoError(t, err)
	assert.Equal(t, "svc-1", again.Name, "callers get copies")
}

func TestFindAgentsByCapabilityUsesSemver(t *testing.T) {
	r, _ := newTestRegistry(t)
	catalogue(t, r)

	found, err := r.FindAgentsByCapability("search", "1.0.0")
	require.NoError(t, err)
	assert.Len(t, found, 2, "1.2.0 satisfies 1.0.0")

	found, err = r.FindAgentsByCapability("search", "1.3.0")
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = r.FindAgentsByCapability("search", "2.0.0")
	require.NoError(t, err)
	assert.Empty(t, found)

	byType, err := r.FindAgentsByType("coder")
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "coder-1", byType[0].ID)
}

func TestCompatible(t *testing.T) {
	cases := []struct {
		offered, requested string
		want               bool
	}{
		{"1.2.0", "1.0.0", true},
		{"v1.2.0", "1.2", true},
		{"1.0.0", "1.2.0", false},
		{"2.0.0", "1.0.0", false},
		{"0.3.1", "0.3.0", true},
		{"0.4.0", "0.3.0", false},
		{"1.0.0", "", true},
		{"latest", "latest", true},
		{"latest", "1.0.0", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Compatible(tc.offered, tc.requested), "%s vs %s", tc.offered, tc.requested)
	}
}

func TestTTLExpiryAndHeartbeat(t *testing.T) {
	eb := bus.NewEventBus(quietLogger())
	defer eb.Stop()
	invalidated := make(chan string, 4)
	eb.Subscribe(bus.EventDiscoveryInvalidate, func(e bus.Event) {
		invalidated <- e.Payload["agentId"].(string)
	})

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := New(config.RegistryConfig{Shards: 4}, quietLogger(), eb, nil, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, card("short", "coder", agentcard.StatusIdle, 0.1), time.Minute))
	require.NoError(t, r.RegisterAgent(ctx, card("beating", "coder", agentcard.StatusIdle, 0.1), time.Minute))
	require.NoError(t, r.RegisterAgent(ctx, card("forever", "coder", agentcard.StatusIdle, 0.1), 0))

	clock.Advance(40 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "beating"))
	clock.Advance(30 * time.Second)

	_, err := r.GetAgent("short")
	assert.True(t, a2a.IsKind(err, a2a.KindUnknownAgent), "expired cards are invisible before reaping")

	assert.Equal(t, []string{"short"}, r.ReapExpired(ctx))
	assert.Equal(t, 2, r.Count())

	select {
	case id := <-invalidated:
		assert.Equal(t, "short", id)
	case <-time.After(2 * time.Second):
		t.Fatal("discovery invalidation not published")
	}

	beating, err := r.GetAgent("beating")
	require.NoError(t, err)
	assert.True(t, beating.Metadata.LastSeen.Equal(clock.Now().Add(-30*time.Second)))
	assert.True(t, a2a.IsKind(r.Heartbeat(ctx, "short"), a2a.KindUnknownAgent))
}

func TestRefreshAgentStatus(t *testing.T) {
	r, clock := newTestRegistry(t)
	catalogue(t, r)
	clock.Advance(time.Second)

	busy := agentcard.StatusOverloaded
	load := 0.95
	updated, err := r.RefreshAgentStatus(context.Background(), "coder-1", StatusUpdate{
		Status:  &busy,
		Load:    &load,
		Metrics: map[string]float64{"queue": 12},
	})
	require.NoError(t, err)
	assert.Equal(t, agentcard.StatusOverloaded, updated.Metadata.Status)
	assert.Equal(t, 0.95, updated.Metadata.Load)
	assert.Equal(t, 12.0, updated.Metadata.Metrics["queue"])
	assert.True(t, updated.Metadata.LastSeen.After(updated.Metadata.CreatedAt))

	tooMuch := 1.5
	_, err = r.RefreshAgentStatus(context.Background(), "coder-1", StatusUpdate{Load: &tooMuch})
	assert.True(t, a2a.IsKind(err, a2a.KindRegistrationError))
}

func TestSystemMetricsAreDerived(t *testing.T) {
	r, _ := newTestRegistry(t)
	catalogue(t, r)

	m := r.GetSystemMetrics()
	assert.Equal(t, 4, m.TotalAgents)
	assert.Equal(t, 1, m.ByType["coder"])
	assert.Equal(t, 3, m.ByStatus[agentcard.StatusIdle])
	assert.InDelta(t, (0.2+0.3+0.4+0.8)/4, m.AverageLoad, 1e-9)
	assert.Equal(t, 2, m.Capabilities["search"])
	assert.Equal(t, 4, m.Endpoints[config.ProtocolWebSocket])

	require.NoError(t, r.UnregisterAgent(context.Background(), "analyst-1"))
	m = r.GetSystemMetrics()
	assert.Equal(t, 3, m.TotalAgents)
	assert.Equal(t, 1, m.Capabilities["search"])
	assert.True(t, a2a.IsKind(r.UnregisterAgent(context.Background(), "analyst-1"), a2a.KindUnknownAgent))
}

func TestResolveTransport(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := card("edge-1", "coder", agentcard.StatusIdle, 0.1)
	c.Endpoints = []agentcard.AgentEndpoint{
		{Protocol: config.ProtocolHTTP, Address: "10.0.0.5", Port: 9000, Secure: true},
		{Protocol: config.ProtocolGRPC, Address: "10.0.0.5", Port: 9001},
	}
	require.NoError(t, r.RegisterAgent(context.Background(), c, 0))

	tc, err := r.ResolveTransport("edge-1")
	require.NoError(t, err)
	assert.Equal(t, config.ProtocolHTTP, tc.Protocol)
	assert.Equal(t, "10.0.0.5", tc.Host)
	assert.Equal(t, 9000, tc.Port)
	assert.True(t, tc.Secure)
	assert.Equal(t, "/a2a", tc.Path)

	ep, err := r.ResolveEndpoint("edge-1", config.ProtocolGRPC)
	require.NoError(t, err)
	assert.Equal(t, 9001, ep.Port)

	_, err = r.ResolveEndpoint("edge-1", config.ProtocolTCP)
	assert.True(t, a2a.IsKind(err, a2a.KindUnknownAgent))
}

type memoryStore struct {
	mu      sync.Mutex
	cards   map[string]StoredCard
	failing bool
}

func newMemoryStore() *memoryStore { return &memoryStore{cards: make(map[string]StoredCard)} }

func (s *memoryStore) SaveCard(_ context.Context, c *agentcard.AgentCard, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("store down")
	}
	s.cards[c.ID] = StoredCard{Card: c.Clone(), ExpiresAt: expiresAt}
	return nil
}

func (s *memoryStore) DeleteCard(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cards, id)
	return nil
}

func (s *memoryStore) LoadCards(context.Context) ([]StoredCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredCard, 0, len(s.cards))
	for _, c := range s.cards {
		out = append(out, c)
	}
	return out, nil
}

func TestStorePersistsAcrossRestart(t *testing.T) {
	store := newMemoryStore()
	first, clock := newTestRegistry(t, WithStore(store))
	ctx := context.Background()

	require.NoError(t, first.RegisterAgent(ctx, card("keep", "coder", agentcard.StatusIdle, 0.1), 0))
	require.NoError(t, first.RegisterAgent(ctx, card("stale", "coder", agentcard.StatusIdle, 0.1), time.Minute))
	require.NoError(t, first.RegisterAgent(ctx, card("gone", "coder", agentcard.StatusIdle, 0.1), 0))
	require.NoError(t, first.UnregisterAgent(ctx, "gone"))

	clock.Advance(2 * time.Minute)
	second := New(config.RegistryConfig{Shards: 2}, quietLogger(), nil, nil, WithClock(clock.Now), WithStore(store))
	require.NoError(t, second.Start(ctx))
	defer second.Stop()

	_, err := second.GetAgent("keep")
	assert.NoError(t, err)
	_, err = second.GetAgent("stale")
	assert.Error(t, err, "expired cards are not loaded")
	_, err = second.GetAgent("gone")
	assert.Error(t, err)

	store.failing = true
	assert.NoError(t, second.RegisterAgent(ctx, card("volatile", "coder", agentcard.StatusIdle, 0.1), 0), "store failures do not fail registration")
}

func TestConcurrentRegistration(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- r.RegisterAgent(ctx, card("dup", "coder", agentcard.StatusIdle, 0.1), 0)
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.True(t, a2a.IsKind(err, a2a.KindAgentAlreadyRegistered))
		}
	}
	assert.Equal(t, 1, ok)
}
