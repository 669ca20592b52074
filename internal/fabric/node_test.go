package fabric

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	mcpTypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/mcp"
	"github.com/praxis/a2a-fabric/internal/registry"
	"github.com/praxis/a2a-fabric/internal/transport"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(nodeID string) *config.AppConfig {
	cfg := config.DefaultConfig()
	cfg.Node.ID = nodeID
	cfg.Node.IdentityKey = ""
	cfg.Transport.ReapInterval = 0
	cfg.Transport.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Security.VerificationInterval = 0
	cfg.Security.Policy.RateLimiting.BaseRate = 1000
	cfg.Registry.ReapInterval = 0
	cfg.Bridge.Mappings = []config.MappingConfig{{MCPMethod: "web_search", A2AMethod: "research.search", Capability: "search"}}
	cfg.HTTP.Enabled = false
	cfg.P2P.Enabled = false
	return cfg
}

func startNode(t *testing.T, nodeID string) *Node {
	t.Helper()
	n, err := New(context.Background(), testConfig(nodeID), quietLogger())
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	return n
}

func testCard(id, agentType string, caps ...string) *agentcard.AgentCard {
	c := &agentcard.AgentCard{
		ID:       id,
		Name:     id,
		Version:  "1.0.0",
		Metadata: agentcard.CardMetadata{Type: agentType, Status: agentcard.StatusIdle},
	}
	for _, name := range caps {
		c.Capabilities = append(c.Capabilities, agentcard.AgentCapability{Name: name, Version: "1.0.0"})
	}
	return c
}

// searchHandler answers research.search with the query it was given.
func searchHandler(agentID string) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, msg *a2a.Message) (*a2a.Response, error) {
		var params map[string]interface{}
		if err := msg.DecodePayload(&params); err != nil {
			return nil, err
		}
		return a2a.NewResponse(msg, agentID, map[string]interface{}{
			"content": "results for " + params["query"].(string),
			"method":  msg.Method,
		})
	})
}

func TestNodeRegistersItsIdentity(t *testing.T) {
	n := startNode(t, "node-a")

	card, err := n.Registry().GetAgent("node-a")
	require.NoError(t, err)
	assert.Equal(t, NodeAgentType, card.Metadata.Type)
	assert.Equal(t, []string{"search"}, card.Metadata.Delegated)
	assert.NotEmpty(t, card.Metadata.PublicKey)
	require.NotEmpty(t, card.Endpoints)
	assert.Equal(t, config.ProtocolHTTP, card.Endpoints[0].Protocol)
	assert.Equal(t, "127.0.0.1", card.Endpoints[0].Address)
	assert.NotZero(t, card.Endpoints[0].Port)

	ident, err := n.Security().GetIdentity("node-a")
	require.NoError(t, err)
	assert.Contains(t, ident.Capabilities, "search")
}

func TestRegisterLocalAgent(t *testing.T) {
	n := startNode(t, "node-a")
	ctx := context.Background()

	ident, err := n.RegisterAgent(ctx, LocalAgent{
		Card:    testCard("researcher-1", "researcher", "search"),
		Handler: searchHandler("researcher-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "researcher-1", ident.AgentID)
	assert.Contains(t, n.LocalAgents(), "researcher-1")

	card, err := n.Registry().GetAgent("researcher-1")
	require.NoError(t, err)
	assert.NotEmpty(t, card.Metadata.PublicKey)
	assert.NotEmpty(t, card.Endpoints, "hosted cards default to the node endpoints")

	_, err = n.RegisterAgent(ctx, LocalAgent{Card: testCard("researcher-1", "researcher"), Handler: searchHandler("x")})
	assert.True(t, a2a.IsKind(err, a2a.KindAgentAlreadyRegistered))

	_, err = n.RegisterAgent(ctx, LocalAgent{Card: testCard("no-handler", "coder")})
	assert.True(t, a2a.IsKind(err, a2a.KindRegistrationError))
}

func TestRegisterLocalAgentRollsBackIdentity(t *testing.T) {
	n := startNode(t, "node-a")
	ctx := context.Background()

	bad := testCard("broken", "coder")
	bad.Name = ""
	_, err := n.RegisterAgent(ctx, LocalAgent{Card: bad, Handler: searchHandler("broken")})
	require.True(t, a2a.IsKind(err, a2a.KindRegistrationError))

	_, err = n.Security().GetIdentity("broken")
	assert.True(t, a2a.IsKind(err, a2a.KindUnknownAgent))
	assert.NotContains(t, n.LocalAgents(), "broken")
}

func TestInProcessSecureMessaging(t *testing.T) {
	n := startNode(t, "node-a")
	ctx := context.Background()

	planner := testCard("planner-1", "coordinator", "plan")
	planner.Metadata.Delegated = []string{"search"}
	_, err := n.RegisterAgent(ctx, LocalAgent{Card: planner, Handler: searchHandler("planner-1")})
	require.NoError(t, err)
	_, err = n.RegisterAgent(ctx, LocalAgent{Card: testCard("researcher-1", "researcher", "search"), Handler: searchHandler("researcher-1")})
	require.NoError(t, err)

	sess, err := n.EstablishSession(ctx, "planner-1", "researcher-1", "search")
	require.NoError(t, err)
	assert.Contains(t, sess.Capabilities, "search")

	msg, err := a2a.NewRequest("planner-1", a2a.To("researcher-1"), "research.search", map[string]interface{}{"query": "go"})
	require.NoError(t, err)
	msg.Capabilities = []string{"search"}

	resp, err := n.SendSecureMessage(ctx, "planner-1", "researcher-1", msg)
	require.NoError(t, err)
	var result map[string]interface{}
	require.NoError(t, resp.DecodeResult(&result))
	assert.Equal(t, "results for go", result["content"])
	assert.Equal(t, "research.search", result["method"])
}

func TestHandleMessageRejectsUnsignedMessages(t *testing.T) {
	n := startNode(t, "node-a")
	ctx := context.Background()
	_, err := n.RegisterAgent(ctx, LocalAgent{Card: testCard("researcher-1", "researcher", "search"), Handler: searchHandler("researcher-1")})
	require.NoError(t, err)
	_, err = n.RegisterAgent(ctx, LocalAgent{Card: testCard("planner-1", "coordinator"), Handler: searchHandler("planner-1")})
	require.NoError(t, err)

	msg, err := a2a.NewRequest("planner-1", a2a.To("researcher-1"), "research.search", map[string]interface{}{"query": "go"})
	require.NoError(t, err)

	resp, err := n.HandleMessage(ctx, msg)
	assert.Error(t, err)
	assert.Nil(t, resp)
}

func TestBridgeDispatchThroughNode(t *testing.T) {
	n := startNode(t, "node-a")
	ctx := context.Background()
	_, err := n.RegisterAgent(ctx, LocalAgent{Card: testCard("researcher-1", "researcher", "search"), Handler: searchHandler("researcher-1")})
	require.NoError(t, err)

	var mu sync.Mutex
	var translations []bus.Event
	unsubscribe := n.EventBus().Subscribe(bus.EventBridgeTranslation, func(e bus.Event) {
		mu.Lock()
		translations = append(translations, e)
		mu.Unlock()
	})
	defer unsubscribe()

	mapping, ok := n.Bridge().Mapping("web_search")
	require.True(t, ok)
	resp, err := n.Bridge().Dispatch(ctx, &mcp.Request{
		ID:         "mcp-1",
		Tools:      []mcpTypes.Tool{mapping.Tool()},
		ToolParams: map[string]interface{}{"query": "fabric"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mcp-1", resp.ID)
	assert.Equal(t, "results for fabric", resp.Content)

	_, err = n.Security().GetSession("node-a", "researcher-1")
	assert.NoError(t, err, "the node identity holds the bridged session")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(translations) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "researcher-1", translations[0].Payload["agentId"])
	assert.Equal(t, "ok", translations[0].Payload["outcome"])
	mu.Unlock()
}

func TestUnregisterLocalAgent(t *testing.T) {
	n := startNode(t, "node-a")
	ctx := context.Background()
	_, err := n.RegisterAgent(ctx, LocalAgent{Card: testCard("researcher-1", "researcher", "search"), Handler: searchHandler("researcher-1")})
	require.NoError(t, err)

	require.NoError(t, n.UnregisterAgent(ctx, "researcher-1"))
	assert.NotContains(t, n.LocalAgents(), "researcher-1")
	_, err = n.Registry().GetAgent("researcher-1")
	assert.True(t, a2a.IsKind(err, a2a.KindUnknownAgent))
	_, err = n.Security().GetIdentity("researcher-1")
	assert.True(t, a2a.IsKind(err, a2a.KindUnknownAgent))

	err = n.UnregisterAgent(ctx, "researcher-1")
	assert.True(t, a2a.IsKind(err, a2a.KindUnknownAgent))
}

func TestCardSinkTrustsRemoteKeys(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	ctx := context.Background()
	_, err := b.RegisterAgent(ctx, LocalAgent{Card: testCard("researcher-1", "researcher", "search"), Handler: searchHandler("researcher-1")})
	require.NoError(t, err)

	remote, err := b.Registry().GetAgent("researcher-1")
	require.NoError(t, err)
	require.NoError(t, cardSink{a}.RegisterAgent(ctx, remote, time.Minute))

	ident, err := a.Security().GetIdentity("researcher-1")
	require.NoError(t, err)
	assert.Contains(t, ident.Capabilities, "search")

	// cards without keys are discoverable but get no identity
	require.NoError(t, cardSink{a}.RegisterAgent(ctx, testCard("keyless", "coder", "code"), time.Minute))
	_, err = a.Registry().GetAgent("keyless")
	assert.NoError(t, err)
	_, err = a.Security().GetIdentity("keyless")
	assert.True(t, a2a.IsKind(err, a2a.KindUnknownAgent))
}

func TestSecureMessagingAcrossNodes(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	ctx := context.Background()

	planner := testCard("planner-1", "coordinator", "plan")
	planner.Metadata.Delegated = []string{"search"}
	_, err := a.RegisterAgent(ctx, LocalAgent{Card: planner, Handler: searchHandler("planner-1")})
	require.NoError(t, err)
	_, err = b.RegisterAgent(ctx, LocalAgent{Card: testCard("researcher-1", "researcher", "search"), Handler: searchHandler("researcher-1")})
	require.NoError(t, err)

	// stand in for the card exchange between the two hosts
	exchange := func(from, to *Node, id string) {
		card, err := from.Registry().GetAgent(id)
		require.NoError(t, err)
		require.NoError(t, cardSink{to}.RegisterAgent(ctx, card, time.Minute))
	}
	exchange(a, b, "planner-1")
	exchange(b, a, "researcher-1")

	sess, err := a.EstablishSession(ctx, "planner-1", "researcher-1", "search")
	require.NoError(t, err)
	assert.Contains(t, sess.Capabilities, "search")

	mirror, err := b.Security().GetSession("researcher-1", "planner-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, mirror.ID)

	msg, err := a2a.NewRequest("planner-1", a2a.To("researcher-1"), "research.search", map[string]interface{}{"query": "mesh"})
	require.NoError(t, err)
	msg.Capabilities = []string{"search"}
	resp, err := a.SendSecureMessage(ctx, "planner-1", "researcher-1", msg)
	require.NoError(t, err)
	var result map[string]interface{}
	require.NoError(t, resp.DecodeResult(&result))
	assert.Equal(t, "results for mesh", result["content"])

	found, err := a.DiscoverAgents(registry.DiscoveryRequest{Capabilities: []string{"search"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "researcher-1", found[0].Card.ID)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	_, err := New(context.Background(), cfg, quietLogger())
	assert.True(t, a2a.IsKind(err, a2a.KindConfigInvalid))
}
