package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/mcp"
	"github.com/praxis/a2a-fabric/internal/metrics"
	"github.com/praxis/a2a-fabric/internal/p2p"
	"github.com/praxis/a2a-fabric/internal/registry"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func card(id, agentType string, caps ...string) *agentcard.AgentCard {
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

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	regCfg := config.DefaultConfig().Registry
	regCfg.ReapInterval = 0
	collector := metrics.NewCollector(quietLogger(), "node-test", "test")
	reg := registry.New(regCfg, quietLogger(), nil, collector)

	bridge, err := mcp.NewBridge(config.BridgeConfig{
		Mappings: []config.MappingConfig{{MCPMethod: "web_search", A2AMethod: "research.search", Capability: "search"}},
	}, "node-test", quietLogger(), collector)
	require.NoError(t, err)

	srv := NewServer(config.HTTPConfig{}, Deps{
		NodeID:   "node-test",
		Version:  "test",
		Registry: reg,
		Bridge:   bridge,
		Metrics:  collector,
		Peers:    func() []p2p.PeerInfo { return []p2p.PeerInfo{{ID: "12D3KooWTest", Agents: []string{"remote-1"}, IsConnected: true}} },
	}, quietLogger())
	return srv, reg
}

func do(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	srv, reg := newTestServer(t)
	require.NoError(t, reg.RegisterAgent(t.Context(), card("a1", "coder"), 0))

	w := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "node-test", body["node"])
	assert.EqualValues(t, 1, body["agents"])
}

func TestAgentLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/agents", map[string]interface{}{"card": card("coder-1", "coder", "code"), "ttlSeconds": 60})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created agentcard.AgentCard
	decode(t, w, &created)
	assert.Equal(t, "coder-1", created.ID)
	assert.False(t, created.Metadata.CreatedAt.IsZero())

	w = do(t, srv, http.MethodPost, "/agents", map[string]interface{}{"card": card("coder-1", "coder", "code")})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, srv, http.MethodGet, "/agents/coder-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	busy := agentcard.StatusBusy
	load := 0.5
	w = do(t, srv, http.MethodPatch, "/agents/coder-1/status", registry.StatusUpdate{Status: &busy, Load: &load})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated agentcard.AgentCard
	decode(t, w, &updated)
	assert.Equal(t, agentcard.StatusBusy, updated.Metadata.Status)
	assert.Equal(t, 0.5, updated.Metadata.Load)

	w = do(t, srv, http.MethodPost, "/agents/coder-1/heartbeat", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, srv, http.MethodDelete, "/agents/coder-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, srv, http.MethodGet, "/agents/coder-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var failure struct {
		Error a2a.RPCError `json:"error"`
	}
	decode(t, w, &failure)
	assert.Equal(t, a2a.KindUnknownAgent, a2a.FromRPCError(&failure.Error).Kind)
}

func TestRegisterRejectsInvalidCard(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/agents", map[string]interface{}{"card": map[string]interface{}{"id": "x"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodPost, "/agents", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAndDiscover(t *testing.T) {
	srv, reg := newTestServer(t)
	ctx := t.Context()
	require.NoError(t, reg.RegisterAgent(ctx, card("r1", "researcher", "search"), 0))
	require.NoError(t, reg.RegisterAgent(ctx, card("r2", "researcher", "search", "summarize"), 0))
	require.NoError(t, reg.RegisterAgent(ctx, card("c1", "coder", "code"), 0))

	w := do(t, srv, http.MethodGet, "/agents?type=researcher", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Agents []agentcard.AgentCard `json:"agents"`
		Count  int                   `json:"count"`
	}
	decode(t, w, &list)
	assert.Equal(t, 2, list.Count)

	w = do(t, srv, http.MethodGet, "/agents?capability=search,summarize", nil)
	decode(t, w, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "r2", list.Agents[0].ID)

	w = do(t, srv, http.MethodPost, "/discover", registry.DiscoveryRequest{
		Filters: []registry.Filter{{Field: "metadata.type", Operator: registry.OpEq, Value: "coder"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var found struct {
		Matches []registry.Match `json:"matches"`
	}
	decode(t, w, &found)
	require.Len(t, found.Matches, 1)
	assert.Equal(t, "c1", found.Matches[0].Card.ID)

	w = do(t, srv, http.MethodPost, "/discover", registry.DiscoveryRequest{
		Filters: []registry.Filter{{Field: "metadata.type", Operator: "like", Value: "c%"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegistryAndBridgeEndpoints(t *testing.T) {
	srv, reg := newTestServer(t)
	require.NoError(t, reg.RegisterAgent(t.Context(), card("r1", "researcher", "search"), time.Minute))

	w := do(t, srv, http.MethodGet, "/registry/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sys registry.SystemMetrics
	decode(t, w, &sys)
	assert.Equal(t, 1, sys.TotalAgents)

	w = do(t, srv, http.MethodGet, "/bridge/mappings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var mappings struct {
		Mappings []mcp.Mapping `json:"mappings"`
	}
	decode(t, w, &mappings)
	require.Len(t, mappings.Mappings, 1)
	assert.Equal(t, "research.search", mappings.Mappings[0].A2AMethod)

	w = do(t, srv, http.MethodGet, "/bridge/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, http.MethodGet, "/p2p/peers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "remote-1")

	w = do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# TYPE")

	// security routes are only mounted with a manager
	w = do(t, srv, http.MethodGet, "/sessions", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(a2a.Errorf(a2a.KindUnknownAgent, "x")))
	assert.Equal(t, http.StatusConflict, statusFor(a2a.Errorf(a2a.KindMappingAlreadyExists, "x")))
	assert.Equal(t, http.StatusBadRequest, statusFor(a2a.Errorf(a2a.KindInvalidFilterOperator, "x")))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(a2a.RateLimited(time.Second, "x")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
