package transport

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, msg *a2a.Message) (*a2a.Response, error) {
		if msg.Method == "deny" {
			return nil, a2a.Errorf(a2a.KindCapabilityDenied, "not allowed")
		}
		return a2a.NewResponse(msg, "server-node", map[string]string{"method": msg.Method})
	})
}

func startServer(t *testing.T, secret string, h Handler) *Server {
	t.Helper()
	srv := NewServer("server-node", config.ServerConfig{
		HTTPAddr:    "127.0.0.1:0",
		GRPCAddr:    "127.0.0.1:0",
		TCPAddr:     "127.0.0.1:0",
		Path:        "/a2a",
		TokenSecret: secret,
	}, h, quietLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func profileFor(srv *Server, protocol string) config.TransportConfig {
	addr := srv.Addr(protocol).(*net.TCPAddr)
	return config.TransportConfig{
		Protocol: protocol,
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Path:     "/a2a",
		Timeout:  2 * time.Second,
	}
}

func profileForURL(t *testing.T, rawURL string) config.TransportConfig {
	t.Helper()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(rawURL, "http://"))
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return config.TransportConfig{Protocol: config.ProtocolHTTP, Host: host, Port: p, Path: "/a2a", Timeout: 2 * time.Second}
}

func newTestManager(t *testing.T, cfg config.TransportLayerConfig, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(cfg, quietLogger(), nil, nil, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func request(t *testing.T, method string) *a2a.Message {
	t.Helper()
	msg, err := a2a.NewRequest("client-agent", a2a.To("server-agent"), method, map[string]int{"n": 1})
	require.NoError(t, err)
	return msg
}

func TestRoundTripPerProtocol(t *testing.T) {
	srv := startServer(t, "", echoHandler())

	for _, protocol := range []string{config.ProtocolHTTP, config.ProtocolWebSocket, config.ProtocolGRPC, config.ProtocolTCP} {
		t.Run(protocol, func(t *testing.T) {
			m := newTestManager(t, config.TransportLayerConfig{MaxConnections: 10})
			ctx := context.Background()

			conn, err := m.Connect(ctx, "server-agent", profileFor(srv, protocol))
			require.NoError(t, err)
			assert.True(t, conn.IsConnected())

			msg := request(t, "echo")
			resp, err := m.SendMessage(ctx, conn.ID, msg)
			require.NoError(t, err)
			assert.Equal(t, msg.ID, resp.ID)

			var out map[string]string
			require.NoError(t, resp.DecodeResult(&out))
			assert.Equal(t, "echo", out["method"])

			denied, err := m.SendMessage(ctx, conn.ID, request(t, "deny"))
			require.NoError(t, err)
			assert.True(t, a2a.IsKind(denied.Err(), a2a.KindCapabilityDenied))

			require.NoError(t, m.SendNotification(ctx, conn.ID, request(t, "notify")))

			snap := m.GetTransportMetrics()
			assert.Equal(t, 1, snap.ActiveConnections)
			assert.Equal(t, 1, snap.ByProtocol[protocol])
			assert.EqualValues(t, 3, snap.MessagesSent)
			assert.Equal(t, 1.0, snap.SuccessRate)
			assert.Greater(t, snap.BytesSent, int64(0))
			assert.Greater(t, snap.BytesReceived, int64(0))
			assert.InDelta(t, 0.1, snap.PoolUtilization, 1e-9)

			require.NoError(t, m.Disconnect(conn.ID))
			assert.Empty(t, m.GetActiveConnections())
		})
	}
}

func TestBroadcastIsolatesPeerFailures(t *testing.T) {
	m := newTestManager(t, config.TransportLayerConfig{})
	ctx := context.Background()

	var servers []*httptest.Server
	for i := 0; i < 3; i++ {
		s := NewServer("peer-"+strconv.Itoa(i), config.ServerConfig{Path: "/a2a"}, echoHandler(), quietLogger())
		hs := httptest.NewServer(s.router())
		t.Cleanup(hs.Close)
		servers = append(servers, hs)
	}

	ids := make([]string, 0, len(servers))
	for i, hs := range servers {
		conn, err := m.Connect(ctx, "peer-"+strconv.Itoa(i), profileForURL(t, hs.URL))
		require.NoError(t, err)
		ids = append(ids, conn.ID)
	}

	servers[1].CloseClientConnections()
	servers[1].Close()

	result, err := m.BroadcastMessage(ctx, request(t, "gossip"))
	require.NoError(t, err)
	assert.Len(t, result.Responses, 2)
	assert.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures, ids[1])
	assert.EqualValues(t, 1, m.GetTransportMetrics().BroadcastFailures)

	excluded, err := m.BroadcastMessage(ctx, request(t, "gossip"), ids[0], ids[1])
	require.NoError(t, err)
	assert.Len(t, excluded.Responses, 1)
	assert.Contains(t, excluded.Responses, ids[2])
}

func TestConnectTimeoutDiffersFromRequestTimeout(t *testing.T) {
	// A listener that accepts but never answers the hello frame.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	m := newTestManager(t, config.TransportLayerConfig{})
	cfg := config.TransportConfig{
		Protocol: config.ProtocolTCP,
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Timeout:  200 * time.Millisecond,
	}
	_, err = m.Connect(context.Background(), "mute", cfg)
	require.Error(t, err)
	assert.True(t, a2a.IsKind(err, a2a.KindConnectTimeout), "got %v", err)

	slow := HandlerFunc(func(ctx context.Context, msg *a2a.Message) (*a2a.Response, error) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return a2a.NewResponse(msg, "slow", nil)
	})
	hs := httptest.NewServer(NewServer("slow", config.ServerConfig{Path: "/a2a"}, slow, quietLogger()).router())
	defer hs.Close()

	profile := profileForURL(t, hs.URL)
	profile.Timeout = 200 * time.Millisecond
	conn, err := m.Connect(context.Background(), "slow", profile)
	require.NoError(t, err)

	_, err = m.SendMessage(context.Background(), conn.ID, request(t, "work"))
	require.Error(t, err)
	assert.True(t, a2a.IsKind(err, a2a.KindRequestTimeout), "got %v", err)
	assert.False(t, a2a.IsKind(err, a2a.KindConnectTimeout))
	assert.True(t, a2a.IsRetryable(err))
}

func TestInitializeRejectsInvalidProfile(t *testing.T) {
	m := newTestManager(t, config.TransportLayerConfig{})
	err := m.Initialize([]config.TransportConfig{
		{Name: "ok", Protocol: config.ProtocolHTTP, Host: "localhost", Port: 80},
		{Name: "broken", Protocol: "carrier-pigeon", Host: "localhost", Port: 80},
	})
	require.Error(t, err)
	assert.True(t, a2a.IsKind(err, a2a.KindConfigInvalid))
	assert.Contains(t, err.Error(), "transport profile 1")

	_, ok := m.Profile("ok")
	assert.False(t, ok, "no profile is accepted when any is invalid")
}

func TestConnectionPoolExhausted(t *testing.T) {
	srv := startServer(t, "", echoHandler())
	m := newTestManager(t, config.TransportLayerConfig{MaxConnections: 1})

	_, err := m.Connect(context.Background(), "a", profileFor(srv, config.ProtocolHTTP))
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), "b", profileFor(srv, config.ProtocolHTTP))
	require.Error(t, err)
	assert.True(t, a2a.IsKind(err, a2a.KindRateLimited))
	assert.Equal(t, time.Second, a2a.RetryAfterOf(err))
}

func TestUnknownConnection(t *testing.T) {
	m := newTestManager(t, config.TransportLayerConfig{})
	err := m.Disconnect("conn_missing")
	assert.True(t, a2a.IsKind(err, a2a.KindConnectionNotFound))

	_, err = m.SendMessage(context.Background(), "conn_missing", request(t, "echo"))
	assert.True(t, a2a.IsKind(err, a2a.KindConnectionNotFound))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestReapIdleKeepsKeepAliveConnections(t *testing.T) {
	srv := startServer(t, "", echoHandler())
	clock := &fakeClock{now: time.Now()}
	m := newTestManager(t, config.TransportLayerConfig{IdleTimeout: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	idle, err := m.Connect(ctx, "idle", profileFor(srv, config.ProtocolHTTP))
	require.NoError(t, err)

	keep := profileFor(srv, config.ProtocolTCP)
	keep.KeepAlive = true
	live, err := m.Connect(ctx, "live", keep)
	require.NoError(t, err)

	assert.Equal(t, 0, m.ReapIdle(ctx))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.ReapIdle(ctx))

	active := m.GetActiveConnections()
	require.Len(t, active, 1)
	assert.Equal(t, live.ID, active[0].ID)
	assert.True(t, clock.Now().Equal(live.LastActivity()))

	_, ok := m.ConnectionForAgent("idle")
	assert.False(t, ok)
	assert.True(t, a2a.IsKind(m.Disconnect(idle.ID), a2a.KindConnectionNotFound))
}

type staticResolver map[string]config.TransportConfig

func (r staticResolver) ResolveTransport(agentID string) (config.TransportConfig, error) {
	cfg, ok := r[agentID]
	if !ok {
		return config.TransportConfig{}, a2a.Errorf(a2a.KindUnknownAgent, "agent %s not registered", agentID)
	}
	return cfg, nil
}

func TestSendToAgentUsesResolver(t *testing.T) {
	srv := startServer(t, "", echoHandler())
	m := newTestManager(t, config.TransportLayerConfig{})
	m.SetResolver(staticResolver{"server-agent": profileFor(srv, config.ProtocolWebSocket)})
	ctx := context.Background()

	resp, err := m.SendToAgent(ctx, "server-agent", request(t, "echo"))
	require.NoError(t, err)
	assert.Nil(t, resp.Err())

	conn, ok := m.ConnectionForAgent("server-agent")
	require.True(t, ok)
	assert.Equal(t, config.ProtocolWebSocket, conn.Protocol)

	// The live connection is reused.
	_, err = m.SendToAgent(ctx, "server-agent", request(t, "echo"))
	require.NoError(t, err)
	assert.Len(t, m.GetActiveConnections(), 1)

	_, err = m.SendToAgent(ctx, "nobody", request(t, "echo"))
	assert.True(t, a2a.IsKind(err, a2a.KindUnknownAgent))
}

type countingResolver struct {
	staticResolver
	calls atomic.Int32
}

func (r *countingResolver) ResolveTransport(agentID string) (config.TransportConfig, error) {
	r.calls.Add(1)
	return r.staticResolver.ResolveTransport(agentID)
}

func TestConcurrentFirstSendsShareOneDial(t *testing.T) {
	srv := startServer(t, "", echoHandler())
	m := newTestManager(t, config.TransportLayerConfig{MaxConnections: 10})
	resolver := &countingResolver{staticResolver: staticResolver{"server-agent": profileFor(srv, config.ProtocolHTTP)}}
	m.SetResolver(resolver)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.SendToAgent(context.Background(), "server-agent", request(t, "echo"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Len(t, m.GetActiveConnections(), 1)
	assert.EqualValues(t, 1, resolver.calls.Load())
}

func TestMutualTLSRejectsOtherAuth(t *testing.T) {
	m := newTestManager(t, config.TransportLayerConfig{}, WithMutualTLS(true))

	err := m.Initialize([]config.TransportConfig{
		{Name: "plain", Protocol: config.ProtocolHTTP, Host: "localhost", Port: 80},
	})
	require.Error(t, err)
	assert.True(t, a2a.IsKind(err, a2a.KindConfigInvalid))
	assert.Contains(t, err.Error(), "mutual TLS")

	token := config.TransportConfig{
		Protocol: config.ProtocolHTTP, Host: "localhost", Port: 80,
		Auth: config.AuthConfig{Type: config.AuthToken, Credentials: map[string]string{"token": "t"}},
	}
	_, err = m.Connect(context.Background(), "agent", token)
	assert.True(t, a2a.IsKind(err, a2a.KindConfigInvalid))
	assert.Empty(t, m.GetActiveConnections())

	require.NoError(t, m.Initialize([]config.TransportConfig{{
		Name: "mtls", Protocol: config.ProtocolHTTP, Host: "localhost", Port: 443,
		Auth: config.AuthConfig{Type: config.AuthCertificate, Credentials: map[string]string{"cert": "c.pem", "key": "k.pem"}},
	}}))
	_, ok := m.Profile("mtls")
	assert.True(t, ok)
}
