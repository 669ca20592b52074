package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/logger"
	"github.com/praxis/a2a-fabric/internal/metrics"
)

const (
	defaultBroadcastConcurrency = 32
	poolExhaustedRetryAfter     = time.Second
	pingTimeout                 = 5 * time.Second
)

// EndpointResolver turns an agent id into a connection profile, typically
// from its discovery card.
type EndpointResolver interface {
	ResolveTransport(agentID string) (config.TransportConfig, error)
}

// BroadcastResult holds per-connection outcomes of a broadcast. Isolated peer
// failures land in Failures; they never fail the broadcast itself.
type BroadcastResult struct {
	Responses map[string]*a2a.Response
	Failures  map[string]error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for activity tracking and reaping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMutualTLS rejects every profile that does not authenticate with a
// client certificate.
func WithMutualTLS(required bool) Option {
	return func(m *Manager) { m.requireMTLS = required }
}

// Manager owns every outbound connection of the node.
type Manager struct {
	cfg         config.TransportLayerConfig
	logger      *logrus.Logger
	eventBus    *bus.EventBus
	stats       *stats
	now         func() time.Time
	requireMTLS bool

	conns sync.Map // connection id -> *Connection
	slots atomic.Int64
	dials singleflight.Group // agent id -> in-flight connectionFor

	mu       sync.RWMutex
	profiles map[string]config.TransportConfig
	byAgent  map[string]string
	resolver EndpointResolver

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates a connection manager. eventBus and collector may be nil.
func NewManager(cfg config.TransportLayerConfig, log *logrus.Logger, eventBus *bus.EventBus, collector *metrics.Collector, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   logger.OrDefault(log),
		eventBus: eventBus,
		stats:    newStats(collector),
		now:      time.Now,
		profiles: make(map[string]config.TransportConfig),
		byAgent:  make(map[string]string),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize validates every profile before accepting any of them, then starts
// the idle reaper. A bad profile aborts with ConfigInvalid naming its index.
func (m *Manager) Initialize(profiles []config.TransportConfig) error {
	for i, p := range profiles {
		if err := m.validate(p); err != nil {
			return a2a.Wrap(a2a.KindConfigInvalid, err, "transport profile %d", i)
		}
	}

	m.mu.Lock()
	for _, p := range profiles {
		key := p.AgentID
		if key == "" {
			key = p.Name
		}
		if key != "" {
			m.profiles[key] = p
		}
	}
	m.mu.Unlock()

	m.Start()
	m.logger.Infof("Transport manager initialized with %d profiles", len(profiles))
	return nil
}

// Start launches the idle reaper. It is idempotent.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		interval := m.cfg.ReapInterval
		if interval <= 0 {
			return
		}
		m.wg.Add(1)
		go m.reapLoop(interval)
	})
}

// SetResolver installs the fallback used by SendToAgent for agents with
// neither a live connection nor a static profile.
func (m *Manager) SetResolver(r EndpointResolver) {
	m.mu.Lock()
	m.resolver = r
	m.mu.Unlock()
}

// Profile returns the static profile registered for key.
func (m *Manager) Profile(key string) (config.TransportConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[key]
	return p, ok
}

func (m *Manager) validate(cfg config.TransportConfig) error {
	if err := config.ValidateTransport(cfg); err != nil {
		return err
	}
	if m.requireMTLS && cfg.Auth.Type != config.AuthCertificate {
		return fmt.Errorf("mutual TLS is required, %s %s uses auth %q", cfg.Protocol, hostPort(cfg), cfg.Auth.Type)
	}
	return nil
}

func (m *Manager) reserve() error {
	max := int64(m.cfg.MaxConnections)
	if max > 0 && m.slots.Add(1) > max {
		m.slots.Add(-1)
		m.stats.collector.RateLimited("connect")
		return a2a.RateLimited(poolExhaustedRetryAfter, "connection pool exhausted (%d)", max)
	}
	if max <= 0 {
		m.slots.Add(1)
	}
	return nil
}

func (m *Manager) release() {
	m.slots.Add(-1)
	m.updatePool()
}

func (m *Manager) updatePool() {
	if m.cfg.MaxConnections > 0 {
		m.stats.collector.SetPoolUtilization(float64(m.slots.Load()) / float64(m.cfg.MaxConnections))
	}
}

// Connect opens a connection to the endpoint in cfg on behalf of agentID.
// Dial and handshake time out with ConnectTimeout after cfg.Timeout.
func (m *Manager) Connect(ctx context.Context, agentID string, cfg config.TransportConfig) (*Connection, error) {
	if err := m.validate(cfg); err != nil {
		return nil, a2a.Wrap(a2a.KindConfigInvalid, err, "connect %s", agentID)
	}
	if err := m.reserve(); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, timeoutOf(cfg))
	defer cancel()

	t, err := m.open(cctx, cfg)
	if err != nil {
		m.release()
		m.stats.connectionFailed(cfg.Protocol)
		m.logger.WithField(logger.FieldAgentID, agentID).Warnf("Connect %s %s failed: %v", cfg.Protocol, hostPort(cfg), err)
		return nil, err
	}

	conn := &Connection{
		ID:        "conn_" + uuid.New().String(),
		AgentID:   agentID,
		Protocol:  cfg.Protocol,
		Config:    cfg,
		CreatedAt: m.now(),
		transport: t,
	}
	conn.connected.Store(true)
	conn.touch(conn.CreatedAt)

	m.conns.Store(conn.ID, conn)
	if agentID != "" {
		m.mu.Lock()
		m.byAgent[agentID] = conn.ID
		m.mu.Unlock()
	}
	m.stats.connectionOpened(cfg.Protocol)
	m.updatePool()
	if m.eventBus != nil {
		m.eventBus.PublishConnection(bus.EventConnectionOpened, conn.ID, agentID, cfg.Protocol)
	}
	m.logger.WithFields(logrus.Fields{
		logger.FieldConnID:  conn.ID,
		logger.FieldAgentID: agentID,
	}).Infof("Connected to %s over %s", t.RemoteAddr(), cfg.Protocol)
	return conn, nil
}

func (m *Manager) open(ctx context.Context, cfg config.TransportConfig) (Transport, error) {
	auth, err := resolveAuth(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t, err := newTransport(cfg, auth, m.stats, m.logger)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, connectFailure(cfg.Protocol, hostPort(cfg), err)
	}
	return t, nil
}

func (m *Manager) get(connID string) (*Connection, error) {
	v, ok := m.conns.Load(connID)
	if !ok {
		return nil, a2a.Errorf(a2a.KindConnectionNotFound, "connection %s not found", connID)
	}
	return v.(*Connection), nil
}

// Disconnect closes and forgets a connection.
func (m *Manager) Disconnect(connID string) error {
	v, ok := m.conns.LoadAndDelete(connID)
	if !ok {
		return a2a.Errorf(a2a.KindConnectionNotFound, "connection %s not found", connID)
	}
	conn := v.(*Connection)
	m.closeConn(conn, "disconnect")
	return nil
}

// closeConn releases a connection already removed from the table.
func (m *Manager) closeConn(conn *Connection, reason string) {
	conn.connected.Store(false)
	if err := conn.transport.Close(); err != nil {
		m.logger.Debugf("Closing %s: %v", conn.ID, err)
	}

	m.mu.Lock()
	if m.byAgent[conn.AgentID] == conn.ID {
		delete(m.byAgent, conn.AgentID)
	}
	m.mu.Unlock()

	m.release()
	m.stats.collector.ConnectionClosed(conn.Protocol)
	if m.eventBus != nil {
		m.eventBus.PublishConnection(bus.EventConnectionClosed, conn.ID, conn.AgentID, conn.Protocol)
	}
	m.logger.WithField(logger.FieldConnID, conn.ID).Debugf("Connection closed (%s)", reason)
}

// SendMessage sends a request and waits for the matching response. The call
// is bounded by the connection timeout and fails with RequestTimeout.
func (m *Manager) SendMessage(ctx context.Context, connID string, msg *a2a.Message) (*a2a.Response, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	conn, err := m.get(connID)
	if err != nil {
		return nil, err
	}
	if !conn.IsConnected() {
		return nil, a2a.Errorf(connectKind(conn.Protocol), "connection %s is not connected", connID)
	}

	cctx, cancel := context.WithTimeout(ctx, timeoutOf(conn.Config))
	defer cancel()

	start := time.Now()
	resp, err := conn.transport.Send(cctx, msg)
	if err == nil && resp.ID != msg.ID {
		err = a2a.Errorf(a2a.KindInvalidJSONRPCFormat, "response id %s does not match request %s", resp.ID, msg.ID)
	}
	if err != nil {
		err = sendFailure(cctx, conn.Protocol, msg.ID, err)
		m.stats.message(conn.Protocol, false, 0)
		if !a2a.IsKind(err, a2a.KindRequestTimeout) && !a2a.IsKind(err, a2a.KindInvalidJSONRPCFormat) {
			conn.connected.Store(false)
		}
		return nil, err
	}

	m.stats.message(conn.Protocol, true, time.Since(start))
	conn.touch(m.now())
	return resp, nil
}

// SendNotification delivers a one-way message.
func (m *Manager) SendNotification(ctx context.Context, connID string, msg *a2a.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	conn, err := m.get(connID)
	if err != nil {
		return err
	}
	if !conn.IsConnected() {
		return a2a.Errorf(connectKind(conn.Protocol), "connection %s is not connected", connID)
	}

	cctx, cancel := context.WithTimeout(ctx, timeoutOf(conn.Config))
	defer cancel()

	start := time.Now()
	if err := conn.transport.Notify(cctx, msg); err != nil {
		m.stats.message(conn.Protocol, false, 0)
		return sendFailure(cctx, conn.Protocol, msg.ID, err)
	}
	m.stats.message(conn.Protocol, true, time.Since(start))
	conn.touch(m.now())
	return nil
}

// BroadcastMessage sends msg to every connection not listed in exclude.
// Delivery is concurrent and order across recipients is unspecified.
func (m *Manager) BroadcastMessage(ctx context.Context, msg *a2a.Message, exclude ...string) (*BroadcastResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	result := &BroadcastResult{
		Responses: make(map[string]*a2a.Response),
		Failures:  make(map[string]error),
	}
	var mu sync.Mutex

	limit := m.cfg.BroadcastConcurrency
	if limit <= 0 {
		limit = defaultBroadcastConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)

	m.conns.Range(func(key, _ any) bool {
		connID := key.(string)
		if _, excluded := skip[connID]; excluded {
			return true
		}
		g.Go(func() error {
			resp, err := m.SendMessage(ctx, connID, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures[connID] = err
				m.stats.broadcastFailure()
				return nil
			}
			result.Responses[connID] = resp
			return nil
		})
		return true
	})
	_ = g.Wait()

	if len(result.Failures) > 0 {
		m.logger.Warnf("Broadcast %s: %d delivered, %d failed", msg.ID, len(result.Responses), len(result.Failures))
	}
	return result, nil
}

// GetActiveConnections returns snapshots of all connections, oldest first.
func (m *Manager) GetActiveConnections() []ConnectionInfo {
	var out []ConnectionInfo
	m.conns.Range(func(_, v any) bool {
		out = append(out, v.(*Connection).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetTransportMetrics returns derived connection and message statistics.
func (m *Manager) GetTransportMetrics() MetricsSnapshot {
	snap := m.stats.snapshot()
	m.conns.Range(func(_, v any) bool {
		conn := v.(*Connection)
		if conn.IsConnected() {
			snap.ActiveConnections++
			snap.ByProtocol[conn.Protocol]++
		}
		return true
	})
	if m.cfg.MaxConnections > 0 {
		snap.PoolUtilization = float64(m.slots.Load()) / float64(m.cfg.MaxConnections)
	}
	return snap
}

// ConnectionForAgent returns the live connection opened for agentID.
func (m *Manager) ConnectionForAgent(agentID string) (*Connection, bool) {
	m.mu.RLock()
	connID, ok := m.byAgent[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	conn, err := m.get(connID)
	if err != nil || !conn.IsConnected() {
		return nil, false
	}
	return conn, true
}

// SendToAgent sends msg to agentID over its live connection, dialing one from
// the agent's profile or the resolver when needed.
func (m *Manager) SendToAgent(ctx context.Context, agentID string, msg *a2a.Message) (*a2a.Response, error) {
	conn, err := m.connectionFor(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return m.SendMessage(ctx, conn.ID, msg)
}

// NotifyAgent is SendToAgent for one-way messages.
func (m *Manager) NotifyAgent(ctx context.Context, agentID string, msg *a2a.Message) error {
	conn, err := m.connectionFor(ctx, agentID)
	if err != nil {
		return err
	}
	return m.SendNotification(ctx, conn.ID, msg)
}

func (m *Manager) connectionFor(ctx context.Context, agentID string) (*Connection, error) {
	if conn, ok := m.ConnectionForAgent(agentID); ok {
		return conn, nil
	}
	// Concurrent first sends to one agent share a single dial.
	v, err, _ := m.dials.Do(agentID, func() (any, error) {
		if conn, ok := m.ConnectionForAgent(agentID); ok {
			return conn, nil
		}
		return m.dial(ctx, agentID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

func (m *Manager) dial(ctx context.Context, agentID string) (*Connection, error) {
	// A stale entry is dropped before redialing.
	m.mu.RLock()
	stale, hasStale := m.byAgent[agentID]
	cfg, ok := m.profiles[agentID]
	resolver := m.resolver
	m.mu.RUnlock()
	if hasStale {
		_ = m.Disconnect(stale)
	}

	if !ok {
		if resolver == nil {
			return nil, a2a.Errorf(a2a.KindUnknownAgent, "no connection profile for agent %s", agentID)
		}
		var err error
		cfg, err = resolver.ResolveTransport(agentID)
		if err != nil {
			var typed *a2a.Error
			if errors.As(err, &typed) {
				return nil, err
			}
			return nil, a2a.Wrap(a2a.KindUnknownAgent, err, "resolve endpoint of %s", agentID)
		}
	}
	return m.Connect(ctx, agentID, cfg)
}

func (m *Manager) reapLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.ReapIdle(context.Background()); n > 0 {
				m.logger.Infof("Reaped %d idle connections", n)
			}
		case <-m.stopCh:
			return
		}
	}
}

// ReapIdle closes connections idle longer than IdleTimeout, or already
// dropped by their peer. Keep-alive connections are pinged instead and only
// reaped when the ping fails. It returns the number of connections closed.
func (m *Manager) ReapIdle(ctx context.Context) int {
	now := m.now()
	var victims []*Connection

	m.conns.Range(func(_, v any) bool {
		conn := v.(*Connection)
		switch {
		case !conn.IsConnected():
			victims = append(victims, conn)
		case conn.Config.KeepAlive:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.transport.Ping(pctx)
			cancel()
			if err != nil {
				m.logger.WithField(logger.FieldConnID, conn.ID).Debugf("Keep-alive ping failed: %v", err)
				victims = append(victims, conn)
			} else {
				conn.touch(now)
			}
		case m.cfg.IdleTimeout > 0 && now.Sub(conn.LastActivity()) > m.cfg.IdleTimeout:
			victims = append(victims, conn)
		}
		return true
	})

	reaped := 0
	for _, conn := range victims {
		if _, loaded := m.conns.LoadAndDelete(conn.ID); loaded {
			m.closeConn(conn, "idle")
			reaped++
		}
	}
	return reaped
}

// Close stops the reaper and closes every connection.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.conns.Range(func(key, v any) bool {
		if _, loaded := m.conns.LoadAndDelete(key); loaded {
			m.closeConn(v.(*Connection), "shutdown")
		}
		return true
	})
	return nil
}
