// Package fabric assembles the transport, security, registry and bridge
// components into one running node.
package fabric

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/api"
	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/logger"
	"github.com/praxis/a2a-fabric/internal/mcp"
	"github.com/praxis/a2a-fabric/internal/metrics"
	"github.com/praxis/a2a-fabric/internal/p2p"
	"github.com/praxis/a2a-fabric/internal/registry"
	"github.com/praxis/a2a-fabric/internal/security"
	"github.com/praxis/a2a-fabric/internal/store"
	"github.com/praxis/a2a-fabric/internal/transport"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
	"github.com/praxis/a2a-fabric/pkg/utils"
)

// NodeAgentType is the card type of the node's own identity, which the MCP
// bridge sends from.
const NodeAgentType = "fabric-node"

// Node owns every fabric component. Agents hosted by the node are reached
// in-process; everything else goes through the transport manager.
type Node struct {
	cfg     *config.AppConfig
	logger  *logrus.Logger
	nodeKey ed25519.PrivateKey

	eventBus  *bus.EventBus
	collector *metrics.Collector
	store     *store.Postgres
	transport *transport.Manager
	server    *transport.Server
	security  *security.Manager
	registry  *registry.Registry
	bridge    *mcp.Bridge
	mcpServer *mcp.Server
	host      *p2p.Host
	api       *api.Server

	mu     sync.RWMutex
	agents map[string]*localAgent

	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Node.
type Option func(*nodeOptions)

type nodeOptions struct {
	nodeKey ed25519.PrivateKey
}

// WithNodeKey uses key instead of loading cfg.Node.IdentityKey.
func WithNodeKey(key ed25519.PrivateKey) Option {
	return func(o *nodeOptions) { o.nodeKey = key }
}

// New builds a node from cfg. Nothing listens until Start.
func New(ctx context.Context, cfg *config.AppConfig, log *logrus.Logger, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, a2a.Wrap(a2a.KindConfigInvalid, err, "invalid configuration")
	}
	log = logger.OrDefault(log)
	var o nodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	key := o.nodeKey
	if key == nil {
		var err error
		if cfg.Node.IdentityKey != "" {
			key, err = security.LoadOrCreateKey(cfg.Node.IdentityKey)
		} else {
			_, key, err = ed25519.GenerateKey(rand.Reader)
		}
		if err != nil {
			return nil, a2a.Wrap(a2a.KindConfigInvalid, err, "node identity key")
		}
	}

	n := &Node{
		cfg:     cfg,
		logger:  log,
		nodeKey: key,
		agents:  make(map[string]*localAgent),
	}
	n.eventBus = bus.NewEventBus(log)
	n.collector = metrics.NewCollector(log, cfg.Node.ID, cfg.Node.Version)
	log.AddHook(logger.NewEventStreamHook(n.eventBus, cfg.Node.ID, logrus.InfoLevel))

	if cfg.Database.DSN != "" && (cfg.Registry.Persist || cfg.Security.Audit.Persist) {
		st, err := store.NewPostgres(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		n.store = st
	}

	var regOpts []registry.Option
	if n.store != nil && cfg.Registry.Persist {
		regOpts = append(regOpts, registry.WithStore(n.store))
	}
	n.registry = registry.New(cfg.Registry, log, n.eventBus, n.collector, regOpts...)

	n.transport = transport.NewManager(cfg.Transport, log, n.eventBus, n.collector,
		transport.WithMutualTLS(cfg.Security.Policy.Authentication.RequireMutualTLS))
	if err := n.transport.Initialize(cfg.Transport.Profiles); err != nil {
		n.closeStore()
		return nil, err
	}
	n.transport.SetResolver(n.registry)

	secOpts := []security.Option{security.WithSender(n)}
	if n.store != nil && cfg.Security.Audit.Persist {
		secOpts = append(secOpts, security.WithAuditSink(n.store))
	}
	sec, err := security.NewManager(cfg.Security, cfg.Node.ID, key, log, n.eventBus, n.collector, secOpts...)
	if err != nil {
		n.closeStore()
		return nil, err
	}
	n.security = sec

	bridge, err := mcp.NewBridge(cfg.Bridge, cfg.Node.ID, log, n.collector,
		mcp.WithFinder(n.registry), mcp.WithDispatcher(n))
	if err != nil {
		n.closeStore()
		return nil, err
	}
	n.bridge = bridge

	n.server = transport.NewServer(cfg.Node.ID, cfg.Transport.Server, transport.HandlerFunc(n.HandleMessage), log)
	if cfg.Bridge.Server.Enabled {
		n.mcpServer = mcp.NewServer(cfg.Bridge.Server, bridge, log)
	}
	if cfg.P2P.Enabled {
		n.host = p2p.NewHost(cfg.P2P, key, n.localCards, cardSink{n}, 0, log)
	}
	if cfg.HTTP.Enabled {
		deps := api.Deps{
			NodeID:   cfg.Node.ID,
			Version:  cfg.Node.Version,
			Registry: n.registry,
			Security: n.security,
			Bridge:   n.bridge,
			Metrics:  n.collector,
			EventBus: n.eventBus,
		}
		if n.host != nil {
			deps.Peers = n.host.Peers
		}
		n.api = api.NewServer(cfg.HTTP, deps, log)
	}
	return n, nil
}

// Start registers the node identity and brings up every enabled listener.
func (n *Node) Start(ctx context.Context) error {
	var startErr error
	n.startOnce.Do(func() {
		ctx, n.cancel = context.WithCancel(ctx)
		startErr = n.start(ctx)
	})
	return startErr
}

func (n *Node) start(ctx context.Context) error {
	if err := n.registry.Start(ctx); err != nil {
		return err
	}
	n.security.Start(ctx)
	n.transport.Start()

	if err := n.server.Start(); err != nil {
		return err
	}
	if err := n.registerNodeIdentity(ctx); err != nil {
		return err
	}
	go n.heartbeatLoop(ctx)
	if n.mcpServer != nil {
		if err := n.mcpServer.Start(); err != nil {
			return err
		}
	}
	if n.host != nil {
		if err := n.host.Start(); err != nil {
			return err
		}
		for _, addr := range n.host.Addrs() {
			n.logger.Infof("P2P address: %s", addr)
		}
	}
	if n.api != nil {
		if err := n.api.Start(); err != nil {
			return err
		}
	}
	if url := n.cfg.Metrics.PushURL; url != "" {
		m := n.cfg.Metrics
		if err := n.collector.StartPusher(url, m.Job, m.PushInterval, m.Username, m.Password); err != nil {
			n.logger.Warnf("Metrics pusher disabled: %v", err)
		}
	}
	n.logger.WithField(logger.FieldAgentID, n.cfg.Node.ID).Info("Fabric node started")
	return nil
}

// registerNodeIdentity provisions the node as an agent holding every
// capability the bridge maps, and publishes its card.
func (n *Node) registerNodeIdentity(ctx context.Context) error {
	caps := n.bridgedCapabilities()
	_, err := n.security.RegisterAgent(ctx, security.AgentRegistration{
		AgentID:      n.cfg.Node.ID,
		AgentType:    NodeAgentType,
		PrivateKey:   n.nodeKey,
		Capabilities: caps,
		Version:      n.cfg.Node.Version,
	})
	if err != nil && !a2a.IsKind(err, a2a.KindAgentAlreadyRegistered) {
		return err
	}
	card, err := n.nodeCard()
	if err != nil {
		return err
	}
	// a persisted card from an earlier run carries stale endpoints
	if _, err := n.registry.GetAgent(card.ID); err == nil {
		_ = n.registry.UnregisterAgent(ctx, card.ID)
	}
	return n.registry.RegisterAgent(ctx, card, 0)
}

func (n *Node) bridgedCapabilities() []string {
	var caps []string
	for _, m := range n.bridge.Mappings() {
		if m.Capability != "" {
			caps = append(caps, m.Capability)
		}
	}
	return caps
}

func (n *Node) nodeCard() (*agentcard.AgentCard, error) {
	pub, err := encodeKey(n.nodeKey)
	if err != nil {
		return nil, err
	}
	return &agentcard.AgentCard{
		ID:        n.cfg.Node.ID,
		Name:      n.cfg.Node.Name,
		Version:   n.cfg.Node.Version,
		Endpoints: n.endpoints(),
		Metadata: agentcard.CardMetadata{
			Type:      NodeAgentType,
			Status:    agentcard.StatusIdle,
			PublicKey: pub,
			Delegated: n.bridgedCapabilities(),
		},
	}, nil
}

// endpoints advertises the bound listeners under Node.AdvertiseHost, or the
// first non-loopback address when it is empty.
func (n *Node) endpoints() []agentcard.AgentEndpoint {
	host := n.cfg.Node.AdvertiseHost
	var out []agentcard.AgentEndpoint
	add := func(protocol string) {
		addr := n.server.Addr(protocol)
		if addr == nil {
			return
		}
		_, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			return
		}
		port, _ := strconv.Atoi(portStr)
		h := host
		if tcp, ok := addr.(*net.TCPAddr); ok && h == "" {
			h = utils.HostFor(tcp.IP)
		}
		out = append(out, agentcard.AgentEndpoint{
			Protocol: protocol,
			Address:  h,
			Port:     port,
			Secure:   n.cfg.Transport.Server.TLS != nil,
		})
	}
	add(config.ProtocolHTTP)
	add(config.ProtocolGRPC)
	add(config.ProtocolTCP)
	return out
}

// Shutdown stops every component in reverse start order.
func (n *Node) Shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		n.collector.StopPusher()
		if n.api != nil {
			keep(n.api.Shutdown(ctx))
		}
		if n.host != nil {
			keep(n.host.Shutdown())
		}
		if n.mcpServer != nil {
			keep(n.mcpServer.Shutdown(ctx))
		}
		keep(n.server.Shutdown(ctx))
		keep(n.transport.Close())
		n.security.Stop()
		n.registry.Stop()
		n.eventBus.Stop()
		n.closeStore()
		n.logger.Info("Fabric node stopped")
	})
	return firstErr
}

func (n *Node) closeStore() {
	if n.store != nil {
		n.store.Close()
	}
}

func (n *Node) ID() string                    { return n.cfg.Node.ID }
func (n *Node) Registry() *registry.Registry  { return n.registry }
func (n *Node) Security() *security.Manager   { return n.security }
func (n *Node) Bridge() *mcp.Bridge           { return n.bridge }
func (n *Node) Transport() *transport.Manager { return n.transport }
func (n *Node) Server() *transport.Server     { return n.server }
func (n *Node) Host() *p2p.Host               { return n.host }
func (n *Node) EventBus() *bus.EventBus       { return n.eventBus }
func (n *Node) Metrics() *metrics.Collector   { return n.collector }

// DiscoverAgents queries the registry.
func (n *Node) DiscoverAgents(req registry.DiscoveryRequest) ([]registry.Match, error) {
	return n.registry.DiscoverAgents(req)
}

// EstablishSession opens or reuses a session from a hosted agent.
func (n *Node) EstablishSession(ctx context.Context, from, to string, capabilities ...string) (*security.Session, error) {
	return n.security.EstablishSession(ctx, from, to, capabilities...)
}

// SendSecureMessage sends msg from a hosted agent over its session with to.
// Remote failures come back as error responses, see Response.Err.
func (n *Node) SendSecureMessage(ctx context.Context, from, to string, msg *a2a.Message) (*a2a.Response, error) {
	return n.security.SendSecureMessage(ctx, from, to, msg)
}

// Dispatch implements mcp.Dispatcher: the node's own identity opens a session
// covering the message capabilities and sends the request over it.
func (n *Node) Dispatch(ctx context.Context, to string, msg *a2a.Message) (*a2a.Response, error) {
	start := time.Now()
	from := n.cfg.Node.ID
	resp, err := func() (*a2a.Response, error) {
		if _, err := n.security.EstablishSession(ctx, from, to, msg.Capabilities...); err != nil {
			return nil, err
		}
		return n.security.SendSecureMessage(ctx, from, to, msg)
	}()

	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(a2a.KindOf(err))
	case resp.Error != nil:
		outcome = string(a2a.KindOf(resp.Err()))
	}
	n.eventBus.Publish(bus.Event{
		Type: bus.EventBridgeTranslation,
		Payload: map[string]interface{}{
			"agentId":   to,
			"method":    msg.Method,
			"messageId": msg.ID,
			"outcome":   outcome,
			"latencyMs": time.Since(start).Milliseconds(),
		},
	})
	return resp, err
}

// SendToAgent implements security.Sender. Hosted agents are served in-process.
func (n *Node) SendToAgent(ctx context.Context, agentID string, msg *a2a.Message) (*a2a.Response, error) {
	if n.isLocal(agentID) {
		resp, err := n.HandleMessage(ctx, msg)
		if err != nil {
			return a2a.NewErrorResponse(msg, agentID, err), nil
		}
		if resp == nil {
			return a2a.NewResponse(msg, agentID, nil)
		}
		return resp, nil
	}
	return n.transport.SendToAgent(ctx, agentID, msg)
}

// HandleMessage is the inbound path for every transport. Handshakes go to the
// security manager; everything else must verify before reaching the agent.
func (n *Node) HandleMessage(ctx context.Context, msg *a2a.Message) (*a2a.Response, error) {
	if msg.Method == security.MethodHandshake {
		return n.security.HandleHandshake(ctx, msg)
	}

	recipient := msg.To.First()
	result := n.security.ReceiveSecureMessage(ctx, msg)
	log := logger.NewContextualLogger(n.logger, recipient, result.SessionID)
	if !result.Valid {
		log.Warnf("Rejected message %s from %s: %s", msg.ID, msg.From, result.Reason)
		return nil, result.Err()
	}

	agent := n.agent(recipient)
	if agent == nil {
		if recipient == n.cfg.Node.ID {
			return nil, a2a.Errorf(a2a.KindNoMappingFound, "node %s serves no method %s", recipient, msg.Method)
		}
		return nil, a2a.Errorf(a2a.KindUnknownAgent, "agent %s is not hosted on node %s", recipient, n.cfg.Node.ID)
	}
	log.Debugf("Delivering %s from %s", msg.Method, msg.From)
	resp, err := agent.handler.HandleMessage(ctx, result.Message)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return a2a.NewResponse(msg, recipient, nil)
	}
	return resp, nil
}
