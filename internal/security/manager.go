// Package security authenticates agents, negotiates encrypted sessions
// between them and keeps a signed audit trail of every security decision.
package security

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/crypto"
	"github.com/praxis/a2a-fabric/internal/logger"
	"github.com/praxis/a2a-fabric/internal/metrics"
)

// Manager owns agent identities, sessions and the audit log. All methods are
// safe for concurrent use.
type Manager struct {
	cfg          config.SecurityConfig
	nodeID       string
	defaultTrust a2a.TrustLevel
	capTrust     map[string]a2a.TrustLevel
	threshold    Severity

	log       *logrus.Logger
	bus       *bus.EventBus
	collector *metrics.Collector
	now       func() time.Time

	certs    *certVerifier
	limiter  *rateLimiter
	breakers *breakers
	nonces   *nonceStore
	audit    *auditLog
	sink     AuditSink

	sender     Sender
	handshaker Handshaker

	mu         sync.RWMutex
	identities map[string]*AgentIdentity
	localKeys  map[string]ed25519.PrivateKey

	sessions     sync.Map // pairKey -> *session
	negotiations negotiations
	inflight     singleflight.Group

	behaviorMu sync.Mutex
	behavior   map[string]*behavior

	unsubscribe func()
	stopCh      chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAuditSink forwards every recorded event to sink.
func WithAuditSink(sink AuditSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithSender sets the outbound path used by SendSecureMessage and, unless a
// handshaker is given, by EstablishSession.
func WithSender(sender Sender) Option {
	return func(m *Manager) { m.sender = sender }
}

// WithHandshaker overrides how handshakes reach the responder.
func WithHandshaker(h Handshaker) Option {
	return func(m *Manager) { m.handshaker = h }
}

// NewManager builds a security manager. nodeKey signs audit events; the
// policy in cfg is copied and never changes afterwards.
func NewManager(cfg config.SecurityConfig, nodeID string, nodeKey ed25519.PrivateKey, log *logrus.Logger, eventBus *bus.EventBus, collector *metrics.Collector, opts ...Option) (*Manager, error) {
	log = logger.OrDefault(log)

	defaultTrust := a2a.TrustLevel(cfg.Policy.Authorization.DefaultTrustLevel)
	if defaultTrust == "" {
		defaultTrust = a2a.TrustBasic
	}
	if !defaultTrust.Valid() {
		return nil, a2a.Errorf(a2a.KindConfigInvalid, "unknown default trust level %q", defaultTrust)
	}
	capTrust := make(map[string]a2a.TrustLevel, len(cfg.Policy.Authorization.CapabilityTrust))
	for capability, level := range cfg.Policy.Authorization.CapabilityTrust {
		l := a2a.TrustLevel(level)
		if !l.Valid() {
			return nil, a2a.Errorf(a2a.KindConfigInvalid, "capability %s: unknown trust level %q", capability, level)
		}
		capTrust[capability] = l
	}

	certs, err := newCertVerifier(cfg.TrustedCAs, cfg.AllowSelfSigned, cfg.Policy.Authentication.CertificateLifetime)
	if err != nil {
		return nil, err
	}
	signer, err := crypto.NewDocumentSigner(nodeID+"#audit", auditMediaType, nodeKey)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindConfigInvalid, err, "audit signer")
	}

	m := &Manager{
		cfg:          cfg,
		nodeID:       nodeID,
		defaultTrust: defaultTrust,
		capTrust:     capTrust,
		threshold:    auditThreshold(cfg.Policy.Monitoring.AuditLevel),
		log:          log,
		bus:          eventBus,
		collector:    collector,
		now:          time.Now,
		certs:        certs,
		limiter:      newRateLimiter(cfg.Policy.RateLimiting),
		nonces:       newNonceStore(cfg.NonceCacheSize, cfg.ReplayWindow),
		audit:        newAuditLog(signer, cfg.Audit.MaxEvents),
		identities:   make(map[string]*AgentIdentity),
		localKeys:    make(map[string]ed25519.PrivateKey),
		behavior:     make(map[string]*behavior),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.handshaker == nil && m.sender != nil {
		m.handshaker = NewTransportHandshaker(m.sender)
	}
	m.breakers = newBreakers(cfg.Breaker, m.onBreakerChange)

	if eventBus != nil {
		m.unsubscribe = eventBus.Subscribe(bus.EventDiscoveryInvalidate, m.onDiscoveryInvalidated)
	}
	return m, nil
}

// Start runs continuous verification every VerificationInterval until Stop.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.VerificationInterval
	if interval <= 0 {
		return
	}
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stopCh:
					return
				case <-ticker.C:
					report := m.PerformContinuousVerification(ctx)
					m.log.WithFields(logrus.Fields{
						"evaluated": report.Evaluated,
						"lowered":   len(report.Lowered),
						"revoked":   len(report.Revoked),
						"expired":   report.Expired,
					}).Debug("Continuous verification cycle")
				}
			}
		}()
	})
}

// Stop halts background verification and detaches from the bus.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	})
	m.wg.Wait()
}

// NodeID returns the id that signs audit events.
func (m *Manager) NodeID() string { return m.nodeID }

// AuditPublicKey verifies events exported from this manager.
func (m *Manager) AuditPublicKey() ed25519.PublicKey { return m.audit.signer.PublicKey() }

// RegisterAgent verifies and stores an agent identity at the default trust level.
func (m *Manager) RegisterAgent(ctx context.Context, reg AgentRegistration) (*AgentIdentity, error) {
	if err := reg.validate(); err != nil {
		return nil, err
	}
	now := m.now()
	key, err := m.certs.verify(reg.AgentID, reg.Certificates, reg.PublicKey, now)
	if err != nil {
		m.record(ctx, &SecurityEvent{
			Type:     EventAgentRegistered,
			Severity: SeverityWarning,
			AgentID:  reg.AgentID,
			Kind:     a2a.KindOf(err),
			Details:  map[string]any{"result": "rejected", "error": err.Error()},
		})
		return nil, err
	}

	ident := &AgentIdentity{
		AgentID:         reg.AgentID,
		AgentType:       reg.AgentType,
		PublicKey:       key,
		KeyAgreementKey: reg.KeyAgreementKey,
		Certificates:    reg.Certificates,
		Capabilities:    normalizeCapabilities(reg.Capabilities),
		TrustLevel:      m.defaultTrust,
		Metadata: IdentityMetadata{
			CreatedAt:    now,
			LastVerified: now,
			Version:      reg.Version,
			SwarmID:      reg.SwarmID,
		},
	}

	m.mu.Lock()
	if _, exists := m.identities[reg.AgentID]; exists {
		m.mu.Unlock()
		return nil, a2a.Errorf(a2a.KindAgentAlreadyRegistered, "agent %s is already registered", reg.AgentID)
	}
	m.identities[reg.AgentID] = ident
	if reg.PrivateKey != nil {
		m.localKeys[reg.AgentID] = reg.PrivateKey
	}
	out := ident.clone()
	m.mu.Unlock()

	m.behaviorMu.Lock()
	delete(m.behavior, reg.AgentID)
	m.behaviorMu.Unlock()

	m.log.WithFields(logrus.Fields{
		logger.FieldAgentID: reg.AgentID,
		"agentType":         reg.AgentType,
		"trustLevel":        out.TrustLevel,
		"local":             reg.PrivateKey != nil,
	}).Info("Agent identity registered")
	m.record(ctx, &SecurityEvent{
		Type:     EventAgentRegistered,
		Severity: SeverityInfo,
		AgentID:  reg.AgentID,
		Details:  map[string]any{"result": "accepted", "agentType": reg.AgentType, "trustLevel": string(out.TrustLevel)},
	})
	return out, nil
}

// UnregisterAgent drops an identity and every session it takes part in.
func (m *Manager) UnregisterAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	if _, ok := m.identities[agentID]; !ok {
		m.mu.Unlock()
		return a2a.Errorf(a2a.KindUnknownAgent, "agent %s is not registered", agentID)
	}
	delete(m.identities, agentID)
	delete(m.localKeys, agentID)
	m.mu.Unlock()

	m.negotiations.fail(agentID, errInvalidated)
	m.dropSessions(ctx, agentID, SessionRevoked, "agent unregistered")
	m.nonces.forget(agentID)
	m.limiter.forget(agentID)
	return nil
}

// GetIdentity returns a copy of the registered identity.
func (m *Manager) GetIdentity(agentID string) (*AgentIdentity, error) {
	return m.identity(agentID)
}

func (m *Manager) identity(agentID string) (*AgentIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.identities[agentID]
	if !ok {
		return nil, a2a.Errorf(a2a.KindUnknownAgent, "agent %s is not registered", agentID)
	}
	return ident.clone(), nil
}

func (m *Manager) localKey(agentID string) ed25519.PrivateKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localKeys[agentID]
}

// CanGrantCapability reports whether the agent may hold capability: it must
// be provisioned, the agent must not be revoked and its trust level must
// meet the capability's minimum.
func (m *Manager) CanGrantCapability(agentID, capability string) bool {
	ident, err := m.identity(agentID)
	if err != nil {
		return false
	}
	return m.canGrant(ident, capability)
}

func (m *Manager) canGrant(ident *AgentIdentity, capability string) bool {
	if ident.Revoked || !ident.HasCapability(capability) {
		return false
	}
	if min, ok := m.capTrust[capability]; ok && !ident.TrustLevel.AtLeast(min) {
		return false
	}
	return true
}

// AuthorizeCapabilities reports whether a usable session currently grants
// the agent every required capability, unexpired. It fails only for unknown
// agents and never changes state.
func (m *Manager) AuthorizeCapabilities(agentID string, required ...string) (bool, error) {
	ident, err := m.identity(agentID)
	if err != nil {
		return false, err
	}
	if ident.Revoked {
		return false, nil
	}
	required = normalizeCapabilities(required)
	now := m.now()
	authorized := false
	m.sessions.Range(func(_, v any) bool {
		s := v.(*session)
		if s.grantee() != agentID || !s.usable(now, m.cfg.SessionIdleTimeout) {
			return true
		}
		_, authorized = s.covers(required, now)
		return !authorized
	})
	return authorized, nil
}

// Events returns recorded events oldest first. A positive Limit keeps the
// newest matches.
func (m *Manager) Events(filter EventFilter) []*SecurityEvent {
	var out []*SecurityEvent
	for _, e := range m.audit.snapshot() {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// VerifyEvent checks that an event was signed by this manager and has not
// been altered.
func (m *Manager) VerifyEvent(e *SecurityEvent) error {
	return m.audit.verify(e)
}

// record signs and stores e when it meets the audit threshold, then fans it
// out to the sink, the bus and metrics.
func (m *Manager) record(ctx context.Context, e *SecurityEvent) {
	m.collector.SecurityEvent(e.Type, string(e.Severity))
	if e.Severity.rank() < m.threshold.rank() {
		return
	}
	if err := m.audit.append(e, m.now()); err != nil {
		m.log.WithError(err).Error("Failed to sign security event")
		return
	}
	if m.sink != nil {
		if err := m.sink.RecordSecurityEvent(ctx, e); err != nil {
			m.log.WithError(err).WithField("eventId", e.ID).Warn("Failed to persist security event")
		}
	}
	if m.bus != nil {
		m.bus.PublishSecurityEvent(e.Type, string(e.Severity), e.AgentID, e.Details)
	}
}

func (m *Manager) rateLimited(ctx context.Context, agentID, op string, err error) {
	m.collector.RateLimited(op)
	m.record(ctx, &SecurityEvent{
		Type:     EventRateLimited,
		Severity: SeverityWarning,
		AgentID:  agentID,
		Kind:     a2a.KindRateLimited,
		Details:  map[string]any{"operation": op, "retryAfterMs": a2a.RetryAfterOf(err).Milliseconds()},
	})
}

func (m *Manager) onBreakerChange(agentID string, open bool) {
	m.collector.SetBreakerOpen(agentID, open)
	if open {
		m.record(context.Background(), &SecurityEvent{
			Type:     EventCircuitOpened,
			Severity: SeverityHigh,
			AgentID:  agentID,
			Kind:     a2a.KindCircuitOpen,
		})
	}
}

func (m *Manager) replayWindow() time.Duration {
	if m.cfg.ReplayWindow > 0 {
		return m.cfg.ReplayWindow
	}
	return 5 * time.Minute
}
