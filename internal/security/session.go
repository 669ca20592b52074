package security

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/praxis/a2a-fabric/internal/crypto"
	"github.com/praxis/a2a-fabric/internal/logger"
)

// MethodHandshake is the A2A method carrying a HandshakeRequest.
const MethodHandshake = "a2a.handshake"

// SessionState is the lifecycle state of a session between two agents.
type SessionState string

const (
	SessionNegotiating SessionState = "negotiating"
	SessionActive      SessionState = "active"
	SessionDegraded    SessionState = "degraded"
	SessionRevoked     SessionState = "revoked"
	SessionExpired     SessionState = "expired"
)

// Session is a point-in-time copy of a session. Key material is never exposed.
type Session struct {
	ID              string               `json:"id"`
	AgentID         string               `json:"agentId"`
	PeerID          string               `json:"peerId"`
	EstablishedAt   time.Time            `json:"establishedAt"`
	LastActivity    time.Time            `json:"lastActivity"`
	Capabilities    map[string]time.Time `json:"capabilities"` // zero time: no expiry
	TrustScore      float64              `json:"trustScore"`
	State           SessionState         `json:"state"`
	SendSequence    uint64               `json:"sendSequence"`
	ReceiveSequence uint64               `json:"receiveSequence"`
}

type session struct {
	id            string
	agentID       string
	peerID        string
	establishedAt time.Time
	keys          *crypto.SessionKeys
	initiator     bool

	mu           sync.Mutex
	lastActivity time.Time
	capabilities map[string]time.Time
	trustScore   float64
	state        SessionState

	// sendMu holds a sequence reservation until the send outcome is known;
	// recvMu serializes verification so sequence checks are atomic.
	sendMu  sync.Mutex
	sendSeq atomic.Uint64
	recvMu  sync.Mutex
	recvSeq atomic.Uint64
}

func newSession(id, agentID, peerID string, keys *crypto.SessionKeys, granted []string, now time.Time, ttl time.Duration) *session {
	caps := make(map[string]time.Time, len(granted))
	for _, c := range granted {
		var exp time.Time
		if ttl > 0 {
			exp = now.Add(ttl)
		}
		caps[c] = exp
	}
	return &session{
		id:            id,
		agentID:       agentID,
		peerID:        peerID,
		establishedAt: now,
		keys:          keys,
		lastActivity:  now,
		capabilities:  caps,
		trustScore:    1,
		state:         SessionActive,
	}
}

func (s *session) snapshot() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := make(map[string]time.Time, len(s.capabilities))
	for k, v := range s.capabilities {
		caps[k] = v
	}
	return &Session{
		ID:              s.id,
		AgentID:         s.agentID,
		PeerID:          s.peerID,
		EstablishedAt:   s.establishedAt,
		LastActivity:    s.lastActivity,
		Capabilities:    caps,
		TrustScore:      s.trustScore,
		State:           s.state,
		SendSequence:    s.sendSeq.Load(),
		ReceiveSequence: s.recvSeq.Load(),
	}
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *session) setState(state SessionState) SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = state
	return prev
}

// usable reports whether the session can carry traffic at now.
func (s *session) usable(now time.Time, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive && s.state != SessionDegraded {
		return false
	}
	return idle <= 0 || now.Sub(s.lastActivity) <= idle
}

// grantee is the agent the session's capabilities were granted to.
func (s *session) grantee() string {
	if s.initiator {
		return s.agentID
	}
	return s.peerID
}

// covers reports whether every capability is granted and unexpired at now.
func (s *session) covers(caps []string, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range caps {
		exp, ok := s.capabilities[c]
		if !ok {
			return c, false
		}
		if !exp.IsZero() && now.After(exp) {
			return c, false
		}
	}
	return "", true
}

func pairKey(agentID, peerID string) string { return agentID + "\x00" + peerID }

// HandshakeRequest opens a session. Signature is the initiator's Ed25519
// signature over the canonical request without the signature field.
type HandshakeRequest struct {
	SessionID    string   `json:"sessionId"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	EphemeralKey []byte   `json:"ephemeralKey"`
	Capabilities []string `json:"capabilities,omitempty"`
	Timestamp    int64    `json:"timestamp"`
	Signature    []byte   `json:"signature,omitempty"`
}

func (r *HandshakeRequest) transcript() ([]byte, error) {
	c := *r
	c.Signature = nil
	return crypto.MarshalCanonical(c)
}

// HandshakeResponse answers a HandshakeRequest. Its signature also covers the
// initiator's ephemeral key.
type HandshakeResponse struct {
	SessionID    string   `json:"sessionId"`
	AgentID      string   `json:"agentId"`
	EphemeralKey []byte   `json:"ephemeralKey"`
	Granted      []string `json:"granted,omitempty"`
	Timestamp    int64    `json:"timestamp"`
	Signature    []byte   `json:"signature,omitempty"`
}

func (r *HandshakeResponse) transcript(initiatorKey []byte) ([]byte, error) {
	c := *r
	c.Signature = nil
	return crypto.MarshalCanonical(struct {
		Response     HandshakeResponse `json:"response"`
		InitiatorKey []byte            `json:"initiatorKey"`
	}{c, initiatorKey})
}

// Handshaker delivers a handshake to the responding agent.
type Handshaker interface {
	Handshake(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error)
}

// Sender routes a message to an agent and waits for its response.
// *transport.Manager implements it.
type Sender interface {
	SendToAgent(ctx context.Context, agentID string, msg *a2a.Message) (*a2a.Response, error)
}

// TransportHandshaker sends handshakes as MethodHandshake requests.
type TransportHandshaker struct {
	sender Sender
}

func NewTransportHandshaker(sender Sender) *TransportHandshaker {
	return &TransportHandshaker{sender: sender}
}

func (h *TransportHandshaker) Handshake(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error) {
	msg, err := a2a.NewRequest(req.From, a2a.To(req.To), MethodHandshake, req)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInternal, err, "build handshake")
	}
	resp, err := h.sender.SendToAgent(ctx, req.To, msg)
	if err != nil {
		return nil, err
	}
	var out HandshakeResponse
	if err := resp.DecodeResult(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

var errInvalidated = errors.New("agent invalidated by discovery")

// negotiations tracks in-flight handshakes so they can be failed early.
type negotiations struct {
	mu      sync.Mutex
	next    uint64
	byAgent map[string]map[uint64]context.CancelCauseFunc
}

func (n *negotiations) begin(ctx context.Context, agentID string, timeout time.Duration) (context.Context, func()) {
	cctx, cancelCause := context.WithCancelCause(ctx)
	tctx, cancelTimeout := context.WithTimeout(cctx, timeout)

	n.mu.Lock()
	if n.byAgent == nil {
		n.byAgent = make(map[string]map[uint64]context.CancelCauseFunc)
	}
	n.next++
	id := n.next
	if n.byAgent[agentID] == nil {
		n.byAgent[agentID] = make(map[uint64]context.CancelCauseFunc)
	}
	n.byAgent[agentID][id] = cancelCause
	n.mu.Unlock()

	return tctx, func() {
		cancelTimeout()
		cancelCause(nil)
		n.mu.Lock()
		delete(n.byAgent[agentID], id)
		if len(n.byAgent[agentID]) == 0 {
			delete(n.byAgent, agentID)
		}
		n.mu.Unlock()
	}
}

// fail cancels every negotiation with agentID and returns how many there were.
func (n *negotiations) fail(agentID string, cause error) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending := n.byAgent[agentID]
	for _, cancel := range pending {
		cancel(cause)
	}
	return len(pending)
}

// EstablishSession negotiates, or reuses, a session from one agent to
// another. requested capabilities are intersected with what the responder is
// provisioned and trusted for.
func (m *Manager) EstablishSession(ctx context.Context, from, to string, requested ...string) (*Session, error) {
	now := m.now()
	requested = normalizeCapabilities(requested)

	if err := m.limiter.allow(from, OpSession, now); err != nil {
		m.rateLimited(ctx, from, OpSession, err)
		return nil, err
	}
	release, err := m.breakers.allow(to, now)
	if err != nil {
		return nil, err
	}
	defer release()

	fromID, err := m.identity(from)
	if err != nil {
		return nil, err
	}
	toID, err := m.identity(to)
	if err != nil {
		return nil, err
	}
	if fromID.Revoked || toID.Revoked {
		return nil, a2a.Errorf(a2a.KindAuthenticationFailed, "access between %s and %s is revoked", from, to)
	}
	if err := m.checkSegment(fromID, toID); err != nil {
		return nil, err
	}

	if s := m.lookupSession(from, to); s != nil && s.usable(now, m.cfg.SessionIdleTimeout) {
		if _, ok := s.covers(requested, now); ok {
			s.touch(now)
			return s.snapshot(), nil
		}
	}

	key := pairKey(from, to) + "\x00" + strings.Join(requested, ",")
	v, err, _ := m.inflight.Do(key, func() (any, error) {
		return m.negotiate(ctx, fromID, toID, requested)
	})
	if err != nil {
		m.breakers.failure(to, m.now())
		m.limiter.recordError(from, OpSession, m.now())
		m.record(ctx, &SecurityEvent{
			Type:     EventHandshakeFailed,
			Severity: SeverityWarning,
			AgentID:  from,
			Kind:     a2a.KindOf(err),
			Details:  map[string]any{"peerId": to, "error": err.Error()},
		})
		return nil, err
	}
	m.breakers.success(to)
	return v.(*session).snapshot(), nil
}

func (m *Manager) negotiate(ctx context.Context, from, to *AgentIdentity, requested []string) (*session, error) {
	priv := m.localKey(from.AgentID)
	if priv == nil {
		return nil, a2a.Errorf(a2a.KindAuthenticationFailed, "no signing key for %s on this node", from.AgentID)
	}
	if m.handshaker == nil {
		return nil, a2a.Errorf(a2a.KindInternal, "no handshaker configured")
	}

	granted, denied := m.grant(to, requested)
	if len(denied) > 0 {
		m.record(ctx, &SecurityEvent{
			Type:     EventCapabilityDenied,
			Severity: SeverityInfo,
			AgentID:  from.AgentID,
			Kind:     a2a.KindCapabilityDenied,
			Details:  map[string]any{"peerId": to.AgentID, "capabilities": denied},
		})
	}

	eph, err := crypto.NewEphemeralKey()
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInternal, err, "handshake key")
	}
	req := &HandshakeRequest{
		SessionID:    "sess_" + uuid.New().String(),
		From:         from.AgentID,
		To:           to.AgentID,
		EphemeralKey: eph.Public,
		Capabilities: requested,
		Timestamp:    m.now().UnixMilli(),
	}
	transcript, err := req.transcript()
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInternal, err, "handshake transcript")
	}
	req.Signature = ed25519.Sign(priv, transcript)

	timeout := m.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hctx, done := m.negotiations.begin(ctx, to.AgentID, timeout)
	defer done()

	resp, err := m.handshaker.Handshake(hctx, req)
	if err != nil {
		if errors.Is(context.Cause(hctx), errInvalidated) {
			return nil, a2a.Wrap(a2a.KindUnknownAgent, errInvalidated, "negotiation with %s aborted", to.AgentID)
		}
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, a2a.Errorf(a2a.KindRequestTimeout, "handshake with %s timed out after %s", to.AgentID, timeout)
		}
		var typed *a2a.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, a2a.Wrap(a2a.KindAuthenticationFailed, err, "handshake with %s", to.AgentID)
	}

	if resp.SessionID != req.SessionID || resp.AgentID != to.AgentID {
		return nil, a2a.Errorf(a2a.KindAuthenticationFailed, "handshake response does not match request %s", req.SessionID)
	}
	respTranscript, err := resp.transcript(req.EphemeralKey)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInternal, err, "handshake transcript")
	}
	if !ed25519.Verify(to.PublicKey, respTranscript, resp.Signature) {
		return nil, a2a.Errorf(a2a.KindAuthenticationFailed, "handshake response from %s has an invalid signature", to.AgentID)
	}

	secret, err := eph.SharedSecret(resp.EphemeralKey)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindAuthenticationFailed, err, "key agreement with %s", to.AgentID)
	}
	keys, err := crypto.DeriveSessionKeys(secret, []byte(req.SessionID))
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInternal, err, "derive session keys")
	}

	final := intersect(granted, resp.Granted)
	s := newSession(req.SessionID, from.AgentID, to.AgentID, keys, final,
		m.now(), m.cfg.Policy.Authorization.CapabilityExpiration)
	s.initiator = true
	m.storeSession(s)

	m.log.WithFields(logrus.Fields{
		logger.FieldAgentID:   from.AgentID,
		logger.FieldPeerID:    to.AgentID,
		logger.FieldSessionID: s.id,
	}).Info("Session established")
	m.record(ctx, &SecurityEvent{
		Type:      EventSessionEstablished,
		Severity:  SeverityInfo,
		AgentID:   from.AgentID,
		SessionID: s.id,
		Details:   map[string]any{"peerId": to.AgentID, "role": "initiator", "capabilities": final},
	})
	if m.bus != nil {
		m.bus.PublishAsync(bus.EventSessionEstablished, map[string]interface{}{
			"sessionId": s.id,
			"agentId":   from.AgentID,
			"peerId":    to.AgentID,
		})
	}
	return s, nil
}

// AcceptHandshake is the responder side of EstablishSession. The responding
// agent must be hosted on this node.
func (m *Manager) AcceptHandshake(ctx context.Context, req *HandshakeRequest) (*HandshakeResponse, error) {
	now := m.now()
	if req == nil || req.SessionID == "" || req.From == "" || req.To == "" {
		return nil, a2a.Errorf(a2a.KindInvalidJSONRPCFormat, "malformed handshake request")
	}
	if err := m.limiter.allow(req.From, OpReceive, now); err != nil {
		m.rateLimited(ctx, req.From, OpReceive, err)
		return nil, err
	}

	fail := func(err error) (*HandshakeResponse, error) {
		m.limiter.recordError(req.From, OpReceive, m.now())
		m.record(ctx, &SecurityEvent{
			Type:      EventHandshakeFailed,
			Severity:  SeverityHigh,
			AgentID:   req.From,
			SessionID: req.SessionID,
			Kind:      a2a.KindOf(err),
			Details:   map[string]any{"peerId": req.To, "role": "responder", "error": err.Error()},
		})
		return nil, err
	}

	window := m.replayWindow()
	if age := now.Sub(time.UnixMilli(req.Timestamp)); age > window || age < -window {
		return fail(a2a.Errorf(a2a.KindMessageExpired, "handshake %s is outside the replay window", req.SessionID))
	}

	fromID, err := m.identity(req.From)
	if err != nil {
		return fail(err)
	}
	toID, err := m.identity(req.To)
	if err != nil {
		return fail(err)
	}
	priv := m.localKey(req.To)
	if priv == nil {
		return fail(a2a.Errorf(a2a.KindUnknownAgent, "agent %s is not hosted on this node", req.To))
	}
	if fromID.Revoked || toID.Revoked {
		return fail(a2a.Errorf(a2a.KindAuthenticationFailed, "access between %s and %s is revoked", req.From, req.To))
	}
	if err := m.checkSegment(fromID, toID); err != nil {
		return fail(err)
	}

	transcript, err := req.transcript()
	if err != nil {
		return fail(a2a.Wrap(a2a.KindInternal, err, "handshake transcript"))
	}
	if !ed25519.Verify(fromID.PublicKey, transcript, req.Signature) {
		return fail(a2a.Errorf(a2a.KindAuthenticationFailed, "handshake from %s has an invalid signature", req.From))
	}

	eph, err := crypto.NewEphemeralKey()
	if err != nil {
		return fail(a2a.Wrap(a2a.KindInternal, err, "handshake key"))
	}
	secret, err := eph.SharedSecret(req.EphemeralKey)
	if err != nil {
		return fail(a2a.Wrap(a2a.KindAuthenticationFailed, err, "key agreement with %s", req.From))
	}
	keys, err := crypto.DeriveSessionKeys(secret, []byte(req.SessionID))
	if err != nil {
		return fail(a2a.Wrap(a2a.KindInternal, err, "derive session keys"))
	}

	granted, _ := m.grant(toID, normalizeCapabilities(req.Capabilities))
	resp := &HandshakeResponse{
		SessionID:    req.SessionID,
		AgentID:      req.To,
		EphemeralKey: eph.Public,
		Granted:      granted,
		Timestamp:    now.UnixMilli(),
	}
	respTranscript, err := resp.transcript(req.EphemeralKey)
	if err != nil {
		return fail(a2a.Wrap(a2a.KindInternal, err, "handshake transcript"))
	}
	resp.Signature = ed25519.Sign(priv, respTranscript)

	s := newSession(req.SessionID, req.To, req.From, keys, granted, now, m.cfg.Policy.Authorization.CapabilityExpiration)
	m.storeSession(s)
	m.record(ctx, &SecurityEvent{
		Type:      EventSessionEstablished,
		Severity:  SeverityInfo,
		AgentID:   req.To,
		SessionID: s.id,
		Details:   map[string]any{"peerId": req.From, "role": "responder", "capabilities": granted},
	})
	return resp, nil
}

// HandleHandshake adapts AcceptHandshake to an inbound A2A request.
func (m *Manager) HandleHandshake(ctx context.Context, msg *a2a.Message) (*a2a.Response, error) {
	var req HandshakeRequest
	if err := msg.DecodePayload(&req); err != nil {
		return nil, err
	}
	if req.From != msg.From || !msg.To.Contains(req.To) {
		return nil, a2a.Errorf(a2a.KindAuthenticationFailed, "handshake routing does not match envelope")
	}
	resp, err := m.AcceptHandshake(ctx, &req)
	if err != nil {
		return nil, err
	}
	return a2a.NewResponse(msg, req.To, resp)
}

// GetSession returns the session from agentID to peerID.
func (m *Manager) GetSession(agentID, peerID string) (*Session, error) {
	s := m.lookupSession(agentID, peerID)
	if s == nil {
		return nil, a2a.Errorf(a2a.KindSessionNotFound, "no session from %s to %s", agentID, peerID)
	}
	return s.snapshot(), nil
}

// ActiveSessions lists usable sessions ordered by id.
func (m *Manager) ActiveSessions() []*Session {
	now := m.now()
	var out []*Session
	m.sessions.Range(func(_, v any) bool {
		s := v.(*session)
		if s.usable(now, m.cfg.SessionIdleTimeout) {
			out = append(out, s.snapshot())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) lookupSession(agentID, peerID string) *session {
	if v, ok := m.sessions.Load(pairKey(agentID, peerID)); ok {
		return v.(*session)
	}
	return nil
}

func (m *Manager) storeSession(s *session) {
	if prev, loaded := m.sessions.Swap(pairKey(s.agentID, s.peerID), s); loaded {
		prev.(*session).setState(SessionExpired)
	}
	m.collector.SetActiveSessions(m.countSessions())
}

func (m *Manager) countSessions() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// grant splits requested capabilities into those the responding agent can
// grant and those it cannot. Without least privilege an empty request asks
// for everything the responder is provisioned with.
func (m *Manager) grant(id *AgentIdentity, requested []string) (granted, denied []string) {
	candidates := requested
	if len(candidates) == 0 && !m.cfg.Policy.ZeroTrust.LeastPrivilege {
		candidates = id.Capabilities
	}
	granted = []string{}
	for _, c := range candidates {
		if m.canGrant(id, c) {
			granted = append(granted, c)
		} else {
			denied = append(denied, c)
		}
	}
	return granted, denied
}

// checkSegment keeps sessions inside a swarm when segmentation is on. Agents
// without a swarm are not segmented.
func (m *Manager) checkSegment(a, b *AgentIdentity) error {
	if !m.cfg.Policy.ZeroTrust.Segmentation {
		return nil
	}
	sa, sb := a.Metadata.SwarmID, b.Metadata.SwarmID
	if sa == "" || sb == "" || sa == sb {
		return nil
	}
	return a2a.Errorf(a2a.KindAuthenticationFailed, "agents %s (%s) and %s (%s) are in different segments", a.AgentID, sa, b.AgentID, sb)
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := []string{}
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
