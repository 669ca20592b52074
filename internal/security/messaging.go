package security

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/crypto"
	"github.com/praxis/a2a-fabric/internal/logger"
)

// VerificationResult is the outcome of ReceiveSecureMessage. On success
// Message holds the decrypted copy of the envelope.
type VerificationResult struct {
	Valid     bool         `json:"valid"`
	Kind      a2a.Kind     `json:"kind,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Message   *a2a.Message `json:"-"`
}

// Err returns the rejection as a typed error, nil when valid.
func (r VerificationResult) Err() error {
	if r.Valid {
		return nil
	}
	return a2a.Errorf(r.Kind, "%s", r.Reason)
}

// signedFields is the canonical document covered by the message MAC.
type signedFields struct {
	ID           string   `json:"id"`
	From         string   `json:"from"`
	To           []string `json:"to"`
	Method       string   `json:"method"`
	Payload      any      `json:"payload"`
	Timestamp    int64    `json:"timestamp"`
	TTL          int64    `json:"ttl"`
	Nonce        string   `json:"nonce"`
	Sequence     uint64   `json:"sequence"`
	Encrypted    bool     `json:"encrypted"`
	Capabilities []string `json:"capabilities"`
}

func signingBytes(msg *a2a.Message) ([]byte, error) {
	var payload any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, err
		}
	}
	caps := msg.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return crypto.MarshalCanonical(signedFields{
		ID:           msg.ID,
		From:         msg.From,
		To:           []string(msg.To),
		Method:       msg.Method,
		Payload:      payload,
		Timestamp:    msg.Timestamp,
		TTL:          msg.TTL,
		Nonce:        msg.Nonce,
		Sequence:     msg.Sequence,
		Encrypted:    msg.Encrypted,
		Capabilities: caps,
	})
}

func associatedData(msg *a2a.Message) []byte {
	return []byte(msg.ID + "|" + msg.From + "|" + msg.To.First())
}

// SendSecureMessage seals, sequences and signs msg under the session from
// one agent to another and sends it. The sequence number is consumed when
// the message may have reached the peer: on success or on a request
// timeout, never when the call is cancelled before anything is written.
func (m *Manager) SendSecureMessage(ctx context.Context, from, to string, msg *a2a.Message) (*a2a.Response, error) {
	if m.sender == nil {
		return nil, a2a.Errorf(a2a.KindInternal, "no sender configured")
	}
	now := m.now()
	if err := m.limiter.allow(from, OpMessage, now); err != nil {
		m.rateLimited(ctx, from, OpMessage, err)
		return nil, err
	}
	release, err := m.breakers.allow(to, now)
	if err != nil {
		return nil, err
	}
	defer release()

	s := m.lookupSession(from, to)
	if s == nil || !s.usable(now, m.cfg.SessionIdleTimeout) {
		return nil, a2a.Errorf(a2a.KindSessionNotFound, "no active session from %s to %s", from, to)
	}

	out := msg.Clone()
	out.JSONRPC = a2a.JSONRPCVersion
	if out.ID == "" {
		out.ID = a2a.NewMessageID()
	}
	if out.MessageType == "" {
		out.MessageType = a2a.MessageTypeRequest
	}
	out.From = from
	out.To = a2a.To(to)
	out.Timestamp = now.UnixMilli()
	out.Capabilities = normalizeCapabilities(out.Capabilities)
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if c, ok := s.covers(out.Capabilities, now); !ok {
		return nil, a2a.Errorf(a2a.KindCapabilityDenied, "capability %q is not granted on session %s", c, s.id)
	}

	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInternal, err, "message nonce")
	}
	out.Nonce = nonce

	if len(out.Payload) > 0 {
		sealed, err := crypto.Seal(s.keys.Encryption, out.Payload, associatedData(out))
		if err != nil {
			return nil, a2a.Wrap(a2a.KindInternal, err, "seal payload")
		}
		encoded, _ := json.Marshal(base64.RawURLEncoding.EncodeToString(sealed))
		out.Payload = encoded
		out.Encrypted = true
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	out.Sequence = s.sendSeq.Load() + 1
	signed, err := signingBytes(out)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInternal, err, "canonicalize message")
	}
	out.Signature = crypto.SignMAC(s.keys.MAC, signed)

	if err := ctx.Err(); err != nil {
		return nil, a2a.Wrap(a2a.KindRequestTimeout, err, "send %s cancelled", out.ID)
	}
	resp, err := m.sender.SendToAgent(ctx, to, out)
	if err != nil {
		// A timed out request may still have been accepted by the peer.
		// Receivers tolerate gaps, so the sequence moves on.
		if a2a.IsKind(err, a2a.KindRequestTimeout) {
			s.sendSeq.Store(out.Sequence)
		}
		m.breakers.failure(to, m.now())
		m.limiter.recordError(from, OpMessage, m.now())
		return nil, err
	}
	s.sendSeq.Store(out.Sequence)
	s.touch(m.now())
	m.breakers.success(to)
	m.behaviorFor(from).sent.Add(1)
	return resp, nil
}

// ReceiveSecureMessage verifies an inbound envelope. Checks run in order:
// signature, ttl, sequence, nonce, capabilities. Unsigned messages are
// rejected unless the policy lets them through outside a session. Any rejection is audited and
// counted against the sender's circuit.
func (m *Manager) ReceiveSecureMessage(ctx context.Context, msg *a2a.Message) VerificationResult {
	now := m.now()
	if msg == nil {
		return VerificationResult{Kind: a2a.KindInvalidJSONRPCFormat, Reason: "nil message"}
	}
	m.behaviorFor(msg.From).received.Add(1)

	if err := m.limiter.allow(msg.From, OpReceive, now); err != nil {
		m.rateLimited(ctx, msg.From, OpReceive, err)
		return VerificationResult{Kind: a2a.KindRateLimited, Reason: err.Error()}
	}
	if err := msg.Validate(); err != nil {
		return m.reject(ctx, msg, "", a2a.KindOf(err), err.Error())
	}

	if msg.Signature == "" && !m.cfg.Policy.Authentication.RequireSignedMessages {
		return m.acceptUnsigned(ctx, msg, now)
	}

	recipient := msg.To.First()
	s := m.lookupSession(recipient, msg.From)
	if s == nil || !s.usable(now, m.cfg.SessionIdleTimeout) {
		return m.reject(ctx, msg, "", a2a.KindSessionNotFound, "no active session from "+recipient+" to "+msg.From)
	}

	// (a) signature
	if msg.Signature == "" {
		return m.reject(ctx, msg, s.id, a2a.KindSignatureInvalid, "message is unsigned")
	}
	signed, err := signingBytes(msg)
	if err != nil || !crypto.VerifyMAC(s.keys.MAC, signed, msg.Signature) {
		return m.reject(ctx, msg, s.id, a2a.KindSignatureInvalid, "message signature does not verify")
	}

	// (b) ttl and replay window
	if msg.Expired(now) {
		return m.reject(ctx, msg, s.id, a2a.KindMessageExpired, "message ttl elapsed")
	}
	window := m.replayWindow()
	if age := now.Sub(time.UnixMilli(msg.Timestamp)); age > window || age < -window {
		return m.reject(ctx, msg, s.id, a2a.KindMessageExpired, "message timestamp outside replay window")
	}

	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	// (c) sequence
	if msg.Sequence <= s.recvSeq.Load() {
		if m.nonces.seen(msg.From, msg.Nonce) {
			return m.reject(ctx, msg, s.id, a2a.KindReplayDetected, "nonce already used")
		}
		return m.reject(ctx, msg, s.id, a2a.KindSequenceViolation, "sequence is not greater than the last accepted")
	}

	// (d) nonce
	if msg.Nonce == "" || !m.nonces.checkAndStore(msg.From, msg.Nonce) {
		return m.reject(ctx, msg, s.id, a2a.KindReplayDetected, "nonce already used")
	}

	// (e) capabilities
	if c, ok := s.covers(msg.Capabilities, now); !ok {
		return m.reject(ctx, msg, s.id, a2a.KindCapabilityDenied, "capability "+c+" is not granted or has expired")
	}

	plain := msg.Clone()
	if msg.Encrypted {
		var encoded string
		if err := json.Unmarshal(msg.Payload, &encoded); err != nil {
			return m.reject(ctx, msg, s.id, a2a.KindInvalidJSONRPCFormat, "encrypted payload is not a string")
		}
		sealed, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return m.reject(ctx, msg, s.id, a2a.KindInvalidJSONRPCFormat, "encrypted payload is not base64url")
		}
		payload, err := crypto.Open(s.keys.Encryption, sealed, associatedData(msg))
		if err != nil {
			return m.reject(ctx, msg, s.id, a2a.KindSignatureInvalid, "payload does not decrypt")
		}
		plain.Payload = payload
		plain.Encrypted = false
	}

	s.recvSeq.Store(msg.Sequence)
	s.touch(now)
	m.breakers.success(msg.From)

	if m.cfg.Policy.Monitoring.AuditLevel == "verbose" {
		m.record(ctx, &SecurityEvent{
			Type:      EventMessageAccepted,
			Severity:  SeverityInfo,
			AgentID:   msg.From,
			SessionID: s.id,
			Details:   map[string]any{"messageId": msg.ID, "sequence": msg.Sequence},
		})
	}
	return VerificationResult{Valid: true, SessionID: s.id, Message: plain}
}

func (m *Manager) reject(ctx context.Context, msg *a2a.Message, sessionID string, kind a2a.Kind, reason string) VerificationResult {
	now := m.now()
	m.limiter.recordError(msg.From, OpReceive, now)
	m.breakers.failure(msg.From, now)

	severity := SeverityWarning
	threat := kind == a2a.KindReplayDetected || kind == a2a.KindSignatureInvalid
	if threat {
		severity = SeverityHigh
	}
	m.log.WithFields(logrus.Fields{
		logger.FieldAgentID:   msg.From,
		logger.FieldSessionID: sessionID,
		"messageId":           msg.ID,
		"kind":                kind,
	}).Warnf("Rejected message: %s", reason)
	m.record(ctx, &SecurityEvent{
		Type:      EventMessageRejected,
		Severity:  severity,
		AgentID:   msg.From,
		SessionID: sessionID,
		Kind:      kind,
		Details:   map[string]any{"messageId": msg.ID, "reason": reason, "sequence": msg.Sequence},
	})
	if threat && m.cfg.Policy.Monitoring.ThreatDetection {
		m.behaviorFor(msg.From).threats.Add(1)
		m.record(ctx, &SecurityEvent{
			Type:      EventThreatDetected,
			Severity:  SeverityCritical,
			AgentID:   msg.From,
			SessionID: sessionID,
			Kind:      kind,
			Details:   map[string]any{"messageId": msg.ID},
		})
	}
	return VerificationResult{Kind: kind, Reason: reason, SessionID: sessionID}
}

// acceptUnsigned admits a plaintext message outside any session. Only used
// when signed messages are not required; such messages carry no capabilities.
func (m *Manager) acceptUnsigned(ctx context.Context, msg *a2a.Message, now time.Time) VerificationResult {
	ident, err := m.identity(msg.From)
	if err != nil {
		return m.reject(ctx, msg, "", a2a.KindUnknownAgent, err.Error())
	}
	if ident.Revoked {
		return m.reject(ctx, msg, "", a2a.KindAuthenticationFailed, "sender access is revoked")
	}
	if msg.Encrypted {
		return m.reject(ctx, msg, "", a2a.KindSignatureInvalid, "encrypted message is unsigned")
	}
	if len(msg.Capabilities) > 0 {
		return m.reject(ctx, msg, "", a2a.KindCapabilityDenied, "capabilities require a session")
	}
	if msg.Expired(now) {
		return m.reject(ctx, msg, "", a2a.KindMessageExpired, "message ttl elapsed")
	}
	if msg.Nonce != "" && !m.nonces.checkAndStore(msg.From, msg.Nonce) {
		return m.reject(ctx, msg, "", a2a.KindReplayDetected, "nonce already used")
	}

	m.record(ctx, &SecurityEvent{
		Type:     EventUnsignedAccepted,
		Severity: SeverityWarning,
		AgentID:  msg.From,
		Details:  map[string]any{"messageId": msg.ID, "method": msg.Method},
	})
	return VerificationResult{Valid: true, Message: msg.Clone()}
}
