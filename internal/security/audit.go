package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/crypto"
)

// Security event types.
const (
	EventAgentRegistered    = "agent_registered"
	EventAgentReverified    = "agent_reverified"
	EventSessionEstablished = "session_established"
	EventSessionRevoked     = "session_revoked"
	EventHandshakeFailed    = "handshake_failed"
	EventMessageRejected    = "message_rejected"
	EventRateLimited        = "rate_limited"
	EventCircuitOpened      = "circuit_opened"
	EventTrustLowered       = "trust_lowered"
	EventAnomalyDetected    = "anomaly_detected"
	EventCapabilityDenied   = "capability_denied"
	EventMessageAccepted    = "message_accepted"
	EventAccessRevoked      = "access_revoked"
	EventThreatDetected     = "threat_detected"
	EventKeysRotated        = "keys_rotated"
	EventUnsignedAccepted   = "unsigned_accepted"
)

// Severity of a security event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

const auditMediaType = "a2a-security-event+json"

// SecurityEvent is one tamper-evident audit record.
type SecurityEvent struct {
	ID        string                   `json:"id"`
	Type      string                   `json:"type"`
	Severity  Severity                 `json:"severity"`
	AgentID   string                   `json:"agentId,omitempty"`
	SessionID string                   `json:"sessionId,omitempty"`
	Kind      a2a.Kind                 `json:"kind,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
	Details   map[string]any           `json:"details,omitempty"`
	Signature *crypto.DetachedSignature `json:"signature,omitempty"`
}

// signable is the event without its signature.
func (e *SecurityEvent) signable() SecurityEvent {
	c := *e
	c.Signature = nil
	return c
}

// AuditSink receives every signed event, e.g. for durable storage.
type AuditSink interface {
	RecordSecurityEvent(ctx context.Context, event *SecurityEvent) error
}

// auditLog is a bounded ring of signed events.
type auditLog struct {
	signer *crypto.DocumentSigner

	mu     sync.RWMutex
	events []*SecurityEvent
	next   int
	full   bool
}

func newAuditLog(signer *crypto.DocumentSigner, max int) *auditLog {
	if max <= 0 {
		max = 10000
	}
	return &auditLog{signer: signer, events: make([]*SecurityEvent, max)}
}

func (l *auditLog) append(e *SecurityEvent, now time.Time) error {
	if e.ID == "" {
		e.ID = "sev_" + uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	sig, err := l.signer.Sign(e.signable(), now)
	if err != nil {
		return fmt.Errorf("sign security event: %w", err)
	}
	e.Signature = sig

	l.mu.Lock()
	l.events[l.next] = e
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
	return nil
}

// snapshot returns events oldest first.
func (l *auditLog) snapshot() []*SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*SecurityEvent
	if l.full {
		out = append(out, l.events[l.next:]...)
	}
	out = append(out, l.events[:l.next]...)
	return out
}

func (l *auditLog) verify(e *SecurityEvent) error {
	if e == nil || e.Signature == nil {
		return a2a.Errorf(a2a.KindSignatureInvalid, "security event is unsigned")
	}
	if err := crypto.VerifyDocument(e.signable(), *e.Signature, l.signer.PublicKey()); err != nil {
		return a2a.Wrap(a2a.KindSignatureInvalid, err, "security event %s", e.ID)
	}
	return nil
}

// EventFilter selects audit events. Zero fields match everything.
type EventFilter struct {
	AgentID     string
	Type        string
	MinSeverity Severity
	Since       time.Time
	Limit       int
}

func (f EventFilter) match(e *SecurityEvent) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.MinSeverity != "" && e.Severity.rank() < f.MinSeverity.rank() {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// auditThreshold maps the policy audit level to the lowest recorded severity.
// Verbose additionally records accepted messages.
func auditThreshold(level string) Severity {
	if level == "minimal" {
		return SeverityHigh
	}
	return SeverityInfo
}
