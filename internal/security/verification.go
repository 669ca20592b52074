package security

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/praxis/a2a-fabric/internal/logger"
)

const (
	scoreDecay       = 0.7
	scoreWeight      = 0.3
	degradedScore    = 0.5
	severeScore      = 0.2
	degradedCycles   = 3
	rateExcessWeight = 0.5
	threatWeight     = 0.5
	baselineAlpha    = 0.2
)

// behavior is the per-agent input of continuous verification.
type behavior struct {
	sent     atomic.Uint64
	received atomic.Uint64
	threats  atomic.Uint64

	// guarded by Manager.behaviorMu
	lastTotal   uint64
	lastThreats uint64
	baseline  float64
	score     float64
	lowCycles int
}

func (m *Manager) behaviorFor(agentID string) *behavior {
	m.behaviorMu.Lock()
	defer m.behaviorMu.Unlock()
	b, ok := m.behavior[agentID]
	if !ok {
		b = &behavior{score: 1}
		m.behavior[agentID] = b
	}
	return b
}

// VerificationReport summarizes one continuous verification cycle.
type VerificationReport struct {
	Evaluated int                `json:"evaluated"`
	Scores    map[string]float64 `json:"scores"`
	Lowered   []string           `json:"lowered,omitempty"`
	Revoked   []string           `json:"revoked,omitempty"`
	Expired   int                `json:"expired"`
}

// TrustScore returns the current behavioural score of an agent in [0,1].
func (m *Manager) TrustScore(agentID string) float64 {
	m.behaviorMu.Lock()
	defer m.behaviorMu.Unlock()
	if b, ok := m.behavior[agentID]; ok {
		return b.score
	}
	return 1
}

// PerformContinuousVerification runs one verification cycle: adapts rate
// limits, expires idle and key-rotation-due sessions and re-scores every
// registered agent. Trust is lowered or revoked only with anomaly detection on.
func (m *Manager) PerformContinuousVerification(ctx context.Context) VerificationReport {
	now := m.now()
	m.limiter.adapt(now)
	report := VerificationReport{Scores: make(map[string]float64), Expired: m.expireSessions(ctx, now)}

	if !m.cfg.Policy.ZeroTrust.ContinuousVerification {
		return report
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.identities))
	for id, ident := range m.identities {
		if !ident.Revoked {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	type verdict struct {
		id            string
		score         float64
		lower, revoke bool
	}
	verdicts := make([]verdict, 0, len(ids))
	for _, id := range ids {
		score, lower, revoke := m.score(id)
		report.Evaluated++
		report.Scores[id] = score
		verdicts = append(verdicts, verdict{id, score, lower, revoke})
	}
	m.applyScores()
	if !m.cfg.Policy.Monitoring.AnomalyDetection {
		return report
	}

	for _, v := range verdicts {
		switch {
		case v.revoke:
			m.record(ctx, &SecurityEvent{
				Type:     EventAnomalyDetected,
				Severity: SeverityCritical,
				AgentID:  v.id,
				Details:  map[string]any{"score": v.score},
			})
			if err := m.RevokeAgentAccess(ctx, v.id, "severe behavioural anomaly"); err == nil {
				report.Revoked = append(report.Revoked, v.id)
			}
		case v.lower:
			if m.lowerTrust(ctx, v.id, v.score) {
				report.Lowered = append(report.Lowered, v.id)
			}
		}
	}
	return report
}

// score folds one observation into the agent's EWMA trust score.
func (m *Manager) score(agentID string) (score float64, lower, revoke bool) {
	errorRatio := m.limiter.errorRatio(agentID)
	b := m.behaviorFor(agentID)
	total := b.sent.Load() + b.received.Load()

	m.behaviorMu.Lock()
	defer m.behaviorMu.Unlock()

	count := float64(total - b.lastTotal)
	b.lastTotal = total
	threats := b.threats.Load()
	newThreats := float64(threats - b.lastThreats)
	b.lastThreats = threats

	excess := 0.0
	if m.cfg.Policy.ZeroTrust.BehaviorAnalysis {
		if b.baseline > 0 {
			excess = math.Max(0, count/b.baseline-1)
			b.baseline = baselineAlpha*count + (1-baselineAlpha)*b.baseline
		} else if count > 0 {
			b.baseline = count
		}
	}

	health := clamp01(1 - errorRatio - rateExcessWeight*excess - threatWeight*newThreats)
	b.score = scoreDecay*b.score + scoreWeight*health

	switch {
	case b.score < severeScore:
		b.lowCycles = 0
		return b.score, false, true
	case b.score < degradedScore:
		b.lowCycles++
		if b.lowCycles >= degradedCycles {
			b.lowCycles = 0
			return b.score, true, false
		}
	default:
		b.lowCycles = 0
	}
	return b.score, false, false
}

// applyScores sets each session's trust score to the lower score of its two
// parties and flags the session degraded while that is low.
func (m *Manager) applyScores() {
	m.behaviorMu.Lock()
	scores := make(map[string]float64, len(m.behavior))
	for id, b := range m.behavior {
		scores[id] = b.score
	}
	m.behaviorMu.Unlock()

	lookup := func(id string) float64 {
		if v, ok := scores[id]; ok {
			return v
		}
		return 1
	}
	m.sessions.Range(func(_, v any) bool {
		s := v.(*session)
		score := math.Min(lookup(s.agentID), lookup(s.peerID))
		s.mu.Lock()
		s.trustScore = score
		switch {
		case s.state == SessionActive && score < degradedScore:
			s.state = SessionDegraded
		case s.state == SessionDegraded && score >= degradedScore:
			s.state = SessionActive
		}
		s.mu.Unlock()
		return true
	})
}

// lowerTrust moves the agent one trust level down. It never raises trust.
func (m *Manager) lowerTrust(ctx context.Context, agentID string, score float64) bool {
	m.mu.Lock()
	ident, ok := m.identities[agentID]
	if !ok || ident.TrustLevel == a2a.TrustUntrusted {
		m.mu.Unlock()
		return false
	}
	prev := ident.TrustLevel
	ident.TrustLevel = prev.Lower()
	next := ident.TrustLevel
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		logger.FieldAgentID: agentID,
		"from":              prev,
		"to":                next,
		"score":             score,
	}).Warn("Trust level lowered")
	m.record(ctx, &SecurityEvent{
		Type:     EventTrustLowered,
		Severity: SeverityHigh,
		AgentID:  agentID,
		Details:  map[string]any{"from": string(prev), "to": string(next), "score": score},
	})
	if m.bus != nil {
		m.bus.PublishAsync(bus.EventTrustLowered, map[string]interface{}{
			"agentId": agentID,
			"from":    string(prev),
			"to":      string(next),
		})
	}
	return true
}

// RevokeAgentAccess revokes every session the agent takes part in and marks
// it untrusted until it is re-verified.
func (m *Manager) RevokeAgentAccess(ctx context.Context, agentID, reason string) error {
	m.mu.Lock()
	ident, ok := m.identities[agentID]
	if !ok {
		m.mu.Unlock()
		return a2a.Errorf(a2a.KindUnknownAgent, "agent %s is not registered", agentID)
	}
	ident.Revoked = true
	ident.TrustLevel = a2a.TrustUntrusted
	m.mu.Unlock()

	m.negotiations.fail(agentID, errInvalidated)
	revoked := m.dropSessions(ctx, agentID, SessionRevoked, reason)
	m.nonces.forget(agentID)
	m.record(ctx, &SecurityEvent{
		Type:     EventAccessRevoked,
		Severity: SeverityHigh,
		AgentID:  agentID,
		Details:  map[string]any{"reason": reason, "sessions": revoked},
	})

	m.log.WithFields(logrus.Fields{
		logger.FieldAgentID: agentID,
		"sessions":          revoked,
	}).Warnf("Agent access revoked: %s", reason)
	return nil
}

// dropSessions removes every session involving agentID and returns how many
// were removed.
func (m *Manager) dropSessions(ctx context.Context, agentID string, state SessionState, reason string) int {
	n := 0
	m.sessions.Range(func(k, v any) bool {
		s := v.(*session)
		if s.agentID != agentID && s.peerID != agentID {
			return true
		}
		if !m.sessions.CompareAndDelete(k, v) {
			return true
		}
		s.setState(state)
		n++
		m.record(ctx, &SecurityEvent{
			Type:      EventSessionRevoked,
			Severity:  SeverityHigh,
			AgentID:   s.agentID,
			SessionID: s.id,
			Details:   map[string]any{"peerId": s.peerID, "reason": reason, "state": string(state)},
		})
		if m.bus != nil {
			m.bus.PublishSessionRevoked(s.id, s.agentID, s.peerID, reason)
		}
		return true
	})
	m.collector.SetActiveSessions(m.countSessions())
	return n
}

// expireSessions drops sessions idle longer than the session idle timeout
// and sessions whose keys are older than the key rotation interval. The next
// EstablishSession renegotiates fresh keys.
func (m *Manager) expireSessions(ctx context.Context, now time.Time) int {
	idle := m.cfg.SessionIdleTimeout
	rotate := m.cfg.Policy.Authentication.KeyRotationInterval
	if idle <= 0 && rotate <= 0 {
		return 0
	}
	idleN, rotated := 0, 0
	m.sessions.Range(func(k, v any) bool {
		s := v.(*session)
		due := rotate > 0 && now.Sub(s.establishedAt) >= rotate
		if !due && (idle <= 0 || s.usable(now, idle)) {
			return true
		}
		if m.sessions.CompareAndDelete(k, v) {
			s.setState(SessionExpired)
			if due {
				rotated++
			} else {
				idleN++
			}
		}
		return true
	})
	if n := idleN + rotated; n > 0 {
		m.log.WithFields(logrus.Fields{"idle": idleN, "rotated": rotated}).Debug("Expired sessions")
		m.collector.SetActiveSessions(m.countSessions())
		if rotated > 0 {
			m.record(ctx, &SecurityEvent{
				Type:     EventKeysRotated,
				Severity: SeverityInfo,
				AgentID:  m.nodeID,
				Details:  map[string]any{"sessions": rotated},
			})
		}
	}
	return idleN + rotated
}

// ReverifyAgent re-checks an agent's certificates. On success a revoked or
// lowered agent is restored to the policy default trust level; trust above
// the default is kept.
func (m *Manager) ReverifyAgent(ctx context.Context, agentID string, certs Certificates) (*AgentIdentity, error) {
	m.mu.RLock()
	ident, ok := m.identities[agentID]
	var declared []byte
	if ok {
		declared = ident.PublicKey
	}
	m.mu.RUnlock()
	if !ok {
		return nil, a2a.Errorf(a2a.KindUnknownAgent, "agent %s is not registered", agentID)
	}

	now := m.now()
	if _, err := m.certs.verify(agentID, certs, declared, now); err != nil {
		m.record(ctx, &SecurityEvent{
			Type:     EventAgentReverified,
			Severity: SeverityHigh,
			AgentID:  agentID,
			Kind:     a2a.KindOf(err),
			Details:  map[string]any{"result": "rejected", "error": err.Error()},
		})
		return nil, err
	}

	m.mu.Lock()
	ident.Revoked = false
	if !ident.TrustLevel.AtLeast(m.defaultTrust) {
		ident.TrustLevel = m.defaultTrust
	}
	if len(certs.Identity) > 0 {
		ident.Certificates = certs
	}
	ident.Metadata.LastVerified = now
	out := ident.clone()
	m.mu.Unlock()

	m.behaviorMu.Lock()
	if b, ok := m.behavior[agentID]; ok {
		b.score = 1
		b.lowCycles = 0
	}
	m.behaviorMu.Unlock()

	m.record(ctx, &SecurityEvent{
		Type:     EventAgentReverified,
		Severity: SeverityInfo,
		AgentID:  agentID,
		Details:  map[string]any{"result": "accepted", "trustLevel": string(out.TrustLevel)},
	})
	return out, nil
}

// onDiscoveryInvalidated fails negotiations with an agent whose card is gone.
func (m *Manager) onDiscoveryInvalidated(event bus.Event) {
	agentID, _ := event.Payload["agentId"].(string)
	if agentID == "" {
		return
	}
	if n := m.negotiations.fail(agentID, errInvalidated); n > 0 {
		m.log.WithFields(logrus.Fields{
			logger.FieldAgentID: agentID,
			"negotiations":      n,
		}).Info("Aborted negotiations with invalidated agent")
	}
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
