package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

func TestContinuousVerificationOnlyLowersTrust(t *testing.T) {
	h := newHarness(t, func(c *config.SecurityConfig) {
		c.Policy.Authorization.DefaultTrustLevel = "verified"
	})
	h.registerLocal(t, "alice")
	h.registerLocal(t, "bob")
	_, err := h.m.EstablishSession(context.Background(), "alice", "bob")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		h.m.limiter.recordError("alice", OpReceive, h.clock.Now())
	}

	rank := func() int {
		ident, err := h.m.GetIdentity("alice")
		require.NoError(t, err)
		return ident.TrustLevel.Rank()
	}

	prev := rank()
	var lowered, revoked int
	for cycle := 1; cycle <= 5; cycle++ {
		report := h.m.PerformContinuousVerification(context.Background())
		assert.Equal(t, 2, report.Evaluated, "cycle %d", cycle)
		assert.InDelta(t, 1.0, report.Scores["bob"], 1e-9, "well-behaved peer keeps full score")

		cur := rank()
		assert.LessOrEqual(t, cur, prev, "trust never rises during verification (cycle %d)", cycle)
		prev = cur

		if len(report.Lowered) > 0 {
			assert.Equal(t, []string{"alice"}, report.Lowered)
			assert.Equal(t, 4, cycle)
			lowered++
		}
		if len(report.Revoked) > 0 {
			assert.Equal(t, []string{"alice"}, report.Revoked)
			assert.Equal(t, 5, cycle)
			revoked++
		}
		if cycle == 2 {
			sess, err := h.m.GetSession("alice", "bob")
			require.NoError(t, err)
			assert.Equal(t, SessionDegraded, sess.State)
		}
	}
	assert.Equal(t, 1, lowered)
	assert.Equal(t, 1, revoked)

	ident, err := h.m.GetIdentity("alice")
	require.NoError(t, err)
	assert.True(t, ident.Revoked)
	assert.Equal(t, a2a.TrustUntrusted, ident.TrustLevel)

	_, err = h.m.GetSession("alice", "bob")
	assert.True(t, a2a.IsKind(err, a2a.KindSessionNotFound))

	anomalies := h.m.Events(EventFilter{Type: EventAnomalyDetected, AgentID: "alice"})
	require.Len(t, anomalies, 1)
	assert.Equal(t, SeverityCritical, anomalies[0].Severity)
	assert.Len(t, h.m.Events(EventFilter{Type: EventTrustLowered, AgentID: "alice"}), 1)

	report := h.m.PerformContinuousVerification(context.Background())
	assert.Equal(t, 1, report.Evaluated, "revoked agents are not scored")

	_, err = h.m.EstablishSession(context.Background(), "alice", "bob")
	assert.True(t, a2a.IsKind(err, a2a.KindAuthenticationFailed))

	restored, err := h.m.ReverifyAgent(context.Background(), "alice", Certificates{})
	require.NoError(t, err)
	assert.False(t, restored.Revoked)
	assert.Equal(t, a2a.TrustVerified, restored.TrustLevel)
	assert.InDelta(t, 1.0, h.m.TrustScore("alice"), 1e-9)
}

func TestContinuousVerificationDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.SecurityConfig) {
		c.Policy.ZeroTrust.ContinuousVerification = false
	})
	h.registerLocal(t, "alice")
	for i := 0; i < 20; i++ {
		h.m.limiter.recordError("alice", OpReceive, h.clock.Now())
	}
	for i := 0; i < 6; i++ {
		report := h.m.PerformContinuousVerification(context.Background())
		assert.Zero(t, report.Evaluated)
	}
	ident, err := h.m.GetIdentity("alice")
	require.NoError(t, err)
	assert.False(t, ident.Revoked)
}

func TestIdleSessionsExpire(t *testing.T) {
	h := newHarness(t, func(c *config.SecurityConfig) {
		c.SessionIdleTimeout = 10 * time.Minute
	})
	h.registerLocal(t, "alice")
	h.registerLocal(t, "bob")
	_, err := h.m.EstablishSession(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, h.m.ActiveSessions(), 2)

	h.clock.Advance(5 * time.Minute)
	assert.Zero(t, h.m.PerformContinuousVerification(context.Background()).Expired)

	h.clock.Advance(6 * time.Minute)
	report := h.m.PerformContinuousVerification(context.Background())
	assert.Equal(t, 2, report.Expired, "both directions expire")
	assert.Empty(t, h.m.ActiveSessions())

	_, err = h.m.GetSession("alice", "bob")
	assert.True(t, a2a.IsKind(err, a2a.KindSessionNotFound))
}

func TestRevokeUnknownAgent(t *testing.T) {
	h := newHarness(t, nil)
	err := h.m.RevokeAgentAccess(context.Background(), "ghost", "test")
	assert.True(t, a2a.IsKind(err, a2a.KindUnknownAgent))
}

func TestKeyRotationExpiresOldSessions(t *testing.T) {
	h := newHarness(t, func(c *config.SecurityConfig) {
		c.SessionIdleTimeout = 0
		c.Policy.Authentication.KeyRotationInterval = 10 * time.Minute
	})
	h.registerLocal(t, "alice")
	h.registerLocal(t, "bob")
	first, err := h.m.EstablishSession(context.Background(), "alice", "bob")
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	assert.Zero(t, h.m.PerformContinuousVerification(context.Background()).Expired)

	h.clock.Advance(6 * time.Minute)
	assert.Equal(t, 2, h.m.PerformContinuousVerification(context.Background()).Expired)
	assert.Len(t, h.m.Events(EventFilter{Type: EventKeysRotated}), 1)

	second, err := h.m.EstablishSession(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "a fresh handshake follows rotation")
}

func TestAnomalyDetectionOffKeepsTrust(t *testing.T) {
	h := newHarness(t, func(c *config.SecurityConfig) {
		c.Policy.Monitoring.AnomalyDetection = false
	})
	h.registerLocal(t, "alice")
	for i := 0; i < 20; i++ {
		h.m.limiter.recordError("alice", OpReceive, h.clock.Now())
	}

	for i := 0; i < 6; i++ {
		report := h.m.PerformContinuousVerification(context.Background())
		assert.Equal(t, 1, report.Evaluated)
		assert.Empty(t, report.Lowered)
		assert.Empty(t, report.Revoked)
	}
	assert.Less(t, h.m.TrustScore("alice"), 0.5, "scores are still tracked")

	ident, err := h.m.GetIdentity("alice")
	require.NoError(t, err)
	assert.False(t, ident.Revoked)
	assert.Equal(t, a2a.TrustBasic, ident.TrustLevel)
}

func TestThreatDetectionWeighsForgedMessages(t *testing.T) {
	forge := func(threats bool) (*harness, float64) {
		h := newHarness(t, func(c *config.SecurityConfig) {
			c.Policy.Monitoring.ThreatDetection = threats
		})
		h.registerLocal(t, "alice")
		h.registerLocal(t, "bob")
		_, err := h.m.EstablishSession(context.Background(), "alice", "bob")
		require.NoError(t, err)

		h.wire.capture.Store(true)
		_, err = h.m.SendSecureMessage(context.Background(), "alice", "bob", newMessage(t, "alice", "bob", map[string]int{"n": 1}))
		require.NoError(t, err)
		tampered := h.wire.lastSent().Clone()
		tampered.Method = "compute.delete"
		require.False(t, h.m.ReceiveSecureMessage(context.Background(), tampered).Valid)

		report := h.m.PerformContinuousVerification(context.Background())
		return h, report.Scores["alice"]
	}

	watched, watchedScore := forge(true)
	threats := watched.m.Events(EventFilter{Type: EventThreatDetected, AgentID: "alice"})
	require.Len(t, threats, 1)
	assert.Equal(t, SeverityCritical, threats[0].Severity)
	assert.Equal(t, a2a.KindSignatureInvalid, threats[0].Kind)

	unwatched, unwatchedScore := forge(false)
	assert.Empty(t, unwatched.m.Events(EventFilter{Type: EventThreatDetected}))
	assert.Less(t, watchedScore, unwatchedScore)
}
