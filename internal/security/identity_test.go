package security

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

type testCert struct {
	cert *x509.Certificate
	key  ed25519.PrivateKey
	pem  []byte
}

func issueCert(t *testing.T, cn string, isCA bool, parent *testCert) *testCert {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	if isCA {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}

	issuer, signer := tmpl, priv
	if parent != nil {
		issuer, signer = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer, pub, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCert{
		cert: cert,
		key:  priv,
		pem:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func newRealClockManager(t *testing.T, mutate func(*config.SecurityConfig)) *Manager {
	t.Helper()
	_, nodeKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	m, err := NewManager(testSecurityConfig(mutate), "node-test", nodeKey, quietLogger(), nil, nil)
	require.NoError(t, err)
	return m
}

func TestRegisterAgentSelfSignedCertificate(t *testing.T) {
	m := newRealClockManager(t, nil)
	self := issueCert(t, "alice", true, nil)

	ident, err := m.RegisterAgent(context.Background(), AgentRegistration{
		AgentID:      "alice",
		AgentType:    "researcher",
		PublicKey:    self.key.Public().(ed25519.PublicKey),
		Certificates: Certificates{Identity: self.pem},
		Capabilities: []string{"search", "search", "analyze"},
	})
	require.NoError(t, err)
	assert.Equal(t, a2a.TrustBasic, ident.TrustLevel)
	assert.Equal(t, []string{"analyze", "search"}, ident.Capabilities)
	assert.True(t, ident.HasCapability("search"))

	_, err = m.RegisterAgent(context.Background(), AgentRegistration{
		AgentID:      "alice",
		AgentType:    "researcher",
		Certificates: Certificates{Identity: self.pem},
	})
	assert.True(t, a2a.IsKind(err, a2a.KindAgentAlreadyRegistered))
}

func TestRegisterAgentTakesKeyFromCertificate(t *testing.T) {
	m := newRealClockManager(t, nil)
	self := issueCert(t, "bob", true, nil)

	ident, err := m.RegisterAgent(context.Background(), AgentRegistration{
		AgentID:      "bob",
		AgentType:    "coder",
		Certificates: Certificates{Identity: self.pem},
	})
	require.NoError(t, err)
	assert.True(t, ident.PublicKey.Equal(self.key.Public()))
}

func TestRegisterAgentRejectsKeyMismatch(t *testing.T) {
	m := newRealClockManager(t, nil)
	self := issueCert(t, "alice", true, nil)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = m.RegisterAgent(context.Background(), AgentRegistration{
		AgentID:      "alice",
		AgentType:    "researcher",
		PublicKey:    otherPub,
		Certificates: Certificates{Identity: self.pem},
	})
	assert.True(t, a2a.IsKind(err, a2a.KindCertificateInvalid))
	_, err = m.GetIdentity("alice")
	assert.True(t, a2a.IsKind(err, a2a.KindUnknownAgent))
}

func TestRegisterAgentRejectsSelfSignedWhenDisallowed(t *testing.T) {
	m := newRealClockManager(t, func(c *config.SecurityConfig) { c.AllowSelfSigned = false })
	self := issueCert(t, "alice", true, nil)

	_, err := m.RegisterAgent(context.Background(), AgentRegistration{
		AgentID:      "alice",
		AgentType:    "researcher",
		Certificates: Certificates{Identity: self.pem},
	})
	assert.True(t, a2a.IsKind(err, a2a.KindCertificateInvalid))

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = m.RegisterAgent(context.Background(), AgentRegistration{AgentID: "bob", AgentType: "coder", PublicKey: pub})
	assert.True(t, a2a.IsKind(err, a2a.KindCertificateInvalid), "a bare key needs self-signed identities enabled")
}

func TestRegisterAgentWithTrustedCA(t *testing.T) {
	ca := issueCert(t, "fabric-ca", true, nil)
	leaf := issueCert(t, "carol", false, ca)
	rogue := issueCert(t, "rogue", false, issueCert(t, "other-ca", true, nil))

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, ca.pem, 0o600))

	m := newRealClockManager(t, func(c *config.SecurityConfig) {
		c.AllowSelfSigned = false
		c.TrustedCAs = []string{caFile}
	})

	_, err := m.RegisterAgent(context.Background(), AgentRegistration{
		AgentID:      "carol",
		AgentType:    "analyst",
		Certificates: Certificates{Identity: leaf.pem},
	})
	require.NoError(t, err)

	_, err = m.RegisterAgent(context.Background(), AgentRegistration{
		AgentID:      "rogue",
		AgentType:    "analyst",
		Certificates: Certificates{Identity: rogue.pem},
	})
	assert.True(t, a2a.IsKind(err, a2a.KindCertificateInvalid))
}

func TestNewManagerRejectsBadPolicy(t *testing.T) {
	_, nodeKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := testSecurityConfig(func(c *config.SecurityConfig) { c.Policy.Authorization.DefaultTrustLevel = "omnipotent" })
	_, err = NewManager(cfg, "node", nodeKey, quietLogger(), nil, nil)
	assert.True(t, a2a.IsKind(err, a2a.KindConfigInvalid))

	cfg = testSecurityConfig(func(c *config.SecurityConfig) { c.TrustedCAs = []string{"/does/not/exist.pem"} })
	_, err = NewManager(cfg, "node", nodeKey, quietLogger(), nil, nil)
	assert.True(t, a2a.IsKind(err, a2a.KindConfigInvalid))
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.True(t, first.Equal(second), "key is persisted")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(path, []byte("not-a-key"), 0o600))
	_, err = LoadOrCreateKey(path)
	assert.Error(t, err)
}

func TestRegisterAgentRejectsOverlongCertificate(t *testing.T) {
	m := newRealClockManager(t, func(c *config.SecurityConfig) {
		c.Policy.Authentication.CertificateLifetime = 30 * time.Minute
	})
	self := issueCert(t, "alice", true, nil)

	_, err := m.RegisterAgent(context.Background(), AgentRegistration{
		AgentID:      "alice",
		AgentType:    "researcher",
		Certificates: Certificates{Identity: self.pem},
	})
	require.Error(t, err)
	assert.True(t, a2a.IsKind(err, a2a.KindCertificateInvalid))
	assert.Contains(t, err.Error(), "lifetime")
}
