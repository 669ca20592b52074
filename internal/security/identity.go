package security

import (
	"bytes"
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/praxis/a2a-fabric/internal/a2a"
)

// Certificates are PEM encoded. Identity may carry intermediates after the
// leaf certificate.
type Certificates struct {
	Identity []byte `json:"identity,omitempty"`
	TLS      []byte `json:"tls,omitempty"`
	Signing  []byte `json:"signing,omitempty"`
}

type IdentityMetadata struct {
	CreatedAt    time.Time `json:"createdAt"`
	LastVerified time.Time `json:"lastVerified"`
	Version      string    `json:"version,omitempty"`
	SwarmID      string    `json:"swarmId,omitempty"`
}

// AgentIdentity is the registered view of an agent. Values returned by the
// manager are copies.
type AgentIdentity struct {
	AgentID         string            `json:"agentId"`
	AgentType       string            `json:"agentType"`
	PublicKey       ed25519.PublicKey `json:"publicKey"`
	KeyAgreementKey []byte            `json:"keyAgreementKey,omitempty"`
	Certificates    Certificates      `json:"certificates"`
	Capabilities    []string          `json:"capabilities"`
	TrustLevel      a2a.TrustLevel    `json:"trustLevel"`
	Revoked         bool              `json:"revoked,omitempty"`
	Metadata        IdentityMetadata  `json:"metadata"`
}

// HasCapability reports whether the capability is provisioned.
func (id *AgentIdentity) HasCapability(capability string) bool {
	i := sort.SearchStrings(id.Capabilities, capability)
	return i < len(id.Capabilities) && id.Capabilities[i] == capability
}

func (id *AgentIdentity) clone() *AgentIdentity {
	c := *id
	c.Capabilities = append([]string(nil), id.Capabilities...)
	return &c
}

// AgentRegistration is the input of RegisterAgent. PrivateKey is set only for
// agents hosted by this node; it lets the manager sign handshakes for them.
type AgentRegistration struct {
	AgentID         string
	AgentType       string
	PublicKey       ed25519.PublicKey
	PrivateKey      ed25519.PrivateKey
	KeyAgreementKey []byte
	Certificates    Certificates
	Capabilities    []string
	Version         string
	SwarmID         string
}

func (r *AgentRegistration) validate() error {
	if r.AgentID == "" {
		return a2a.Errorf(a2a.KindRegistrationError, "agent id is required")
	}
	if r.AgentType == "" {
		return a2a.Errorf(a2a.KindRegistrationError, "agent type is required for %s", r.AgentID)
	}
	if r.PublicKey != nil && len(r.PublicKey) != ed25519.PublicKeySize {
		return a2a.Errorf(a2a.KindRegistrationError, "agent %s: invalid public key size %d", r.AgentID, len(r.PublicKey))
	}
	if r.PrivateKey != nil {
		if len(r.PrivateKey) != ed25519.PrivateKeySize {
			return a2a.Errorf(a2a.KindRegistrationError, "agent %s: invalid private key size", r.AgentID)
		}
		pub := r.PrivateKey.Public().(ed25519.PublicKey)
		if r.PublicKey != nil && !pub.Equal(r.PublicKey) {
			return a2a.Errorf(a2a.KindRegistrationError, "agent %s: private key does not match public key", r.AgentID)
		}
		r.PublicKey = pub
	}
	return nil
}

func normalizeCapabilities(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// certVerifier validates identity certificates against the trusted CAs.
type certVerifier struct {
	roots           *x509.CertPool
	allowSelfSigned bool
	maxLifetime     time.Duration // zero: unbounded
}

func newCertVerifier(caFiles []string, allowSelfSigned bool, maxLifetime time.Duration) (*certVerifier, error) {
	v := &certVerifier{allowSelfSigned: allowSelfSigned, maxLifetime: maxLifetime}
	if len(caFiles) == 0 {
		return v, nil
	}
	v.roots = x509.NewCertPool()
	for _, path := range caFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, a2a.Wrap(a2a.KindConfigInvalid, err, "read trusted CA %s", path)
		}
		if !v.roots.AppendCertsFromPEM(data) {
			return nil, a2a.Errorf(a2a.KindConfigInvalid, "trusted CA %s contains no certificates", path)
		}
	}
	return v, nil
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, errors.New("no PEM certificate found")
	}
	return certs, nil
}

// verify checks the identity certificate and returns the Ed25519 key it
// certifies. A registration without a certificate is accepted only when
// self-signed identities are allowed; the declared key is then taken as is.
func (v *certVerifier) verify(agentID string, certs Certificates, declared ed25519.PublicKey, now time.Time) (ed25519.PublicKey, error) {
	if len(certs.Identity) == 0 {
		if !v.allowSelfSigned {
			return nil, a2a.Errorf(a2a.KindCertificateInvalid, "agent %s: identity certificate required", agentID)
		}
		if declared == nil {
			return nil, a2a.Errorf(a2a.KindRegistrationError, "agent %s: public key or identity certificate required", agentID)
		}
		return declared, nil
	}

	chain, err := parseCertificates(certs.Identity)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindCertificateInvalid, err, "agent %s: parse identity certificate", agentID)
	}
	leaf := chain[0]
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, a2a.Errorf(a2a.KindCertificateInvalid, "agent %s: identity certificate not valid at %s", agentID, now.UTC().Format(time.RFC3339))
	}
	if lifetime := leaf.NotAfter.Sub(leaf.NotBefore); v.maxLifetime > 0 && lifetime > v.maxLifetime {
		return nil, a2a.Errorf(a2a.KindCertificateInvalid, "agent %s: identity certificate lifetime %s exceeds %s", agentID, lifetime, v.maxLifetime)
	}

	if err := v.verifyChain(leaf, chain[1:], now); err != nil {
		return nil, a2a.Wrap(a2a.KindCertificateInvalid, err, "agent %s: identity certificate chain", agentID)
	}

	key, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, a2a.Errorf(a2a.KindCertificateInvalid, "agent %s: identity certificate key is %T, want Ed25519", agentID, leaf.PublicKey)
	}
	if declared != nil && !key.Equal(declared) {
		return nil, a2a.Errorf(a2a.KindCertificateInvalid, "agent %s: certificate key does not match declared key", agentID)
	}
	return key, nil
}

func (v *certVerifier) verifyChain(leaf *x509.Certificate, intermediates []*x509.Certificate, now time.Time) error {
	if v.roots != nil {
		pool := x509.NewCertPool()
		for _, c := range intermediates {
			pool.AddCert(c)
		}
		_, err := leaf.Verify(x509.VerifyOptions{
			Roots:         v.roots,
			Intermediates: pool,
			CurrentTime:   now,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err == nil {
			return nil
		}
		if !v.allowSelfSigned || !selfSigned(leaf) {
			return err
		}
		return nil
	}
	if !v.allowSelfSigned {
		return errors.New("no trusted CAs configured and self-signed certificates are not allowed")
	}
	if !selfSigned(leaf) {
		return errors.New("certificate is neither self-signed nor anchored in a trusted CA")
	}
	return nil
}

func selfSigned(c *x509.Certificate) bool {
	return bytes.Equal(c.RawIssuer, c.RawSubject) && c.CheckSignatureFrom(c) == nil
}

// LoadOrCreateKey reads a base64 Ed25519 private key from path, generating and
// persisting one when the file does not exist.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(crand.Reader)
		if err != nil {
			return nil, fmt.Errorf("identity: generate key: %w", err)
		}
		return priv, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("identity: create key dir: %w", err)
		}
		_, priv, err := ed25519.GenerateKey(crand.Reader)
		if err != nil {
			return nil, fmt.Errorf("identity: generate key: %w", err)
		}
		if err := writeKeyFile(path, priv); err != nil {
			return nil, err
		}
		return priv, nil
	} else if err != nil {
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("identity: decode key: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: expected %d byte key, got %d", ed25519.PrivateKeySize, len(decoded))
	}
	return ed25519.PrivateKey(decoded), nil
}

func writeKeyFile(path string, priv ed25519.PrivateKey) error {
	encoded := base64.StdEncoding.EncodeToString(priv)
	temp := path + ".tmp"
	if err := os.WriteFile(temp, []byte(encoded+"\n"), 0o600); err != nil {
		return fmt.Errorf("identity: write key temp: %w", err)
	}
	if err := os.Rename(temp, path); err != nil {
		return fmt.Errorf("identity: move key file: %w", err)
	}
	return nil
}
