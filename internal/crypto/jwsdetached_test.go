package crypto

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"testing"
	"time"
)

type auditDoc struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	AgentID  string `json:"agentId"`
}

func TestSignAndVerifyDocument(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	signer, err := NewDocumentSigner("security-manager#key-1", "application/a2a-security-event+jws", priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	doc := auditDoc{ID: "evt-1", Type: "replay_detected", Severity: "high", AgentID: "coder-1"}

	sig, err := signer.Sign(doc, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("sign document: %v", err)
	}
	if err := VerifyDocument(doc, *sig, pub); err != nil {
		t.Fatalf("verify document: %v", err)
	}

	kid, err := SignatureKeyID(*sig)
	if err != nil || kid != "security-manager#key-1" {
		t.Fatalf("unexpected kid %q (%v)", kid, err)
	}
	ts, err := SignatureTimestamp(*sig)
	if err != nil || !ts.Equal(time.Unix(0, 0).UTC()) {
		t.Fatalf("unexpected ts %v (%v)", ts, err)
	}

	// Tamper with document and expect verification failure.
	tampered := doc
	tampered.Severity = "low"
	if err := VerifyDocument(tampered, *sig, pub); err == nil {
		t.Fatalf("expected verification failure after tamper")
	}

	otherPub, _, _ := ed25519.GenerateKey(crand.Reader)
	if err := VerifyDocument(doc, *sig, otherPub); err == nil {
		t.Fatalf("expected verification failure with foreign key")
	}
}

func TestNewDocumentSignerRejectsBadInput(t *testing.T) {
	if _, err := NewDocumentSigner("kid", "", ed25519.PrivateKey{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short key")
	}
	_, priv, _ := ed25519.GenerateKey(crand.Reader)
	if _, err := NewDocumentSigner("", "", priv); err == nil {
		t.Fatalf("expected error for empty kid")
	}
}
