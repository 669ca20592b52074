package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// DetachedSignature is one JWS signature over a canonical JSON document whose
// payload travels separately.
type DetachedSignature struct {
	Protected string         `json:"protected"`
	Signature string         `json:"signature"`
	Header    map[string]any `json:"header,omitempty"`
}

// DocumentSigner signs canonical JSON documents with detached JWS (EdDSA/Ed25519).
type DocumentSigner struct {
	keyID      string
	mediaType  string
	privateKey ed25519.PrivateKey
}

// NewDocumentSigner constructs a signer. mediaType becomes the JWS "typ" header.
func NewDocumentSigner(keyID, mediaType string, priv ed25519.PrivateKey) (*DocumentSigner, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("document signer: invalid Ed25519 private key size")
	}
	if keyID == "" {
		return nil, fmt.Errorf("document signer: key id must be provided")
	}
	return &DocumentSigner{keyID: keyID, mediaType: mediaType, privateKey: priv}, nil
}

// KeyID returns the kid placed in every protected header.
func (s *DocumentSigner) KeyID() string { return s.keyID }

// PublicKey returns the verification key of the signer.
func (s *DocumentSigner) PublicKey() ed25519.PublicKey {
	return s.privateKey.Public().(ed25519.PublicKey)
}

// Sign canonicalizes doc and returns a detached signature over it.
func (s *DocumentSigner) Sign(doc any, now time.Time) (*DetachedSignature, error) {
	payload, err := MarshalCanonical(doc)
	if err != nil {
		return nil, fmt.Errorf("document signer: canonicalize payload: %w", err)
	}

	hdr := jws.NewHeaders()
	if err := hdr.Set(jws.AlgorithmKey, jwa.EdDSA); err != nil {
		return nil, err
	}
	if err := hdr.Set(jws.KeyIDKey, s.keyID); err != nil {
		return nil, err
	}
	if s.mediaType != "" {
		if err := hdr.Set(jws.TypeKey, s.mediaType); err != nil {
			return nil, err
		}
	}
	if err := hdr.Set("ts", now.UTC().Format(time.RFC3339)); err != nil {
		return nil, err
	}

	signed, err := jws.Sign(nil,
		jws.WithKey(jwa.EdDSA, s.privateKey, jws.WithProtectedHeaders(hdr)),
		jws.WithDetachedPayload(payload),
		jws.WithJSON(),
	)
	if err != nil {
		return nil, fmt.Errorf("document signer: sign: %w", err)
	}
	return parseEnvelope(signed)
}

// jwx emits either the general or the flattened JSON serialization depending
// on the number of signatures; accept both.
func parseEnvelope(signed []byte) (*DetachedSignature, error) {
	var general struct {
		Signatures []DetachedSignature `json:"signatures"`
	}
	if err := json.Unmarshal(signed, &general); err != nil {
		return nil, fmt.Errorf("document signer: parse signed envelope: %w", err)
	}
	if len(general.Signatures) > 0 {
		sig := general.Signatures[0]
		if sig.Protected == "" || sig.Signature == "" {
			return nil, fmt.Errorf("document signer: envelope missing signatures")
		}
		return &sig, nil
	}

	var flattened DetachedSignature
	if err := json.Unmarshal(signed, &flattened); err != nil {
		return nil, fmt.Errorf("document signer: envelope missing signatures")
	}
	if flattened.Protected == "" || flattened.Signature == "" {
		return nil, fmt.Errorf("document signer: envelope missing signatures")
	}
	return &flattened, nil
}

// VerifyDocument checks sig against the canonical form of doc.
func VerifyDocument(doc any, sig DetachedSignature, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("document verify: invalid Ed25519 public key size")
	}
	payload, err := MarshalCanonical(doc)
	if err != nil {
		return fmt.Errorf("document verify: canonicalize payload: %w", err)
	}

	header, err := decodeProtected(sig)
	if err != nil {
		return fmt.Errorf("document verify: %w", err)
	}
	alg, _ := header[jws.AlgorithmKey].(string)
	if !strings.EqualFold(alg, string(jwa.EdDSA)) {
		return fmt.Errorf("document verify: unsupported alg %v", alg)
	}

	jwkKey, err := jwk.FromRaw(pub)
	if err != nil {
		return fmt.Errorf("document verify: create jwk: %w", err)
	}
	if err := jwkKey.Set(jwk.AlgorithmKey, jwa.EdDSA); err != nil {
		return fmt.Errorf("document verify: set alg: %w", err)
	}

	envelope := map[string]any{
		"payload": "",
		"signatures": []map[string]any{{
			"protected": sig.Protected,
			"signature": sig.Signature,
		}},
	}
	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("document verify: marshal envelope: %w", err)
	}

	if _, err := jws.Verify(
		envelopeBytes,
		jws.WithKey(jwa.EdDSA, jwkKey),
		jws.WithDetachedPayload(payload),
	); err != nil {
		return fmt.Errorf("document verify: signature invalid: %w", err)
	}
	return nil
}

// SignatureKeyID returns the kid of the protected header.
func SignatureKeyID(sig DetachedSignature) (string, error) {
	header, err := decodeProtected(sig)
	if err != nil {
		return "", err
	}
	kid, _ := header[jws.KeyIDKey].(string)
	if kid == "" {
		return "", fmt.Errorf("kid not present")
	}
	return kid, nil
}

// SignatureTimestamp returns time from protected header, if present.
func SignatureTimestamp(sig DetachedSignature) (time.Time, error) {
	header, err := decodeProtected(sig)
	if err != nil {
		return time.Time{}, err
	}
	tsValue, ok := header["ts"].(string)
	if !ok || tsValue == "" {
		return time.Time{}, fmt.Errorf("ts not present")
	}
	return time.Parse(time.RFC3339, tsValue)
}

func decodeProtected(sig DetachedSignature) (map[string]any, error) {
	headerJSON, err := base64.RawURLEncoding.DecodeString(sig.Protected)
	if err != nil {
		return nil, fmt.Errorf("invalid protected header: %w", err)
	}
	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("protected header decode: %w", err)
	}
	return header, nil
}
