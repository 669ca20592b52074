package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/multiformats/go-multibase"
)

// ed25519-pub multicodec prefix.
var ed25519Multicodec = []byte{0xed, 0x01}

// SignMAC returns the base64url HMAC-SHA256 of data under key.
func SignMAC(key, data []byte) string {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}

// VerifyMAC compares signature against the HMAC of data in constant time.
func VerifyMAC(key, data []byte, signature string) bool {
	got, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return hmac.Equal(got, m.Sum(nil))
}

// EncodePublicKey renders an Ed25519 public key as base58btc multibase with the
// ed25519-pub multicodec prefix.
func EncodePublicKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("encode public key: invalid size %d", len(pub))
	}
	return multibase.Encode(multibase.Base58BTC, append(append([]byte{}, ed25519Multicodec...), pub...))
}

// DecodePublicKey parses a multibase Ed25519 public key. Keys with and without
// the multicodec prefix are accepted.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	prefix, decoded, err := multibase.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	switch {
	case len(decoded) == ed25519.PublicKeySize+2 && decoded[0] == 0xed && decoded[1] == 0x01:
		return ed25519.PublicKey(decoded[2:]), nil
	case len(decoded) == ed25519.PublicKeySize:
		return ed25519.PublicKey(decoded), nil
	}
	return nil, fmt.Errorf("decode public key: unexpected multibase (prefix %v) key length %d", prefix, len(decoded))
}
