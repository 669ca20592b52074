package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of every derived session key.
	KeySize = 32

	infoEncryption = "a2a-fabric/v1/encryption"
	infoMAC        = "a2a-fabric/v1/mac"
)

// EphemeralKey is an X25519 key pair used once per handshake.
type EphemeralKey struct {
	private [curve25519.ScalarSize]byte
	Public  []byte
}

// NewEphemeralKey generates a fresh X25519 key pair.
func NewEphemeralKey() (*EphemeralKey, error) {
	k := &EphemeralKey{}
	if _, err := io.ReadFull(rand.Reader, k.private[:]); err != nil {
		return nil, fmt.Errorf("ephemeral key: read random: %w", err)
	}
	pub, err := curve25519.X25519(k.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: derive public: %w", err)
	}
	k.Public = pub
	return k, nil
}

// SharedSecret performs the X25519 exchange with a peer public key.
func (k *EphemeralKey) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("ecdh: peer key must be %d bytes, got %d", curve25519.PointSize, len(peerPublic))
	}
	secret, err := curve25519.X25519(k.private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return secret, nil
}

// SessionKeys are the independent keys derived from one shared secret.
type SessionKeys struct {
	Encryption []byte
	MAC        []byte
}

// DeriveSessionKeys expands the shared secret with HKDF-SHA256. The salt binds
// the keys to one session; distinct info labels keep the confidentiality and
// integrity keys from colliding.
func DeriveSessionKeys(sharedSecret []byte, salt []byte) (*SessionKeys, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("kdf: empty shared secret")
	}
	enc, err := expand(sharedSecret, salt, infoEncryption)
	if err != nil {
		return nil, err
	}
	mac, err := expand(sharedSecret, salt, infoMAC)
	if err != nil {
		return nil, err
	}
	return &SessionKeys{Encryption: enc, MAC: mac}, nil
}

func expand(secret, salt []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("kdf %s: %w", info, err)
	}
	return out, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305. The random nonce is
// prepended to the ciphertext; additionalData is authenticated, not encrypted.
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("seal: read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal.
func Open(key, sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("open: ciphertext too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plain, nil
}

// NewNonce returns a 128-bit random nonce, base64url encoded.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
