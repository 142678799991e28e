package ledger

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

// Signer is the signing capability supplied by the host's key store. The
// ledger never sees or stores private keys beyond this interface.
type Signer interface {
	KeyID() string
	Sign(data []byte) ([]byte, error)
}

// Verifier resolves a signer key id and checks a signature.
type Verifier interface {
	Verify(keyID string, data, signature []byte) (bool, error)
}

// Ed25519Signer signs with an in-process ed25519 key. Production deployments
// wrap an HSM or remote signing service instead; this implementation serves
// single-node deployments and tests.
type Ed25519Signer struct {
	keyID string
	key   ed25519.PrivateKey
}

// NewEd25519Signer wraps an ed25519 private key under a key id.
func NewEd25519Signer(keyID string, key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{keyID: keyID, key: key}
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	if len(s.key) != ed25519.PrivateKeySize {
		return nil, errors.New("ledger: malformed signing key")
	}
	return ed25519.Sign(s.key, data), nil
}

// KeyRing is an in-memory Verifier over registered public keys.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyRing creates an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PublicKey)}
}

// Register adds a public key under a key id.
func (k *KeyRing) Register(keyID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = pub
}

// Verify checks signature over data under the named key.
func (k *KeyRing) Verify(keyID string, data, signature []byte) (bool, error) {
	k.mu.RLock()
	pub, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("ledger: unknown signer key %q", keyID)
	}
	return ed25519.Verify(pub, data, signature), nil
}
