// Package crypto implements the consensus CryptoService over Ed25519.
// Node identities are the SHA-256 of the node's public key, so identity and
// key binding are verifiable by anyone holding the validator set.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

var (
	ErrUnknownSigner = errors.New("crypto: unknown signer")
	ErrNoLocalKey    = errors.New("crypto: no local key configured")
)

// DeriveNodeID computes the node identity for a public key.
func DeriveNodeID(pub ed25519.PublicKey) types.NodeID {
	return types.NodeID(sha256.Sum256(pub))
}

// Keyring holds the local signing key and the registered public keys of all
// known validators. Registration is append-only; keys are never replaced.
type Keyring struct {
	mu      sync.RWMutex
	priv    ed25519.PrivateKey
	localID types.NodeID
	pubKeys map[types.NodeID]ed25519.PublicKey
}

// NewKeyring creates a keyring around an existing private key.
func NewKeyring(priv ed25519.PrivateKey) (*Keyring, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: bad private key length %d", len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	kr := &Keyring{
		priv:    priv,
		localID: DeriveNodeID(pub),
		pubKeys: make(map[types.NodeID]ed25519.PublicKey),
	}
	kr.pubKeys[kr.localID] = pub
	return kr, nil
}

// GenerateKeyring creates a keyring with a fresh Ed25519 key.
func GenerateKeyring() (*Keyring, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: keygen: %w", err)
	}
	return NewKeyring(priv)
}

// Register adds a peer's public key. Registering a different key for an
// already-known node is rejected.
func (k *Keyring) Register(pub ed25519.PublicKey) (types.NodeID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return types.NodeID{}, fmt.Errorf("crypto: bad public key length %d", len(pub))
	}
	id := DeriveNodeID(pub)
	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.pubKeys[id]; ok && !existing.Equal(pub) {
		return types.NodeID{}, fmt.Errorf("crypto: conflicting key for node %s", id.Short())
	}
	k.pubKeys[id] = pub
	return id, nil
}

// Sign implements types.CryptoService.
func (k *Keyring) Sign(data []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, ErrNoLocalKey
	}
	return ed25519.Sign(k.priv, data), nil
}

// Verify implements types.CryptoService. Unknown signers verify false.
func (k *Keyring) Verify(signer types.NodeID, data, signature []byte) bool {
	k.mu.RLock()
	pub, ok := k.pubKeys[signer]
	k.mu.RUnlock()
	if !ok || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, signature)
}

// PublicKey implements types.CryptoService.
func (k *Keyring) PublicKey(id types.NodeID) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.pubKeys[id]
	if !ok {
		return nil, ErrUnknownSigner
	}
	out := make([]byte, len(pub))
	copy(out, pub)
	return out, nil
}

// LocalID implements types.CryptoService.
func (k *Keyring) LocalID() types.NodeID { return k.localID }

// Known returns the IDs of all registered nodes, local key included.
func (k *Keyring) Known() []types.NodeID {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]types.NodeID, 0, len(k.pubKeys))
	for id := range k.pubKeys {
		out = append(out, id)
	}
	return out
}
