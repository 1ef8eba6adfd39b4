// Package keystore implements the Key Store (C1): custody of the Ed25519
// key pairs backing every agent identity. Private key bytes never leave
// this package; every other component interacts with keys only through
// generate/sign/verify/delete.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"

	"github.com/agentmesh/mesh/internal/agentmesherr"
)

// Store custodies Ed25519 key pairs. Implementations may block on I/O
// (an HSM backend blocks on PKCS#11 calls), so every method takes a
// context.
type Store interface {
	// Generate creates a fresh Ed25519 keypair, persists the private half
	// under agentID, and returns the raw 32-byte public key.
	Generate(ctx context.Context, agentID string) (publicKey []byte, err error)

	// Sign signs data with the private key held for agentID.
	Sign(ctx context.Context, agentID string, data []byte) (signature []byte, err error)

	// Verify checks a signature against a raw public key. Verify does not
	// require the key to be held by this store — it operates on whatever
	// public key the caller supplies (e.g. a peer's public key received
	// over the wire).
	Verify(ctx context.Context, publicKey, data, signature []byte) bool

	// Delete destroys the private key held for agentID. Deleting an
	// absent key is a no-op success, matching revocation's idempotence.
	Delete(ctx context.Context, agentID string) error

	// ListAgentIDs returns the agent IDs this store currently holds keys
	// for, for operational visibility (key-store audits, orphan sweeps).
	ListAgentIDs(ctx context.Context) ([]string, error)
}

// MemoryStore is the default in-process backend: an Ed25519 keypair per
// agent ID held in a guarded map. Suitable for single-process deployments
// and tests; a production mesh typically pairs it with an HSM-backed
// Store for the root signing keys.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewMemoryStore constructs an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]ed25519.PrivateKey)}
}

func (s *MemoryStore) Generate(_ context.Context, agentID string) ([]byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindCryptoError, "keystore.generate", "ed25519 key generation failed", err)
	}
	s.mu.Lock()
	s.keys[agentID] = priv
	s.mu.Unlock()
	out := make([]byte, len(pub))
	copy(out, pub)
	return out, nil
}

func (s *MemoryStore) Sign(_ context.Context, agentID string, data []byte) ([]byte, error) {
	s.mu.RLock()
	priv, ok := s.keys[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, agentmesherr.New(agentmesherr.KindKeyNotFound, "keystore.sign", "no key held for agent "+agentID)
	}
	return ed25519.Sign(priv, data), nil
}

func (s *MemoryStore) Verify(_ context.Context, publicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}

func (s *MemoryStore) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	delete(s.keys, agentID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListAgentIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	return ids, nil
}

// PublicKey returns the public key held for agentID, if any, without
// requiring a sign operation.
func (s *MemoryStore) PublicKey(agentID string) ([]byte, bool) {
	s.mu.RLock()
	priv, ok := s.keys[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	pub := priv.Public().(ed25519.PublicKey)
	out := make([]byte, len(pub))
	copy(out, pub)
	return out, true
}
