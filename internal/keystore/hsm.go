//go:build agentmesh_hsm

// Package keystore's HSM backend. Built only under the agentmesh_hsm tag
// since it depends on a PKCS#11 shared library being present on the host;
// excluded from default builds and from the test suite.
package keystore

import (
	"context"

	"github.com/agentmesh/mesh/internal/agentmesherr"
)

// HSMKeyStore is a Store backed by a PKCS#11 token. It satisfies the same
// interface as MemoryStore, but every operation may block on a hardware
// round trip — callers must always pass a context with a deliberate
// timeout when using this backend.
//
// This is a structural stub: it demonstrates the shape a real PKCS#11
// integration would take (session handle, slot/label addressing, object
// lookup by agent ID) without linking an actual token driver.
type HSMKeyStore struct {
	ModulePath string
	SlotLabel  string
	PIN        string

	session hsmSession
}

// hsmSession stands in for whatever opaque session handle a real
// PKCS#11 binding would return from C.CK_SESSION_HANDLE.
type hsmSession struct {
	open bool
}

// Open establishes a session against the configured slot. A real
// implementation loads ModulePath via cgo, calls C_Initialize/C_OpenSession,
// and logs into the token with PIN.
func (s *HSMKeyStore) Open(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return agentmesherr.Wrap(agentmesherr.KindTimeout, "keystore.hsm.open", "context done before session opened", ctx.Err())
	default:
	}
	s.session = hsmSession{open: true}
	return nil
}

func (s *HSMKeyStore) Generate(ctx context.Context, agentID string) ([]byte, error) {
	if !s.session.open {
		return nil, agentmesherr.New(agentmesherr.KindUnavailable, "keystore.hsm.generate", "hsm session not open")
	}
	return nil, agentmesherr.New(agentmesherr.KindUnavailable, "keystore.hsm.generate", "hsm backend requires a real PKCS#11 module, none linked")
}

func (s *HSMKeyStore) Sign(ctx context.Context, agentID string, data []byte) ([]byte, error) {
	return nil, agentmesherr.New(agentmesherr.KindUnavailable, "keystore.hsm.sign", "hsm backend requires a real PKCS#11 module, none linked")
}

func (s *HSMKeyStore) Verify(ctx context.Context, publicKey, data, signature []byte) bool {
	return false
}

func (s *HSMKeyStore) Delete(ctx context.Context, agentID string) error {
	return agentmesherr.New(agentmesherr.KindUnavailable, "keystore.hsm.delete", "hsm backend requires a real PKCS#11 module, none linked")
}

func (s *HSMKeyStore) ListAgentIDs(ctx context.Context) ([]string, error) {
	return nil, agentmesherr.New(agentmesherr.KindUnavailable, "keystore.hsm.list", "hsm backend requires a real PKCS#11 module, none linked")
}
