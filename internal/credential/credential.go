// Package credential implements the Credential Manager (C3): issuance,
// validation, rotation, and revocation of ephemeral bearer credentials
// scoped to an agent's capabilities.
//
// The wire-facing bearer token is a JWT (golang-jwt/jwt/v5, EdDSA)
// signed by the manager's own signing key held in the Key Store (C1) —
// distinct from any individual agent's identity key, since the token
// attests to what the *manager* granted, not what the agent itself
// signed. Credential metadata (status, rotation lineage) is kept in the
// Storage Adapter (C14) so validate() can reject a revoked or
// superseded token even though its signature still verifies.
package credential

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/agentmesh/mesh/internal/agentmesherr"
	"github.com/agentmesh/mesh/internal/capability"
	"github.com/agentmesh/mesh/internal/identity"
	"github.com/agentmesh/mesh/internal/model"
	"github.com/agentmesh/mesh/internal/storage"
)

const keyCredentialPrefix = "credential:"

// keyAgentIndexPrefix indexes every credential ID ever issued to a given
// agent DID (an RPush'd list), so RevokeAllForAgent can enumerate an
// agent's live credentials without the caller needing to track IDs
// itself. Entries are append-only; a revoked or rotated ID is left in
// place rather than removed, since Revoke already tolerates re-revoking
// an already-gone credential.
const keyAgentIndexPrefix = "credential:by_agent:"

func keyAgentIndex(did string) string { return keyAgentIndexPrefix + did }

// signingKeyAgentID is the fixed identifier under which the manager's own
// EdDSA signing key lives in the Key Store, distinguishing it from any
// agent identity's key.
const signingKeyAgentID = "__credential_manager_signing_key__"

// KeySigner is the subset of keystore.Store the manager needs to sign and
// verify its own bearer tokens.
type KeySigner interface {
	Generate(ctx context.Context, agentID string) ([]byte, error)
	Sign(ctx context.Context, agentID string, data []byte) ([]byte, error)
	Verify(ctx context.Context, publicKey, data, signature []byte) bool
}

// IdentityLookup is the subset of the Identity Registry the manager needs
// to enforce "capabilities ⊆ agent.capabilities" and "agent status =
// active" at issuance time.
type IdentityLookup interface {
	Get(ctx context.Context, did string) (model.AgentIdentity, error)
}

// RevocationCallback is invoked with every credential ID revoked, so the
// Reward Engine and Trust Handshake can drop cached state.
type RevocationCallback func(ctx context.Context, credentialID uuid.UUID, agentDID string)

// Manager is the Credential Manager (C3).
type Manager struct {
	store      storage.Adapter
	keys       KeySigner
	identities IdentityLookup

	maxTTL          time.Duration
	rotateThreshold float64 // fraction of TTL

	signingPub ed25519.PublicKey
	callbacks  []RevocationCallback
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxTTL overrides the default maximum credential TTL (15 minutes).
func WithMaxTTL(d time.Duration) Option {
	return func(m *Manager) { m.maxTTL = d }
}

// WithRotateThreshold overrides the default rotation threshold (20% of TTL).
func WithRotateThreshold(f float64) Option {
	return func(m *Manager) { m.rotateThreshold = f }
}

// WithRevocationCallback registers a callback invoked on every revocation.
func WithRevocationCallback(cb RevocationCallback) Option {
	return func(m *Manager) { m.callbacks = append(m.callbacks, cb) }
}

// New constructs a Credential Manager. ctx is used only to provision the
// manager's own signing key on first use.
func New(ctx context.Context, store storage.Adapter, keys KeySigner, identities IdentityLookup, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:           store,
		keys:            keys,
		identities:      identities,
		maxTTL:          15 * time.Minute,
		rotateThreshold: 0.20,
	}
	for _, opt := range opts {
		opt(m)
	}

	pub, err := m.keys.Generate(ctx, signingKeyAgentID)
	if err != nil {
		return nil, agentmesherr.Wrap(agentmesherr.KindCryptoError, "credential.new", "signing key provisioning failed", err)
	}
	m.signingPub = pub
	return m, nil
}

// claims is the JWT payload encoding a Credential's scope.
type claims struct {
	jwt.RegisteredClaims
	CredentialID string   `json:"cid"`
	Capabilities []string `json:"caps"`
	ResourceIDs  []string `json:"resources,omitempty"`
	IssuedFor    string   `json:"issued_for,omitempty"`
}

// eddsaSigningMethod adapts the manager's Key Store to jwt.SigningMethod,
// so jwt-go signs through the Key Store instead of holding raw key
// material itself. Validate does not go through this adapter: jwt
// resolves "EdDSA" to its built-in method and verifies against the
// manager's signing public key.
type eddsaSigningMethod struct {
	m *Manager
}

func (s eddsaSigningMethod) Alg() string { return "EdDSA" }

func (s eddsaSigningMethod) Verify(signingString string, sig []byte, _ any) error {
	if !s.m.keys.Verify(context.Background(), s.m.signingPub, []byte(signingString), sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

func (s eddsaSigningMethod) Sign(signingString string, _ any) ([]byte, error) {
	return s.m.keys.Sign(context.Background(), signingKeyAgentID, []byte(signingString))
}

// IssueParams are the inputs to Issue.
type IssueParams struct {
	AgentDID     string
	Capabilities []string // subset of the agent's own capabilities; empty means "inherit all"
	ResourceIDs  []string
	TTL          time.Duration // zero means MaxTTL
	IssuedFor    string
}

// Issue mints a new bearer credential for an agent.
func (m *Manager) Issue(ctx context.Context, p IssueParams) (model.Credential, string, error) {
	agent, err := m.identities.Get(ctx, p.AgentDID)
	if err != nil {
		return model.Credential{}, "", err
	}
	if agent.Status != model.StatusActive {
		return model.Credential{}, "", agentmesherr.New(agentmesherr.KindInvalidCredential, "credential.issue", "agent is not active: "+p.AgentDID)
	}

	caps := p.Capabilities
	if len(caps) == 0 {
		caps = agent.Capabilities
	} else if !capability.SetSubsumes(agent.Capabilities, caps) {
		return model.Credential{}, "", agentmesherr.New(agentmesherr.KindCapabilityEscalation, "credential.issue", "requested capabilities exceed agent's own grant")
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = m.maxTTL
	}
	if ttl > m.maxTTL {
		return model.Credential{}, "", agentmesherr.New(agentmesherr.KindInvalidTTL, "credential.issue", fmt.Sprintf("ttl %s exceeds max %s", ttl, m.maxTTL))
	}

	now := time.Now().UTC()
	cred := model.Credential{
		CredentialID: uuid.New(),
		AgentDID:     p.AgentDID,
		Capabilities: caps,
		ResourceIDs:  p.ResourceIDs,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		Status:       model.CredentialActive,
		IssuedFor:    p.IssuedFor,
	}

	if err := m.persist(ctx, cred); err != nil {
		return model.Credential{}, "", err
	}
	if err := m.store.RPush(ctx, keyAgentIndex(p.AgentDID), cred.CredentialID.String()); err != nil {
		return model.Credential{}, "", agentmesherr.Wrap(agentmesherr.KindStorageError, "credential.issue", "agent index update failed", err)
	}

	token, err := m.sign(ctx, cred)
	if err != nil {
		return model.Credential{}, "", err
	}
	return cred, token, nil
}

func (m *Manager) sign(ctx context.Context, cred model.Credential) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.AgentDID,
			IssuedAt:  jwt.NewNumericDate(cred.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cred.ExpiresAt),
		},
		CredentialID: cred.CredentialID.String(),
		Capabilities: cred.Capabilities,
		ResourceIDs:  cred.ResourceIDs,
		IssuedFor:    cred.IssuedFor,
	}
	token := jwt.NewWithClaims(eddsaSigningMethod{m: m}, c)
	signed, err := token.SignedString(nil)
	if err != nil {
		return "", agentmesherr.Wrap(agentmesherr.KindCryptoError, "credential.sign", "jwt signing failed", err)
	}
	return signed, nil
}

func (m *Manager) persist(ctx context.Context, cred model.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindInvalidInput, "credential.persist", "marshal failed", err)
	}
	if err := m.store.Set(ctx, keyCredentialPrefix+cred.CredentialID.String(), string(raw), 0); err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "credential.persist", "store failed", err)
	}
	return nil
}

// Validate checks a bearer token's signature, expiry, stored status, and
// owning agent status. Returns InvalidCredential for every failure mode
// so callers cannot distinguish "expired" from "unknown" from "revoked"
// through the error alone.
func (m *Manager) Validate(ctx context.Context, bearerToken string) (model.Credential, error) {
	var c claims
	_, err := jwt.ParseWithClaims(bearerToken, &c, func(*jwt.Token) (any, error) {
		return ed25519.PublicKey(m.signingPub), nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))

	if err != nil {
		dummyVerify(bearerToken)
		return model.Credential{}, agentmesherr.Wrap(agentmesherr.KindInvalidCredential, "credential.validate", "token signature or structure invalid", err)
	}

	cred, ok, err := m.lookup(ctx, c.CredentialID)
	if err != nil {
		return model.Credential{}, err
	}
	if !ok {
		dummyVerify(bearerToken)
		return model.Credential{}, agentmesherr.New(agentmesherr.KindInvalidCredential, "credential.validate", "unknown credential")
	}
	if !cred.Live(time.Now().UTC()) {
		return model.Credential{}, agentmesherr.New(agentmesherr.KindInvalidCredential, "credential.validate", "credential expired or revoked")
	}

	agent, err := m.identities.Get(ctx, cred.AgentDID)
	if err != nil || agent.Status != model.StatusActive {
		return model.Credential{}, agentmesherr.New(agentmesherr.KindInvalidCredential, "credential.validate", "owning agent is not active")
	}
	return cred, nil
}

// dummyVerify performs a constant-cost Argon2id computation so that a
// lookup miss and a lookup hit take comparable time, denying an attacker
// a timing oracle for credential-ID enumeration.
func dummyVerify(input string) {
	_ = argon2.IDKey([]byte(input), []byte("agentmesh-dummy-verify-salt"), 1, 64*1024, 4, 32)
}

func (m *Manager) lookup(ctx context.Context, credentialID string) (model.Credential, bool, error) {
	raw, ok, err := m.store.Get(ctx, keyCredentialPrefix+credentialID)
	if err != nil {
		return model.Credential{}, false, agentmesherr.Wrap(agentmesherr.KindStorageError, "credential.lookup", "store read failed", err)
	}
	if !ok {
		return model.Credential{}, false, nil
	}
	var cred model.Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return model.Credential{}, false, agentmesherr.Wrap(agentmesherr.KindStorageError, "credential.lookup", "corrupt record", err)
	}
	return cred, true, nil
}

// RotateIfNeeded rotates credentialID when now + ROTATE_THRESHOLD ≥
// expires_at: mark old rotated, issue a successor with
// the same scope, and publish a rotation event (left to the caller via
// the returned flag, since the Audit Log append happens one layer up).
func (m *Manager) RotateIfNeeded(ctx context.Context, credentialID uuid.UUID) (model.Credential, bool, error) {
	old, ok, err := m.lookup(ctx, credentialID.String())
	if err != nil {
		return model.Credential{}, false, err
	}
	if !ok {
		return model.Credential{}, false, agentmesherr.New(agentmesherr.KindInvalidCredential, "credential.rotate", "unknown credential")
	}

	ttl := old.TTL()
	threshold := old.ExpiresAt.Add(-time.Duration(float64(ttl) * m.rotateThreshold))
	if time.Now().UTC().Before(threshold) {
		return old, false, nil
	}

	old.Status = model.CredentialRotated
	if err := m.persist(ctx, old); err != nil {
		return model.Credential{}, false, err
	}

	successor, _, err := m.Issue(ctx, IssueParams{
		AgentDID:     old.AgentDID,
		Capabilities: old.Capabilities,
		ResourceIDs:  old.ResourceIDs,
		TTL:          ttl,
		IssuedFor:    old.IssuedFor,
	})
	if err != nil {
		return model.Credential{}, false, err
	}
	rotatedFrom := old.CredentialID
	successor.RotatedFrom = &rotatedFrom
	if err := m.persist(ctx, successor); err != nil {
		return model.Credential{}, false, err
	}
	return successor, true, nil
}

// Revoke marks a single credential revoked and runs registered callbacks.
func (m *Manager) Revoke(ctx context.Context, credentialID uuid.UUID, reason string) error {
	cred, ok, err := m.lookup(ctx, credentialID.String())
	if err != nil {
		return err
	}
	if !ok {
		return agentmesherr.New(agentmesherr.KindInvalidCredential, "credential.revoke", "unknown credential")
	}
	cred.Status = model.CredentialRevoked
	if err := m.persist(ctx, cred); err != nil {
		return err
	}
	for _, cb := range m.callbacks {
		cb(ctx, credentialID, cred.AgentDID)
	}
	return nil
}

// RevokeAllForAgent revokes every credential issued to did: every ID
// recorded in that agent's credential index (populated by Issue), plus
// any explicit credentialIDs the caller already has on hand. Duplicates
// between the two sources are revoked once; an ID that is already
// revoked or unknown is tolerated rather than failing the whole batch.
func (m *Manager) RevokeAllForAgent(ctx context.Context, did string, credentialIDs []uuid.UUID, reason string) error {
	seen := make(map[string]struct{}, len(credentialIDs))
	ordered := make([]string, 0, len(credentialIDs))
	for _, id := range credentialIDs {
		s := id.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		ordered = append(ordered, s)
	}

	indexed, err := m.store.LRange(ctx, keyAgentIndex(did), 0, -1)
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "credential.revoke_all", "agent index lookup failed", err)
	}
	for _, s := range indexed {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		ordered = append(ordered, s)
	}

	for _, s := range ordered {
		id, err := uuid.Parse(s)
		if err != nil {
			continue // corrupt index entry; skip rather than fail the whole batch
		}
		if err := m.Revoke(ctx, id, reason); err != nil {
			kind, ok := agentmesherr.KindOf(err)
			if ok && kind == agentmesherr.KindInvalidCredential {
				continue // already gone
			}
			return err
		}
	}
	return nil
}

// randomNonce returns n fresh random bytes from crypto/rand.
func randomNonce(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
