// Package agentmesherr defines the mesh-wide error taxonomy:
// a small set of typed error kinds that every component wraps its failures
// into, so callers (and the Governance Proxy's JSON-RPC boundary) can branch
// on Kind without string-matching error messages.
package agentmesherr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy.
type Kind string

const (
	KindInvalidInput         Kind = "InvalidInput"
	KindDuplicateIdentity    Kind = "DuplicateIdentity"
	KindKeyNotFound          Kind = "KeyNotFound"
	KindCryptoError          Kind = "CryptoError"
	KindInvalidCredential    Kind = "InvalidCredential"
	KindCapabilityEscalation Kind = "CapabilityEscalation"
	KindInvalidTTL           Kind = "InvalidTTL"
	KindDelegationError      Kind = "DelegationError"
	KindHandshakeError       Kind = "HandshakeError"
	KindPolicyMalformed      Kind = "PolicyMalformed"
	KindTimeout              Kind = "Timeout"
	KindStorageError         Kind = "StorageError"
	KindUnavailable          Kind = "Unavailable"
	KindIntegrityBroken      Kind = "IntegrityBroken"
	KindInvalidWeights       Kind = "InvalidWeights"
)

// DelegationSubKind enumerates the DelegationError sub-kinds.
type DelegationSubKind string

const (
	SubKindExpiredLink  DelegationSubKind = "ExpiredLink"
	SubKindBadSignature DelegationSubKind = "BadSignature"
	SubKindDepthExceeded DelegationSubKind = "DepthExceeded"
	SubKindNarrowing    DelegationSubKind = "Narrowing"
	SubKindHashBroken   DelegationSubKind = "HashBroken"
	SubKindCycle        DelegationSubKind = "Cycle"
)

// Error is a typed mesh error carrying a Kind for caller-side branching and
// an optional sub-kind (used by DelegationError) plus a wrapped cause.
type Error struct {
	Kind    Kind
	SubKind string
	Op      string // component/operation that raised it, e.g. "credential.issue"
	Msg     string
	Cause   error
}

func (e *Error) Error() string {
	sub := ""
	if e.SubKind != "" {
		sub = "/" + e.SubKind
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s%s: %s: %v", e.Op, e.Kind, sub, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s%s: %s", e.Op, e.Kind, sub, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target shares this error's Kind, allowing
// errors.Is(err, agentmesherr.New(KindInvalidTTL, ...)) style checks when
// callers only care about the kind, not the exact instance.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs a mesh Error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap constructs a mesh Error that wraps an underlying cause.
func Wrap(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Cause: cause}
}

// WrapDelegation constructs a DelegationError with a sub-kind.
func WrapDelegation(sub DelegationSubKind, op, msg string) *Error {
	return &Error{Kind: KindDelegationError, SubKind: string(sub), Op: op, Msg: msg}
}

// KindOf extracts the Kind from err if it is (or wraps) a mesh Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// SubKindOf extracts the DelegationSubKind from err if it is (or wraps) a
// mesh Error carrying one.
func SubKindOf(err error) (DelegationSubKind, bool) {
	var e *Error
	if errors.As(err, &e) && e.SubKind != "" {
		return DelegationSubKind(e.SubKind), true
	}
	return "", false
}
