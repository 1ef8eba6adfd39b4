// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between the MCP
// transport layer and the Governance Proxy: the transport populates the
// caller's agent DID and capability tags once, at the point a connection
// authenticates, and every downstream package (proxy, policy, bridge)
// reads them back out of the context instead of importing the
// transport package that put them there.
package ctxutil

import "context"

type contextKey string

const (
	keyAgentDID  contextKey = "agent_did"
	keyAgentTags contextKey = "agent_tags"
)

// WithAgentDID returns a new context carrying the authenticated caller's DID.
func WithAgentDID(ctx context.Context, did string) context.Context {
	return context.WithValue(ctx, keyAgentDID, did)
}

// AgentDIDFromContext extracts the caller's DID, or "" if none is set.
func AgentDIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyAgentDID).(string); ok {
		return v
	}
	return ""
}

// WithAgentTags returns a new context carrying the authenticated caller's
// capability tags (used for policy selector matching, see
// internal/policy's "tag:..." selector form).
func WithAgentTags(ctx context.Context, tags []string) context.Context {
	return context.WithValue(ctx, keyAgentTags, tags)
}

// AgentTagsFromContext extracts the caller's capability tags, or nil if
// none are set.
func AgentTagsFromContext(ctx context.Context) []string {
	if v, ok := ctx.Value(keyAgentTags).([]string); ok {
		return v
	}
	return nil
}
