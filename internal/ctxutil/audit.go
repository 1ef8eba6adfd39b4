package ctxutil

import "context"

// AuditMeta carries request metadata the Governance Proxy needs to
// build an audit entry and a ToolCallRequest without re-deriving it
// from the raw transport message. It lives in ctxutil so both the MCP
// transport layer and internal/proxy can populate/read it without a
// circular import between them.
type AuditMeta struct {
	RequestID string
	AgentDID  string
	ToolName  string
	Resource  string
}

type auditMetaKey struct{}

// WithAuditMeta returns a new context carrying meta.
func WithAuditMeta(ctx context.Context, meta AuditMeta) context.Context {
	return context.WithValue(ctx, auditMetaKey{}, meta)
}

// AuditMetaFromContext extracts AuditMeta, or the zero value if none is set.
func AuditMetaFromContext(ctx context.Context) AuditMeta {
	if v, ok := ctx.Value(auditMetaKey{}).(AuditMeta); ok {
		return v
	}
	return AuditMeta{}
}
