// Package meshmcp exposes the mesh's trust and governance operations
// as Model Context Protocol tools, so any MCP-compatible agent runtime
// can register identities, run trust handshakes, issue credentials,
// route bridge traffic, and call tools through the Governance Proxy
// without a bespoke client.
package meshmcp

import (
	"log/slog"
	"net/http"
	"strings"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/agentmesh/mesh/internal/audit"
	"github.com/agentmesh/mesh/internal/bridge"
	"github.com/agentmesh/mesh/internal/compliance"
	"github.com/agentmesh/mesh/internal/credential"
	"github.com/agentmesh/mesh/internal/ctxutil"
	"github.com/agentmesh/mesh/internal/delegation"
	"github.com/agentmesh/mesh/internal/handshake"
	"github.com/agentmesh/mesh/internal/identity"
	"github.com/agentmesh/mesh/internal/proxy"
	"github.com/agentmesh/mesh/internal/revocation"
	"github.com/agentmesh/mesh/internal/reward"
)

const serverInstructions = `You have access to agentmesh, a trust and governance layer for AI agents.

WORKFLOW:

1. REGISTER: call register_agent once per agent identity, with its self-generated
   Ed25519 public key and a human sponsor's email. You get back a DID.

2. HANDSHAKE: before trusting a peer agent, call handshake_challenge against it,
   have the peer sign the returned nonce, then call handshake_verify with its
   response. Only a successful handshake_verify result means the peer is who it claims
   and currently above the trust threshold.

3. CALL TOOLS: route every tool invocation through invoke_tool rather than calling
   a tool server directly. The Governance Proxy checks policy, records an audit
   entry, and feeds the outcome back into the calling agent's trust score —
   skipping it means the call is both unaudited and unscored.

4. WATCH YOUR SCORE: call get_trust_score to see your own or a peer's current
   composite trust score and tier. A score crossing the revocation threshold
   ends in automatic revocation; crossing the warning threshold is a chance to
   course-correct first.

Denied tool calls and revocations are not appealable through this interface —
they reflect policy and accumulated trust history, not a transient error.`

// Deps is every internal component meshmcp needs, wired by the caller
// (the agentmesh root package). Deps exists so meshmcp never reaches
// outside its own constructor arguments for dependencies.
type Deps struct {
	Identities  *identity.Registry
	Credentials *credential.Manager
	Delegations *delegation.Chains
	Revocations *revocation.Set
	Handshakes  *handshake.Protocol
	Bridge      *bridge.Bridge
	Rewards     *reward.Engine
	Audit       *audit.Log
	Compliance  *compliance.Mapper
	Proxy       *proxy.Proxy
}

// Server wraps an MCP server configured with the mesh's full tool set.
type Server struct {
	mcpServer *mcpserver.MCPServer
	deps      Deps
	logger    *slog.Logger
}

// New constructs and configures a meshmcp Server.
func New(deps Deps, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"agentmesh",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server, for transports that
// need it directly (stdio, in-process testing).
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// HTTPHandler mounts the mesh's MCP tool set over StreamableHTTP, behind
// an auth middleware that resolves a caller's bearer credential once per
// request and carries its agent DID and capabilities into context for
// every tool handler to read back via ctxutil.
func (s *Server) HTTPHandler() http.Handler {
	return s.withCallerContext(mcpserver.NewStreamableHTTPServer(s.mcpServer))
}

// withCallerContext validates the request's bearer credential (if any)
// and attaches the resolved agent DID and capabilities to the request
// context. A request with no or invalid credential still proceeds —
// tools like register_agent and handshake_challenge have no caller to
// authenticate yet — but every tool that acts on behalf of an agent
// prefers the authenticated DID over a caller-supplied one.
func (s *Server) withCallerContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != "" {
			if cred, err := s.deps.Credentials.Validate(r.Context(), token); err == nil {
				ctx := ctxutil.WithAgentDID(r.Context(), cred.AgentDID)
				ctx = ctxutil.WithAgentTags(ctx, cred.Capabilities)
				r = r.WithContext(ctx)
			} else {
				s.logger.Debug("mcp request: bearer credential rejected", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}
