package meshmcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmesh/mesh/internal/audit"
	"github.com/agentmesh/mesh/internal/capability"
	"github.com/agentmesh/mesh/internal/credential"
	"github.com/agentmesh/mesh/internal/ctxutil"
	"github.com/agentmesh/mesh/internal/model"
)

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// jsonResult marshals v as the tool's text content. Errors here are
// programmer errors (v always marshals), never caller-facing.
func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
	}, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("register_agent",
			mcplib.WithDescription(`Register a new agent identity with the mesh.

The agent must generate its own Ed25519 keypair before calling this — the
mesh never custodies an agent's private key. Submit only the public key
(standard base64) here. The mesh derives the agent's DID from the public
key and returns it; there is no other way to learn a DID in advance.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("public_key",
				mcplib.Description("The agent's Ed25519 public key, standard base64 encoded"),
				mcplib.Required(),
			),
			mcplib.WithString("sponsor_email",
				mcplib.Description("Email of the human accountable for this agent"),
				mcplib.Required(),
			),
			mcplib.WithString("capabilities",
				mcplib.Description("Comma-separated capability strings this agent is allowed to exercise"),
			),
			mcplib.WithString("parent_did",
				mcplib.Description("DID of the sponsoring agent, if this identity was created by delegation"),
			),
		),
		s.handleRegisterAgent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_identity",
			mcplib.WithDescription("Fetch an agent identity by DID, including its current lifecycle status."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("did", mcplib.Description("Agent DID"), mcplib.Required()),
		),
		s.handleGetIdentity,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("revoke_agent",
			mcplib.WithDescription(`Revoke an agent identity and every identity it sponsored, transitively.

Revocation is terminal and propagates to descendants — there is no undo.
Use suspend through the admin API for a temporary hold instead.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("did", mcplib.Description("Agent DID to revoke"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Why this identity is being revoked"), mcplib.Required()),
		),
		s.handleRevokeAgent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("issue_credential",
			mcplib.WithDescription(`Mint a short-lived bearer credential for an agent.

The credential scopes to a subset of the agent's own capabilities — it can
never grant more than the agent already holds. Returns the bearer token
once; it is not retrievable again.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("agent_did", mcplib.Description("Agent DID the credential is issued to"), mcplib.Required()),
			mcplib.WithString("capabilities",
				mcplib.Description("Comma-separated capability subset. Empty means inherit all of the agent's capabilities."),
			),
			mcplib.WithString("resource_ids", mcplib.Description("Comma-separated resource IDs this credential is scoped to")),
			mcplib.WithNumber("ttl_seconds",
				mcplib.Description("Credential lifetime in seconds. Zero uses the mesh's configured maximum."),
				mcplib.Min(0),
			),
			mcplib.WithString("issued_for", mcplib.Description("Free-text purpose or session label")),
		),
		s.handleIssueCredential,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("validate_credential",
			mcplib.WithDescription("Validate a bearer credential and return the capabilities and agent it resolves to."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("bearer_token", mcplib.Description("The signed credential token"), mcplib.Required()),
		),
		s.handleValidateCredential,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("revoke_credential",
			mcplib.WithDescription("Revoke a single credential by ID without touching the agent's identity."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("credential_id", mcplib.Description("UUID of the credential to revoke"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Why this credential is being revoked"), mcplib.Required()),
		),
		s.handleRevokeCredential,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("delegate_capability",
			mcplib.WithDescription(`Extend a delegation chain, granting a subset of the delegator's capabilities
to a delegatee for a bounded time-to-live. Fails if the resulting chain
would exceed the mesh's configured maximum delegation depth.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("delegator_did", mcplib.Description("DID granting capabilities"), mcplib.Required()),
			mcplib.WithString("delegatee_did", mcplib.Description("DID receiving capabilities"), mcplib.Required()),
			mcplib.WithString("capabilities",
				mcplib.Description("Comma-separated capabilities to delegate; must be a subset of the delegator's own"),
				mcplib.Required(),
			),
			mcplib.WithNumber("ttl_seconds",
				mcplib.Description("How long the delegation is valid for, in seconds"),
				mcplib.Required(),
				mcplib.Min(1),
			),
		),
		s.handleDelegateCapability,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_delegation_chain",
			mcplib.WithDescription("Return the full delegation chain rooted at the sponsoring identity for a DID."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("did", mcplib.Description("Agent DID"), mcplib.Required()),
		),
		s.handleGetDelegationChain,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("trace_capability",
			mcplib.WithDescription("Trace which link in a DID's delegation chain granted a specific capability."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("did", mcplib.Description("Agent DID"), mcplib.Required()),
			mcplib.WithString("capability", mcplib.Description("Capability string to trace"), mcplib.Required()),
		),
		s.handleTraceCapability,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("handshake_challenge",
			mcplib.WithDescription(`Issue a signed nonce challenge for a peer to answer over a given transport
protocol. The peer must sign the returned nonce and return it via
handshake_verify within the challenge's TTL.`),
			mcplib.WithReadOnlyHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("protocol", mcplib.Description(`Transport protocol name (e.g. "a2a/1", "mcp/1")`), mcplib.Required()),
		),
		s.handleHandshakeChallenge,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("handshake_verify",
			mcplib.WithDescription(`Verify a peer's signed response to a handshake challenge. Returns whether
the peer is trusted: correctly signed, not revoked, above the mesh's
trust threshold, and holding every required capability.`),
			mcplib.WithReadOnlyHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("caller_did", mcplib.Description("DID of the agent performing the verification"), mcplib.Required()),
			mcplib.WithString("challenge_json", mcplib.Description("The HandshakeChallenge returned by handshake_challenge, as JSON"), mcplib.Required()),
			mcplib.WithString("response_json", mcplib.Description("The peer's signed HandshakeResponse, as JSON"), mcplib.Required()),
			mcplib.WithString("required_capabilities", mcplib.Description("Comma-separated capabilities the peer must hold")),
		),
		s.handleHandshakeVerify,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_trust_score",
			mcplib.WithDescription("Fetch an agent's current composite trust score, tier, and per-dimension breakdown."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("did", mcplib.Description("Agent DID"), mcplib.Required()),
		),
		s.handleGetTrustScore,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("signal_reward",
			mcplib.WithDescription(`Feed one behavioral observation into an agent's trust score. Dimension
must be one of: policy_compliance, security_posture, output_quality,
resource_efficiency, collaboration_health. Value is 0..1, where 1 is the
best possible observation for that dimension.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithString("agent_did", mcplib.Description("Agent DID the signal applies to"), mcplib.Required()),
			mcplib.WithString("dimension", mcplib.Description("One of the five trust dimensions"), mcplib.Required()),
			mcplib.WithNumber("value", mcplib.Description("Observation value, 0..1"), mcplib.Required(), mcplib.Min(0), mcplib.Max(1)),
			mcplib.WithString("source", mcplib.Description("What produced this signal, e.g. a policy rule name or reviewer tool"), mcplib.Required()),
			mcplib.WithString("details", mcplib.Description("Free-text context for this observation")),
		),
		s.handleSignalReward,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("list_trusted_peers",
			mcplib.WithDescription("List peer agents currently above a minimum trust score, as seen by the bridge."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithNumber("min_score", mcplib.Description("Minimum composite trust score, 0..1000"), mcplib.DefaultNumber(700), mcplib.Min(0), mcplib.Max(1000)),
		),
		s.handleListTrustedPeers,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("query_audit_log",
			mcplib.WithDescription("Query the tamper-evident audit log, optionally filtered by agent, event type, and time range."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("agent_did", mcplib.Description("Filter to one agent DID")),
			mcplib.WithString("event_type", mcplib.Description("Filter to one event type")),
			mcplib.WithString("since", mcplib.Description("RFC3339 timestamp, inclusive lower bound")),
			mcplib.WithString("until", mcplib.Description("RFC3339 timestamp, inclusive upper bound")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum entries to return"), mcplib.DefaultNumber(50), mcplib.Min(1), mcplib.Max(1000)),
		),
		s.handleQueryAuditLog,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("check_compliance",
			mcplib.WithDescription("Check one proposed agent action against the mesh's loaded compliance control map before it happens."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("agent_did", mcplib.Description("Agent DID performing the action"), mcplib.Required()),
			mcplib.WithString("action_type", mcplib.Description("Action type, matched against control event_types"), mcplib.Required()),
			mcplib.WithString("data_json", mcplib.Description("Action context as a JSON object, evaluated against control conditions")),
		),
		s.handleCheckCompliance,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("generate_compliance_report",
			mcplib.WithDescription("Generate a compliance report for one framework over a time window, scanning the audit log for violations."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("framework", mcplib.Description(`Framework name as loaded from the control map, e.g. "soc2"`), mcplib.Required()),
			mcplib.WithString("period_start", mcplib.Description("RFC3339 timestamp"), mcplib.Required()),
			mcplib.WithString("period_end", mcplib.Description("RFC3339 timestamp"), mcplib.Required()),
			mcplib.WithString("agents", mcplib.Description("Comma-separated agent DIDs to scope the report to; empty means all")),
		),
		s.handleGenerateComplianceReport,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("invoke_tool",
			mcplib.WithDescription(`Route a tool call through the Governance Proxy rather than calling a tool
server directly. The proxy evaluates policy, records an audit entry, and
feeds the outcome back into the calling agent's trust score — a denied
call still returns successfully here, with is_error set and no effect
performed.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("agent_did", mcplib.Description("Calling agent's DID"), mcplib.Required()),
			mcplib.WithString("agent_tags", mcplib.Description("Comma-separated tags describing the calling agent, matched by policy selectors")),
			mcplib.WithString("tool_name", mcplib.Description("Name of the tool being called"), mcplib.Required()),
			mcplib.WithString("arguments_json", mcplib.Description("Tool arguments as a JSON object")),
			mcplib.WithString("contains_pii", mcplib.Description(`Whether the call arguments contain personally identifiable information: "true" or "false"`)),
			mcplib.WithString("encrypted", mcplib.Description(`Whether the call arguments are already encrypted at rest: "true" or "false"`)),
		),
		s.handleInvokeTool,
	)
}

func (s *Server) handleRegisterAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	pubB64 := request.GetString("public_key", "")
	sponsor := request.GetString("sponsor_email", "")
	if pubB64 == "" || sponsor == "" {
		return errorResult("public_key and sponsor_email are required"), nil
	}
	pub, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return errorResult(fmt.Sprintf("public_key is not valid base64: %v", err)), nil
	}

	identity := model.AgentIdentity{
		DID:          capability.DeriveDID(pub),
		PublicKey:    pub,
		SponsorEmail: sponsor,
		Capabilities: splitCSV(request.GetString("capabilities", "")),
		Status:       model.StatusActive,
		ParentDID:    request.GetString("parent_did", ""),
	}

	registered, err := s.deps.Identities.Register(ctx, identity)
	if err != nil {
		return errorResult(fmt.Sprintf("register agent: %v", err)), nil
	}
	return jsonResult(registered)
}

func (s *Server) handleGetIdentity(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	did := request.GetString("did", "")
	if did == "" {
		return errorResult("did is required"), nil
	}
	identity, err := s.deps.Identities.Get(ctx, did)
	if err != nil {
		return errorResult(fmt.Sprintf("get identity: %v", err)), nil
	}
	return jsonResult(identity)
}

func (s *Server) handleRevokeAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	did := request.GetString("did", "")
	reason := request.GetString("reason", "")
	if did == "" || reason == "" {
		return errorResult("did and reason are required"), nil
	}
	if err := s.deps.Identities.Revoke(ctx, did, reason); err != nil {
		return errorResult(fmt.Sprintf("revoke agent: %v", err)), nil
	}
	return jsonResult(map[string]string{"did": did, "status": "revoked"})
}

func (s *Server) handleIssueCredential(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentDID := request.GetString("agent_did", "")
	if agentDID == "" {
		return errorResult("agent_did is required"), nil
	}
	ttl := time.Duration(request.GetInt("ttl_seconds", 0)) * time.Second

	cred, token, err := s.deps.Credentials.Issue(ctx, credential.IssueParams{
		AgentDID:     agentDID,
		Capabilities: splitCSV(request.GetString("capabilities", "")),
		ResourceIDs:  splitCSV(request.GetString("resource_ids", "")),
		TTL:          ttl,
		IssuedFor:    request.GetString("issued_for", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("issue credential: %v", err)), nil
	}
	return jsonResult(map[string]any{"credential": cred, "bearer_token": token})
}

func (s *Server) handleValidateCredential(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	token := request.GetString("bearer_token", "")
	if token == "" {
		return errorResult("bearer_token is required"), nil
	}
	cred, err := s.deps.Credentials.Validate(ctx, token)
	if err != nil {
		return errorResult(fmt.Sprintf("validate credential: %v", err)), nil
	}
	return jsonResult(cred)
}

func (s *Server) handleRevokeCredential(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	idStr := request.GetString("credential_id", "")
	reason := request.GetString("reason", "")
	if idStr == "" || reason == "" {
		return errorResult("credential_id and reason are required"), nil
	}
	credentialID, err := uuid.Parse(idStr)
	if err != nil {
		return errorResult(fmt.Sprintf("credential_id is not a valid UUID: %v", err)), nil
	}
	if err := s.deps.Credentials.Revoke(ctx, credentialID, reason); err != nil {
		return errorResult(fmt.Sprintf("revoke credential: %v", err)), nil
	}
	return jsonResult(map[string]string{"credential_id": idStr, "status": "revoked"})
}

func (s *Server) handleDelegateCapability(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	delegator := request.GetString("delegator_did", "")
	delegatee := request.GetString("delegatee_did", "")
	caps := splitCSV(request.GetString("capabilities", ""))
	ttlSeconds := request.GetInt("ttl_seconds", 0)
	if delegator == "" || delegatee == "" || len(caps) == 0 || ttlSeconds <= 0 {
		return errorResult("delegator_did, delegatee_did, capabilities, and a positive ttl_seconds are required"), nil
	}
	chain, err := s.deps.Delegations.Extend(ctx, delegator, delegatee, caps, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		return errorResult(fmt.Sprintf("delegate capability: %v", err)), nil
	}
	return jsonResult(chain)
}

func (s *Server) handleGetDelegationChain(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	did := request.GetString("did", "")
	if did == "" {
		return errorResult("did is required"), nil
	}
	chain, err := s.deps.Delegations.ChainFor(ctx, did)
	if err != nil {
		return errorResult(fmt.Sprintf("get delegation chain: %v", err)), nil
	}
	return jsonResult(chain)
}

func (s *Server) handleTraceCapability(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	did := request.GetString("did", "")
	cap := request.GetString("capability", "")
	if did == "" || cap == "" {
		return errorResult("did and capability are required"), nil
	}
	events, err := s.deps.Delegations.TraceCapability(ctx, did, cap)
	if err != nil {
		return errorResult(fmt.Sprintf("trace capability: %v", err)), nil
	}
	return jsonResult(events)
}

func (s *Server) handleHandshakeChallenge(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	protocol := request.GetString("protocol", "")
	if protocol == "" {
		return errorResult("protocol is required"), nil
	}
	challenge, err := s.deps.Handshakes.Challenge(ctx, protocol)
	if err != nil {
		return errorResult(fmt.Sprintf("handshake challenge: %v", err)), nil
	}
	return jsonResult(challenge)
}

func (s *Server) handleHandshakeVerify(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	callerDID := request.GetString("caller_did", "")
	challengeJSON := request.GetString("challenge_json", "")
	responseJSON := request.GetString("response_json", "")
	if callerDID == "" || challengeJSON == "" || responseJSON == "" {
		return errorResult("caller_did, challenge_json, and response_json are required"), nil
	}

	var challenge model.HandshakeChallenge
	if err := json.Unmarshal([]byte(challengeJSON), &challenge); err != nil {
		return errorResult(fmt.Sprintf("challenge_json is malformed: %v", err)), nil
	}
	var response model.HandshakeResponse
	if err := json.Unmarshal([]byte(responseJSON), &response); err != nil {
		return errorResult(fmt.Sprintf("response_json is malformed: %v", err)), nil
	}

	result, err := s.deps.Handshakes.Verify(ctx, callerDID, challenge, response, splitCSV(request.GetString("required_capabilities", "")))
	if err != nil {
		return errorResult(fmt.Sprintf("handshake verify: %v", err)), nil
	}
	return jsonResult(result)
}

func (s *Server) handleGetTrustScore(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	did := request.GetString("did", "")
	if did == "" {
		return errorResult("did is required"), nil
	}
	score, err := s.deps.Rewards.GetScore(ctx, did)
	if err != nil {
		return errorResult(fmt.Sprintf("get trust score: %v", err)), nil
	}
	return jsonResult(score)
}

func (s *Server) handleSignalReward(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentDID := request.GetString("agent_did", "")
	dimension := request.GetString("dimension", "")
	source := request.GetString("source", "")
	if agentDID == "" || dimension == "" || source == "" {
		return errorResult("agent_did, dimension, and source are required"), nil
	}
	score, err := s.deps.Rewards.Signal(ctx, model.RewardSignal{
		AgentDID:  agentDID,
		Dimension: model.Dimension(dimension),
		Value:     request.GetFloat("value", 0),
		Source:    source,
		Details:   request.GetString("details", ""),
		Timestamp: time.Now(),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("signal reward: %v", err)), nil
	}
	return jsonResult(score)
}

func (s *Server) handleListTrustedPeers(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	minScore := request.GetInt("min_score", 700)
	peers, err := s.deps.Bridge.GetTrustedPeers(ctx, minScore)
	if err != nil {
		return errorResult(fmt.Sprintf("list trusted peers: %v", err)), nil
	}
	return jsonResult(peers)
}

func (s *Server) handleQueryAuditLog(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filters := audit.Filters{
		AgentDID:  request.GetString("agent_did", ""),
		EventType: request.GetString("event_type", ""),
	}
	if since := request.GetString("since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return errorResult(fmt.Sprintf("since is not a valid RFC3339 timestamp: %v", err)), nil
		}
		filters.Since = t
	}
	if until := request.GetString("until", ""); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return errorResult(fmt.Sprintf("until is not a valid RFC3339 timestamp: %v", err)), nil
		}
		filters.Until = t
	}

	entries, err := s.deps.Audit.Query(ctx, filters, request.GetInt("limit", 50))
	if err != nil {
		return errorResult(fmt.Sprintf("query audit log: %v", err)), nil
	}
	return jsonResult(entries)
}

func (s *Server) handleCheckCompliance(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentDID := request.GetString("agent_did", "")
	actionType := request.GetString("action_type", "")
	if agentDID == "" || actionType == "" {
		return errorResult("agent_did and action_type are required"), nil
	}
	var data map[string]any
	if raw := request.GetString("data_json", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return errorResult(fmt.Sprintf("data_json is malformed: %v", err)), nil
		}
	}
	violations, err := s.deps.Compliance.CheckCompliance(ctx, agentDID, actionType, data)
	if err != nil {
		return errorResult(fmt.Sprintf("check compliance: %v", err)), nil
	}
	return jsonResult(violations)
}

func (s *Server) handleGenerateComplianceReport(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	framework := request.GetString("framework", "")
	startStr := request.GetString("period_start", "")
	endStr := request.GetString("period_end", "")
	if framework == "" || startStr == "" || endStr == "" {
		return errorResult("framework, period_start, and period_end are required"), nil
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return errorResult(fmt.Sprintf("period_start is not a valid RFC3339 timestamp: %v", err)), nil
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return errorResult(fmt.Sprintf("period_end is not a valid RFC3339 timestamp: %v", err)), nil
	}

	report, err := s.deps.Compliance.GenerateReport(ctx, framework, start, end, splitCSV(request.GetString("agents", "")))
	if err != nil {
		return errorResult(fmt.Sprintf("generate compliance report: %v", err)), nil
	}
	return jsonResult(report)
}

func (s *Server) handleInvokeTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentDID := ctxutil.AgentDIDFromContext(ctx)
	if agentDID == "" {
		agentDID = request.GetString("agent_did", "")
	}
	agentTags := ctxutil.AgentTagsFromContext(ctx)
	if agentTags == nil {
		agentTags = splitCSV(request.GetString("agent_tags", ""))
	}
	toolName := request.GetString("tool_name", "")
	if agentDID == "" || toolName == "" {
		return errorResult("agent_did (directly, or via an authenticated bearer credential) and tool_name are required"), nil
	}
	var args map[string]any
	if raw := request.GetString("arguments_json", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return errorResult(fmt.Sprintf("arguments_json is malformed: %v", err)), nil
		}
	}

	result, err := s.deps.Proxy.Intercept(ctx, model.ToolCallRequest{
		AgentDID:    agentDID,
		AgentTags:   agentTags,
		ToolName:    toolName,
		Arguments:   args,
		ContainsPII: request.GetString("contains_pii", "") == "true",
		Encrypted:   request.GetString("encrypted", "") == "true",
	})
	if err != nil {
		return errorResult(fmt.Sprintf("invoke tool: %v", err)), nil
	}
	return jsonResult(result)
}
