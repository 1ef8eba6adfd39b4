package agentmesh

import "context"

// ToolInvoker forwards an allowed tool call to the real tool server and
// returns its response. Provide one via WithToolInvoker so the
// Governance Proxy has something to front; without one, New returns an
// error rather than silently building a proxy that can never complete
// a call.
type ToolInvoker interface {
	Invoke(ctx context.Context, req ToolCallRequest) (ToolCallResult, error)
}

// BridgeAdapter speaks one wire protocol on the Protocol Bridge's
// behalf. Register one per transport via WithBridgeAdapter (e.g. an
// A2A adapter, an MCP-over-HTTP adapter, a custom internal transport).
// A mesh node with no adapters registered can still run — it simply
// cannot route outbound bridge traffic until one is added.
type BridgeAdapter interface {
	// Protocol names the transport this adapter speaks (e.g. "a2a/1",
	// "mcp/1"). Looked up by name when routing a BridgeMessage.
	Protocol() string

	// VerifyPeerIdentity asks the peer to answer a handshake challenge
	// over this adapter's transport and returns its signed response.
	VerifyPeerIdentity(ctx context.Context, peer PeerInfo, challenge HandshakeChallenge) (HandshakeResponse, error)

	// Send delivers message to peer and returns the peer's response.
	Send(ctx context.Context, peer PeerInfo, message BridgeMessage) (BridgeResponse, error)

	// Translate converts message (carrying some other adapter's wire
	// format) into this adapter's own format. Adapters that cannot
	// translate from a given source protocol return an error.
	Translate(ctx context.Context, message BridgeMessage) (BridgeMessage, error)
}

// RevocationObserver receives a notification whenever the mesh revokes
// an agent identity or credential, in-process and synchronously with
// the revoking call. Register one via WithRevocationObserver to drive
// host-side side effects (paging, cache eviction in a fronting proxy,
// etc). Observer methods must not block indefinitely — a slow observer
// delays the revocation call itself.
type RevocationObserver interface {
	OnRevoked(ctx context.Context, entryKind, id, reason string)
}
