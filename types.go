// Package agentmesh is the public API for embedding the mesh trust and
// governance daemon.
//
// A host process imports this package to construct and run a mesh node
// without forking it:
//
//	app, err := agentmesh.New(
//	    agentmesh.WithVersion(version),
//	    agentmesh.WithLogger(logger),
//	    agentmesh.WithToolInvoker(myToolServer{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: agentmesh (root)
// imports internal/*, but internal/* never imports agentmesh. Public
// types here (ToolCallRequest, PeerInfo, etc.) are standalone structs
// with no internal imports; conversion helpers live in agentmesh.go
// because that is the only file that sees both sides of the boundary.
package agentmesh

import "time"

// ToolCallRequest is the public representation of an intercepted tool
// invocation, handed to a ToolInvoker after the Governance Proxy has
// already allowed it.
type ToolCallRequest struct {
	AgentDID    string
	AgentTags   []string
	ToolName    string
	Arguments   map[string]any
	ContainsPII bool
	Encrypted   bool
}

// ToolCallResult is a ToolInvoker's response to a ToolCallRequest. Data
// carries the structured payload a tool server returns; Content is a
// human-readable summary for transports that render text.
type ToolCallResult struct {
	IsError   bool
	ErrorCode int
	Content   string
	Data      map[string]any
}

// PeerInfo is everything the Protocol Bridge needs to route a message
// to a peer agent: which transport adapter to use and adapter-specific
// addressing.
type PeerInfo struct {
	DID      string
	Protocol string
	Endpoint string
}

// BridgeMessage is one payload routed to a peer through a BridgeAdapter.
type BridgeMessage struct {
	ID             string
	FromDID        string
	ToDID          string
	SourceProtocol string
	TargetProtocol string
	Payload        []byte
	SentAt         time.Time
}

// BridgeResponse is an adapter's reply to a sent BridgeMessage.
type BridgeResponse struct {
	Payload    []byte
	ReceivedAt time.Time
}

// HandshakeChallenge is the public mirror of model.HandshakeChallenge,
// passed to a BridgeAdapter's VerifyPeerIdentity so external transport
// implementations never need to import internal/model.
type HandshakeChallenge struct {
	ChallengeID string
	Nonce       []byte
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Protocol    string
}

// HandshakeResponse is a peer's signed answer to a HandshakeChallenge.
type HandshakeResponse struct {
	ChallengeID  string
	ResponderDID string
	Signature    []byte
	Timestamp    time.Time
	Capabilities []string
	TrustScore   int
	UserContext  map[string]any
}
