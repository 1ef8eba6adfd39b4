package model

import "time"

// PeerInfo is everything the Protocol Bridge knows about a peer agent
// ahead of sending to it: which protocol adapter to route through and
// adapter-specific addressing.
type PeerInfo struct {
	DID      string `json:"did"`
	Protocol string `json:"protocol"`
	Endpoint string `json:"endpoint"`
}

// BridgeMessage is one payload the bridge routes to a peer.
type BridgeMessage struct {
	ID             string    `json:"id"`
	FromDID        string    `json:"from_did"`
	ToDID          string    `json:"to_did"`
	SourceProtocol string    `json:"source_protocol"`
	TargetProtocol string    `json:"target_protocol"`
	Payload        []byte    `json:"payload"`
	SentAt         time.Time `json:"sent_at"`
}

// BridgeResponse is an adapter's reply to a sent BridgeMessage.
type BridgeResponse struct {
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}
