// Package p2p lets fabric nodes find each other over libp2p and exchange the
// agent cards of the agents they host.
package p2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

const (
	// CardProtocol is the stream protocol used for card exchange.
	CardProtocol = protocol.ID("/a2a-fabric/card/1.0.0")

	// DefaultCardTTL is how long a card learned from a peer stays visible
	// without being refreshed.
	DefaultCardTTL = 2 * time.Minute

	maxBundleBytes = 1 << 20
)

// CardBundle is what each side of an exchange sends: every agent the node
// hosts.
type CardBundle struct {
	PeerID    string                 `json:"peerId"`
	Cards     []*agentcard.AgentCard `json:"cards"`
	Timestamp int64                  `json:"timestamp"`
}

// CardProvider returns the cards of locally hosted agents.
type CardProvider func() []*agentcard.AgentCard

// CardSink receives cards learned from peers. The registry implements it.
type CardSink interface {
	RegisterAgent(ctx context.Context, card *agentcard.AgentCard, ttl time.Duration) error
	Heartbeat(ctx context.Context, agentID string) error
}

// PeerInfo tracks a peer found by discovery.
type PeerInfo struct {
	ID          peer.ID
	Addrs       []multiaddr.Multiaddr
	FoundAt     time.Time
	LastSeen    time.Time
	Agents      []string
	IsConnected bool
}
