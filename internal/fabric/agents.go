package fabric

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/crypto"
	"github.com/praxis/a2a-fabric/internal/logger"
	"github.com/praxis/a2a-fabric/internal/security"
	"github.com/praxis/a2a-fabric/internal/transport"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

const heartbeatTick = time.Second

// LocalAgent is an agent hosted by this node.
type LocalAgent struct {
	Card *agentcard.AgentCard
	// PrivateKey signs the agent's handshakes. Generated when nil.
	PrivateKey   ed25519.PrivateKey
	Certificates security.Certificates
	SwarmID      string
	// TTL of the card. The node heartbeats hosted cards while it runs.
	TTL     time.Duration
	Handler transport.Handler
}

type localAgent struct {
	id       string
	handler  transport.Handler
	ttl      time.Duration
	lastBeat time.Time
}

// RegisterAgent provisions a hosted agent's identity with the security
// manager and publishes its card. Neither is kept when the other fails.
func (n *Node) RegisterAgent(ctx context.Context, a LocalAgent) (*security.AgentIdentity, error) {
	if a.Card == nil {
		return nil, a2a.Errorf(a2a.KindRegistrationError, "missing required fields: card is nil")
	}
	if a.Handler == nil {
		return nil, a2a.Errorf(a2a.KindRegistrationError, "agent %s has no message handler", a.Card.ID)
	}
	key := a.PrivateKey
	if key == nil {
		var err error
		if _, key, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, a2a.Wrap(a2a.KindInternal, err, "generate key for %s", a.Card.ID)
		}
	}
	pub, err := encodeKey(key)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindRegistrationError, err, "encode key of %s", a.Card.ID)
	}

	card := a.Card.Clone()
	card.Metadata.PublicKey = pub
	if len(card.Endpoints) == 0 {
		card.Endpoints = n.endpoints()
	}

	ident, err := n.security.RegisterAgent(ctx, security.AgentRegistration{
		AgentID:      card.ID,
		AgentType:    card.Metadata.Type,
		PrivateKey:   key,
		Certificates: a.Certificates,
		Capabilities: append(card.CapabilityNames(), card.Metadata.Delegated...),
		Version:      card.Version,
		SwarmID:      a.SwarmID,
	})
	if err != nil {
		return nil, err
	}
	if err := n.registry.RegisterAgent(ctx, card, a.TTL); err != nil {
		if uerr := n.security.UnregisterAgent(ctx, card.ID); uerr != nil {
			n.logger.WithField(logger.FieldAgentID, card.ID).Warnf("Failed to roll back identity: %v", uerr)
		}
		return nil, err
	}

	n.mu.Lock()
	n.agents[card.ID] = &localAgent{id: card.ID, handler: a.Handler, ttl: a.TTL, lastBeat: time.Now()}
	n.mu.Unlock()
	return ident, nil
}

// UnregisterAgent removes a hosted agent's identity, sessions and card.
func (n *Node) UnregisterAgent(ctx context.Context, agentID string) error {
	n.mu.Lock()
	_, hosted := n.agents[agentID]
	delete(n.agents, agentID)
	n.mu.Unlock()

	secErr := n.security.UnregisterAgent(ctx, agentID)
	regErr := n.registry.UnregisterAgent(ctx, agentID)
	if !hosted && secErr != nil && regErr != nil {
		return a2a.Errorf(a2a.KindUnknownAgent, "agent %s is not hosted on node %s", agentID, n.cfg.Node.ID)
	}
	for _, err := range []error{secErr, regErr} {
		if err != nil && !a2a.IsKind(err, a2a.KindUnknownAgent) {
			return err
		}
	}
	return nil
}

func (n *Node) agent(agentID string) *localAgent {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.agents[agentID]
}

func (n *Node) isLocal(agentID string) bool {
	return agentID == n.cfg.Node.ID || n.agent(agentID) != nil
}

// LocalAgents lists the ids of hosted agents.
func (n *Node) LocalAgents() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.agents))
	for id := range n.agents {
		out = append(out, id)
	}
	return out
}

// localCards is the bundle announced to peers: the node card plus the current
// registry view of every hosted agent.
func (n *Node) localCards() []*agentcard.AgentCard {
	var cards []*agentcard.AgentCard
	if card, err := n.registry.GetAgent(n.cfg.Node.ID); err == nil {
		cards = append(cards, card)
	}
	for _, id := range n.LocalAgents() {
		if card, err := n.registry.GetAgent(id); err == nil {
			cards = append(cards, card)
		}
	}
	return cards
}

// heartbeatLoop refreshes each expiring hosted card once a third of its TTL
// has passed.
func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var due []string
			n.mu.Lock()
			for id, a := range n.agents {
				if a.ttl > 0 && now.Sub(a.lastBeat) >= a.ttl/3 {
					a.lastBeat = now
					due = append(due, id)
				}
			}
			n.mu.Unlock()
			for _, id := range due {
				if err := n.registry.Heartbeat(ctx, id); err != nil {
					n.logger.WithField(logger.FieldAgentID, id).Warnf("Heartbeat failed: %v", err)
				}
			}
		}
	}
}

// cardSink feeds cards learned from peers into the registry and, when they
// carry a public key, into the security manager so their agents can open
// sessions with ours.
type cardSink struct{ n *Node }

func (s cardSink) RegisterAgent(ctx context.Context, card *agentcard.AgentCard, ttl time.Duration) error {
	if err := s.n.registry.RegisterAgent(ctx, card, ttl); err != nil {
		return err
	}
	s.n.trustRemote(ctx, card)
	return nil
}

func (s cardSink) Heartbeat(ctx context.Context, agentID string) error {
	return s.n.registry.Heartbeat(ctx, agentID)
}

func (n *Node) trustRemote(ctx context.Context, card *agentcard.AgentCard) {
	if card.Metadata.PublicKey == "" {
		return
	}
	log := n.logger.WithField(logger.FieldAgentID, card.ID)
	pub, err := crypto.DecodePublicKey(card.Metadata.PublicKey)
	if err != nil {
		log.Warnf("Ignoring undecodable public key: %v", err)
		return
	}
	_, err = n.security.RegisterAgent(ctx, security.AgentRegistration{
		AgentID:      card.ID,
		AgentType:    card.Metadata.Type,
		PublicKey:    pub,
		Capabilities: append(card.CapabilityNames(), card.Metadata.Delegated...),
		Version:      card.Version,
	})
	if err != nil && !a2a.IsKind(err, a2a.KindAgentAlreadyRegistered) {
		log.Warnf("Remote identity rejected: %v", err)
	}
}

func encodeKey(priv ed25519.PrivateKey) (string, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("unexpected public key type %T", priv.Public())
	}
	return crypto.EncodePublicKey(pub)
}
