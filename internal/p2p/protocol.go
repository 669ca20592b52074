package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/logger"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

// CardExchange serves CardProtocol and feeds cards received from peers into
// a CardSink. Both sides send their bundle first and then read the other's.
type CardExchange struct {
	host   host.Host
	logger *logrus.Logger
	local  CardProvider
	sink   CardSink
	ttl    time.Duration

	mu         sync.RWMutex
	peerAgents map[peer.ID][]string
}

func NewCardExchange(h host.Host, local CardProvider, sink CardSink, ttl time.Duration, log *logrus.Logger) *CardExchange {
	if ttl <= 0 {
		ttl = DefaultCardTTL
	}
	e := &CardExchange{
		host:       h,
		logger:     logger.OrDefault(log),
		local:      local,
		sink:       sink,
		ttl:        ttl,
		peerAgents: make(map[peer.ID][]string),
	}
	h.SetStreamHandler(CardProtocol, e.handleCardStream)
	return e
}

// Close removes the stream handler.
func (e *CardExchange) Close() {
	e.host.RemoveStreamHandler(CardProtocol)
}

func (e *CardExchange) bundle() CardBundle {
	var cards []*agentcard.AgentCard
	if e.local != nil {
		cards = e.local()
	}
	return CardBundle{PeerID: e.host.ID().String(), Cards: cards, Timestamp: time.Now().UnixMilli()}
}

func (e *CardExchange) handleCardStream(stream network.Stream) {
	defer stream.Close()
	peerID := stream.Conn().RemotePeer()
	_ = stream.SetDeadline(time.Now().Add(30 * time.Second))

	if err := json.NewEncoder(stream).Encode(e.bundle()); err != nil {
		e.logger.Errorf("Failed to send cards to %s: %v", peerID.ShortString(), err)
		return
	}
	var theirs CardBundle
	if err := json.NewDecoder(io.LimitReader(stream, maxBundleBytes)).Decode(&theirs); err != nil {
		e.logger.Errorf("Failed to receive cards from %s: %v", peerID.ShortString(), err)
		return
	}
	e.ingest(context.Background(), peerID, &theirs)
}

// RequestCards exchanges bundles with a connected peer and returns the cards
// it sent.
func (e *CardExchange) RequestCards(ctx context.Context, peerID peer.ID) ([]*agentcard.AgentCard, error) {
	stream, err := e.host.NewStream(ctx, peerID, CardProtocol)
	if err != nil {
		return nil, fmt.Errorf("failed to open card stream: %w", err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := json.NewEncoder(stream).Encode(e.bundle()); err != nil {
		return nil, fmt.Errorf("failed to send our cards: %w", err)
	}
	var theirs CardBundle
	if err := json.NewDecoder(io.LimitReader(stream, maxBundleBytes)).Decode(&theirs); err != nil {
		return nil, fmt.Errorf("failed to receive peer cards: %w", err)
	}
	return e.ingest(ctx, peerID, &theirs), nil
}

// ingest registers or refreshes every card of the bundle and returns the
// accepted ones. Cards claiming a locally hosted agent id are dropped.
func (e *CardExchange) ingest(ctx context.Context, peerID peer.ID, b *CardBundle) []*agentcard.AgentCard {
	localIDs := map[string]bool{}
	for _, c := range e.bundle().Cards {
		localIDs[c.ID] = true
	}

	var accepted []*agentcard.AgentCard
	var ids []string
	for _, card := range b.Cards {
		if card == nil || card.ID == "" {
			continue
		}
		if localIDs[card.ID] {
			e.logger.Warnf("Peer %s announced local agent %s, ignoring", peerID.ShortString(), card.ID)
			continue
		}
		if e.sink != nil {
			err := e.sink.RegisterAgent(ctx, card, e.ttl)
			if a2a.IsKind(err, a2a.KindAgentAlreadyRegistered) {
				err = e.sink.Heartbeat(ctx, card.ID)
			}
			if err != nil {
				e.logger.WithField(logger.FieldAgentID, card.ID).Warnf("Rejected card from %s: %v", peerID.ShortString(), err)
				continue
			}
		}
		accepted = append(accepted, card)
		ids = append(ids, card.ID)
	}
	sort.Strings(ids)

	e.mu.Lock()
	e.peerAgents[peerID] = ids
	e.mu.Unlock()

	e.logger.Infof("Card exchange with %s: %d of %d cards accepted", peerID.ShortString(), len(accepted), len(b.Cards))
	return accepted
}

// PeerAgents returns the agent ids last announced by a peer.
func (e *CardExchange) PeerAgents(peerID peer.ID) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.peerAgents[peerID]...)
}
