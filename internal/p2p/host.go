package p2p

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/logger"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

// Host is the libp2p side of a fabric node. Its peer identity is derived
// from the node key.
type Host struct {
	cfg     config.P2PConfig
	nodeKey ed25519.PrivateKey
	local   CardProvider
	sink    CardSink
	ttl     time.Duration
	logger  *logrus.Logger

	host      host.Host
	exchange  *CardExchange
	discovery *Discovery
	mu        sync.Mutex
}

func NewHost(cfg config.P2PConfig, nodeKey ed25519.PrivateKey, local CardProvider, sink CardSink, ttl time.Duration, log *logrus.Logger) *Host {
	return &Host{
		cfg:     cfg,
		nodeKey: nodeKey,
		local:   local,
		sink:    sink,
		ttl:     ttl,
		logger:  logger.OrDefault(log),
	}
}

// Start creates the libp2p host, registers the card protocol and starts mDNS
// when enabled.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.host != nil {
		return nil
	}

	ip := h.cfg.ListenIP
	if ip == "" {
		ip = "0.0.0.0"
	}
	listenAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", ip, h.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to create listen address: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(listenAddr),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.Security(noise.ID, noise.New),
	}
	if len(h.nodeKey) == ed25519.PrivateKeySize {
		priv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(h.nodeKey)
		if err != nil {
			return fmt.Errorf("failed to convert node key: %w", err)
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	lh, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	h.host = lh
	h.logger.Infof("P2P host created with ID: %s", lh.ID())
	h.logger.Infof("Listening on addresses: %v", lh.Addrs())

	h.exchange = NewCardExchange(lh, h.local, h.sink, h.ttl, h.logger)

	if h.cfg.EnableMDNS {
		d := NewDiscovery(lh, h.cfg.Rendezvous, h.exchange, h.logger)
		if err := d.Start(); err != nil {
			h.logger.Errorf("Failed to start discovery: %v", err)
		} else {
			h.discovery = d
		}
	}
	return nil
}

func (h *Host) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.host == nil {
		return nil
	}
	if h.discovery != nil {
		if err := h.discovery.Stop(); err != nil {
			h.logger.Errorf("Failed to stop discovery: %v", err)
		}
		h.discovery = nil
	}
	h.exchange.Close()
	err := h.host.Close()
	h.host = nil
	return err
}

// ID returns the peer id, empty before Start.
func (h *Host) ID() peer.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.host == nil {
		return ""
	}
	return h.host.ID()
}

// Addrs returns full /p2p multiaddrs other nodes can dial.
func (h *Host) Addrs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.host == nil {
		return nil
	}
	info := peer.AddrInfo{ID: h.host.ID(), Addrs: h.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// Connect dials a /p2p multiaddr and exchanges cards with the peer.
func (h *Host) Connect(ctx context.Context, addr string) ([]*agentcard.AgentCard, error) {
	h.mu.Lock()
	lh, exchange := h.host, h.exchange
	h.mu.Unlock()
	if lh == nil {
		return nil, fmt.Errorf("P2P host not started")
	}

	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid multiaddress %s: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("multiaddress %s has no peer id: %w", addr, err)
	}
	if err := lh.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("failed to connect to peer %s: %w", info.ID, err)
	}
	return exchange.RequestCards(ctx, info.ID)
}

// Peers returns peers found by mDNS.
func (h *Host) Peers() []PeerInfo {
	h.mu.Lock()
	d := h.discovery
	h.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.GetPeers()
}
