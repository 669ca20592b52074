package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/logger"
)

const (
	DiscoveryInterval = 10 * time.Second
	stalePeerAfter    = 5 * time.Minute
)

// Discovery finds peers on the local network with mDNS, connects to them and
// exchanges cards. Connected peers are re-exchanged every DiscoveryInterval so
// their cards stay fresh in the registry.
type Discovery struct {
	host        host.Host
	serviceTag  string
	exchange    *CardExchange
	mdnsService mdns.Service
	foundPeers  map[peer.ID]*PeerInfo
	logger      *logrus.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

func NewDiscovery(h host.Host, serviceTag string, exchange *CardExchange, log *logrus.Logger) *Discovery {
	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		host:       h,
		serviceTag: serviceTag,
		exchange:   exchange,
		foundPeers: make(map[peer.ID]*PeerInfo),
		logger:     logger.OrDefault(log),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins mDNS advertisement and the refresh loop.
func (d *Discovery) Start() error {
	d.logger.Infof("Starting mDNS discovery with tag %s", d.serviceTag)

	svc := mdns.NewMdnsService(d.host, d.serviceTag, d)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS service: %w", err)
	}
	d.mdnsService = svc

	d.wg.Add(1)
	go d.runDiscoveryLoop()
	return nil
}

func (d *Discovery) Stop() error {
	d.cancel()
	var err error
	if d.mdnsService != nil {
		err = d.mdnsService.Close()
	}
	d.wg.Wait()
	return err
}

func (d *Discovery) runDiscoveryLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.refreshPeers()
		}
	}
}

func (d *Discovery) refreshPeers() {
	now := time.Now()
	var connected []peer.ID

	d.mu.Lock()
	for id, info := range d.foundPeers {
		isConnected := d.host.Network().Connectedness(id) == network.Connected
		if isConnected != info.IsConnected {
			info.IsConnected = isConnected
			d.logger.Infof("Peer %s connected=%v", id.ShortString(), isConnected)
		}
		if isConnected {
			info.LastSeen = now
			connected = append(connected, id)
		} else if now.Sub(info.LastSeen) > stalePeerAfter {
			d.logger.Infof("Removing stale peer %s", id.ShortString())
			delete(d.foundPeers, id)
		}
	}
	d.mu.Unlock()

	for _, id := range connected {
		d.exchangeWith(id)
	}
}

// HandlePeerFound implements mdns.Notifee.
func (d *Discovery) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.host.ID() || d.ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	info, exists := d.foundPeers[pi.ID]
	if !exists {
		info = &PeerInfo{ID: pi.ID, FoundAt: time.Now()}
		d.foundPeers[pi.ID] = info
		d.logger.Infof("Discovered new peer: %s", pi.ID.ShortString())
	}
	info.Addrs = pi.Addrs
	info.LastSeen = time.Now()
	d.mu.Unlock()

	if !exists {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.connect(pi)
		}()
	}
}

func (d *Discovery) connect(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()
	if err := d.host.Connect(ctx, pi); err != nil {
		d.logger.Warnf("Failed to connect to peer %s: %v", pi.ID.ShortString(), err)
		return
	}
	d.mu.Lock()
	if info, ok := d.foundPeers[pi.ID]; ok {
		info.IsConnected = true
	}
	d.mu.Unlock()
	d.exchangeWith(pi.ID)
}

func (d *Discovery) exchangeWith(id peer.ID) {
	ctx, cancel := context.WithTimeout(d.ctx, 15*time.Second)
	defer cancel()
	cards, err := d.exchange.RequestCards(ctx, id)
	if err != nil {
		d.logger.Warnf("Card exchange with %s failed: %v", id.ShortString(), err)
		return
	}
	agents := make([]string, len(cards))
	for i, c := range cards {
		agents[i] = c.ID
	}
	d.mu.Lock()
	if info, ok := d.foundPeers[id]; ok {
		info.Agents = agents
	}
	d.mu.Unlock()
}

// GetPeers returns copies of the known peers.
func (d *Discovery) GetPeers() []PeerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerInfo, 0, len(d.foundPeers))
	for _, info := range d.foundPeers {
		c := *info
		c.Agents = append([]string(nil), info.Agents...)
		out = append(out, c)
	}
	return out
}
