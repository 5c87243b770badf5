package p2p

import (
	"context"
	"errors"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"

	klog "github.com/Klingon-tech/klingnet-obcast/internal/log"
)

const (
	dhtRoundInterval = 30 * time.Second
	dhtRoundTimeout  = 20 * time.Second
)

var (
	errDialSelf     = errors.New("dial self")
	errDialFiltered = errors.New("peer not in allowlist")
	errPeerLimit    = errors.New("peer limit reached")
)

// rendezvous is the mDNS service name and DHT key shared by nodes of one
// namespace.
func (n *Node) rendezvous() string {
	return "klingnet-obcast/" + namespaceTag(n.config.Namespace)
}

// dial connects to pi and records where it was found. Every discovery path
// goes through here so the same filters apply.
func (n *Node) dial(pi peer.AddrInfo, source string, timeout time.Duration) error {
	switch {
	case pi.ID == n.host.ID():
		return errDialSelf
	case !n.allowed(pi.ID):
		return errDialFiltered
	case n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers:
		return errPeerLimit
	}
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		return err
	}
	n.addPeer(pi.ID, source)
	return nil
}

// mdnsNotifee dials peers announced on the local network.
type mdnsNotifee struct{ node *Node }

func (m mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	_ = m.node.dial(pi, SourceMDNS, peerConnectTimeout)
}

func (n *Node) startMDNS() {
	if err := mdns.NewMdnsService(n.host, n.rendezvous(), mdnsNotifee{node: n}).Start(); err != nil {
		klog.P2P.Warn().Err(err).Msg("mDNS unavailable")
	}
}

// connectSeedsOnce dials every configured seed and reports whether any
// answered.
func (n *Node) connectSeedsOnce() bool {
	ok := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			klog.P2P.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		logger := klog.P2P.With().Str("peer", klog.ShortPeer(info.ID.String())).Logger()
		if err := n.dial(*info, SourceSeed, seedRetryInterval); err != nil {
			logger.Warn().Err(err).Msg("Seed connect failed")
			continue
		}
		logger.Info().Msg("Seed connected")
		ok = true
	}
	return ok
}

// connectSeedsLoop redials the seeds whenever the node is isolated.
func (n *Node) connectSeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	ticker := time.NewTicker(seedRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
		if n.PeerCount() > 0 {
			continue
		}
		klog.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds")
		n.connectSeedsOnce()
	}
}

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	d, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return err
	}
	n.dht = d
	return d.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht == nil {
		return
	}
	n.dht.Close()
	n.dht = nil
}

// runDHTDiscovery advertises the rendezvous and looks up other nodes of
// the namespace every round.
func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, n.rendezvous())

	ticker := time.NewTicker(dhtRoundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.dhtRound(rd)
		}
	}
}

func (n *Node) dhtRound(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, dhtRoundTimeout)
	defer cancel()

	found, err := rd.FindPeers(ctx, n.rendezvous())
	if err != nil {
		klog.P2P.Debug().Err(err).Msg("DHT lookup failed")
		return
	}
	for pi := range found {
		if len(pi.Addrs) == 0 {
			continue
		}
		if err := n.dial(pi, SourceDHT, peerConnectTimeout); errors.Is(err, errPeerLimit) {
			return
		}
	}
}
