package p2p

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// gater implements the libp2p ConnectionGater interface. It refuses banned
// peers and, when an allowlist is configured, peers outside it.
type gater struct {
	bans    *BanManager
	allowed func(peer.ID) bool
}

func (g *gater) admit(p peer.ID) bool {
	if g.allowed != nil && !g.allowed(p) {
		return false
	}
	return !g.bans.IsBanned(p)
}

// InterceptPeerDial rejects outbound dials to refused peers.
func (g *gater) InterceptPeerDial(p peer.ID) bool {
	return g.admit(p)
}

// InterceptAddrDial allows all address dials; filtering is per peer.
func (g *gater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

// InterceptAccept allows all inbound connections; the identity is unknown here.
func (g *gater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured checks the authenticated identity.
func (g *gater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return g.admit(p)
}

// InterceptUpgraded allows all fully upgraded connections.
func (g *gater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
