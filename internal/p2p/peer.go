package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer sources.
const (
	SourceSeed    = "seed"
	SourceMDNS    = "mdns"
	SourceDHT     = "dht"
	SourceInbound = "inbound"
	SourceBook    = "book"
)

// Peer represents a connected peer.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string
	Verified    bool // passed the namespace handshake
}
