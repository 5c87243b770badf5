// Package p2p carries the ordered-broadcast layer over libp2p: the fetch
// protocol used for backfill, signed tip announcements, the namespace
// handshake, and peer bans.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-obcast/internal/log"
	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrNotStarted is returned by operations that need a running host.
var ErrNotStarted = errors.New("p2p node not started")

const (
	// peerConnectTimeout is the timeout for connecting to a remembered peer.
	peerConnectTimeout = 5 * time.Second

	// seedRetryInterval is how often seeds are redialed while we have no peers.
	seedRetryInterval = 10 * time.Second

	// maxGossipBytes bounds a single pubsub message.
	maxGossipBytes = 64 * 1024
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // ban and address persistence (nil = disabled, for tests)
	DHTServer  bool
	DataDir    string // persists the libp2p identity when set

	// Namespace isolates topics, protocols and discovery between
	// protocol instances. Peers with a different namespace are banned
	// during the handshake.
	Namespace []byte

	// Sequencers is the set of chain producers. Empty accepts any sequencer.
	Sequencers []types.SequencerID

	// Allowlist, when non-empty, restricts connections and participation
	// to the listed peers.
	Allowlist []peer.ID
}

// Node represents a P2P node built on libp2p.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	topicTip   *pubsub.Topic
	subTip     *pubsub.Subscription
	tipHandler func(from peer.ID, ann *TipAnnouncement)
	seen       *expirable.LRU[string, struct{}]

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	sequencers map[types.SequencerID]struct{}
	allow      map[peer.ID]struct{}

	BanManager      *BanManager
	book            *AddrBook     // nil if Config.DB is nil
	dht             *dht.IpfsDHT  // nil if NoDiscover
	connNotify      *connNotifier // connection lifecycle tracker
	onPeerConnected func(peer.ID) // called once a peer passes the handshake
}

// New creates a new P2P node with the given config.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[peer.ID]*Peer),
		sequencers: make(map[types.SequencerID]struct{}, len(cfg.Sequencers)),
		allow:      make(map[peer.ID]struct{}, len(cfg.Allowlist)),
		seen:       expirable.NewLRU[string, struct{}](announceCacheSize, nil, announceCacheTTL),
	}
	for _, s := range cfg.Sequencers {
		n.sequencers[s] = struct{}{}
	}
	for _, id := range cfg.Allowlist {
		n.allow[id] = struct{}{}
	}
	if cfg.DB != nil {
		n.book = NewAddrBook(cfg.DB)
		n.BanManager = NewBanManager(NewBanStore(cfg.DB), n)
	} else {
		n.BanManager = NewBanManager(nil, n)
	}
	return n
}

// Start initializes the libp2p host, pubsub, and begins listening.
func (n *Node) Start() error {
	logger := klog.P2P
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)

	n.BanManager.LoadBans()

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.ConnectionGater(&gater{bans: n.BanManager, allowed: n.allowed}),
	}
	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.registerHandshakeHandler()
	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(maxGossipBytes))
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinTips(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	go n.loadRememberedPeers()

	if len(n.config.Seeds) > 0 {
		logger.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
	}
	n.connectSeedsOnce()
	go n.connectSeedsLoop()

	if !n.config.NoDiscover {
		n.startMDNS()
		go n.runDHTDiscovery()
	}
	if n.book != nil {
		go n.runRememberLoop()
	}
	go n.BanManager.RunPruneLoop(n.ctx.Done())

	logger.Info().
		Str("id", h.ID().String()).
		Str("namespace", namespaceTag(n.config.Namespace)).
		Msg("P2P node started")
	return nil
}

// Stop shuts down the P2P node.
func (n *Node) Stop() error {
	n.rememberPeers()

	n.cancel()
	if n.subTip != nil {
		n.subTip.Cancel()
	}
	if n.topicTip != nil {
		n.topicTip.Close()
	}
	n.closeDHT()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// Namespace returns the protocol namespace this node serves.
func (n *Node) Namespace() []byte {
	return n.config.Namespace
}

// SetPeerConnectedHandler registers a callback invoked when a peer passes
// the handshake and becomes a participant.
func (n *Node) SetPeerConnectedHandler(fn func(peer.ID)) {
	n.onPeerConnected = fn
}

// DisconnectPeer closes all connections to a peer and removes it from the peer list.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return ErrNotStarted
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// Participants returns the connected peers that passed the handshake, are
// not banned and are allowed by the allowlist, in a stable order.
func (n *Node) Participants() []peer.ID {
	n.mu.RLock()
	out := make([]peer.ID, 0, len(n.peers))
	for id, p := range n.peers {
		if p.Verified {
			out = append(out, id)
		}
	}
	n.mu.RUnlock()

	kept := out[:0]
	for _, id := range out {
		if n.allowed(id) && !n.BanManager.IsBanned(id) {
			kept = append(kept, id)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	return kept
}

// IsSequencer reports whether seq produces a chain this node tracks.
func (n *Node) IsSequencer(seq types.SequencerID) bool {
	if len(n.sequencers) == 0 {
		return true
	}
	_, ok := n.sequencers[seq]
	return ok
}

// Report records misbehavior observed by a higher layer.
func (n *Node) Report(id peer.ID, reason string) {
	klog.P2P.Warn().
		Str("peer", klog.ShortPeer(id.String())).
		Str("reason", reason).
		Msg("Peer reported")
	n.BanManager.RecordOffense(id, PenaltyReported, reason)
}

// allowed reports whether id passes the allowlist.
func (n *Node) allowed(id peer.ID) bool {
	if len(n.allow) == 0 {
		return true
	}
	_, ok := n.allow[id]
	return ok
}

func (n *Node) addPeer(id peer.ID, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, exists := n.peers[id]; exists {
		if p.Source == "" {
			p.Source = source
		}
		return
	}
	n.peers[id] = &Peer{
		ID:          id,
		ConnectedAt: time.Now(),
		Source:      source,
	}
}

// markVerified flags a peer as handshake-complete. Returns false when the
// peer is unknown or was already verified.
func (n *Node) markVerified(id peer.ID) bool {
	n.mu.Lock()
	p, ok := n.peers[id]
	if !ok {
		p = &Peer{ID: id, ConnectedAt: time.Now()}
		n.peers[id] = p
	}
	first := !p.Verified
	p.Verified = true
	n.mu.Unlock()

	if first && n.onPeerConnected != nil {
		go n.onPeerConnected(id)
	}
	return first
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// loadOrCreateIdentity loads a persisted libp2p identity key from dataDir,
// or generates a new one and saves it. This keeps the peer ID stable.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}
