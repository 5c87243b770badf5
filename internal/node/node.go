// Package node assembles a broadcast node that can be embedded in any
// binary: storage, the libp2p node, the resolver and the metrics endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-obcast/config"
	"github.com/Klingon-tech/klingnet-obcast/internal/archive"
	klog "github.com/Klingon-tech/klingnet-obcast/internal/log"
	"github.com/Klingon-tech/klingnet-obcast/internal/metrics"
	"github.com/Klingon-tech/klingnet-obcast/internal/p2p"
	"github.com/Klingon-tech/klingnet-obcast/internal/peers"
	"github.com/Klingon-tech/klingnet-obcast/internal/resolver"
	"github.com/Klingon-tech/klingnet-obcast/internal/rpc"
	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
	"github.com/Klingon-tech/klingnet-obcast/pkg/crypto"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

const (
	// announceInterval is how often a sequencer re-announces its tip so
	// late joiners learn about it without asking.
	announceInterval = 30 * time.Second

	// tipsRequestTimeout bounds the tips exchange with a new peer.
	tipsRequestTimeout = 10 * time.Second

	metricsShutdownTimeout = 5 * time.Second
)

// Storage prefixes inside the node database.
var (
	archivePrefix = []byte("archive/")
	p2pPrefix     = []byte("p2p/")
)

var (
	// ErrNotSequencer is returned by Publish on a node without a sequencer key.
	ErrNotSequencer = errors.New("node has no sequencer key")

	// ErrNotRunning is returned by queries made before Start or after Stop.
	ErrNotRunning = errors.New("node not running")
)

// Node is a fully-initialized broadcast node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Storage
	db      storage.DB
	archive *archive.Archive

	// Networking
	p2pNode *p2p.Node
	fetcher *p2p.Fetcher

	// Backfill
	actor   *resolver.Actor
	mailbox *resolver.Mailbox
	ready   chan struct{} // closed once fetcher and mailbox are set

	// API
	rpcServer *rpc.Server

	// Metrics (recorder is nil when disabled)
	registry   *prometheus.Registry
	recorder   *metrics.Recorder
	metricsLn  net.Listener
	metricsSrv *http.Server

	// Publishing
	seqKey *crypto.PrivateKey
	self   types.SequencerID // valid when seqKey != nil
	pubMu  sync.Mutex

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

// InitLogging configures the global logger from cfg. Without an explicit
// log file, logs go to <datadir>/logs/obcast.log as well as stdout.
func InitLogging(cfg *config.Config) error {
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "obcast.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	return nil
}

// New creates and initializes a new Node. It opens storage and builds the
// P2P node but does NOT start networking or the resolver. Call Start for
// that.
func New(cfg *config.Config) (*Node, error) {
	logger := klog.Node

	// ── 1. Genesis ──────────────────────────────────────────────────
	genesis, err := loadGenesis(cfg)
	if err != nil {
		return nil, fmt.Errorf("load genesis: %w", err)
	}
	sequencers, err := genesis.SequencerIDs()
	if err != nil {
		return nil, fmt.Errorf("genesis sequencers: %w", err)
	}
	participants, err := genesis.ParticipantIDs()
	if err != nil {
		return nil, fmt.Errorf("genesis participants: %w", err)
	}

	logger.Info().
		Str("namespace", genesis.Namespace).
		Str("network", string(cfg.Network)).
		Int("sequencers", len(sequencers)).
		Int("participants", len(participants)).
		Msg("Starting Klingnet obcast node")

	// ── 2. Sequencer key ────────────────────────────────────────────
	var seqKey *crypto.PrivateKey
	if cfg.SequencerKey != "" {
		seqKey, err = loadSequencerKey(cfg.SequencerKey, cfg.SequencerPassword)
		if err != nil {
			return nil, fmt.Errorf("load sequencer key %s: %w", cfg.SequencerKey, err)
		}
		id := seqKey.SequencerID()
		if len(sequencers) > 0 && !containsSequencer(sequencers, id) {
			seqKey.Zero()
			return nil, fmt.Errorf("sequencer key %s is not in the genesis sequencer set", id.Short())
		}
		logger.Info().Str("sequencer", id.Short()).Msg("Sequencer key loaded")
	}

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.StoreDir())
	if err != nil {
		if seqKey != nil {
			seqKey.Zero()
		}
		return nil, fmt.Errorf("open database at %s: %w", cfg.StoreDir(), err)
	}
	arch := archive.New(ArchiveStore(db))
	logger.Info().Str("path", cfg.StoreDir()).Msg("Database opened")

	// ── 4. Metrics ──────────────────────────────────────────────────
	var (
		registry *prometheus.Registry
		recorder *metrics.Recorder
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		recorder = metrics.NewRecorder(registry)
	}

	// ── 5. P2P ──────────────────────────────────────────────────────
	p2pNode := p2p.New(p2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		Seeds:      cfg.P2P.Seeds,
		MaxPeers:   cfg.P2P.MaxPeers,
		NoDiscover: cfg.P2P.NoDiscover,
		DB:         PeerStore(db),
		DHTServer:  cfg.P2P.DHTServer,
		DataDir:    cfg.P2PDir(),
		Namespace:  genesis.NamespaceBytes(),
		Sequencers: sequencers,
		Allowlist:  participants,
	})

	var self types.SequencerID
	if seqKey != nil {
		self = seqKey.SequencerID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:      cfg,
		genesis:  genesis,
		logger:   logger,
		db:       db,
		archive:  arch,
		p2pNode:  p2pNode,
		ready:    make(chan struct{}),
		registry: registry,
		recorder: recorder,
		seqKey:   seqKey,
		self:     self,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start brings up networking, the fetch server, the resolver, the RPC
// server and the metrics endpoint.
func (n *Node) Start() error {
	// Handlers wait on n.ready, so they may fire before the resolver exists.
	n.p2pNode.SetTipHandler(n.onTip)
	n.p2pNode.SetPeerConnectedHandler(n.onPeerConnected)

	if err := n.p2pNode.Start(); err != nil {
		return fmt.Errorf("start p2p: %w", err)
	}
	if n.cfg.P2P.ClearBans {
		n.clearBans()
	}

	n.fetcher = p2p.NewFetcher(n.p2pNode)
	n.fetcher.Serve(n.archive)

	rcfg, err := resolverConfig(n.cfg.Resolver)
	if err != nil {
		return fmt.Errorf("resolver config: %w", err)
	}
	rcfg.Crypto = crypto.NewChunkVerifier(n.genesis.NamespaceBytes())
	rcfg.Blocker = n.p2pNode.BanManager
	rcfg.Supervisor = n.p2pNode
	rcfg.Transport = n.fetcher
	rcfg.Me = n.p2pNode.ID()
	rcfg.Namespace = n.genesis.NamespaceBytes()
	rcfg.Archive = n.archive
	rcfg.Metrics = n.recorder

	actor, mailbox, err := resolver.New(rcfg)
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}
	n.actor = actor
	n.mailbox = mailbox

	if n.registry != nil {
		ln, err := net.Listen("tcp", n.cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("metrics listen on %s: %w", n.cfg.Metrics.Addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(n.registry))
		n.metricsLn = ln
		n.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	group, gctx := errgroup.WithContext(n.ctx)
	n.group = group
	group.Go(func() error {
		return n.actor.Run(gctx)
	})
	if n.metricsSrv != nil {
		group.Go(n.serveMetrics)
		group.Go(func() error {
			<-gctx.Done()
			ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return n.metricsSrv.Shutdown(ctx)
		})
		n.logger.Info().Str("addr", n.metricsLn.Addr().String()).Msg("Metrics endpoint started")
	}
	if n.seqKey != nil {
		group.Go(func() error {
			n.runAnnounce(gctx)
			return nil
		})
	}
	close(n.ready)

	if n.cfg.RPC.Enabled {
		srv := rpc.New(n.cfg.RPC.Addr, n, n.archive, n.p2pNode, n.genesis, n.cfg.RPC)
		srv.SetBanManager(n.p2pNode.BanManager)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start rpc: %w", err)
		}
		n.rpcServer = srv
		n.logger.Info().Str("addr", srv.Addr()).Msg("RPC server started")
	}

	n.logger.Info().
		Str("id", n.p2pNode.ID().String()).
		Strs("addrs", n.p2pNode.Addrs()).
		Msg("Node started")
	return nil
}

// Wait blocks until the node's background tasks exit and returns the first
// error among them.
func (n *Node) Wait() error {
	if n.group == nil {
		return ErrNotRunning
	}
	return n.group.Wait()
}

// Stop gracefully shuts down all node components. Safe to call more than
// once and after a failed Start.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.logger.Info().Msg("Shutting down...")
		if n.rpcServer != nil {
			if err := n.rpcServer.Stop(); err != nil {
				n.logger.Warn().Err(err).Msg("Error stopping RPC server")
			}
		}
		n.cancel()

		if n.group != nil {
			if err := n.group.Wait(); err != nil {
				n.logger.Warn().Err(err).Msg("Background task failed")
			}
		} else if n.metricsLn != nil {
			n.metricsLn.Close()
		}
		if n.fetcher != nil {
			n.fetcher.Close()
		}
		if err := n.p2pNode.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("Error stopping P2P")
		}
		if err := n.db.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("Error closing database")
		}
		if n.seqKey != nil {
			n.seqKey.Zero()
		}
		n.logger.Info().Msg("Node stopped")
	})
}

// ── Accessors ───────────────────────────────────────────────────────

// ID returns the libp2p peer ID.
func (n *Node) ID() peer.ID { return n.p2pNode.ID() }

// Addrs returns the full multiaddrs peers can dial.
func (n *Node) Addrs() []string { return n.p2pNode.Addrs() }

// P2P returns the underlying P2P node.
func (n *Node) P2P() *p2p.Node { return n.p2pNode }

// Genesis returns the genesis the node runs with.
func (n *Node) Genesis() *config.Genesis { return n.genesis }

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (n *Node) MetricsAddr() string {
	if n.metricsLn == nil {
		return ""
	}
	return n.metricsLn.Addr().String()
}

// RPCAddr returns the bound RPC address, or "" when disabled.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// SequencerID returns this node's sequencer identity, if it has a key.
func (n *Node) SequencerID() (types.SequencerID, bool) {
	if n.seqKey == nil {
		return types.SequencerID{}, false
	}
	return n.self, true
}

// Tip returns the highest verified node of a sequencer. The node's own
// chain is read from the archive.
func (n *Node) Tip(ctx context.Context, seq types.SequencerID) (types.Node, bool, error) {
	if n.isOwn(seq) {
		return n.archive.Tip(seq)
	}
	mb, err := n.resolverMailbox(ctx)
	if err != nil {
		return types.Node{}, false, err
	}
	return mb.Tip(ctx, seq)
}

// Status returns the resolver's bookkeeping for a sequencer. The node's own
// chain is never backfilled, so its status comes from the archive.
func (n *Node) Status(ctx context.Context, seq types.SequencerID) (resolver.Status, error) {
	if n.isOwn(seq) {
		tip, ok, err := n.archive.Tip(seq)
		if err != nil || !ok {
			return resolver.Status{}, err
		}
		return resolver.Status{Tip: &tip, Target: tip.Chunk.Height}, nil
	}
	mb, err := n.resolverMailbox(ctx)
	if err != nil {
		return resolver.Status{}, err
	}
	return mb.Status(ctx, seq)
}

// PeerStats returns the resolver's fetch records, fastest first.
func (n *Node) PeerStats(ctx context.Context) ([]peers.Stats, error) {
	mb, err := n.resolverMailbox(ctx)
	if err != nil {
		return nil, err
	}
	return mb.Peers(ctx)
}

// ── Publishing ──────────────────────────────────────────────────────

// Publish appends a chunk carrying the digest of payload to this node's
// sequencer chain, stores it and announces the new tip.
func (n *Node) Publish(payload []byte) (types.Node, error) {
	if n.seqKey == nil {
		return types.Node{}, ErrNotSequencer
	}
	n.pubMu.Lock()
	defer n.pubMu.Unlock()

	seq := n.self
	tip, ok, err := n.archive.Tip(seq)
	if err != nil {
		return types.Node{}, fmt.Errorf("read own tip: %w", err)
	}
	var (
		parent *types.Node
		height uint64
	)
	if ok {
		parent = &tip
		height = tip.Chunk.Height + 1
	}

	node, err := crypto.NewNode(n.seqKey, n.genesis.NamespaceBytes(), height, crypto.PayloadDigest(payload), parent)
	if err != nil {
		return types.Node{}, fmt.Errorf("sign chunk: %w", err)
	}
	if err := n.archive.Put(node); err != nil {
		return types.Node{}, fmt.Errorf("store chunk: %w", err)
	}

	n.logger.Debug().
		Str("sequencer", seq.Short()).
		Uint64("height", height).
		Str("payload", node.Chunk.Payload.Short()).
		Msg("Chunk published")

	n.announce(node.Chunk)
	return node, nil
}

func (n *Node) announce(tip types.Chunk) {
	ann, err := p2p.NewTipAnnouncement(n.seqKey, n.genesis.NamespaceBytes(), tip, time.Now())
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to sign tip announcement")
		return
	}
	if err := n.p2pNode.BroadcastTip(ann); err != nil {
		n.logger.Debug().Err(err).Msg("Failed to broadcast tip")
	}
}

// runAnnounce re-broadcasts the sequencer's tip until ctx ends.
func (n *Node) runAnnounce(ctx context.Context) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	seq := n.self
	n.logger.Info().Dur("interval", announceInterval).Msg("Tip announcements started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.pubMu.Lock()
			tip, ok, err := n.archive.Tip(seq)
			n.pubMu.Unlock()
			if err != nil {
				n.logger.Warn().Err(err).Msg("Failed to read own tip")
				continue
			}
			if ok {
				n.announce(tip.Chunk)
			}
		}
	}
}

// ── Network events ──────────────────────────────────────────────────

// onTip forwards a verified announcement to the resolver. It blocks while
// the mailbox is full, which backs up the gossip read loop.
func (n *Node) onTip(from peer.ID, ann *p2p.TipAnnouncement) {
	if n.isOwn(ann.Sequencer) {
		return
	}
	mb, err := n.resolverMailbox(n.ctx)
	if err != nil {
		return
	}
	if err := mb.NewTip(n.ctx, ann.Sequencer, ann.Height); err != nil {
		n.logger.Debug().Err(err).Str("peer", klog.ShortPeer(from.String())).Msg("Dropped tip announcement")
	}
}

// onPeerConnected asks a freshly verified peer for the tips it holds.
func (n *Node) onPeerConnected(id peer.ID) {
	mb, err := n.resolverMailbox(n.ctx)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, tipsRequestTimeout)
	defer cancel()

	tips, err := n.fetcher.RequestTips(ctx, id)
	if err != nil {
		n.logger.Debug().Err(err).Str("peer", klog.ShortPeer(id.String())).Msg("Tips request failed")
		return
	}
	for _, tip := range tips {
		if n.isOwn(tip.Chunk.Sequencer) {
			continue
		}
		if err := mb.NewTip(n.ctx, tip.Chunk.Sequencer, tip.Chunk.Height); err != nil {
			return
		}
	}
	if len(tips) > 0 {
		n.logger.Debug().
			Str("peer", klog.ShortPeer(id.String())).
			Int("tips", len(tips)).
			Msg("Learned tips from peer")
	}
}

// ── Internals ───────────────────────────────────────────────────────

// resolverMailbox waits until Start has created the resolver.
func (n *Node) resolverMailbox(ctx context.Context) (*resolver.Mailbox, error) {
	select {
	case <-n.ready:
		return n.mailbox, nil
	case <-n.ctx.Done():
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) serveMetrics() error {
	if err := n.metricsSrv.Serve(n.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (n *Node) clearBans() {
	bans := n.p2pNode.BanManager.BanList()
	for _, rec := range bans {
		id, err := peer.Decode(rec.ID)
		if err != nil {
			continue
		}
		n.p2pNode.BanManager.Unban(id)
	}
	n.logger.Info().Int("count", len(bans)).Msg("Cleared peer bans")
}

func (n *Node) isOwn(seq types.SequencerID) bool {
	return n.seqKey != nil && n.self == seq
}

func containsSequencer(set []types.SequencerID, id types.SequencerID) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}
