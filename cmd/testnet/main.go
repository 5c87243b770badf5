// Command testnet boots a 3-node local broadcast network from scratch.
//
// Usage: go run ./cmd/testnet/
//
// It generates a sequencer key and a genesis, boots a producer and a
// follower, publishes chunks at a fixed interval, then starts a late joiner
// that has to backfill the whole chain through the resolver. It verifies
// that every node converges on the producer's tip. Ctrl+C for early shutdown.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-obcast/config"
	klog "github.com/Klingon-tech/klingnet-obcast/internal/log"
	"github.com/Klingon-tech/klingnet-obcast/internal/node"
	"github.com/Klingon-tech/klingnet-obcast/pkg/crypto"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

const (
	numChunks     = 10
	chunkInterval = time.Second
	convergeWait  = 30 * time.Second
)

func main() {
	klog.Init("info", false, "")
	logger := klog.WithComponent("testnet")

	logger.Info().Msg("=== Klingnet obcast 3-Node Local Testnet ===")

	root, err := os.MkdirTemp("", "obcast-testnet-")
	if err != nil {
		logger.Fatal().Err(err).Msg("create temp dir")
	}
	defer os.RemoveAll(root)

	// ── Phase 1: Sequencer identity + Genesis ───────────────────────────

	key, err := crypto.GenerateKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("generate sequencer key")
	}
	keyPath := filepath.Join(root, "sequencer.key")
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key.Serialize())), 0600); err != nil {
		logger.Fatal().Err(err).Msg("write sequencer key")
	}
	seq := key.SequencerID()
	key.Zero()

	gen := config.TestnetGenesis()
	gen.Namespace = "klingnet-obcast-local"
	gen.Sequencers = []string{seq.String()}
	gen.Timestamp = uint64(time.Now().Unix())
	genesisPath := filepath.Join(root, "genesis.json")
	if err := gen.Save(genesisPath); err != nil {
		logger.Fatal().Err(err).Msg("write genesis")
	}

	logger.Info().
		Str("namespace", gen.Namespace).
		Str("sequencer", seq.Short()).
		Msg("Genesis config created")

	// ── Phase 2: Producer + follower ────────────────────────────────────

	producer := buildNode(root, "node-1", genesisPath, keyPath)
	defer producer.Stop()
	follower := buildNode(root, "node-2", genesisPath, "")
	defer follower.Stop()

	connectNodes(producer, follower)
	time.Sleep(500 * time.Millisecond) // GossipSub mesh stabilization.

	logger.Info().
		Int("node1_peers", producer.P2P().PeerCount()).
		Int("node2_peers", follower.P2P().PeerCount()).
		Msg("Nodes connected")

	// ── Phase 3: Signal handling ────────────────────────────────────────

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// ── Phase 4: Chunk production ───────────────────────────────────────

	logger.Info().
		Int("chunks", numChunks).
		Dur("interval", chunkInterval).
		Msg("Starting chunk production")

	var last types.Node
produce:
	for i := 0; i < numChunks; i++ {
		n, err := producer.Publish([]byte(fmt.Sprintf("chunk-%d", i)))
		if err != nil {
			logger.Fatal().Err(err).Msg("publish chunk")
		}
		last = n
		logger.Info().
			Uint64("height", n.Chunk.Height).
			Str("payload", n.Chunk.Payload.Short()).
			Msg("Chunk published")

		if i < numChunks-1 {
			select {
			case <-ctx.Done():
				break produce
			case <-time.After(chunkInterval):
			}
		}
	}

	// ── Phase 5: Late joiner ────────────────────────────────────────────

	joiner := buildNode(root, "node-3", genesisPath, "")
	defer joiner.Stop()
	connectNodes(follower, joiner)
	logger.Info().Msg("Late joiner connected to the follower only")

	// ── Phase 6: Verification ───────────────────────────────────────────

	ok := waitConverged(ctx, seq, last, follower, joiner)
	for i, n := range []*node.Node{producer, follower, joiner} {
		tip, found, _ := n.Tip(context.Background(), seq)
		height := "none"
		if found {
			height = fmt.Sprint(tip.Chunk.Height)
		}
		logger.Info().
			Str("node", fmt.Sprintf("node-%d", i+1)).
			Str("height", height).
			Msg("Final chain state")
	}

	if !ok {
		logger.Error().Msg("FAILURE: nodes did not converge on the producer's tip")
		os.Exit(1)
	}
	logger.Info().Msg("SUCCESS: all nodes converged on the producer's tip")
	fmt.Println()
	fmt.Printf("  Chunks published: %d\n", last.Chunk.Height+1)
	fmt.Printf("  Sequencer:        %s\n", seq)
	fmt.Printf("  Tip payload:      %s\n", last.Chunk.Payload)
	fmt.Println()
}

// buildNode creates and starts a node with its own data directory.
func buildNode(root, name, genesisPath, keyPath string) *node.Node {
	logger := klog.WithComponent("testnet")

	cfg := config.DefaultTestnet()
	cfg.DataDir = filepath.Join(root, name)
	cfg.GenesisFile = genesisPath
	cfg.SequencerKey = keyPath
	cfg.P2P.ListenAddr = "127.0.0.1"
	cfg.P2P.Port = 0 // Random port.
	cfg.P2P.NoDiscover = true
	cfg.RPC.Addr = "127.0.0.1:0"
	cfg.Resolver.MaxFetch = 4
	if err := config.EnsureDataDirs(cfg); err != nil {
		logger.Fatal().Err(err).Str("node", name).Msg("create data dirs")
	}

	n, err := node.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("node", name).Msg("build node")
	}
	if err := n.Start(); err != nil {
		n.Stop()
		logger.Fatal().Err(err).Str("node", name).Msg("start node")
	}
	logger.Info().Str("node", name).Str("id", klog.ShortPeer(n.ID().String())).Msg("Node started")
	return n
}

// connectNodes dials a from b.
func connectNodes(a, b *node.Node) {
	info := libp2ppeer.AddrInfo{
		ID:    a.ID(),
		Addrs: a.P2P().Host().Addrs(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.P2P().Host().Connect(ctx, info); err != nil {
		logger := klog.WithComponent("testnet")
		logger.Error().Err(err).Msg("connect nodes")
	}
}

// waitConverged polls until every node holds want as its tip.
func waitConverged(ctx context.Context, seq types.SequencerID, want types.Node, nodes ...*node.Node) bool {
	deadline := time.After(convergeWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		done := true
		for _, n := range nodes {
			tip, ok, err := n.Tip(ctx, seq)
			if err != nil || !ok || tip.Chunk != want.Chunk {
				done = false
				break
			}
		}
		if done {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}
