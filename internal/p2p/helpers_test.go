package p2p

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var testNamespace = []byte("obcast-test")

// startTestNode creates, starts, and returns a node on a random port.
func startTestNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1"
	cfg.Port = 0
	cfg.NoDiscover = true
	if cfg.Namespace == nil {
		cfg.Namespace = testNamespace
	}
	n := New(cfg)
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

// connectNodes dials a from b.
func connectNodes(t *testing.T, a, b *Node) {
	t.Helper()
	info := peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.host.Connect(ctx, info); err != nil {
		t.Fatalf("connect nodes: %v", err)
	}
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitVerified blocks until both nodes list each other as participants.
func waitVerified(t *testing.T, a, b *Node) {
	t.Helper()
	waitFor(t, 5*time.Second, "handshake", func() bool {
		return hasPeer(a.Participants(), b.ID()) && hasPeer(b.Participants(), a.ID())
	})
}

func hasPeer(ids []peer.ID, id peer.ID) bool {
	for _, p := range ids {
		if p == id {
			return true
		}
	}
	return false
}

func generateTestPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("peer id from key: %v", err)
	}
	return id
}
