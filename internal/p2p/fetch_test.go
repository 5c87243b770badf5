package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-obcast/internal/archive"
	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
	"github.com/Klingon-tech/klingnet-obcast/pkg/crypto"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
)

// staticSource serves nothing, or a fixed error.
type staticSource struct {
	err  error
	tips []types.Node
}

func (s *staticSource) Range(types.SequencerID, types.Range, int) ([]types.Node, error) {
	return nil, s.err
}

func (s *staticSource) Tips() ([]types.Node, error) {
	return s.tips, s.err
}

// buildArchive stores a chain of n nodes for a fresh sequencer.
func buildArchive(t *testing.T, n int) (*crypto.PrivateKey, *archive.Archive, []types.Node) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	arc := archive.New(storage.NewMemory())
	var chain []types.Node
	var parent *types.Node
	for h := 0; h < n; h++ {
		node, err := crypto.NewNode(key, testNamespace, uint64(h), crypto.PayloadDigest([]byte{byte(h)}), parent)
		if err != nil {
			t.Fatalf("NewNode: %v", err)
		}
		if err := arc.Put(node); err != nil {
			t.Fatalf("Put: %v", err)
		}
		chain = append(chain, node)
		parent = &chain[len(chain)-1]
	}
	return key, arc, chain
}

func fetchPair(t *testing.T, src Source) (server, client *Node, f *Fetcher) {
	t.Helper()
	server = startTestNode(t, Config{})
	client = startTestNode(t, Config{})
	NewFetcher(server).Serve(src)
	connectNodes(t, server, client)
	return server, client, NewFetcher(client)
}

func TestFetcher_RoundTrip(t *testing.T) {
	key, arc, chain := buildArchive(t, 10)
	server, _, f := fetchPair(t, arc)

	tests := []struct {
		name string
		r    types.Range
		want int
	}{
		{"middle", types.Range{From: 3, To: 5}, 3},
		{"from genesis", types.Range{From: 0, To: 1}, 2},
		{"past tip", types.Range{From: 8, To: 20}, 2},
		{"unknown heights", types.Range{From: 50, To: 60}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			nodes, err := f.Fetch(ctx, server.ID(), types.FetchRequest{Sequencer: key.SequencerID(), Range: tt.r})
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if len(nodes) != tt.want {
				t.Fatalf("got %d nodes, want %d", len(nodes), tt.want)
			}
			for i, n := range nodes {
				want := chain[tt.r.From+uint64(i)]
				if n.Chunk != want.Chunk {
					t.Errorf("node %d: got %s, want %s", i, n.Chunk, want.Chunk)
				}
			}
		})
	}
}

func TestFetcher_RemoteError(t *testing.T) {
	server, _, f := fetchPair(t, &staticSource{err: errors.New("disk on fire")})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.Fetch(ctx, server.ID(), types.FetchRequest{Range: types.Range{From: 1, To: 2}})
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("got %v, want ErrRemote", err)
	}

	_, err = f.Fetch(ctx, server.ID(), types.FetchRequest{Range: types.Range{From: 2, To: 1}})
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("empty range: got %v, want ErrRemote", err)
	}
}

func TestFetcher_DeadlineCancelsStream(t *testing.T) {
	server := startTestNode(t, Config{})
	client := startTestNode(t, Config{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	server.host.SetStreamHandler(FetchProtocol(testNamespace), func(s network.Stream) {
		defer s.Close()
		<-release
	})
	connectNodes(t, server, client)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewFetcher(client).Fetch(ctx, server.ID(), types.FetchRequest{Range: types.Range{From: 1, To: 1}})
	if err == nil {
		t.Fatal("expected an error from a hung peer")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("fetch outlived its deadline by far: %v", elapsed)
	}
}

func TestFetcher_NotStarted(t *testing.T) {
	f := NewFetcher(New(Config{}))
	if _, err := f.Fetch(context.Background(), "x", types.FetchRequest{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("got %v, want ErrNotStarted", err)
	}
}

func TestFetcher_RequestTips(t *testing.T) {
	key, arc, chain := buildArchive(t, 4)
	server, client, f := fetchPair(t, arc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tips, err := f.RequestTips(ctx, server.ID())
	if err != nil {
		t.Fatalf("RequestTips: %v", err)
	}
	if len(tips) != 1 || tips[0].Chunk != chain[3].Chunk {
		t.Fatalf("unexpected tips %v", tips)
	}
	if tips[0].Chunk.Sequencer != key.SequencerID() {
		t.Error("wrong sequencer")
	}
	if client.BanManager.IsBanned(server.ID()) {
		t.Error("honest server penalized")
	}
}

func TestFetcher_RequestTips_DropsInvalid(t *testing.T) {
	_, _, chain := buildArchive(t, 3)
	forged := chain[2].Clone()
	forged.Chunk.Payload[0] ^= 0xff

	server, client, f := fetchPair(t, &staticSource{tips: []types.Node{chain[1], forged}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tips, err := f.RequestTips(ctx, server.ID())
	if err != nil {
		t.Fatalf("RequestTips: %v", err)
	}
	if len(tips) != 1 || tips[0].Chunk != chain[1].Chunk {
		t.Fatalf("expected only the valid tip, got %v", tips)
	}

	if score := client.BanManager.Score(server.ID()); score != PenaltyBadResponse {
		t.Errorf("score = %d, want %d", score, PenaltyBadResponse)
	}
}
