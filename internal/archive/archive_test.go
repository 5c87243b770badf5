package archive

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-obcast/internal/storage"
	"github.com/Klingon-tech/klingnet-obcast/pkg/crypto"
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

var testNamespace = []byte("archive-test")

func chain(t *testing.T, n int) []types.Node {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var (
		out    []types.Node
		parent *types.Node
	)
	for h := 0; h < n; h++ {
		node, err := crypto.NewNode(key, testNamespace, uint64(h), crypto.PayloadDigest([]byte{byte(h)}), parent)
		if err != nil {
			t.Fatalf("NewNode(%d): %v", h, err)
		}
		out = append(out, node)
		parent = &out[len(out)-1]
	}
	return out
}

// plainDB hides the Batcher implementation of the wrapped DB.
type plainDB struct{ storage.DB }

func TestArchive(t *testing.T) {
	backends := map[string]func() storage.DB{
		"memory":   func() storage.DB { return storage.NewMemory() },
		"no-batch": func() storage.DB { return plainDB{storage.NewMemory()} },
		"prefix":   func() storage.DB { return storage.NewPrefixDB(storage.NewMemory(), []byte("ns/")) },
	}
	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			testArchive(t, New(mk()))
		})
	}
}

func testArchive(t *testing.T, a *Archive) {
	nodes := chain(t, 5)
	seq := nodes[0].Chunk.Sequencer

	if _, ok, err := a.Tip(seq); err != nil || ok {
		t.Fatalf("Tip() on empty archive = %v, %v", ok, err)
	}

	// Out of order: the tip index only moves up.
	for _, i := range []int{0, 1, 3, 2} {
		if err := a.Put(nodes[i]); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	tip, ok, err := a.Tip(seq)
	if err != nil || !ok {
		t.Fatalf("Tip() = %v, %v", ok, err)
	}
	if tip.Chunk.Height != 3 {
		t.Fatalf("tip height = %d, want 3", tip.Chunk.Height)
	}

	got, err := a.Get(seq, 2)
	if err != nil {
		t.Fatalf("Get(2): %v", err)
	}
	if got.Chunk != nodes[2].Chunk || got.Parent == nil || got.Parent.Digest != nodes[1].Chunk.Payload {
		t.Fatalf("Get(2) = %+v", got)
	}
	if _, err := a.Get(seq, 4); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get(4) error = %v, want ErrNotFound", err)
	}

	tests := []struct {
		name  string
		r     types.Range
		limit int
		want  []uint64
	}{
		{"all", types.Range{From: 0, To: 4}, 10, []uint64{0, 1, 2, 3}},
		{"limited", types.Range{From: 1, To: 4}, 2, []uint64{1, 2}},
		{"gap at start", types.Range{From: 4, To: 4}, 10, nil},
		{"empty range", types.Range{From: 3, To: 2}, 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := a.Range(seq, tt.r, tt.limit)
			if err != nil {
				t.Fatalf("Range: %v", err)
			}
			if len(out) != len(tt.want) {
				t.Fatalf("Range returned %d nodes, want %d", len(out), len(tt.want))
			}
			for i, h := range tt.want {
				if out[i].Chunk.Height != h {
					t.Errorf("node %d height = %d, want %d", i, out[i].Chunk.Height, h)
				}
			}
		})
	}

	if n, err := a.Count(seq); err != nil || n != 4 {
		t.Fatalf("Count() = %d, %v; want 4", n, err)
	}
}

func TestArchive_TipsRestoresEverySequencer(t *testing.T) {
	a := New(storage.NewMemory())
	c1 := chain(t, 3)
	c2 := chain(t, 2)
	for _, n := range append(c1, c2...) {
		if err := a.Put(n); err != nil {
			t.Fatal(err)
		}
	}

	tips, err := a.Tips()
	if err != nil {
		t.Fatalf("Tips: %v", err)
	}
	if len(tips) != 2 {
		t.Fatalf("Tips() returned %d nodes, want 2", len(tips))
	}
	want := map[types.SequencerID]uint64{
		c1[0].Chunk.Sequencer: 2,
		c2[0].Chunk.Sequencer: 1,
	}
	for _, tip := range tips {
		if want[tip.Chunk.Sequencer] != tip.Chunk.Height {
			t.Errorf("tip for %s = %d, want %d", tip.Chunk.Sequencer.Short(), tip.Chunk.Height, want[tip.Chunk.Sequencer])
		}
	}
}

func TestArchive_BadgerPersistence(t *testing.T) {
	dir := t.TempDir()
	nodes := chain(t, 2)

	db, err := storage.NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	a := New(db)
	for _, n := range nodes {
		if err := a.Put(n); err != nil {
			t.Fatal(err)
		}
	}
	db.Close()

	db, err = storage.NewBadger(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	tip, ok, err := New(db).Tip(nodes[0].Chunk.Sequencer)
	if err != nil || !ok {
		t.Fatalf("Tip() after reopen = %v, %v", ok, err)
	}
	if tip.Chunk != nodes[1].Chunk {
		t.Fatalf("tip = %s, want %s", tip.Chunk, nodes[1].Chunk)
	}
}
