package types

import (
	"math"
	"reflect"
	"testing"
)

func TestNode_Clone(t *testing.T) {
	n := Node{
		Chunk:     Chunk{Sequencer: SequencerID{0x02}, Height: 3, Payload: Hash{0x01}},
		Signature: []byte{1, 2, 3},
		Parent:    &Parent{Digest: Hash{0x09}, Signature: []byte{4, 5}},
	}

	c := n.Clone()
	if !reflect.DeepEqual(c, n) {
		t.Fatalf("clone differs: %+v vs %+v", c, n)
	}

	c.Signature[0] = 0xff
	c.Parent.Signature[0] = 0xff
	c.Parent.Digest[0] = 0xff
	if n.Signature[0] != 1 || n.Parent.Signature[0] != 4 || n.Parent.Digest[0] != 0x09 {
		t.Error("Clone should not alias the original")
	}
}

func TestNode_ParentChunk(t *testing.T) {
	seq := SequencerID{0x03}
	genesis := Node{Chunk: Chunk{Sequencer: seq, Height: 0}}
	if _, ok := genesis.ParentChunk(); ok {
		t.Error("genesis node should have no parent chunk")
	}

	child := Node{
		Chunk:  Chunk{Sequencer: seq, Height: 7},
		Parent: &Parent{Digest: Hash{0xaa}},
	}
	pc, ok := child.ParentChunk()
	if !ok {
		t.Fatal("expected parent chunk")
	}
	want := Chunk{Sequencer: seq, Height: 6, Payload: Hash{0xaa}}
	if pc != want {
		t.Errorf("ParentChunk = %v, want %v", pc, want)
	}
}

func TestRange_Batches(t *testing.T) {
	tests := []struct {
		name string
		r    Range
		max  uint64
		want []Range
	}{
		{"even split", Range{6, 9}, 2, []Range{{6, 7}, {8, 9}}},
		{"remainder", Range{1, 5}, 2, []Range{{1, 2}, {3, 4}, {5, 5}}},
		{"single batch", Range{4, 5}, 10, []Range{{4, 5}}},
		{"single height", Range{0, 0}, 3, []Range{{0, 0}}},
		{"empty range", Range{5, 4}, 2, nil},
		{"zero max", Range{1, 3}, 0, nil},
		{"top of uint64", Range{^uint64(0) - 1, ^uint64(0)}, 4, []Range{{^uint64(0) - 1, ^uint64(0)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.r.Batches(tt.max)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Batches(%d) = %v, want %v", tt.max, got, tt.want)
			}
		})
	}
}

func TestRange_LenContains(t *testing.T) {
	r := Range{From: 6, To: 9}
	if r.Len() != 4 {
		t.Errorf("Len = %d, want 4", r.Len())
	}
	if !r.Contains(6) || !r.Contains(9) || r.Contains(5) || r.Contains(10) {
		t.Error("Contains bounds wrong")
	}
	if (Range{From: 3, To: 2}).Len() != 0 {
		t.Error("inverted range should be empty")
	}
	if got := (Range{From: 0, To: math.MaxUint64}).Len(); got != math.MaxUint64 {
		t.Errorf("full range Len = %d, want saturation at MaxUint64", got)
	}
	if got := (Range{From: 1, To: math.MaxUint64}).Len(); got != math.MaxUint64 {
		t.Errorf("Len = %d, want MaxUint64", got)
	}
}

func TestRange_Head(t *testing.T) {
	tests := []struct {
		name string
		r    Range
		max  uint64
		want Range
		ok   bool
	}{
		{"cut", Range{6, 20}, 4, Range{6, 9}, true},
		{"short range", Range{6, 7}, 4, Range{6, 7}, true},
		{"exact", Range{6, 9}, 4, Range{6, 9}, true},
		{"huge range", Range{0, 1 << 62}, 16, Range{0, 15}, true},
		{"full range", Range{0, math.MaxUint64}, 16, Range{0, 15}, true},
		{"top of uint64", Range{math.MaxUint64 - 1, math.MaxUint64}, 16, Range{math.MaxUint64 - 1, math.MaxUint64}, true},
		{"empty", Range{5, 4}, 4, Range{}, false},
		{"zero max", Range{1, 3}, 0, Range{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.r.Head(tt.max)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Head(%d) = %v, %v; want %v, %v", tt.max, got, ok, tt.want, tt.ok)
			}
		})
	}
}
