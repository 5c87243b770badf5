package types

import (
	"fmt"
	"math"
)

// Chunk is one unit of sequencer-produced data. Chunks are values; two chunks
// are the same chunk when all three fields match.
type Chunk struct {
	Sequencer SequencerID `json:"sequencer"`
	Height    uint64      `json:"height"`
	Payload   Hash        `json:"payload"` // digest of the payload bytes
}

// String formats the chunk for logs.
func (c Chunk) String() string {
	return fmt.Sprintf("%s@%d(%s)", c.Sequencer.Short(), c.Height, c.Payload.Short())
}

// Parent is a logical back-reference to the previous chunk in a sequencer's
// chain: the parent's payload digest and the signature that certified it.
// The parent height is always the child height minus one.
type Parent struct {
	Digest    Hash   `json:"digest"`
	Signature []byte `json:"signature"`
}

// Node is a chunk together with its signature and parent link. A node at
// the genesis height has no parent.
type Node struct {
	Chunk     Chunk   `json:"chunk"`
	Signature []byte  `json:"signature"`
	Parent    *Parent `json:"parent,omitempty"`
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	out := Node{Chunk: n.Chunk}
	if n.Signature != nil {
		out.Signature = make([]byte, len(n.Signature))
		copy(out.Signature, n.Signature)
	}
	if n.Parent != nil {
		p := Parent{Digest: n.Parent.Digest}
		if n.Parent.Signature != nil {
			p.Signature = make([]byte, len(n.Parent.Signature))
			copy(p.Signature, n.Parent.Signature)
		}
		out.Parent = &p
	}
	return out
}

// ParentChunk reconstructs the chunk the parent link refers to.
// Returns false for genesis nodes.
func (n Node) ParentChunk() (Chunk, bool) {
	if n.Parent == nil || n.Chunk.Height == 0 {
		return Chunk{}, false
	}
	return Chunk{
		Sequencer: n.Chunk.Sequencer,
		Height:    n.Chunk.Height - 1,
		Payload:   n.Parent.Digest,
	}, true
}

// Range is an inclusive span of chain heights.
type Range struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Len returns the number of heights in the range (0 if empty). The full
// range [0, MaxUint64] saturates at MaxUint64.
func (r Range) Len() uint64 {
	if r.To < r.From {
		return 0
	}
	n := r.To - r.From
	if n == math.MaxUint64 {
		return n
	}
	return n + 1
}

// Head returns the first batch of at most max heights.
func (r Range) Head(max uint64) (Range, bool) {
	if max == 0 || r.To < r.From {
		return Range{}, false
	}
	to := r.To
	if r.To-r.From >= max {
		to = r.From + max - 1
	}
	return Range{From: r.From, To: to}, true
}

// Contains reports whether h lies inside the range.
func (r Range) Contains(h uint64) bool {
	return h >= r.From && h <= r.To
}

// String formats the range as [from,to].
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.From, r.To)
}

// Batches splits the range into consecutive ranges of at most max heights.
// The result holds one element per batch, so callers bound r first.
func (r Range) Batches(max uint64) []Range {
	if max == 0 || r.Len() == 0 {
		return nil
	}
	var out []Range
	for from := r.From; from <= r.To; from += max {
		to := from + max - 1
		if to > r.To || to < from {
			to = r.To
		}
		out = append(out, Range{From: from, To: to})
		if to == r.To {
			break
		}
	}
	return out
}

// FetchRequest asks a peer for the nodes of one sequencer chain in Range.
type FetchRequest struct {
	Sequencer SequencerID `json:"sequencer"`
	Range     Range       `json:"range"`
}

// String formats the request for logs.
func (r FetchRequest) String() string {
	return r.Sequencer.Short() + r.Range.String()
}
