package crypto

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

// chunkTag separates chunk signatures from every other message signed
// under the same namespace.
var chunkTag = []byte("_CHUNK")

// ChunkSigningHash returns the 32-byte digest a sequencer signs for a chunk:
// BLAKE3(namespace || "_CHUNK" || sequencer || height_be8 || payload).
func ChunkSigningHash(namespace []byte, c types.Chunk) types.Hash {
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], c.Height)
	return HashConcat(namespace, chunkTag, c.Sequencer[:], height[:], c.Payload[:])
}

// SignChunk signs a chunk with the sequencer's key.
func SignChunk(key *PrivateKey, namespace []byte, c types.Chunk) ([]byte, error) {
	h := ChunkSigningHash(namespace, c)
	return key.Sign(h)
}

// NewNode builds a signed node on top of parent, which must be nil exactly
// when height is zero.
func NewNode(key *PrivateKey, namespace []byte, height uint64, payload types.Hash, parent *types.Node) (types.Node, error) {
	c := types.Chunk{Sequencer: key.SequencerID(), Height: height, Payload: payload}
	sig, err := SignChunk(key, namespace, c)
	if err != nil {
		return types.Node{}, err
	}
	n := types.Node{Chunk: c, Signature: sig}
	if parent != nil {
		p := parent.Clone()
		n.Parent = &types.Parent{Digest: p.Chunk.Payload, Signature: p.Signature}
	}
	return n, nil
}

// ChunkVerifier checks sequencer signatures on chunks and their parent
// links, domain-separated by namespace.
type ChunkVerifier struct {
	Namespace []byte
}

// NewChunkVerifier creates a verifier bound to a protocol namespace.
func NewChunkVerifier(namespace []byte) *ChunkVerifier {
	ns := make([]byte, len(namespace))
	copy(ns, namespace)
	return &ChunkVerifier{Namespace: ns}
}

// Verify returns true when sig is the sequencer's signature over chunk and,
// for non-genesis chunks, parent carries a valid signature over the chunk
// one height below. Genesis chunks must not carry a parent.
func (v *ChunkVerifier) Verify(chunk types.Chunk, sig []byte, parent *types.Parent) bool {
	if !v.verifyChunk(chunk, sig) {
		return false
	}
	if chunk.Height == 0 {
		return parent == nil
	}
	if parent == nil {
		return false
	}
	pc := types.Chunk{Sequencer: chunk.Sequencer, Height: chunk.Height - 1, Payload: parent.Digest}
	return v.verifyChunk(pc, parent.Signature)
}

func (v *ChunkVerifier) verifyChunk(c types.Chunk, sig []byte) bool {
	h := ChunkSigningHash(v.Namespace, c)
	return VerifySignature(c.Sequencer, h, sig)
}
