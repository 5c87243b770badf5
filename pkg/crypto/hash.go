// Package crypto provides the hashing and signature primitives used to
// certify sequencer chunks.
package crypto

import (
	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of the given byte slices without
// allocating an intermediate buffer.
func HashConcat(parts ...[]byte) types.Hash {
	h := blake3.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// PayloadDigest returns the digest a chunk carries for a payload.
func PayloadDigest(payload []byte) types.Hash {
	return Hash(payload)
}
