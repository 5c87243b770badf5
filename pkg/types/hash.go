// Package types defines the primitive values of the ordered-broadcast layer:
// digests, sequencer identities, chunks and chain nodes.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashSize is the length of a digest in bytes.
const HashSize = 32

// Hash represents a 256-bit digest value.
type Hash [HashSize]byte

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex-encoded hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 16 hex characters, for log fields.
func (h Hash) Short() string {
	return h.String()[:16]
}

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string into a hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash{}
		return nil
	}
	decoded, err := HexToHash(s)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// HexToHash converts a hex string to a Hash.
// Returns an error if the string is not exactly 64 hex characters.
func HexToHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// SequencerIDSize is the length of a compressed secp256k1 public key.
const SequencerIDSize = 33

// SequencerID identifies a chunk producer by its compressed public key.
type SequencerID [SequencerIDSize]byte

// SequencerIDFromBytes copies a 33-byte compressed public key.
func SequencerIDFromBytes(b []byte) (SequencerID, error) {
	if len(b) != SequencerIDSize {
		return SequencerID{}, fmt.Errorf("sequencer id must be %d bytes, got %d", SequencerIDSize, len(b))
	}
	var id SequencerID
	copy(id[:], b)
	return id, nil
}

// ParseSequencerID decodes a hex-encoded compressed public key.
func ParseSequencerID(s string) (SequencerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return SequencerID{}, fmt.Errorf("invalid hex: %w", err)
	}
	return SequencerIDFromBytes(b)
}

// IsZero returns true if the id is all zeros.
func (s SequencerID) IsZero() bool {
	return s == SequencerID{}
}

// String returns the hex-encoded public key.
func (s SequencerID) String() string {
	return hex.EncodeToString(s[:])
}

// Short returns the first 16 hex characters, for log fields.
func (s SequencerID) Short() string {
	return s.String()[:16]
}

// Bytes returns a copy of the public key bytes.
func (s SequencerID) Bytes() []byte {
	b := make([]byte, SequencerIDSize)
	copy(b, s[:])
	return b
}

// MarshalJSON encodes the id as a hex string.
func (s SequencerID) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a hex string into an id.
func (s *SequencerID) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	id, err := ParseSequencerID(str)
	if err != nil {
		return err
	}
	*s = id
	return nil
}
