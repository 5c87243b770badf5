package crypto

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

const (
	// SignatureSize is the length of a serialized Schnorr signature.
	SignatureSize = schnorr.SignatureSize
	secretSize    = secp256k1.PrivKeyBytesLen
)

// PrivateKey is a sequencer's secp256k1 signing key. Its compressed public
// key is the SequencerID.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey returns a fresh random key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes restores a key from its 32-byte scalar.
func PrivateKeyFromBytes(secret []byte) (*PrivateKey, error) {
	if len(secret) != secretSize {
		return nil, fmt.Errorf("private key is %d bytes, want %d", len(secret), secretSize)
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(secret)}, nil
}

// Sign signs a digest.
func (pk *PrivateKey) Sign(digest types.Hash) ([]byte, error) {
	sig, err := schnorr.Sign(pk.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

func (pk *PrivateKey) SequencerID() types.SequencerID {
	var id types.SequencerID
	copy(id[:], pk.PublicKey())
	return id
}

// Serialize returns the 32-byte scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero wipes the scalar. The key is unusable afterwards.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// VerifySignature reports whether sig is seq's signature over digest.
// Malformed keys and signatures verify as false.
func VerifySignature(seq types.SequencerID, digest types.Hash, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	pub, err := secp256k1.ParsePubKey(seq[:])
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(digest[:], pub)
}
