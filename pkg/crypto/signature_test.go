package crypto

import (
	"bytes"
	"testing"

	"github.com/Klingon-tech/klingnet-obcast/pkg/types"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	if len(key.PublicKey()) != 33 {
		t.Errorf("PublicKey() length = %d, want 33", len(key.PublicKey()))
	}
	if len(key.Serialize()) != 32 {
		t.Errorf("Serialize() length = %d, want 32", len(key.Serialize()))
	}

	id := key.SequencerID()
	if !bytes.Equal(id[:], key.PublicKey()) {
		t.Error("SequencerID should equal the compressed public key")
	}
}

func TestPrivateKeyFromBytes(t *testing.T) {
	original, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	restored, err := PrivateKeyFromBytes(original.Serialize())
	if err != nil {
		t.Fatalf("PrivateKeyFromBytes() error: %v", err)
	}
	if original.SequencerID() != restored.SequencerID() {
		t.Error("restored key should have the same sequencer id")
	}

	for _, n := range []int{0, 16, 64} {
		if _, err := PrivateKeyFromBytes(make([]byte, n)); err == nil {
			t.Errorf("expected error for %d-byte key", n)
		}
	}
}

func TestSign_Verify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	other, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}

	digest := Hash([]byte("test message"))
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if len(sig) != SignatureSize {
		t.Errorf("signature length = %d, want %d", len(sig), SignatureSize)
	}

	if !VerifySignature(key.SequencerID(), digest, sig) {
		t.Error("signature should verify against the signing sequencer")
	}
	if VerifySignature(key.SequencerID(), Hash([]byte("different message")), sig) {
		t.Error("signature should not verify over another digest")
	}
	if VerifySignature(other.SequencerID(), digest, sig) {
		t.Error("signature should not verify for another sequencer")
	}
}

func TestVerify_InvalidInputs(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	digest := Hash([]byte("msg"))
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	tests := []struct {
		name string
		seq  types.SequencerID
		sig  []byte
	}{
		{"zero sequencer", types.SequencerID{}, sig},
		{"empty signature", key.SequencerID(), nil},
		{"short signature", key.SequencerID(), sig[:10]},
		{"long signature", key.SequencerID(), append(append([]byte{}, sig...), 0)},
		{"zero signature", key.SequencerID(), make([]byte, SignatureSize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifySignature(tt.seq, digest, tt.sig) {
				t.Error("should return false for invalid inputs")
			}
		})
	}
}

func TestPrivateKey_Zero(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	key.Zero()
	if !bytes.Equal(key.Serialize(), make([]byte, 32)) {
		t.Error("Serialize() should return zeros after Zero()")
	}
}
