package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// encryptedKeyPrefix marks a key file sealed with a password.
const encryptedKeyPrefix = "obcast-encrypted:"

const (
	keySaltSize = 16
	// Sealed layout: salt | memory(4) | iterations(4) | parallelism(1) | nonce | ciphertext
	keyHeaderSize = keySaltSize + 4 + 4 + 1
)

// ErrPasswordRequired is returned when an encrypted key file is opened
// without a password.
var ErrPasswordRequired = errors.New("key file is encrypted; password required")

// KeyParams are the Argon2id cost parameters for sealing a key file.
type KeyParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultKeyParams returns the cost used by keygen.
func DefaultKeyParams() KeyParams {
	return KeyParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 4}
}

func deriveFileKey(password, salt []byte, p KeyParams) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
}

// MarshalKeyFile returns the contents of a key file for key. With an empty
// password the key is written as plain hex.
func MarshalKeyFile(key *PrivateKey, password []byte, params KeyParams) ([]byte, error) {
	secret := key.Serialize()
	defer zero(secret)

	if len(password) == 0 {
		return []byte(hex.EncodeToString(secret) + "\n"), nil
	}

	salt := make([]byte, keySaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	fileKey := deriveFileKey(password, salt, params)
	defer zero(fileKey)

	aead, err := chacha20poly1305.NewX(fileKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := make([]byte, 0, keyHeaderSize+len(nonce)+len(secret)+aead.Overhead())
	sealed = append(sealed, salt...)
	sealed = binary.LittleEndian.AppendUint32(sealed, params.Memory)
	sealed = binary.LittleEndian.AppendUint32(sealed, params.Iterations)
	sealed = append(sealed, params.Parallelism)
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, secret, nil)

	return []byte(encryptedKeyPrefix + hex.EncodeToString(sealed) + "\n"), nil
}

// IsEncryptedKeyFile reports whether data was sealed with a password.
func IsEncryptedKeyFile(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte(encryptedKeyPrefix))
}

// ParseKeyFile decodes a key file written by MarshalKeyFile. password is
// ignored for plain files.
func ParseKeyFile(data, password []byte) (*PrivateKey, error) {
	data = bytes.TrimSpace(data)
	if !IsEncryptedKeyFile(data) {
		secret, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode hex: %w", err)
		}
		defer zero(secret)
		return PrivateKeyFromBytes(secret)
	}
	if len(password) == 0 {
		return nil, ErrPasswordRequired
	}

	sealed, err := hex.DecodeString(string(data[len(encryptedKeyPrefix):]))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	nonceSize := chacha20poly1305.NonceSizeX
	if len(sealed) < keyHeaderSize+nonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("encrypted key too short: %d bytes", len(sealed))
	}

	salt := sealed[:keySaltSize]
	params := KeyParams{
		Memory:      binary.LittleEndian.Uint32(sealed[keySaltSize:]),
		Iterations:  binary.LittleEndian.Uint32(sealed[keySaltSize+4:]),
		Parallelism: sealed[keySaltSize+8],
	}
	nonce := sealed[keyHeaderSize : keyHeaderSize+nonceSize]

	fileKey := deriveFileKey(password, salt, params)
	defer zero(fileKey)
	aead, err := chacha20poly1305.NewX(fileKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	secret, err := aead.Open(nil, nonce, sealed[keyHeaderSize+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt key: wrong password or corrupt file")
	}
	defer zero(secret)
	return PrivateKeyFromBytes(secret)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
