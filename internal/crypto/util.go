package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"southwinds.dev/biogate/internal/misc"
)

// Suite names understood by NewAEAD
const (
	SuiteChaCha20Poly1305 = "ChaCha20-Poly1305"
	SuiteAESGCM           = "AES-GCM"
)

// ErrUnknownSuite is returned when NewAEAD is asked for a suite it does not implement
var ErrUnknownSuite = errors.New("unknown cipher suite")

// KDFParams controls the Argon2id derivation of the store master key
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultKDFParams returns the production derivation parameters
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:    misc.ArgonTime,
		Memory:  misc.ArgonMemory,
		Threads: misc.ArgonThreads,
		KeyLen:  misc.ArgonKeyLen,
	}
}

// NewAEAD builds an authenticated cipher for the given suite.
// The caller keeps ownership of key and is responsible for wiping it.
func NewAEAD(suite string, key []byte) (cipher.AEAD, error) {
	switch suite {
	case SuiteChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return aead, nil
	case SuiteAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create block cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSuite, suite)
	}
}

// GenerateRandom returns n bytes from the system CSPRNG
func GenerateRandom(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func DeriveKey(password []byte, saltEnclave *memguard.Enclave, params KDFParams) (*memguard.LockedBuffer, error) {
	if saltEnclave == nil {
		return nil, errors.New("derivation salt not initialized")
	}

	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	derivedKey := argon2.IDKey(
		password,
		saltBuffer.Bytes(),
		params.Time,
		params.Memory,
		params.Threads,
		params.KeyLen,
	)

	// NewBufferFromBytes wipes the source slice
	return memguard.NewBufferFromBytes(derivedKey), nil
}

// EncryptValue seals value with ChaCha20-Poly1305, binding it to additionalData.
// Output layout: [nonce][ciphertext+tag]
func EncryptValue(value, key, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends to nonce so the result is already nonce-prefixed
	return aead.Seal(nonce, nonce, value, additionalData), nil
}

// DecryptValue reverses EncryptValue
func DecryptValue(encryptedData, key, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonce := encryptedData[:aead.NonceSize()]
	ciphertext := encryptedData[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

func IsWeakKey(key []byte) bool {
	if len(key) < 16 {
		return true
	}

	allSame := true
	for _, b := range key[1:] {
		if b != key[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Should have reasonable variety (at least a quarter of the bytes distinct)
	uniqueBytes := make(map[byte]struct{})
	for _, b := range key {
		uniqueBytes[b] = struct{}{}
	}

	return len(uniqueBytes) < len(key)/4
}
