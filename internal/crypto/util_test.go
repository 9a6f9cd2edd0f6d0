package crypto

import (
	"bytes"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKDF = KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32}

func TestEncryptDecryptValue(t *testing.T) {
	key, err := GenerateRandom(32)
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
		aad  []byte
	}{
		{"Simple", []byte("hello"), nil},
		{"WithAdditionalData", []byte("key material"), []byte("keys/default")},
		{"Large", bytes.Repeat([]byte{0x42}, 64*1024), []byte("x")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encrypted, err := EncryptValue(tc.data, key, tc.aad)
			require.NoError(t, err)
			assert.NotEqual(t, tc.data, encrypted)

			decrypted, err := DecryptValue(encrypted, key, tc.aad)
			require.NoError(t, err)
			assert.Equal(t, tc.data, decrypted)
		})
	}
}

func TestDecryptValueRejectsTampering(t *testing.T) {
	key, err := GenerateRandom(32)
	require.NoError(t, err)

	encrypted, err := EncryptValue([]byte("payload"), key, []byte("keys/a"))
	require.NoError(t, err)

	t.Run("WrongAdditionalData", func(t *testing.T) {
		_, err := DecryptValue(encrypted, key, []byte("keys/b"))
		assert.Error(t, err)
	})

	t.Run("FlippedBit", func(t *testing.T) {
		tampered := append([]byte(nil), encrypted...)
		tampered[len(tampered)-1] ^= 0x01
		_, err := DecryptValue(tampered, key, []byte("keys/a"))
		assert.Error(t, err)
	})

	t.Run("TooShort", func(t *testing.T) {
		_, err := DecryptValue(encrypted[:10], key, nil)
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, err := GenerateRandom(32)
		require.NoError(t, err)
		_, err = DecryptValue(encrypted, other, []byte("keys/a"))
		assert.Error(t, err)
	})
}

func TestNewAEAD(t *testing.T) {
	key32, err := GenerateRandom(32)
	require.NoError(t, err)
	key16, err := GenerateRandom(16)
	require.NoError(t, err)

	aead, err := NewAEAD(SuiteChaCha20Poly1305, key32)
	require.NoError(t, err)
	assert.Equal(t, 12, aead.NonceSize())

	aead, err = NewAEAD(SuiteAESGCM, key16)
	require.NoError(t, err)
	assert.Equal(t, 16, aead.Overhead())

	_, err = NewAEAD(SuiteChaCha20Poly1305, key16)
	assert.Error(t, err, "chacha20poly1305 requires a 256-bit key")

	_, err = NewAEAD("DES", key16)
	assert.ErrorIs(t, err, ErrUnknownSuite)
}

func TestDeriveKey(t *testing.T) {
	salt := memguard.NewEnclave(bytes.Repeat([]byte{7, 1, 3, 9}, 8))

	first, err := DeriveKey([]byte("correct horse battery staple"), salt, testKDF)
	require.NoError(t, err)
	defer first.Destroy()

	second, err := DeriveKey([]byte("correct horse battery staple"), salt, testKDF)
	require.NoError(t, err)
	defer second.Destroy()

	other, err := DeriveKey([]byte("another passphrase entirely"), salt, testKDF)
	require.NoError(t, err)
	defer other.Destroy()

	assert.Len(t, first.Bytes(), 32)
	assert.True(t, bytes.Equal(first.Bytes(), second.Bytes()), "derivation must be deterministic")
	assert.False(t, bytes.Equal(first.Bytes(), other.Bytes()))

	_, err = DeriveKey([]byte("x"), nil, testKDF)
	assert.Error(t, err)
}

func TestIsWeakKey(t *testing.T) {
	strong, err := GenerateRandom(32)
	require.NoError(t, err)

	assert.False(t, IsWeakKey(strong))
	assert.True(t, IsWeakKey(make([]byte, 32)))
	assert.True(t, IsWeakKey(bytes.Repeat([]byte{0xAA}, 32)))
	assert.True(t, IsWeakKey([]byte("short")))
	assert.True(t, IsWeakKey(bytes.Repeat([]byte{1, 2}, 16)))
}

func TestCalculateChecksum(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		CalculateChecksum(nil))
	assert.Len(t, CalculateChecksum([]byte("abc")), 64)
}
