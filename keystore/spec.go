package keystore

import (
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"southwinds.dev/biogate/internal/crypto"
)

// Purpose is a bitmask of the operations a key may be used for
type Purpose uint8

const (
	PurposeEncrypt Purpose = 1 << iota
	PurposeDecrypt
)

// Has reports whether all bits of q are set in p
func (p Purpose) Has(q Purpose) bool {
	return p&q == q
}

func (p Purpose) String() string {
	var parts []string
	if p.Has(PurposeEncrypt) {
		parts = append(parts, "encrypt")
	}
	if p.Has(PurposeDecrypt) {
		parts = append(parts, "decrypt")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Algorithm families, block modes and padding schemes accepted by the store
const (
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"
	AlgorithmAES              = "AES"

	BlockModeNone = "NONE"
	BlockModeGCM  = "GCM"

	PaddingNone = "NoPadding"
)

// KeySpec describes the key to generate. It mirrors the parameters a platform
// key store asks for: algorithm family, block mode, padding scheme and the
// authorization policy bound to the key.
type KeySpec struct {
	Name      string  `json:"name"`
	Algorithm string  `json:"algorithm"`
	BlockMode string  `json:"block_mode"`
	Padding   string  `json:"padding"`
	KeySize   int     `json:"key_size"` // bits
	Purposes  Purpose `json:"purposes"`

	// UserAuthenticationRequired makes the key usable only after a successful
	// biometric check. Generating such a key requires at least one enrollment.
	UserAuthenticationRequired bool `json:"user_authentication_required"`

	// InvalidatedByBiometricEnrollment permanently revokes the key as soon as
	// the set of enrolled biometrics changes.
	InvalidatedByBiometricEnrollment bool `json:"invalidated_by_biometric_enrollment"`
}

// DefaultKeySpec returns the policy used for authorization keys: a 256-bit
// ChaCha20-Poly1305 key for encrypt and decrypt that requires user
// authentication and is invalidated on enrollment change.
func DefaultKeySpec(name string) KeySpec {
	return KeySpec{
		Name:                             name,
		Algorithm:                        AlgorithmChaCha20Poly1305,
		BlockMode:                        BlockModeNone,
		Padding:                          PaddingNone,
		KeySize:                          256,
		Purposes:                         PurposeEncrypt | PurposeDecrypt,
		UserAuthenticationRequired:       true,
		InvalidatedByBiometricEnrollment: true,
	}
}

// Validate checks the spec against the suites the store implements
func (s KeySpec) Validate() error {
	if err := validateKeyName(s.Name); err != nil {
		return err
	}
	if s.Purposes == 0 {
		return fmt.Errorf("%w: key %s has no purpose", ErrUnsupportedSpec, s.Name)
	}
	if s.Padding != PaddingNone {
		return fmt.Errorf("%w: padding %q", ErrUnsupportedSpec, s.Padding)
	}

	switch s.Algorithm {
	case AlgorithmChaCha20Poly1305:
		if s.BlockMode != BlockModeNone {
			return fmt.Errorf("%w: block mode %q for %s", ErrUnsupportedSpec, s.BlockMode, s.Algorithm)
		}
		if s.KeySize != 256 {
			return fmt.Errorf("%w: key size %d for %s", ErrUnsupportedSpec, s.KeySize, s.Algorithm)
		}
	case AlgorithmAES:
		if s.BlockMode != BlockModeGCM {
			return fmt.Errorf("%w: block mode %q for %s", ErrUnsupportedSpec, s.BlockMode, s.Algorithm)
		}
		switch s.KeySize {
		case 128, 192, 256:
		default:
			return fmt.Errorf("%w: key size %d for %s", ErrUnsupportedSpec, s.KeySize, s.Algorithm)
		}
	default:
		return fmt.Errorf("%w: algorithm %q", ErrUnsupportedSpec, s.Algorithm)
	}
	return nil
}

// Suite returns the AEAD suite name understood by the crypto package
func (s KeySpec) Suite() string {
	if s.Algorithm == AlgorithmAES {
		return crypto.SuiteAESGCM
	}
	return crypto.SuiteChaCha20Poly1305
}

// Transformation renders the spec as "algorithm/mode/padding"
func (s KeySpec) Transformation() string {
	return s.Algorithm + "/" + s.BlockMode + "/" + s.Padding
}

// KeyInfo is what the store reveals about a key without unwrapping it
type KeyInfo struct {
	Spec        KeySpec   `json:"spec"`
	CreatedAt   time.Time `json:"created_at"`
	Invalidated bool      `json:"invalidated"`
}

// Key is a loaded key. The raw material only ever lives in a memguard enclave.
type Key struct {
	Spec      KeySpec
	CreatedAt time.Time
	material  *memguard.Enclave
}

// Open decrypts the key material into a locked buffer. The caller must
// Destroy the buffer as soon as it is done with it.
func (k *Key) Open() (*memguard.LockedBuffer, error) {
	if k == nil || k.material == nil {
		return nil, fmt.Errorf("%w: key material unavailable", ErrCorruptKey)
	}
	buf, err := k.material.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	return buf, nil
}

// NewKey wraps material that already lives in an enclave. It is used by
// alternative Store implementations.
func NewKey(spec KeySpec, createdAt time.Time, material *memguard.Enclave) *Key {
	return &Key{Spec: spec, CreatedAt: createdAt, material: material}
}

func validateKeyName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: key name cannot be empty", ErrUnsupportedSpec)
	}
	if len(name) > 128 || !keyNameRegex.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: invalid key name %q", ErrUnsupportedSpec, name)
	}
	return nil
}
