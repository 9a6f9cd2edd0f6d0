package keystore

import (
	"context"
	"errors"
	"regexp"
)

// Store is the secure key store behind a key vault. Implementations own the
// key material; callers only ever see specs, metadata and enclaves.
type Store interface {
	// GenerateKey creates the key described by spec, replacing any existing key
	// with the same name.
	GenerateKey(ctx context.Context, spec KeySpec) (*KeyInfo, error)

	// LoadKey returns the key material. It fails with ErrKeyNotFound when no
	// key exists and with ErrKeyPermanentlyInvalidated when the key has been
	// revoked by an enrollment change.
	LoadKey(ctx context.Context, name string) (*Key, error)

	// KeyInfo returns metadata without unwrapping the key material.
	KeyInfo(ctx context.Context, name string) (*KeyInfo, error)

	// DeleteKey removes the key. Deleting a missing key is not an error.
	DeleteKey(ctx context.Context, name string) error

	Close() error
}

var (
	ErrKeyNotFound               = errors.New("key not found")
	ErrKeyPermanentlyInvalidated = errors.New("key permanently invalidated")
	ErrNoEnrolledBiometrics      = errors.New("no biometrics enrolled")
	ErrUnsupportedSpec           = errors.New("unsupported key spec")
	ErrStoreUnavailable          = errors.New("key store unavailable")
	ErrCorruptKey                = errors.New("corrupt key record")
	ErrStoreClosed               = errors.New("key store closed")
	ErrWrongPassphrase           = errors.New("wrong store passphrase")
	ErrTemplateNotFound          = errors.New("enrollment template not found")
)

var keyNameRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)
