package biogate

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"southwinds.dev/biogate/internal/crypto"
	"southwinds.dev/biogate/keystore"
)

// Mode is the operation a cipher session was initialized for
type Mode int

const (
	ModeEncrypt Mode = iota + 1
	ModeDecrypt
)

func (m Mode) String() string {
	switch m {
	case ModeEncrypt:
		return "encrypt"
	case ModeDecrypt:
		return "decrypt"
	default:
		return "unknown"
	}
}

func (m Mode) purpose() keystore.Purpose {
	if m == ModeDecrypt {
		return keystore.PurposeDecrypt
	}
	return keystore.PurposeEncrypt
}

type sessionOptions struct {
	mode Mode
}

// SessionOption customizes OpenSession
type SessionOption func(*sessionOptions)

// WithMode selects the session mode; the default is ModeEncrypt
func WithMode(mode Mode) SessionOption {
	return func(o *sessionOptions) {
		o.mode = mode
	}
}

// CipherSession is a single-use cryptographic context bound to one key and one
// authorization attempt. A session returned by OpenSession is fully
// initialized; invalidation is reported as an error instead of a session.
//
// When the key requires user authorization the session only encrypts or
// decrypts after the gate authorized it on a successful biometric check.
type CipherSession struct {
	id       string
	mode     Mode
	key      *KeyHandle
	material *keystore.Key
	suite    string

	requiresAuthorization bool

	mu         sync.Mutex
	authorized bool
	destroyed  bool
}

// OpenSession initializes a cipher session on the key behind handle. It
// returns an error matching ErrInvalidated when the key was revoked by an
// enrollment change and ErrKeyStoreFault for every other failure. The handle
// is never modified.
func (kv *KeyVault) OpenSession(ctx context.Context, handle *KeyHandle, opts ...SessionOption) (*CipherSession, error) {
	options := sessionOptions{mode: ModeEncrypt}
	for _, opt := range opts {
		opt(&options)
	}

	session, err := kv.openSession(ctx, handle, options)

	name := ""
	if handle != nil {
		name = handle.name
	}
	kv.metrics.keyOperation("open_session", err)
	if errors.Is(err, ErrInvalidated) {
		kv.logAudit(ActionSessionInvalidated, name, nil, nil)
	} else {
		metadata := map[string]interface{}{"mode": options.mode.String()}
		if session != nil {
			metadata["session_id"] = session.id
		}
		kv.logAudit(ActionSessionOpen, name, err, metadata)
	}

	return session, err
}

func (kv *KeyVault) openSession(ctx context.Context, handle *KeyHandle, options sessionOptions) (*CipherSession, error) {
	if handle == nil {
		return nil, &KeyError{Op: "open session", Kind: ErrKeyStoreFault, Cause: errors.New("nil key handle")}
	}

	key, err := kv.store.LoadKey(ctx, handle.name)
	if err != nil {
		return nil, classifySessionError(handle.name, err)
	}

	if !key.Spec.Purposes.Has(options.mode.purpose()) {
		return nil, classifySessionError(handle.name,
			fmt.Errorf("key purposes %s do not allow %s", key.Spec.Purposes, options.mode))
	}

	// the cipher is built once up front so algorithm problems surface here
	buf, err := key.Open()
	if err != nil {
		return nil, classifySessionError(handle.name, err)
	}
	_, err = crypto.NewAEAD(key.Spec.Suite(), buf.Bytes())
	buf.Destroy()
	if err != nil {
		return nil, classifySessionError(handle.name, err)
	}

	return &CipherSession{
		id:                    uuid.NewString(),
		mode:                  options.mode,
		key:                   handle,
		material:              key,
		suite:                 key.Spec.Suite(),
		requiresAuthorization: key.Spec.UserAuthenticationRequired,
	}, nil
}

func (s *CipherSession) ID() string {
	return s.id
}

func (s *CipherSession) Mode() Mode {
	return s.mode
}

// BoundKey returns the handle the session was opened on
func (s *CipherSession) BoundKey() *KeyHandle {
	return s.key
}

// Usable reports whether the session can still be used, which is until it
// is destroyed.
func (s *CipherSession) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.destroyed
}

// Authorized reports whether a biometric check unlocked the session
func (s *CipherSession) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized
}

func (s *CipherSession) authorize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = true
}

// Encrypt seals plaintext, binding it to additionalData. The output is the
// nonce followed by the ciphertext.
func (s *CipherSession) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	if s.mode != ModeEncrypt {
		return nil, fmt.Errorf("session initialized for %s", s.mode)
	}

	var out []byte
	err := s.withCipher(func(aead cipher.AEAD) error {
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		out = aead.Seal(nonce, nonce, plaintext, additionalData)
		return nil
	})
	return out, err
}

// Decrypt reverses Encrypt
func (s *CipherSession) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	if s.mode != ModeDecrypt {
		return nil, fmt.Errorf("session initialized for %s", s.mode)
	}

	var out []byte
	err := s.withCipher(func(aead cipher.AEAD) error {
		if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
			return errors.New("ciphertext too short")
		}
		nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
		plaintext, err := aead.Open(nil, nonce, sealed, additionalData)
		if err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		out = plaintext
		return nil
	})
	return out, err
}

// Destroy discards the key material; the session is unusable afterwards
func (s *CipherSession) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.material = nil
}

// withCipher opens the key material only for the duration of fn
func (s *CipherSession) withCipher(fn func(aead cipher.AEAD) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrSessionDestroyed
	}
	if s.requiresAuthorization && !s.authorized {
		return ErrSessionNotAuthorized
	}

	buf, err := s.material.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	aead, err := crypto.NewAEAD(s.suite, buf.Bytes())
	if err != nil {
		return err
	}
	return fn(aead)
}
