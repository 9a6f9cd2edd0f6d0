package biogate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"southwinds.dev/biogate/audit"
	"southwinds.dev/biogate/keystore"
)

// KeyHandle identifies a named key in the key store. Handles are owned by the
// KeyVault that returned them and compared by identity.
type KeyHandle struct {
	name                       string
	purposes                   keystore.Purpose
	requiresUserAuthorization  bool
	invalidatedOnNewEnrollment bool
	algorithm                  string
	createdAt                  time.Time
}

func (h *KeyHandle) Name() string { return h.name }
func (h *KeyHandle) Purposes() keystore.Purpose { return h.purposes }
func (h *KeyHandle) RequiresUserAuthorization() bool { return h.requiresUserAuthorization }
func (h *KeyHandle) InvalidatedOnNewEnrollment() bool { return h.invalidatedOnNewEnrollment }
func (h *KeyHandle) Algorithm() string { return h.algorithm }
func (h *KeyHandle) CreatedAt() time.Time { return h.createdAt }

func newKeyHandle(info *keystore.KeyInfo) *KeyHandle {
	return &KeyHandle{
		name:                       info.Spec.Name,
		purposes:                   info.Spec.Purposes,
		requiresUserAuthorization:  info.Spec.UserAuthenticationRequired,
		invalidatedOnNewEnrollment: info.Spec.InvalidatedByBiometricEnrollment,
		algorithm:                  info.Spec.Transformation(),
		createdAt:                  info.CreatedAt,
	}
}

type keyOptions struct {
	invalidateOnEnrollment bool
}

// KeyOption customizes key generation
type KeyOption func(*keyOptions)

// WithInvalidationOnEnrollment sets whether a generated key is revoked when the
// enrolled biometrics change. The default is true.
func WithInvalidationOnEnrollment(invalidate bool) KeyOption {
	return func(o *keyOptions) {
		o.invalidateOnEnrollment = invalidate
	}
}

// KeyVault creates and looks up the named keys that protect authorization.
// Ensuring a key is separate from opening a session on it: the first happens
// on first use or after an explicit reset, the second on every attempt.
type KeyVault struct {
	store   keystore.Store
	audit   audit.Logger
	metrics *Metrics
	userID  string

	mu      sync.Mutex
	handles map[string]*KeyHandle
}

// NewKeyVault creates a vault on store. A nil auditLogger disables auditing
// and a nil metrics records nothing.
func NewKeyVault(store keystore.Store, auditLogger audit.Logger, metrics *Metrics, userID string) (*KeyVault, error) {
	if store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &KeyVault{
		store:   store,
		audit:   auditLogger,
		metrics: metrics,
		userID:  userID,
		handles: make(map[string]*KeyHandle),
	}, nil
}

// EnsureKey returns the handle of the named key, generating it with the
// authorization policy if it does not exist. Ensuring an existing key is a
// no-op and returns the same handle. Failures are ErrKeyProvisioning and are
// never retried here.
func (kv *KeyVault) EnsureKey(ctx context.Context, name string, opts ...KeyOption) (*KeyHandle, error) {
	options := keyOptions{invalidateOnEnrollment: true}
	for _, opt := range opts {
		opt(&options)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	handle, generated, err := kv.ensureLocked(ctx, name, options)
	kv.metrics.keyOperation("ensure", err)
	kv.logAudit(ActionKeyEnsure, name, err, map[string]interface{}{"generated": generated})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (kv *KeyVault) ensureLocked(ctx context.Context, name string, options keyOptions) (*KeyHandle, bool, error) {
	info, err := kv.store.KeyInfo(ctx, name)
	if err == nil {
		return kv.cacheLocked(info), false, nil
	}
	if !errors.Is(err, keystore.ErrKeyNotFound) {
		return nil, false, classifyProvisioningError("ensure key", name, err)
	}

	handle, err := kv.generateLocked(ctx, name, options)
	if err != nil {
		return nil, false, err
	}
	return handle, true, nil
}

func (kv *KeyVault) generateLocked(ctx context.Context, name string, options keyOptions) (*KeyHandle, error) {
	spec := keystore.DefaultKeySpec(name)
	spec.InvalidatedByBiometricEnrollment = options.invalidateOnEnrollment

	info, err := kv.store.GenerateKey(ctx, spec)
	kv.metrics.keyOperation("generate", err)
	if err != nil {
		err = classifyProvisioningError("generate key", name, err)
		kv.logAudit(ActionKeyGenerate, name, err, nil)
		return nil, err
	}

	delete(kv.handles, name)
	handle := kv.cacheLocked(info)
	kv.logAudit(ActionKeyGenerate, name, nil, map[string]interface{}{
		"algorithm":                     handle.algorithm,
		"invalidated_on_new_enrollment": handle.invalidatedOnNewEnrollment,
	})
	return handle, nil
}

// cacheLocked returns the cached handle while it still describes the stored
// key, so repeated lookups hand out the same identity.
func (kv *KeyVault) cacheLocked(info *keystore.KeyInfo) *KeyHandle {
	if cached, ok := kv.handles[info.Spec.Name]; ok && cached.createdAt.Equal(info.CreatedAt) {
		return cached
	}
	handle := newKeyHandle(info)
	kv.handles[handle.name] = handle
	return handle
}

// GetKey returns the handle of a usable key. It returns nil without error when
// the key does not exist or has been invalidated; it never regenerates.
func (kv *KeyVault) GetKey(ctx context.Context, name string) (*KeyHandle, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	info, err := kv.store.KeyInfo(ctx, name)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			delete(kv.handles, name)
			return nil, nil
		}
		return nil, &KeyError{Op: "get key", KeyName: name, Kind: ErrKeyStoreFault, Cause: err}
	}
	if info.Invalidated {
		return nil, nil
	}
	return kv.cacheLocked(info), nil
}

// RegenerateKey replaces the named key with a fresh one. This is the explicit
// consent path after invalidation; previous handles become stale. The existing
// key and its handle are kept when generation fails.
func (kv *KeyVault) RegenerateKey(ctx context.Context, name string, opts ...KeyOption) (*KeyHandle, error) {
	options := keyOptions{invalidateOnEnrollment: true}
	for _, opt := range opts {
		opt(&options)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	handle, err := kv.generateLocked(ctx, name, options)
	kv.metrics.keyOperation("regenerate", err)
	kv.logAudit(ActionKeyRegenerate, name, err, nil)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// DeleteKey removes the named key. Deleting a missing key succeeds.
func (kv *KeyVault) DeleteKey(ctx context.Context, name string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	err := kv.store.DeleteKey(ctx, name)
	if err != nil {
		err = &KeyError{Op: "delete key", KeyName: name, Kind: ErrKeyStoreFault, Cause: err}
	} else {
		delete(kv.handles, name)
	}

	kv.metrics.keyOperation("delete", err)
	kv.logAudit(ActionKeyDelete, name, err, nil)
	return err
}

// KeyInfo exposes the store's view of a key, including invalidation
func (kv *KeyVault) KeyInfo(ctx context.Context, name string) (*keystore.KeyInfo, error) {
	info, err := kv.store.KeyInfo(ctx, name)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return nil, err
		}
		return nil, &KeyError{Op: "key info", KeyName: name, Kind: ErrKeyStoreFault, Cause: err}
	}
	return info, nil
}

func (kv *KeyVault) logAudit(action, keyName string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["key_name"] = keyName
	logAudit(kv.audit, kv.userID, action, err, metadata)
}
