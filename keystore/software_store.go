package keystore

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"southwinds.dev/biogate/internal/crypto"
	"southwinds.dev/biogate/internal/debug"
	"southwinds.dev/biogate/internal/mem"
	"southwinds.dev/biogate/internal/misc"
)

const (
	saltBlob     = "derivation.salt"
	verifierBlob = "verifier.bin"
	keysPrefix   = "keys/"
	keySuffix    = ".key"

	verifierPlaintext = "biogate-master-key-verifier"

	// weak random material is regenerated, not rejected
	maxMaterialAttempts = 3
)

// keyRecord is the persisted form of a key. Material is sealed with the store
// master key and bound to the blob name.
type keyRecord struct {
	Version          int       `json:"version"`
	Spec             KeySpec   `json:"spec"`
	CreatedAt        time.Time `json:"created_at"`
	EnrollmentDigest string    `json:"enrollment_digest,omitempty"`
	Invalidated      bool      `json:"invalidated,omitempty"`
	Material         []byte    `json:"material"`
	Checksum         string    `json:"checksum"`
}

// SoftwareStore is a Store that keeps keys encrypted at rest in a Backend.
//
// Enrollment binding is emulated the way a hardware store enforces it: a key
// generated with InvalidatedByBiometricEnrollment remembers the enrollment
// digest it was created under and refuses to load once the digest changes.
// The revocation is written back to the record the first time it is seen, so
// undoing the enrollment change does not restore the key. Only GenerateKey or
// DeleteKey clear it.
type SoftwareStore struct {
	backend    Backend
	enrollment EnrollmentSource
	kdf        crypto.KDFParams

	saltEnclave      *memguard.Enclave
	masterKeyEnclave *memguard.Enclave
	protectionLevel  mem.ProtectionLevel

	mu     sync.RWMutex
	closed bool
}

// NewSoftwareStore opens (or initializes) a store on backend. The passphrase
// is verified against the store's verifier blob; a mismatch fails with
// ErrWrongPassphrase.
func NewSoftwareStore(ctx context.Context, backend Backend, enrollment EnrollmentSource, options Options) (*SoftwareStore, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if enrollment == nil {
		return nil, errors.New("enrollment source is required")
	}

	if err := backend.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s := &SoftwareStore{
		backend:         backend,
		enrollment:      enrollment,
		kdf:             options.kdfParams(),
		protectionLevel: mem.ProtectionNone,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			fmt.Printf("WARNING: Cannot fully protect memory: %v\n", err)
		}
		s.protectionLevel = level
	}

	if err := s.loadOrCreateSalt(ctx, options.DerivationSalt); err != nil {
		return nil, fmt.Errorf("failed to setup derivation salt: %w", err)
	}

	passphrase, err := options.passphrase()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(passphrase)

	masterKey, err := crypto.DeriveKey(passphrase, s.saltEnclave, s.kdf)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}
	s.masterKeyEnclave = masterKey.Seal()

	if err = s.checkVerifier(ctx); err != nil {
		s.masterKeyEnclave = nil
		return nil, err
	}

	return s, nil
}

// ProtectionLevel reports the memory protection achieved at startup
func (s *SoftwareStore) ProtectionLevel() mem.ProtectionLevel {
	return s.protectionLevel
}

// VerifyPassphrase reports whether passphrase derives the store master key
func (s *SoftwareStore) VerifyPassphrase(passphrase []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	candidate, err := crypto.DeriveKey(passphrase, s.saltEnclave, s.kdf)
	if err != nil {
		return false, err
	}
	defer candidate.Destroy()

	master, err := s.masterKeyEnclave.Open()
	if err != nil {
		return false, fmt.Errorf("failed to open master key: %w", err)
	}
	defer master.Destroy()

	return subtle.ConstantTimeCompare(candidate.Bytes(), master.Bytes()) == 1, nil
}

func (s *SoftwareStore) GenerateKey(ctx context.Context, spec KeySpec) (*KeyInfo, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	if spec.UserAuthenticationRequired {
		enrolled, err := s.enrollment.HasEnrollments(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if !enrolled {
			return nil, fmt.Errorf("%w: key %s requires user authentication", ErrNoEnrolledBiometrics, spec.Name)
		}
	}

	record := keyRecord{
		Version:   misc.KeyRecordVersion,
		Spec:      spec,
		CreatedAt: time.Now().UTC(),
	}
	if spec.InvalidatedByBiometricEnrollment {
		digest, err := s.enrollment.EnrollmentDigest(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		record.EnrollmentDigest = digest
	}

	material, err := generateMaterial(spec.KeySize / 8)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(material)

	name := keyBlobName(spec.Name)
	sealed, err := s.wrap(material, name)
	if err != nil {
		return nil, err
	}
	record.Material = sealed
	record.Checksum = crypto.CalculateChecksum(sealed)

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key record: %w", err)
	}

	if err = saveWithRetry(ctx, s.backend, name, data); err != nil {
		return nil, fmt.Errorf("%w: failed to persist key %s: %w", ErrStoreUnavailable, spec.Name, err)
	}

	debug.Print("SoftwareStore.GenerateKey: %s %s (%d bits)\n", spec.Name, spec.Transformation(), spec.KeySize)
	return &KeyInfo{Spec: spec, CreatedAt: record.CreatedAt}, nil
}

func (s *SoftwareStore) LoadKey(ctx context.Context, name string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	record, version, err := s.loadRecord(ctx, name)
	if err != nil {
		return nil, err
	}

	invalidated, err := s.isInvalidated(ctx, name, record, version)
	if err != nil {
		return nil, err
	}
	if invalidated {
		return nil, fmt.Errorf("%w: %s", ErrKeyPermanentlyInvalidated, name)
	}

	material, err := s.unwrap(record.Material, keyBlobName(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptKey, name, err)
	}
	if len(material) != record.Spec.KeySize/8 {
		memguard.WipeBytes(material)
		return nil, fmt.Errorf("%w: %s: unexpected key length", ErrCorruptKey, name)
	}

	// NewEnclave copies, so material is wiped right after
	enclave := memguard.NewEnclave(material)
	memguard.WipeBytes(material)

	return &Key{Spec: record.Spec, CreatedAt: record.CreatedAt, material: enclave}, nil
}

func (s *SoftwareStore) KeyInfo(ctx context.Context, name string) (*KeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	record, version, err := s.loadRecord(ctx, name)
	if err != nil {
		return nil, err
	}

	invalidated, err := s.isInvalidated(ctx, name, record, version)
	if err != nil {
		return nil, err
	}

	return &KeyInfo{Spec: record.Spec, CreatedAt: record.CreatedAt, Invalidated: invalidated}, nil
}

func (s *SoftwareStore) DeleteKey(ctx context.Context, name string) error {
	if err := validateKeyName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := s.backend.Delete(ctx, keyBlobName(name)); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// ListKeys returns the names of all stored keys
func (s *SoftwareStore) ListKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	blobs, err := s.backend.List(ctx, keysPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	names := make([]string, 0, len(blobs))
	for _, blob := range blobs {
		if !strings.HasSuffix(blob, keySuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(blob, keysPrefix), keySuffix))
	}
	return names, nil
}

// Close destroys the master key and closes the backend. It is safe to call twice.
func (s *SoftwareStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.masterKeyEnclave = nil
	s.saltEnclave = nil

	if s.protectionLevel == mem.ProtectionFull {
		_ = mem.Unlock()
	}
	return s.backend.Close()
}

func (s *SoftwareStore) loadRecord(ctx context.Context, name string) (*keyRecord, string, error) {
	if err := validateKeyName(name); err != nil {
		return nil, "", err
	}

	data, err := s.backend.Load(ctx, keyBlobName(name))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, "", fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		return nil, "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	var record keyRecord
	if err = json.Unmarshal(data.Data, &record); err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrCorruptKey, name, err)
	}
	if record.Version != misc.KeyRecordVersion {
		return nil, "", fmt.Errorf("%w: %s: unsupported record version %d", ErrCorruptKey, name, record.Version)
	}
	if record.Spec.Name != name || crypto.CalculateChecksum(record.Material) != record.Checksum {
		return nil, "", fmt.Errorf("%w: %s: integrity check failed", ErrCorruptKey, name)
	}
	if err = record.Spec.Validate(); err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrCorruptKey, name, err)
	}
	return &record, data.Version, nil
}

func (s *SoftwareStore) isInvalidated(ctx context.Context, name string, record *keyRecord, version string) (bool, error) {
	if record.Invalidated {
		return true, nil
	}
	if !record.Spec.InvalidatedByBiometricEnrollment {
		return false, nil
	}
	digest, err := s.enrollment.EnrollmentDigest(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if digest == record.EnrollmentDigest {
		return false, nil
	}

	// the key is unusable either way, a failed write is retried on the next load
	if err = s.revoke(ctx, name, record, version); err != nil {
		debug.Print("SoftwareStore.revoke: %s: %v\n", name, err)
	}
	return true, nil
}

// revoke persists the invalidation of the record that was read at version.
// A record replaced in the meantime by GenerateKey is left alone.
func (s *SoftwareStore) revoke(ctx context.Context, name string, seen *keyRecord, version string) error {
	blob := keyBlobName(name)
	return withRetry(ctx, "revoke "+blob, func() error {
		current := seen
		if version == "" {
			var err error
			if current, version, err = s.loadRecord(ctx, name); err != nil {
				return err
			}
			if current.Invalidated || current.Checksum != seen.Checksum {
				return nil
			}
		}

		revoked := *current
		revoked.Invalidated = true
		data, err := json.Marshal(revoked)
		if err != nil {
			return fmt.Errorf("failed to marshal key record: %w", err)
		}

		_, err = s.backend.Save(ctx, blob, data, version)
		// the next attempt reloads the record
		version = ""
		return err
	})
}

func (s *SoftwareStore) wrap(material []byte, blobName string) ([]byte, error) {
	master, err := s.masterKeyEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master key: %w", err)
	}
	defer master.Destroy()

	sealed, err := crypto.EncryptValue(material, master.Bytes(), []byte(blobName))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key material: %w", err)
	}
	return sealed, nil
}

func (s *SoftwareStore) unwrap(sealed []byte, blobName string) ([]byte, error) {
	master, err := s.masterKeyEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master key: %w", err)
	}
	defer master.Destroy()

	return crypto.DecryptValue(sealed, master.Bytes(), []byte(blobName))
}

// loadOrCreateSalt loads the persisted derivation salt, creating it on first use
func (s *SoftwareStore) loadOrCreateSalt(ctx context.Context, providedSalt []byte) error {
	existing, err := s.backend.Load(ctx, saltBlob)
	switch {
	case err == nil:
		saltData := existing.Data
		if providedSalt != nil && !bytes.Equal(saltData, providedSalt) {
			memguard.WipeBytes(saltData)
			return fmt.Errorf("provided salt does not match existing salt in storage")
		}
		s.saltEnclave = memguard.NewEnclave(saltData)
		memguard.WipeBytes(saltData)
		return nil

	case errors.Is(err, ErrBlobNotFound):
		var saltData []byte
		if providedSalt != nil {
			saltData = append([]byte(nil), providedSalt...)
		} else if saltData, err = crypto.GenerateRandom(misc.SaltSize); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		defer memguard.WipeBytes(saltData)

		if _, err = s.backend.Save(ctx, saltBlob, saltData, ""); err != nil {
			return fmt.Errorf("%w: failed to save salt: %w", ErrStoreUnavailable, err)
		}
		s.saltEnclave = memguard.NewEnclave(saltData)
		return nil

	default:
		return fmt.Errorf("%w: failed to load salt: %w", ErrStoreUnavailable, err)
	}
}

// checkVerifier decrypts the verifier blob with the derived master key, writing
// it on first use
func (s *SoftwareStore) checkVerifier(ctx context.Context) error {
	existing, err := s.backend.Load(ctx, verifierBlob)
	if errors.Is(err, ErrBlobNotFound) {
		sealed, err := s.wrap([]byte(verifierPlaintext), verifierBlob)
		if err != nil {
			return err
		}
		if _, err = s.backend.Save(ctx, verifierBlob, sealed, ""); err != nil {
			return fmt.Errorf("%w: failed to save verifier: %w", ErrStoreUnavailable, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to load verifier: %w", ErrStoreUnavailable, err)
	}

	plaintext, err := s.unwrap(existing.Data, verifierBlob)
	if err != nil || string(plaintext) != verifierPlaintext {
		return ErrWrongPassphrase
	}
	return nil
}

func generateMaterial(size int) ([]byte, error) {
	for attempt := 0; attempt < maxMaterialAttempts; attempt++ {
		material, err := crypto.GenerateRandom(size)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if !crypto.IsWeakKey(material) {
			return material, nil
		}
		memguard.WipeBytes(material)
	}
	return nil, fmt.Errorf("%w: failed to generate strong key material", ErrStoreUnavailable)
}

func keyBlobName(name string) string {
	return keysPrefix + name + keySuffix
}
