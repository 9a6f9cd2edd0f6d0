package biogate

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/require"
	"southwinds.dev/biogate/keystore"
)

// memStore is an in-memory keystore.Store with switches for invalidation and
// failure injection.
type memStore struct {
	mu          sync.Mutex
	keys        map[string]memKey
	invalidated map[string]bool

	generateErr error
	infoErr     error
	loadErr     error
	deleteErr   error

	// loadHook runs before LoadKey returns, outside the store lock
	loadHook func(ctx context.Context) error

	generateCalls int
	loadCalls     int
}

type memKey struct {
	spec      keystore.KeySpec
	createdAt time.Time
	material  []byte
}

func newMemStore() *memStore {
	return &memStore{
		keys:        make(map[string]memKey),
		invalidated: make(map[string]bool),
	}
}

func (s *memStore) GenerateKey(_ context.Context, spec keystore.KeySpec) (*keystore.KeyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generateCalls++
	if s.generateErr != nil {
		return nil, s.generateErr
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	material := make([]byte, spec.KeySize/8)
	if _, err := rand.Read(material); err != nil {
		return nil, err
	}

	// distinct creation times keep handle identity checks meaningful
	createdAt := time.Now().UTC()
	if prev, ok := s.keys[spec.Name]; ok && !createdAt.After(prev.createdAt) {
		createdAt = prev.createdAt.Add(time.Nanosecond)
	}

	s.keys[spec.Name] = memKey{spec: spec, createdAt: createdAt, material: material}
	delete(s.invalidated, spec.Name)
	return &keystore.KeyInfo{Spec: spec, CreatedAt: createdAt}, nil
}

func (s *memStore) LoadKey(ctx context.Context, name string) (*keystore.Key, error) {
	s.mu.Lock()
	s.loadCalls++
	hook := s.loadHook
	key, ok := s.keys[name]
	invalidated := s.invalidated[name]
	loadErr := s.loadErr
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if loadErr != nil {
		return nil, loadErr
	}
	if !ok {
		return nil, keystore.ErrKeyNotFound
	}
	if invalidated {
		return nil, keystore.ErrKeyPermanentlyInvalidated
	}

	material := make([]byte, len(key.material))
	copy(material, key.material)
	return keystore.NewKey(key.spec, key.createdAt, memguard.NewEnclave(material)), nil
}

func (s *memStore) KeyInfo(_ context.Context, name string) (*keystore.KeyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.infoErr != nil {
		return nil, s.infoErr
	}
	key, ok := s.keys[name]
	if !ok {
		return nil, keystore.ErrKeyNotFound
	}
	return &keystore.KeyInfo{Spec: key.spec, CreatedAt: key.createdAt, Invalidated: s.invalidated[name]}, nil
}

func (s *memStore) DeleteKey(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.keys, name)
	delete(s.invalidated, name)
	return nil
}

func (s *memStore) Close() error {
	return nil
}

// invalidate simulates an enrollment change revoking the key
func (s *memStore) invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated[name] = true
}

func (s *memStore) set(fn func(s *memStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// recordingListener collects every stage change in order
type recordingListener struct {
	mu      sync.Mutex
	changes []StageChange
}

func (l *recordingListener) OnStageChanged(change StageChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
}

func (l *recordingListener) all() []StageChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StageChange, len(l.changes))
	copy(out, l.changes)
	return out
}

func (l *recordingListener) last() StageChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.changes) == 0 {
		return StageChange{}
	}
	return l.changes[len(l.changes)-1]
}

// completionCounter counts completion callbacks and keeps the last outcome
type completionCounter struct {
	mu      sync.Mutex
	calls   int
	outcome Outcome
}

func (c *completionCounter) fn(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.outcome = o
}

func (c *completionCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *completionCounter) last() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

func newTestVault(t *testing.T, store keystore.Store) *KeyVault {
	t.Helper()
	vault, err := NewKeyVault(store, nil, nil, "tester")
	require.NoError(t, err)
	return vault
}

type gateFixture struct {
	store    *memStore
	vault    *KeyVault
	key      *KeyHandle
	prefs    *StaticPreferences
	listener *recordingListener
	done     *completionCounter
	gate     *Gate
}

// newGateFixture builds an Idle gate on a freshly ensured default key with
// the fingerprint preference set to useFingerprint.
func newGateFixture(t *testing.T, useFingerprint bool) *gateFixture {
	t.Helper()

	f := &gateFixture{
		store:    newMemStore(),
		prefs:    NewStaticPreferences(map[string]bool{PreferenceUseFingerprint: useFingerprint}),
		listener: &recordingListener{},
		done:     &completionCounter{},
	}
	f.vault = newTestVault(t, f.store)

	var err error
	f.key, err = f.vault.EnsureKey(context.Background(), DefaultKeyName)
	require.NoError(t, err)

	f.gate, err = NewGate(f.vault, f.key, f.prefs, DefaultOptions(), f.listener)
	require.NoError(t, err)
	require.NoError(t, f.gate.RegisterCompletion(f.done.fn))
	return f
}

// begin starts the attempt and requires it to reach a stage
func (f *gateFixture) begin(t *testing.T) Stage {
	t.Helper()
	stage, err := f.gate.BeginAuthorization(context.Background())
	require.NoError(t, err)
	return stage
}
