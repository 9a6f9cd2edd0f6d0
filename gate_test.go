package biogate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/biogate/audit"
	"southwinds.dev/biogate/keystore"
)

func TestFreshInstallBiometricSuccess(t *testing.T) {
	f := newGateFixture(t, true)

	assert.Equal(t, StateIdle, f.gate.State())
	stage := f.begin(t)
	assert.Equal(t, StageFingerprint, stage)
	assert.Equal(t, StateAwaiting, f.gate.State())

	require.NoError(t, f.gate.OnSensorOutcome(true))

	assert.Equal(t, 1, f.done.count())
	outcome := f.done.last()
	assert.True(t, outcome.SucceededViaBiometric)
	assert.False(t, outcome.ReenrollmentOffered)
	assert.Equal(t, f.gate.AttemptID(), outcome.AttemptID)
	require.NotNil(t, outcome.Session)
	assert.True(t, outcome.Session.Authorized())
	assert.Same(t, f.key, outcome.Session.BoundKey())

	ciphertext, err := outcome.Session.Encrypt([]byte("purchase sku-1"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ciphertext)
	outcome.Session.Destroy()

	assert.Equal(t, StateResolved, f.gate.State())
	assert.Equal(t, StageFingerprint, f.gate.Stage())
	stored, ok := f.gate.Outcome()
	require.True(t, ok)
	assert.True(t, stored.SucceededViaBiometric)
}

func TestInvalidatedKeyPasswordSuccess(t *testing.T) {
	f := newGateFixture(t, true)
	f.store.invalidate(DefaultKeyName)

	stage := f.begin(t)
	assert.Equal(t, StageNewFingerprintEnrolled, stage)
	assert.NoError(t, f.gate.Err(), "invalidation is not a failure")

	require.NoError(t, f.gate.OnPasswordVerified(true))

	assert.Equal(t, 1, f.done.count())
	outcome := f.done.last()
	assert.False(t, outcome.SucceededViaBiometric)
	assert.True(t, outcome.ReenrollmentOffered)
	assert.Nil(t, outcome.Session)
	assert.Equal(t, StateResolved, f.gate.State())
}

func TestCancelThenLateSensorSuccess(t *testing.T) {
	f := newGateFixture(t, true)
	require.Equal(t, StageFingerprint, f.begin(t))

	require.NoError(t, f.gate.Cancel())
	require.NoError(t, f.gate.OnSensorOutcome(true), "late outcomes are dropped silently")

	assert.Equal(t, 0, f.done.count())
	assert.Equal(t, StateCancelled, f.gate.State())
	_, ok := f.gate.Outcome()
	assert.False(t, ok)
}

func TestPreferenceSelectsPasswordStage(t *testing.T) {
	f := newGateFixture(t, false)

	assert.Equal(t, StagePassword, f.begin(t))

	require.NoError(t, f.gate.OnPasswordVerified(false))
	assert.Equal(t, StagePassword, f.gate.Stage())
	assert.Equal(t, 0, f.done.count())

	require.NoError(t, f.gate.OnPasswordVerified(true))
	assert.Equal(t, 1, f.done.count())
	assert.False(t, f.done.last().SucceededViaBiometric)
	assert.False(t, f.done.last().ReenrollmentOffered)
}

func TestSensorFailureKeepsFingerprintStage(t *testing.T) {
	f := newGateFixture(t, true)
	f.begin(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.gate.OnSensorOutcome(false))
		assert.Equal(t, StateAwaiting, f.gate.State())
		assert.Equal(t, StageFingerprint, f.gate.Stage(), "failure never falls back automatically")
		assert.ErrorIs(t, f.listener.last().Err, ErrSensorFailure)
	}
	assert.Equal(t, 0, f.done.count())
}

func TestFallbackToPassword(t *testing.T) {
	f := newGateFixture(t, true)
	f.begin(t)

	require.NoError(t, f.gate.OnSensorOutcome(false))
	require.NoError(t, f.gate.FallbackToPassword())
	assert.Equal(t, StagePassword, f.gate.Stage())

	err := f.gate.OnSensorOutcome(true)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, f.gate.OnPasswordVerified(true))
	assert.Equal(t, 1, f.done.count())
	assert.False(t, f.done.last().SucceededViaBiometric)
	assert.Nil(t, f.done.last().Session)
}

func TestEventsInWrongStage(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		f := newGateFixture(t, true)
		assert.ErrorIs(t, f.gate.OnSensorOutcome(true), ErrInvalidTransition)
		assert.ErrorIs(t, f.gate.OnPasswordVerified(true), ErrInvalidTransition)
		assert.ErrorIs(t, f.gate.FallbackToPassword(), ErrInvalidTransition)
		assert.Equal(t, StateIdle, f.gate.State())
	})

	t.Run("fingerprint", func(t *testing.T) {
		f := newGateFixture(t, true)
		f.begin(t)
		assert.ErrorIs(t, f.gate.OnPasswordVerified(true), ErrInvalidTransition)
		assert.Equal(t, StageFingerprint, f.gate.Stage())
	})

	t.Run("password", func(t *testing.T) {
		f := newGateFixture(t, false)
		f.begin(t)
		assert.ErrorIs(t, f.gate.OnSensorOutcome(true), ErrInvalidTransition)
		assert.ErrorIs(t, f.gate.FallbackToPassword(), ErrInvalidTransition)
		assert.Equal(t, 0, f.done.count())
	})

	t.Run("new fingerprint enrolled", func(t *testing.T) {
		f := newGateFixture(t, true)
		f.store.invalidate(DefaultKeyName)
		f.begin(t)
		assert.ErrorIs(t, f.gate.OnSensorOutcome(true), ErrInvalidTransition)
		assert.ErrorIs(t, f.gate.FallbackToPassword(), ErrInvalidTransition)
	})
}

func TestBeginAuthorizationTwice(t *testing.T) {
	f := newGateFixture(t, true)
	f.begin(t)

	_, err := f.gate.BeginAuthorization(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StageFingerprint, f.gate.Stage())
}

func TestKeyStoreFaultFailsAttempt(t *testing.T) {
	f := newGateFixture(t, true)
	f.store.set(func(s *memStore) { s.loadErr = keystore.ErrCorruptKey })

	stage, err := f.gate.BeginAuthorization(context.Background())
	require.Error(t, err)
	assert.Equal(t, StageNone, stage)
	assert.ErrorIs(t, err, ErrKeyStoreFault)
	assert.False(t, errors.Is(err, keystore.ErrCorruptKey), "store errors are classified")

	assert.Equal(t, StateFailed, f.gate.State())
	assert.Equal(t, StageNone, f.gate.Stage())
	assert.ErrorIs(t, f.gate.Err(), ErrKeyStoreFault)
	assert.ErrorIs(t, f.listener.last().Err, ErrKeyStoreFault)

	_, err = f.gate.BeginAuthorization(context.Background())
	assert.ErrorIs(t, err, ErrGateTerminal, "a failed gate is not retried")
	assert.ErrorIs(t, f.gate.RegisterCompletion(func(Outcome) {}), ErrGateTerminal)
	assert.ErrorIs(t, f.gate.Cancel(), ErrGateTerminal)
	assert.NoError(t, f.gate.OnSensorOutcome(true))
	assert.Equal(t, 0, f.done.count())
}

func TestCancelSemantics(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		f := newGateFixture(t, true)
		require.NoError(t, f.gate.Cancel())
		assert.Equal(t, StateCancelled, f.gate.State())

		_, err := f.gate.BeginAuthorization(context.Background())
		assert.ErrorIs(t, err, ErrGateTerminal)
	})

	t.Run("twice", func(t *testing.T) {
		f := newGateFixture(t, true)
		f.begin(t)
		require.NoError(t, f.gate.Cancel())
		assert.NoError(t, f.gate.Cancel())
		assert.Equal(t, StateCancelled, f.gate.State())
	})

	t.Run("after resolve", func(t *testing.T) {
		f := newGateFixture(t, true)
		f.begin(t)
		require.NoError(t, f.gate.OnSensorOutcome(true))
		assert.ErrorIs(t, f.gate.Cancel(), ErrGateTerminal)
		assert.Equal(t, StateResolved, f.gate.State())
		assert.Equal(t, 1, f.done.count())
	})

	t.Run("destroys pending session", func(t *testing.T) {
		f := newGateFixture(t, true)
		f.begin(t)

		f.gate.mu.Lock()
		session := f.gate.session
		f.gate.mu.Unlock()
		require.NotNil(t, session)

		require.NoError(t, f.gate.Cancel())
		assert.False(t, session.Usable())
	})

	t.Run("reported to listener", func(t *testing.T) {
		f := newGateFixture(t, true)
		f.begin(t)
		require.NoError(t, f.gate.Dispatch(CancelRequested{}))

		last := f.listener.last()
		assert.Equal(t, StateCancelled, last.State)
		assert.ErrorIs(t, last.Err, ErrCancelled)
	})
}

func TestCancelDuringPreparing(t *testing.T) {
	f := newGateFixture(t, true)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.store.set(func(s *memStore) {
		s.loadHook = func(context.Context) error {
			close(entered)
			<-release
			return nil
		}
	})

	type result struct {
		stage Stage
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stage, err := f.gate.BeginAuthorization(context.Background())
		done <- result{stage, err}
	}()

	<-entered
	assert.Equal(t, StatePreparing, f.gate.State())
	require.NoError(t, f.gate.Cancel())
	close(release)

	res := <-done
	assert.ErrorIs(t, res.err, ErrCancelled)
	assert.Equal(t, StageNone, res.stage)
	assert.Equal(t, StateCancelled, f.gate.State())

	require.NoError(t, f.gate.OnSensorOutcome(true))
	assert.Equal(t, 0, f.done.count())
}

func TestBeginAuthorizationContextCancelled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		f := newGateFixture(t, true)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.gate.BeginAuthorization(ctx)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateCancelled, f.gate.State())
	})

	t.Run("while opening", func(t *testing.T) {
		f := newGateFixture(t, true)
		ctx, cancel := context.WithCancel(context.Background())
		f.store.set(func(s *memStore) {
			s.loadHook = func(ctx context.Context) error {
				cancel()
				return ctx.Err()
			}
		})

		_, err := f.gate.BeginAuthorization(ctx)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, StateCancelled, f.gate.State())
		assert.NoError(t, f.gate.Err())
	})
}

func TestListenerSequence(t *testing.T) {
	f := newGateFixture(t, true)
	f.begin(t)
	require.NoError(t, f.gate.OnSensorOutcome(false))
	require.NoError(t, f.gate.OnSensorOutcome(true))

	changes := f.listener.all()
	require.Len(t, changes, 4)

	assert.Equal(t, StatePreparing, changes[0].State)
	assert.Equal(t, StageNone, changes[0].Stage)

	assert.Equal(t, StateAwaiting, changes[1].State)
	assert.Equal(t, StageFingerprint, changes[1].Stage)
	assert.NoError(t, changes[1].Err)

	assert.Equal(t, StageFingerprint, changes[2].Stage)
	assert.ErrorIs(t, changes[2].Err, ErrSensorFailure)

	assert.Equal(t, StateResolved, changes[3].State)
	for _, c := range changes {
		assert.Equal(t, f.gate.AttemptID(), c.AttemptID)
	}
}

func TestListenerMayCallBackIntoGate(t *testing.T) {
	store := newMemStore()
	vault := newTestVault(t, store)
	key, err := vault.EnsureKey(context.Background(), DefaultKeyName)
	require.NoError(t, err)

	var gate *Gate
	var seen []State
	listener := StageListenerFunc(func(change StageChange) {
		seen = append(seen, gate.State())
		if change.State == StateAwaiting && change.Stage == StageFingerprint && change.Err == nil {
			_ = gate.FallbackToPassword()
		}
	})

	gate, err = NewGate(vault, key, NewStaticPreferences(nil), DefaultOptions(), listener)
	require.NoError(t, err)

	stage, err := gate.BeginAuthorization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StageFingerprint, stage)
	assert.Equal(t, StagePassword, gate.Stage())
	assert.NotEmpty(t, seen)
}

// stateReadingLogger reads the gate state on every entry, which blocks
// forever if the gate logs while holding its lock
type stateReadingLogger struct {
	audit.NoOpLogger

	mu      sync.Mutex
	gate    *Gate
	actions []string
}

func (l *stateReadingLogger) attach(gate *Gate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gate = gate
}

func (l *stateReadingLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	l.mu.Lock()
	gate := l.gate
	l.actions = append(l.actions, action)
	l.mu.Unlock()

	if gate != nil {
		_ = gate.State()
	}
	return nil
}

func TestGateAuditsOutsideItsLock(t *testing.T) {
	tests := []struct {
		name        string
		invalidate  bool
		resolve     func(g *Gate) error
		wantTrigger string
	}{
		{
			name:        "fingerprint",
			resolve:     func(g *Gate) error { return g.OnSensorOutcome(true) },
			wantTrigger: ActionGateSensorOutcome,
		},
		{
			name:        "password after enrollment change",
			invalidate:  true,
			resolve:     func(g *Gate) error { return g.OnPasswordVerified(true) },
			wantTrigger: ActionGatePasswordOutcome,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			logger := &stateReadingLogger{}
			vault, err := NewKeyVault(store, logger, nil, "tester")
			require.NoError(t, err)
			key, err := vault.EnsureKey(context.Background(), DefaultKeyName)
			require.NoError(t, err)
			if tt.invalidate {
				store.invalidate(DefaultKeyName)
			}

			gate, err := NewGate(vault, key, NewStaticPreferences(nil), DefaultOptions(), nil)
			require.NoError(t, err)
			logger.attach(gate)

			done := make(chan error, 1)
			go func() {
				if _, err := gate.BeginAuthorization(context.Background()); err != nil {
					done <- err
					return
				}
				if !tt.invalidate {
					_ = gate.OnSensorOutcome(false)
				}
				done <- tt.resolve(gate)
			}()

			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("gate deadlocked while writing the audit log")
			}
			assert.Equal(t, StateResolved, gate.State())

			logger.mu.Lock()
			defer logger.mu.Unlock()
			require.GreaterOrEqual(t, len(logger.actions), 2)
			tail := logger.actions[len(logger.actions)-2:]
			assert.Equal(t, []string{tt.wantTrigger, ActionGateResolved}, tail)
		})
	}
}

func TestLateEventsAfterResolve(t *testing.T) {
	f := newGateFixture(t, true)
	f.begin(t)
	require.NoError(t, f.gate.OnSensorOutcome(true))

	assert.NoError(t, f.gate.OnSensorOutcome(true))
	assert.NoError(t, f.gate.OnSensorOutcome(false))
	assert.NoError(t, f.gate.OnPasswordVerified(true))
	assert.NoError(t, f.gate.FallbackToPassword())
	assert.Equal(t, 1, f.done.count())
}

func TestRegisterCompletion(t *testing.T) {
	f := newGateFixture(t, true)
	assert.Error(t, f.gate.RegisterCompletion(nil))

	replacement := &completionCounter{}
	require.NoError(t, f.gate.RegisterCompletion(replacement.fn))

	f.begin(t)
	require.NoError(t, f.gate.OnSensorOutcome(true))
	assert.Equal(t, 0, f.done.count())
	assert.Equal(t, 1, replacement.count())
}

func TestResolveWithoutCompletion(t *testing.T) {
	store := newMemStore()
	vault := newTestVault(t, store)
	key, err := vault.EnsureKey(context.Background(), DefaultKeyName)
	require.NoError(t, err)

	gate, err := NewGate(vault, key, NewStaticPreferences(nil), DefaultOptions(), nil)
	require.NoError(t, err)
	_, err = gate.BeginAuthorization(context.Background())
	require.NoError(t, err)

	require.NoError(t, gate.OnSensorOutcome(true))
	outcome, ok := gate.Outcome()
	require.True(t, ok)
	assert.True(t, outcome.SucceededViaBiometric)
}

func TestAcceptReenrollment(t *testing.T) {
	ctx := context.Background()
	f := newGateFixture(t, true)
	f.store.invalidate(DefaultKeyName)
	f.begin(t)
	require.NoError(t, f.gate.OnPasswordVerified(true))

	handle, err := f.gate.AcceptReenrollment(ctx)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.NotSame(t, f.key, handle)
	assert.True(t, handle.InvalidatedOnNewEnrollment())

	usable, err := f.vault.GetKey(ctx, DefaultKeyName)
	require.NoError(t, err)
	assert.Same(t, handle, usable)

	_, err = f.gate.AcceptReenrollment(ctx)
	assert.ErrorIs(t, err, ErrReenrollmentUnavailable, "re-enrollment is accepted once")

	next, err := NewGate(f.vault, handle, f.prefs, DefaultOptions(), nil)
	require.NoError(t, err)
	stage, err := next.BeginAuthorization(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageFingerprint, stage)
}

func TestAcceptReenrollmentRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	f := newGateFixture(t, true)
	f.store.invalidate(DefaultKeyName)
	f.begin(t)
	require.NoError(t, f.gate.OnPasswordVerified(true))

	f.store.set(func(s *memStore) { s.generateErr = keystore.ErrNoEnrolledBiometrics })
	_, err := f.gate.AcceptReenrollment(ctx)
	assert.ErrorIs(t, err, ErrKeyProvisioning)

	f.store.set(func(s *memStore) { s.generateErr = nil })
	_, err = f.gate.AcceptReenrollment(ctx)
	assert.NoError(t, err)
}

func TestAcceptReenrollmentNotOffered(t *testing.T) {
	ctx := context.Background()

	f := newGateFixture(t, false)
	_, err := f.gate.AcceptReenrollment(ctx)
	assert.ErrorIs(t, err, ErrReenrollmentUnavailable, "idle gate")

	f.begin(t)
	require.NoError(t, f.gate.OnPasswordVerified(true))
	_, err = f.gate.AcceptReenrollment(ctx)
	assert.ErrorIs(t, err, ErrReenrollmentUnavailable, "key was usable")
}

func TestDispatch(t *testing.T) {
	f := newGateFixture(t, true)
	f.begin(t)

	require.NoError(t, f.gate.Dispatch(SensorOutcome{Success: false}))
	require.NoError(t, f.gate.Dispatch(FallbackRequested{}))
	require.NoError(t, f.gate.Dispatch(PasswordVerified{Success: false}))
	require.NoError(t, f.gate.Dispatch(PasswordVerified{Success: true}))

	assert.Equal(t, 1, f.done.count())
	assert.Equal(t, StagePassword, f.gate.Stage())
}

func TestConcurrentCancelAndSuccess(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := newGateFixture(t, true)
		f.begin(t)

		var wg sync.WaitGroup
		start := make(chan struct{})
		var cancelErr, sensorErr error

		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			cancelErr = f.gate.Cancel()
		}()
		go func() {
			defer wg.Done()
			<-start
			sensorErr = f.gate.OnSensorOutcome(true)
		}()
		close(start)
		wg.Wait()

		require.NoError(t, sensorErr)
		switch f.gate.State() {
		case StateResolved:
			require.Equal(t, 1, f.done.count())
			require.ErrorIs(t, cancelErr, ErrGateTerminal)
		case StateCancelled:
			require.Equal(t, 0, f.done.count())
			require.NoError(t, cancelErr)
		default:
			t.Fatalf("unexpected state %s", f.gate.State())
		}
	}
}

func TestConcurrentSuccessFiresOnce(t *testing.T) {
	f := newGateFixture(t, false)
	f.begin(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.gate.OnPasswordVerified(true)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.done.count())
}

func TestNewGateValidation(t *testing.T) {
	vault := newTestVault(t, newMemStore())
	key, err := vault.EnsureKey(context.Background(), DefaultKeyName)
	require.NoError(t, err)
	prefs := NewStaticPreferences(nil)

	_, err = NewGate(nil, key, prefs, DefaultOptions(), nil)
	assert.Error(t, err)
	_, err = NewGate(vault, nil, prefs, DefaultOptions(), nil)
	assert.Error(t, err)
	_, err = NewGate(vault, key, nil, DefaultOptions(), nil)
	assert.Error(t, err)
	_, err = NewGate(vault, key, prefs, Options{}, nil)
	assert.Error(t, err)
}

func TestGateDecryptSession(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	vault := newTestVault(t, store)
	key, err := vault.EnsureKey(ctx, DefaultKeyName)
	require.NoError(t, err)

	enc, err := vault.OpenSession(ctx, key)
	require.NoError(t, err)
	enc.authorize()
	sealed, err := enc.Encrypt([]byte("vault token"), nil)
	require.NoError(t, err)

	options := DefaultOptions()
	options.SessionMode = ModeDecrypt
	gate, err := NewGate(vault, key, NewStaticPreferences(nil), options, nil)
	require.NoError(t, err)
	_, err = gate.BeginAuthorization(ctx)
	require.NoError(t, err)
	require.NoError(t, gate.OnSensorOutcome(true))

	outcome, ok := gate.Outcome()
	require.True(t, ok)
	assert.Equal(t, ModeDecrypt, outcome.Session.Mode())
	plaintext, err := outcome.Session.Decrypt(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, "vault token", string(plaintext))
}
