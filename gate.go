package biogate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Outcome is delivered to the completion callback when an attempt resolves
type Outcome struct {
	AttemptID             string
	SucceededViaBiometric bool

	// Session is the authorized cipher session for biometric success and nil
	// otherwise. The caller owns it and should Destroy it when done.
	Session *CipherSession

	// ReenrollmentOffered is set when the attempt started on an invalidated
	// key; AcceptReenrollment regenerates the key.
	ReenrollmentOffered bool
}

// Gate runs one authorization attempt. All transitions are serialized, so the
// sensor, the password verifier and the user may report from different
// goroutines. The completion callback fires at most once, only on success,
// and never after Cancel.
type Gate struct {
	id       string
	vault    *KeyVault
	key      *KeyHandle
	prefs    PreferenceStore
	options  Options
	listener StageListener

	mu         sync.Mutex
	ctrl       stageController
	session    *CipherSession
	completion func(Outcome)
	outcome    *Outcome
	err        error
	started    bool
	reenrolled bool
}

// NewGate creates an Idle gate for key. listener may be nil.
func NewGate(vault *KeyVault, key *KeyHandle, prefs PreferenceStore, options Options, listener StageListener) (*Gate, error) {
	if vault == nil {
		return nil, errors.New("key vault is required")
	}
	if key == nil {
		return nil, errors.New("key handle is required")
	}
	if prefs == nil {
		return nil, errors.New("preference store is required")
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if options.SessionMode == 0 {
		options.SessionMode = ModeEncrypt
	}

	return &Gate{
		id:       uuid.NewString(),
		vault:    vault,
		key:      key,
		prefs:    prefs,
		options:  options,
		listener: listener,
	}, nil
}

// RegisterCompletion sets the callback invoked when the attempt resolves
// successfully. It replaces an earlier registration and fails once the gate
// is terminal.
func (g *Gate) RegisterCompletion(fn func(Outcome)) error {
	if fn == nil {
		return errors.New("completion callback cannot be nil")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ctrl.state.Terminal() {
		return fmt.Errorf("%w: %s", ErrGateTerminal, g.ctrl.state)
	}
	g.completion = fn
	return nil
}

// BeginAuthorization opens a cipher session on the key and enters a stage:
// NewFingerprintEnrolled when the key was invalidated, otherwise Fingerprint
// or Password depending on the user preference. Key store faults fail the
// attempt and are returned; the caller must not retry on the same gate.
func (g *Gate) BeginAuthorization(ctx context.Context) (Stage, error) {
	g.mu.Lock()
	if g.ctrl.state != StateIdle {
		err := g.ctrl.transition(StatePreparing, StageNone)
		g.mu.Unlock()
		return StageNone, err
	}
	if err := ctx.Err(); err != nil {
		g.mu.Unlock()
		_ = g.Cancel()
		return StageNone, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	_ = g.ctrl.transition(StatePreparing, StageNone)
	g.started = true
	change := g.ctrl.change(g.id, nil)
	g.mu.Unlock()

	g.vault.metrics.attemptStarted()
	g.notify(change)
	g.logAudit(ActionGateBegin, nil, nil)

	// the store may be slow, the lock is not held so Cancel stays responsive
	session, openErr := g.vault.OpenSession(ctx, g.key, WithMode(g.options.SessionMode))

	g.mu.Lock()
	if g.ctrl.state == StateCancelled {
		g.mu.Unlock()
		if session != nil {
			session.Destroy()
		}
		return StageNone, ErrCancelled
	}

	var stage Stage
	switch {
	case openErr == nil:
		stage = StagePassword
		if g.prefs.GetBool(g.options.PreferenceKey, g.options.PreferenceDefault) {
			stage = StageFingerprint
		}
	case errors.Is(openErr, ErrInvalidated):
		stage = StageNewFingerprintEnrolled
	case ctx.Err() != nil:
		g.mu.Unlock()
		_ = g.Cancel()
		return StageNone, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	default:
		return StageNone, g.failLocked(openErr)
	}

	if err := g.ctrl.transition(StateAwaiting, stage); err != nil {
		g.mu.Unlock()
		if session != nil {
			session.Destroy()
		}
		return StageNone, err
	}
	g.session = session
	change = g.ctrl.change(g.id, nil)
	g.mu.Unlock()

	g.vault.metrics.stageEntered(stage)
	g.notify(change)
	g.logAudit(ActionGateStage, nil, map[string]interface{}{"stage": stage.String()})
	return stage, nil
}

// failLocked moves the gate to Failed and releases the lock
func (g *Gate) failLocked(cause error) error {
	_ = g.ctrl.transition(StateFailed, StageNone)
	g.err = cause
	change := g.ctrl.change(g.id, cause)
	g.completion = nil
	g.mu.Unlock()

	g.vault.metrics.attemptFinished("failed", true)
	g.notify(change)
	g.logAudit(ActionGateFailed, cause, nil)
	return cause
}

// OnSensorOutcome reports a biometric match attempt. It is valid in the
// Fingerprint stage. A failure keeps the stage so the user can retry or fall
// back to the password; success resolves the attempt with the authorized
// session. Outcomes arriving after the gate finished are dropped.
func (g *Gate) OnSensorOutcome(success bool) error {
	g.mu.Lock()
	if g.ctrl.state.Terminal() {
		g.mu.Unlock()
		return nil
	}
	if g.ctrl.state != StateAwaiting || g.ctrl.stage != StageFingerprint {
		err := fmt.Errorf("%w: sensor outcome in %s/%s", ErrInvalidTransition, g.ctrl.state, g.ctrl.stage)
		g.mu.Unlock()
		return err
	}

	if !success {
		change := g.ctrl.change(g.id, ErrSensorFailure)
		g.mu.Unlock()

		g.vault.metrics.sensorOutcome(false)
		g.notify(change)
		g.logAudit(ActionGateSensorOutcome, ErrSensorFailure, nil)
		return nil
	}

	session := g.session
	g.session = nil
	session.authorize()

	g.resolveLocked(ActionGateSensorOutcome, Outcome{
		AttemptID:             g.id,
		SucceededViaBiometric: true,
		Session:               session,
	})
	return nil
}

// OnPasswordVerified reports the external password check. It is valid in the
// Password and NewFingerprintEnrolled stages. A rejection keeps the stage.
func (g *Gate) OnPasswordVerified(success bool) error {
	g.mu.Lock()
	if g.ctrl.state.Terminal() {
		g.mu.Unlock()
		return nil
	}
	stage := g.ctrl.stage
	if g.ctrl.state != StateAwaiting || (stage != StagePassword && stage != StageNewFingerprintEnrolled) {
		err := fmt.Errorf("%w: password outcome in %s/%s", ErrInvalidTransition, g.ctrl.state, stage)
		g.mu.Unlock()
		return err
	}

	if !success {
		change := g.ctrl.change(g.id, ErrPasswordRejected)
		g.mu.Unlock()

		g.notify(change)
		g.logAudit(ActionGatePasswordOutcome, ErrPasswordRejected, nil)
		return nil
	}

	if g.session != nil {
		g.session.Destroy()
		g.session = nil
	}

	g.resolveLocked(ActionGatePasswordOutcome, Outcome{
		AttemptID:           g.id,
		ReenrollmentOffered: stage == StageNewFingerprintEnrolled,
	})
	return nil
}

// resolveLocked moves to Resolved, releases the lock and fires the completion.
// trigger is the audit action of the event that resolved the attempt.
func (g *Gate) resolveLocked(trigger string, outcome Outcome) {
	stage := g.ctrl.stage
	_ = g.ctrl.transition(StateResolved, stage)
	g.outcome = &outcome
	completion := g.completion
	g.completion = nil
	change := g.ctrl.change(g.id, nil)
	g.mu.Unlock()

	result := "password"
	if outcome.SucceededViaBiometric {
		result = "biometric"
		g.vault.metrics.sensorOutcome(true)
	}
	g.logAudit(trigger, nil, nil)
	g.vault.metrics.attemptFinished(result, true)
	g.notify(change)
	g.logAudit(ActionGateResolved, nil, map[string]interface{}{
		"stage":                   stage.String(),
		"succeeded_via_biometric": outcome.SucceededViaBiometric,
		"reenrollment_offered":    outcome.ReenrollmentOffered,
	})

	if completion != nil {
		completion(outcome)
	}
}

// FallbackToPassword is the user choosing the password over the sensor. It
// moves Fingerprint to Password and is never taken automatically.
func (g *Gate) FallbackToPassword() error {
	g.mu.Lock()
	if g.ctrl.state.Terminal() {
		g.mu.Unlock()
		return nil
	}
	if g.ctrl.state != StateAwaiting || g.ctrl.stage != StageFingerprint {
		err := fmt.Errorf("%w: fallback in %s/%s", ErrInvalidTransition, g.ctrl.state, g.ctrl.stage)
		g.mu.Unlock()
		return err
	}
	_ = g.ctrl.transition(StateAwaiting, StagePassword)
	change := g.ctrl.change(g.id, nil)
	g.mu.Unlock()

	g.vault.metrics.stageEntered(StagePassword)
	g.notify(change)
	g.logAudit(ActionGateStage, nil, map[string]interface{}{
		"stage":    StagePassword.String(),
		"fallback": true,
	})
	return nil
}

// Cancel aborts the attempt. The completion callback will not fire afterwards
// and later outcomes are dropped. Cancelling twice is a no-op; cancelling a
// resolved or failed gate returns ErrGateTerminal.
func (g *Gate) Cancel() error {
	g.mu.Lock()
	if g.ctrl.state == StateCancelled {
		g.mu.Unlock()
		return nil
	}
	if err := g.ctrl.transition(StateCancelled, g.ctrl.stage); err != nil {
		g.mu.Unlock()
		return err
	}
	g.completion = nil
	if g.session != nil {
		g.session.Destroy()
		g.session = nil
	}
	started := g.started
	change := g.ctrl.change(g.id, ErrCancelled)
	g.mu.Unlock()

	g.vault.metrics.attemptFinished("cancelled", started)
	g.notify(change)
	g.logAudit(ActionGateCancelled, nil, nil)
	return nil
}

// AcceptReenrollment regenerates the key after an attempt resolved from the
// NewFingerprintEnrolled stage, binding it to the current enrollment. It is
// the caller's explicit consent and succeeds at most once per gate.
func (g *Gate) AcceptReenrollment(ctx context.Context) (*KeyHandle, error) {
	g.mu.Lock()
	if g.ctrl.state != StateResolved || g.outcome == nil || !g.outcome.ReenrollmentOffered || g.reenrolled {
		g.mu.Unlock()
		return nil, ErrReenrollmentUnavailable
	}
	g.reenrolled = true
	g.mu.Unlock()

	handle, err := g.vault.RegenerateKey(ctx, g.key.name,
		WithInvalidationOnEnrollment(g.key.invalidatedOnNewEnrollment))
	g.logAudit(ActionGateReenroll, err, nil)
	if err != nil {
		g.mu.Lock()
		g.reenrolled = false
		g.mu.Unlock()
		return nil, err
	}
	return handle, nil
}

func (g *Gate) AttemptID() string {
	return g.id
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctrl.state
}

// Stage returns the active stage, or the stage the gate resolved in
func (g *Gate) Stage() Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctrl.stage
}

// Err returns the fatal error of a failed gate
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Outcome returns the outcome once the gate resolved
func (g *Gate) Outcome() (Outcome, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.outcome == nil {
		return Outcome{}, false
	}
	return *g.outcome, true
}

func (g *Gate) notify(change StageChange) {
	if g.listener != nil {
		g.listener.OnStageChanged(change)
	}
}

func (g *Gate) logAudit(action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["attempt_id"] = g.id
	metadata["request_id"] = g.id
	metadata["key_name"] = g.key.name
	logAudit(g.vault.audit, g.options.UserID, action, err, metadata)
}
