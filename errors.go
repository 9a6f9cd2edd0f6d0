package biogate

import (
	"errors"
	"fmt"

	"southwinds.dev/biogate/keystore"
)

// Error taxonomy of the authorization flow. Recoverable conditions
// (ErrInvalidated, ErrSensorFailure, ErrPasswordRejected) are absorbed into
// stage transitions; the listener sees them in StageChange.Err. Fatal
// conditions are returned from BeginAuthorization and leave the gate Failed.
var (
	ErrKeyProvisioning = errors.New("key provisioning failed")
	ErrInvalidated     = errors.New("key invalidated by biometric enrollment change")
	ErrKeyStoreFault   = errors.New("key store fault")
	ErrSensorFailure   = errors.New("biometric not recognized")
	ErrCancelled       = errors.New("authorization cancelled")

	ErrPasswordRejected        = errors.New("password rejected")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrGateTerminal            = errors.New("authorization already finished")
	ErrReenrollmentUnavailable = errors.New("re-enrollment not offered")

	ErrSessionNotAuthorized = errors.New("cipher session not authorized")
	ErrSessionDestroyed     = errors.New("cipher session destroyed")
)

// KeyError reports a classified key store failure. Unwrap only exposes Kind,
// so callers match on the taxonomy above and never on key store internals.
type KeyError struct {
	Op      string
	KeyName string
	Kind    error
	Cause   error
}

func (e *KeyError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.KeyName, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.KeyName, e.Kind, e.Cause)
}

func (e *KeyError) Unwrap() error {
	return e.Kind
}

// classifyProvisioningError maps any failure to create or inspect a key onto
// ErrKeyProvisioning.
func classifyProvisioningError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &KeyError{Op: op, KeyName: name, Kind: ErrKeyProvisioning, Cause: err}
}

// classifySessionError separates permanent invalidation, which routes to the
// re-enrollment stage, from every other failure to initialize a session.
func classifySessionError(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keystore.ErrKeyPermanentlyInvalidated):
		return &KeyError{Op: "open session", KeyName: name, Kind: ErrInvalidated, Cause: err}
	default:
		return &KeyError{Op: "open session", KeyName: name, Kind: ErrKeyStoreFault, Cause: err}
	}
}
