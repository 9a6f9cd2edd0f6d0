package biogate

import "fmt"

// Event is an input to the gate from the sensor, the password verifier or the
// user. Events are delivered with Dispatch and may come from any goroutine.
type Event interface {
	event()
}

// SensorOutcome reports one biometric match attempt
type SensorOutcome struct {
	Success bool
}

// PasswordVerified reports the result of the external password check
type PasswordVerified struct {
	Success bool
}

// FallbackRequested is the user choosing the password instead of the sensor
type FallbackRequested struct{}

// CancelRequested is the user aborting the attempt
type CancelRequested struct{}

func (SensorOutcome) event()     {}
func (PasswordVerified) event()  {}
func (FallbackRequested) event() {}
func (CancelRequested) event()   {}

// Dispatch delivers ev to the gate
func (g *Gate) Dispatch(ev Event) error {
	switch e := ev.(type) {
	case SensorOutcome:
		return g.OnSensorOutcome(e.Success)
	case PasswordVerified:
		return g.OnPasswordVerified(e.Success)
	case FallbackRequested:
		return g.FallbackToPassword()
	case CancelRequested:
		return g.Cancel()
	default:
		return fmt.Errorf("%w: unknown event %T", ErrInvalidTransition, ev)
	}
}
