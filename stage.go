package biogate

import "fmt"

// Stage is the authentication path presented to the user
type Stage int

const (
	StageNone Stage = iota
	StageFingerprint
	StagePassword
	StageNewFingerprintEnrolled
)

func (s Stage) String() string {
	switch s {
	case StageFingerprint:
		return "Fingerprint"
	case StagePassword:
		return "Password"
	case StageNewFingerprintEnrolled:
		return "NewFingerprintEnrolled"
	default:
		return "None"
	}
}

// State is the lifecycle position of a gate
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateAwaiting // a Stage is active
	StateResolved
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePreparing:
		return "Preparing"
	case StateAwaiting:
		return "Awaiting"
	case StateResolved:
		return "Resolved"
	case StateCancelled:
		return "Cancelled"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateResolved || s == StateCancelled || s == StateFailed
}

// StageChange is delivered to the StageListener after every transition and
// after recoverable failures. Err carries ErrSensorFailure or
// ErrPasswordRejected when the stage stays the same, and the fatal error when
// State is StateFailed.
type StageChange struct {
	AttemptID string
	State     State
	Stage     Stage
	Err       error
}

// StageListener is the UI collaborator. It is called outside the gate's lock
// and may call back into the gate.
type StageListener interface {
	OnStageChanged(change StageChange)
}

// StageListenerFunc adapts a function to StageListener
type StageListenerFunc func(change StageChange)

func (f StageListenerFunc) OnStageChanged(change StageChange) {
	f(change)
}

// stageController owns the current state and stage and rejects transitions
// the authorization flow does not allow.
type stageController struct {
	state State
	stage Stage
}

func (c *stageController) transition(to State, stage Stage) error {
	if c.state.Terminal() {
		return fmt.Errorf("%w: %s", ErrGateTerminal, c.state)
	}
	if !c.allowed(to, stage) {
		return fmt.Errorf("%w: %s/%s -> %s/%s", ErrInvalidTransition, c.state, c.stage, to, stage)
	}
	c.state = to
	if to == StateAwaiting || to == StateResolved {
		c.stage = stage
	}
	return nil
}

func (c *stageController) allowed(to State, stage Stage) bool {
	if to == StateCancelled {
		return true
	}

	switch c.state {
	case StateIdle:
		return to == StatePreparing
	case StatePreparing:
		return to == StateFailed || (to == StateAwaiting && stage != StageNone)
	case StateAwaiting:
		switch to {
		case StateResolved:
			return stage == c.stage
		case StateAwaiting:
			// the user-initiated fallback is the only stage change
			return c.stage == StageFingerprint && stage == StagePassword
		}
	}
	return false
}

func (c *stageController) change(attemptID string, err error) StageChange {
	return StageChange{AttemptID: attemptID, State: c.state, Stage: c.stage, Err: err}
}
