package biogate

import (
	"log"
	"time"

	"southwinds.dev/biogate/audit"
)

// Audit actions
const (
	ActionKeyEnsure           = "KEY_ENSURE"
	ActionKeyGenerate         = "KEY_GENERATE"
	ActionKeyRegenerate       = "KEY_REGENERATE"
	ActionKeyDelete           = "KEY_DELETE"
	ActionSessionOpen         = "SESSION_OPEN"
	ActionSessionInvalidated  = "SESSION_INVALIDATED"
	ActionGateBegin           = "GATE_BEGIN"
	ActionGateStage           = "GATE_STAGE"
	ActionGateSensorOutcome   = "GATE_SENSOR_OUTCOME"
	ActionGatePasswordOutcome = "GATE_PASSWORD_OUTCOME"
	ActionGateResolved        = "GATE_RESOLVED"
	ActionGateCancelled       = "GATE_CANCELLED"
	ActionGateFailed          = "GATE_FAILED"
	ActionGateReenroll        = "GATE_REENROLL"
	ActionEnrollmentAdd       = "ENROLLMENT_ADD"
	ActionEnrollmentRemove    = "ENROLLMENT_REMOVE"
)

// logAudit writes an audit event. Audit failures are reported but never fail
// the operation being audited.
func logAudit(logger audit.Logger, userID, action string, err error, metadata map[string]interface{}) {
	if logger == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	metadata["user_id"] = userID
	metadata["timestamp"] = time.Now().UTC()
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := logger.Log(action, err == nil, metadata); auditErr != nil {
		log.Printf("ERROR: audit logging failed for action %s: %v\n", action, auditErr)
	}
}

// LogEnrollmentChange records a biometric enrollment change. Enrollment is
// managed outside the gate, but it is what invalidates keys, so it belongs in
// the same trail.
func LogEnrollmentChange(logger audit.Logger, userID, templateID string, added bool, err error) {
	action := ActionEnrollmentRemove
	if added {
		action = ActionEnrollmentAdd
	}
	logAudit(logger, userID, action, err, map[string]interface{}{"template_id": templateID})
}
