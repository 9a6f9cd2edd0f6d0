package audit

import (
	"encoding/json"
	"log/syslog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedLine struct {
	severity syslog.Priority
	message  string
}

type recordingWriter struct {
	mu     sync.Mutex
	lines  []recordedLine
	closed bool
}

func (w *recordingWriter) record(severity syslog.Priority, m string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, recordedLine{severity: severity, message: m})
	return nil
}

func (w *recordingWriter) Err(m string) error     { return w.record(syslog.LOG_ERR, m) }
func (w *recordingWriter) Warning(m string) error { return w.record(syslog.LOG_WARNING, m) }
func (w *recordingWriter) Notice(m string) error  { return w.record(syslog.LOG_NOTICE, m) }
func (w *recordingWriter) Info(m string) error    { return w.record(syslog.LOG_INFO, m) }
func (w *recordingWriter) Debug(m string) error   { return w.record(syslog.LOG_DEBUG, m) }

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func newRecordingSyslogLogger(t *testing.T, level string) (*SyslogLogger, *recordingWriter) {
	t.Helper()
	threshold, err := severityThreshold(level)
	require.NoError(t, err)
	writer := &recordingWriter{}
	config := &Config{Enabled: true, Namespace: "device", Type: SyslogAuditType, LogLevel: level}
	return newSyslogLogger(config, SyslogOptions{Tag: "biogate-audit"}, threshold, writer), writer
}

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		action  string
		success bool
		want    syslog.Priority
	}{
		{"GATE_BEGIN", true, syslog.LOG_INFO},
		{"GATE_STAGE", true, syslog.LOG_DEBUG},
		{"GATE_SENSOR_OUTCOME", true, syslog.LOG_INFO},
		{"GATE_SENSOR_OUTCOME", false, syslog.LOG_WARNING},
		{"GATE_PASSWORD_OUTCOME", false, syslog.LOG_WARNING},
		{"GATE_RESOLVED", true, syslog.LOG_INFO},
		{"GATE_CANCELLED", true, syslog.LOG_INFO},
		{"GATE_FAILED", false, syslog.LOG_ERR},
		{"GATE_REENROLL", true, syslog.LOG_NOTICE},
		{"GATE_REENROLL", false, syslog.LOG_ERR},
		{"SESSION_OPEN", true, syslog.LOG_INFO},
		{"SESSION_OPEN", false, syslog.LOG_ERR},
		{"SESSION_INVALIDATED", true, syslog.LOG_NOTICE},
		{"KEY_ENSURE", true, syslog.LOG_INFO},
		{"KEY_REGENERATE", true, syslog.LOG_NOTICE},
		{"KEY_DELETE", false, syslog.LOG_ERR},
		{"ENROLLMENT_ADD", true, syslog.LOG_NOTICE},
		{"ENROLLMENT_REMOVE", true, syslog.LOG_NOTICE},
		{"command_start", true, syslog.LOG_INFO},
	}

	for _, tt := range tests {
		got := eventSeverity(Event{Action: tt.action, Success: tt.success})
		assert.Equal(t, tt.want, got, "%s success=%t", tt.action, tt.success)
	}
}

func TestSyslogLoggerWritesAtEventSeverity(t *testing.T) {
	logger, writer := newRecordingSyslogLogger(t, "debug")

	require.NoError(t, logger.Log("GATE_STAGE", true, map[string]interface{}{"attempt_id": "a-1", "stage": "Fingerprint"}))
	require.NoError(t, logger.Log("GATE_SENSOR_OUTCOME", false, map[string]interface{}{"attempt_id": "a-1", "error": "sensor failure"}))
	require.NoError(t, logger.Log("ENROLLMENT_ADD", true, map[string]interface{}{"template_id": "left-index"}))

	require.Len(t, writer.lines, 3)
	assert.Equal(t, syslog.LOG_DEBUG, writer.lines[0].severity)
	assert.Equal(t, syslog.LOG_WARNING, writer.lines[1].severity)
	assert.Equal(t, syslog.LOG_NOTICE, writer.lines[2].severity)

	line := writer.lines[1].message
	require.True(t, strings.HasPrefix(line, "BIOGATE_AUDIT: "))
	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "BIOGATE_AUDIT: ")), &event))
	assert.Equal(t, "GATE_SENSOR_OUTCOME", event.Action)
	assert.Equal(t, "a-1", event.AttemptID)
	assert.Equal(t, "device", event.Namespace)
	assert.Equal(t, "biogate", event.Source)
	assert.False(t, event.Success)
}

func TestSyslogLoggerThreshold(t *testing.T) {
	logger, writer := newRecordingSyslogLogger(t, "warn")

	require.NoError(t, logger.Log("GATE_BEGIN", true, nil))
	require.NoError(t, logger.Log("GATE_STAGE", true, nil))
	require.NoError(t, logger.Log("KEY_REGENERATE", true, nil))
	require.NoError(t, logger.Log("GATE_PASSWORD_OUTCOME", false, nil))
	require.NoError(t, logger.Log("GATE_FAILED", false, nil))

	require.Len(t, writer.lines, 2)
	assert.Equal(t, syslog.LOG_WARNING, writer.lines[0].severity)
	assert.Equal(t, syslog.LOG_ERR, writer.lines[1].severity)

	_, err := severityThreshold("verbose")
	assert.Error(t, err)
}

func TestSyslogLoggerDisabledAndClosed(t *testing.T) {
	logger, writer := newRecordingSyslogLogger(t, "info")

	logger.config.Enabled = false
	require.NoError(t, logger.Log("GATE_BEGIN", true, nil))
	assert.Empty(t, writer.lines)

	logger.config.Enabled = true
	require.NoError(t, logger.Close())
	assert.True(t, writer.closed)
	require.NoError(t, logger.Close())
	assert.Error(t, logger.Log("GATE_BEGIN", true, nil))

	_, err := logger.Query(QueryOptions{})
	assert.Error(t, err)
}

func TestNewSyslogLoggerOptions(t *testing.T) {
	_, err := NewSyslogLogger(nil)
	assert.Error(t, err)

	_, err = NewSyslogLogger(&Config{Enabled: true, Type: SyslogAuditType,
		Options: map[string]interface{}{"facility": "kern"}})
	assert.ErrorContains(t, err, "unknown syslog facility")

	_, err = NewSyslogLogger(&Config{Enabled: true, Type: SyslogAuditType, LogLevel: "loud"})
	assert.ErrorContains(t, err, "unknown audit log level")
}

func TestSyslogLoggerLocalDaemon(t *testing.T) {
	logger, err := NewLogger(&Config{
		Enabled:   true,
		Namespace: "device",
		Type:      SyslogAuditType,
		Options:   map[string]interface{}{"facility": "local0"},
	})
	if err != nil {
		t.Skipf("syslog is not available: %v", err)
	}
	defer logger.Close()

	sl, ok := logger.(*SyslogLogger)
	require.True(t, ok)
	assert.Equal(t, "biogate-audit", sl.options.Tag)
	assert.NoError(t, logger.Log("GATE_BEGIN", true, map[string]interface{}{"attempt_id": "a-1"}))
}
