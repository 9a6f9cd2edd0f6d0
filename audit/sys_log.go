package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"strings"
)

var _ Logger = (*SyslogLogger)(nil)

// SyslogOptions configure the syslog transport. An empty network writes to
// the local daemon.
type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp", ""
	Address  string `json:"address"`  // "localhost:514"
	Facility string `json:"facility"` // "auth" (default), "authpriv", "local0" ... "local7"
	Tag      string `json:"tag"`
}

var facilities = map[string]syslog.Priority{
	"auth":     syslog.LOG_AUTH,
	"authpriv": syslog.LOG_AUTHPRIV,
	"local0":   syslog.LOG_LOCAL0,
	"local1":   syslog.LOG_LOCAL1,
	"local2":   syslog.LOG_LOCAL2,
	"local3":   syslog.LOG_LOCAL3,
	"local4":   syslog.LOG_LOCAL4,
	"local5":   syslog.LOG_LOCAL5,
	"local6":   syslog.LOG_LOCAL6,
	"local7":   syslog.LOG_LOCAL7,
}

// syslogWriter is the part of *syslog.Writer the logger uses
type syslogWriter interface {
	Err(m string) error
	Warning(m string) error
	Notice(m string) error
	Info(m string) error
	Debug(m string) error
	Close() error
}

// SyslogLogger writes events to syslog as JSON prefixed with BIOGATE_AUDIT.
// Each event gets the severity of what it means for the protected keys, see
// eventSeverity. Events below the configured log level are not written.
type SyslogLogger struct {
	config    *Config
	options   SyslogOptions
	threshold syslog.Priority
	writer    syslogWriter
}

func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var options SyslogOptions
	if err := parseOptions(config.Options, &options); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}
	if options.Facility == "" {
		options.Facility = "auth"
	}
	facility, ok := facilities[strings.ToLower(options.Facility)]
	if !ok {
		return nil, fmt.Errorf("unknown syslog facility: %s", options.Facility)
	}
	if options.Tag == "" {
		options.Tag = "biogate-audit"
	}
	threshold, err := severityThreshold(config.LogLevel)
	if err != nil {
		return nil, err
	}

	var writer *syslog.Writer
	if options.Network != "" && options.Address != "" {
		writer, err = syslog.Dial(options.Network, options.Address, facility|syslog.LOG_INFO, options.Tag)
	} else {
		writer, err = syslog.New(facility|syslog.LOG_INFO, options.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return newSyslogLogger(config, options, threshold, writer), nil
}

func newSyslogLogger(config *Config, options SyslogOptions, threshold syslog.Priority, writer syslogWriter) *SyslogLogger {
	return &SyslogLogger{config: config, options: options, threshold: threshold, writer: writer}
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	if !s.config.Enabled {
		return nil
	}

	event := newEvent(s.config.Namespace, action, success, metadata)
	if event.Source == "" {
		event.Source = "biogate"
	}
	return s.writeEvent(event)
}

func (s *SyslogLogger) Close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

// Query is not supported, syslog is write-only from here
func (s *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("syslog logger does not support querying historical data")
}

func (s *SyslogLogger) writeEvent(event Event) error {
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	severity := eventSeverity(event)
	if severity > s.threshold {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	message := "BIOGATE_AUDIT: " + string(data)

	switch severity {
	case syslog.LOG_ERR:
		return s.writer.Err(message)
	case syslog.LOG_WARNING:
		return s.writer.Warning(message)
	case syslog.LOG_NOTICE:
		return s.writer.Notice(message)
	case syslog.LOG_DEBUG:
		return s.writer.Debug(message)
	default:
		return s.writer.Info(message)
	}
}

// eventSeverity ranks an event by its effect on the protected keys:
//   - err: the attempt or a key operation failed outright
//   - warning: a rejected fingerprint or password
//   - notice: the enrollment or the key changed, or a key was revoked
//   - debug: stage bookkeeping inside an attempt
//   - info: everything else
func eventSeverity(event Event) syslog.Priority {
	switch event.Action {
	case "GATE_SENSOR_OUTCOME", "GATE_PASSWORD_OUTCOME":
		if !event.Success {
			return syslog.LOG_WARNING
		}
		return syslog.LOG_INFO
	case "GATE_FAILED":
		return syslog.LOG_ERR
	case "GATE_STAGE":
		return syslog.LOG_DEBUG
	}

	if !event.Success {
		return syslog.LOG_ERR
	}
	switch event.Action {
	case "KEY_GENERATE", "KEY_REGENERATE", "KEY_DELETE", "SESSION_INVALIDATED",
		"GATE_REENROLL", "ENROLLMENT_ADD", "ENROLLMENT_REMOVE":
		return syslog.LOG_NOTICE
	}
	return syslog.LOG_INFO
}

// severityThreshold maps the configured log level to the least severe
// priority that is still written
func severityThreshold(level string) (syslog.Priority, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return syslog.LOG_INFO, nil
	case "debug":
		return syslog.LOG_DEBUG, nil
	case "notice":
		return syslog.LOG_NOTICE, nil
	case "warn", "warning":
		return syslog.LOG_WARNING, nil
	case "error":
		return syslog.LOG_ERR, nil
	default:
		return 0, fmt.Errorf("unknown audit log level: %s", level)
	}
}
