package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled   bool                   `json:"enabled" yaml:"enabled"`
	Namespace string                 `json:"namespace" yaml:"namespace"`
	Type      ConfigType             `json:"type" yaml:"type"`       // "file", "syslog"
	Options   map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel  string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event. Well known metadata entries are lifted
// into dedicated fields so they can be filtered on.
type Event struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Namespace string                 `json:"namespace,omitempty"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	AttemptID string                 `json:"attempt_id,omitempty"`
	KeyName   string                 `json:"key_name,omitempty"`
	Stage     string                 `json:"stage,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Source    string                 `json:"source,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Command   string                 `json:"command,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Namespace string
	Since     *time.Time
	Until     *time.Time
	Action    string
	Success   *bool // nil = all, true = only success, false = only failures
	AttemptID string
	KeyName   string
	Limit     int
	Offset    int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an audit logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an event, moving well known metadata keys into fields
func newEvent(namespace, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Namespace: namespace,
		Action:    action,
		Success:   success,
	}

	if len(metadata) == 0 {
		return event
	}

	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		switch k {
		case "request_id":
			event.RequestID = stringValue(v)
		case "attempt_id":
			event.AttemptID = stringValue(v)
		case "key_name":
			event.KeyName = stringValue(v)
		case "stage":
			event.Stage = stringValue(v)
		case "user_id":
			event.UserID = stringValue(v)
		case "error":
			event.Error = stringValue(v)
		case "session_id":
			event.SessionID = stringValue(v)
		case "command":
			event.Command = stringValue(v)
		case "source":
			event.Source = stringValue(v)
		case "duration_ms":
			if d, ok := v.(int64); ok {
				event.Duration = d
			} else {
				rest[k] = v
			}
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}
	return event
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
