package biogate

import (
	"fmt"
	"strings"
)

const (
	// DefaultKeyName is the key protecting the authorization flow
	DefaultKeyName = "default"

	// PreferenceUseFingerprint is the preference consulted when the key is
	// usable: true selects the fingerprint stage, false the password stage.
	PreferenceUseFingerprint = "preferences.use_fingerprint_to_authenticate"
)

// Options configures a Service and the gates it creates.
type Options struct {
	// KeyName names the authorization key in the key store
	KeyName string `json:"key_name" yaml:"key_name"`

	// InvalidateOnEnrollmentChange binds newly generated keys to the current
	// biometric enrollment. Existing keys keep the policy they were created with.
	InvalidateOnEnrollmentChange bool `json:"invalidate_on_enrollment_change" yaml:"invalidate_on_enrollment_change"`

	// PreferenceKey and PreferenceDefault select the stage for usable keys
	PreferenceKey     string `json:"preference_key" yaml:"preference_key"`
	PreferenceDefault bool   `json:"preference_default" yaml:"preference_default"`

	// SessionMode is the mode of the cipher session the gate authorizes.
	// Zero means ModeEncrypt.
	SessionMode Mode `json:"-" yaml:"-"`

	// UserID is recorded with every audit event
	UserID string `json:"-" yaml:"-"`
}

// DefaultOptions returns options for the default key, invalidated on enrollment
// change and preferring the fingerprint stage.
func DefaultOptions() Options {
	return Options{
		KeyName:                      DefaultKeyName,
		InvalidateOnEnrollmentChange: true,
		PreferenceKey:                PreferenceUseFingerprint,
		PreferenceDefault:            true,
	}
}

func (o Options) Validate() error {
	if strings.TrimSpace(o.KeyName) == "" {
		return fmt.Errorf("key name is required")
	}
	if strings.TrimSpace(o.PreferenceKey) == "" {
		return fmt.Errorf("preference key is required")
	}
	return nil
}
