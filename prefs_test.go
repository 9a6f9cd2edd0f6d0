package biogate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViperPreferences(t *testing.T) {
	v := viper.New()
	prefs := NewViperPreferences(v)

	assert.True(t, prefs.GetBool(PreferenceUseFingerprint, true), "unset keys return the default")
	assert.False(t, prefs.GetBool(PreferenceUseFingerprint, false))

	v.Set(PreferenceUseFingerprint, false)
	assert.False(t, prefs.GetBool(PreferenceUseFingerprint, true))

	v.Set(PreferenceUseFingerprint, "true")
	assert.True(t, prefs.GetBool(PreferenceUseFingerprint, false))
}

func TestViperPreferencesFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("preferences:\n  use_fingerprint_to_authenticate: false\n"), 0600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	prefs := NewViperPreferences(v)
	assert.False(t, prefs.GetBool(PreferenceUseFingerprint, true))

	vault := newTestVault(t, newMemStore())
	key, err := vault.EnsureKey(context.Background(), DefaultKeyName)
	require.NoError(t, err)
	gate, err := NewGate(vault, key, prefs, DefaultOptions(), nil)
	require.NoError(t, err)

	stage, err := gate.BeginAuthorization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StagePassword, stage)
}

func TestStaticPreferences(t *testing.T) {
	source := map[string]bool{"a": true}
	prefs := NewStaticPreferences(source)
	source["a"] = false

	assert.True(t, prefs.GetBool("a", false), "values are copied")
	assert.True(t, prefs.GetBool("missing", true))

	prefs.Set("a", false)
	assert.False(t, prefs.GetBool("a", true))
}

func TestCustomPreferenceKey(t *testing.T) {
	vault := newTestVault(t, newMemStore())
	key, err := vault.EnsureKey(context.Background(), DefaultKeyName)
	require.NoError(t, err)

	options := DefaultOptions()
	options.PreferenceKey = "checkout.biometric"
	options.PreferenceDefault = false

	gate, err := NewGate(vault, key, NewStaticPreferences(map[string]bool{PreferenceUseFingerprint: true}), options, nil)
	require.NoError(t, err)
	stage, err := gate.BeginAuthorization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StagePassword, stage, "the configured key and default are used")
}
