package biogate

import (
	"sync"

	"github.com/spf13/viper"
)

// PreferenceStore is read-only access to persisted user preferences
type PreferenceStore interface {
	GetBool(key string, def bool) bool
}

// ViperPreferences reads preferences from a viper instance, so they can come
// from the config file, the environment or flags.
type ViperPreferences struct {
	v *viper.Viper
}

// NewViperPreferences wraps v; nil uses the global viper instance
func NewViperPreferences(v *viper.Viper) *ViperPreferences {
	if v == nil {
		v = viper.GetViper()
	}
	return &ViperPreferences{v: v}
}

func (p *ViperPreferences) GetBool(key string, def bool) bool {
	if !p.v.IsSet(key) {
		return def
	}
	return p.v.GetBool(key)
}

// StaticPreferences is an in-memory PreferenceStore
type StaticPreferences struct {
	mu     sync.RWMutex
	values map[string]bool
}

func NewStaticPreferences(values map[string]bool) *StaticPreferences {
	copied := make(map[string]bool, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticPreferences{values: copied}
}

func (p *StaticPreferences) GetBool(key string, def bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.values[key]; ok {
		return v
	}
	return def
}

func (p *StaticPreferences) Set(key string, value bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}
