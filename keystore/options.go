package keystore

import (
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"southwinds.dev/biogate/internal/crypto"
	"southwinds.dev/biogate/internal/misc"
)

// Options configures a SoftwareStore.
//
// The master wrapping key is derived with Argon2id from the passphrase and a
// salt persisted next to the keys. The passphrase is taken from
// DerivationPassphrase, or from the environment variable named by
// EnvPassphraseVar, which is unset once read so it does not linger in the
// process environment.
type Options struct {
	DerivationPassphrase string `json:"-"`
	EnvPassphraseVar     string `json:"env_passphrase_var,omitempty"`

	// DerivationSalt seeds a new store. For an existing store it must match the
	// persisted salt. Nil means a random 32 byte salt.
	DerivationSalt []byte `json:"-"`

	// EnableMemoryLock calls mlockall on supported platforms
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// KDF overrides the Argon2id parameters; zero value means defaults
	KDF crypto.KDFParams `json:"kdf,omitempty"`
}

func (o Options) Validate() error {
	if o.DerivationPassphrase == "" && o.EnvPassphraseVar == "" {
		return fmt.Errorf("either DerivationPassphrase or EnvPassphraseVar must be provided")
	}
	if o.DerivationSalt != nil && len(o.DerivationSalt) < 16 {
		return fmt.Errorf("derivation salt must be at least 16 bytes")
	}
	return nil
}

func (o Options) kdfParams() crypto.KDFParams {
	if o.KDF == (crypto.KDFParams{}) {
		return crypto.DefaultKDFParams()
	}
	return o.KDF
}

// passphrase resolves the passphrase bytes; the caller wipes them
func (o Options) passphrase() ([]byte, error) {
	var data []byte

	if o.DerivationPassphrase != "" {
		data = []byte(o.DerivationPassphrase)
	} else if o.EnvPassphraseVar != "" {
		envPass := os.Getenv(o.EnvPassphraseVar)
		if envPass == "" {
			return nil, fmt.Errorf("environment variable %s is empty or not set", o.EnvPassphraseVar)
		}
		data = []byte(envPass)
		_ = os.Unsetenv(o.EnvPassphraseVar)
	} else {
		return nil, errors.New("no passphrase or environment variable provided")
	}

	if len(data) < misc.MinPassphraseLength {
		memguard.WipeBytes(data)
		return nil, fmt.Errorf("passphrase must be at least %d characters long", misc.MinPassphraseLength)
	}
	return data, nil
}
