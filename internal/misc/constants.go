package misc

const (
	// KeyRecordVersion defines the current version of the persisted key record format
	KeyRecordVersion = 1

	// ArgonTime Key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 32

	// MinPassphraseLength is the shortest passphrase accepted for the store master key
	MinPassphraseLength = 12
)
