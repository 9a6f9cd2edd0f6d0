package mem

// ProtectionLevel indicates how well the key store can protect memory
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Some protection measures applied
	ProtectionFull                           // Full memory protection (locked memory)
)

// String returns a human readable description used by status reporting
func (p ProtectionLevel) String() string {
	switch p {
	case ProtectionFull:
		return "full - process memory locked"
	case ProtectionPartial:
		return "partial - key material in guarded enclaves only"
	default:
		return "none - sensitive data may be swapped to disk"
	}
}

// Lock attempts to prevent sensitive data from being swapped to disk
// Returns the protection level achieved and any error encountered
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases memory locks if they were applied
func Unlock() error {
	return unlockMemoryPlatform()
}
