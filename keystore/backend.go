package keystore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrBlobNotFound is returned by backends when a named blob does not exist
var ErrBlobNotFound = errors.New("blob not found")

var blobNameRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+(/[a-zA-Z0-9\-_.]+)*$`)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag or content hash
	Timestamp time.Time
}

// Backend persists the opaque, already encrypted blobs of a key store.
// Every backend is scoped to a single namespace; blob names may contain
// forward slashes to group related blobs (e.g. "keys/default.key").
type Backend interface {
	// Save writes data under name. When expectedVersion is not empty the write
	// only succeeds if the stored version still matches, otherwise a
	// ConcurrencyError is returned.
	Save(ctx context.Context, name string, data []byte, expectedVersion string) (newVersion string, err error)

	// Load returns the blob or an error wrapping ErrBlobNotFound.
	Load(ctx context.Context, name string) (*VersionedData, error)

	Exists(ctx context.Context, name string) (bool, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Ping tests the connectivity for remote backends.
	Ping(ctx context.Context) error

	Close() error

	// GetType returns the backend type (see BackendType).
	GetType() string
}

// BackendConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := BackendConfig{
//	    Type:   BackendTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/biogate"},
//	}
type BackendConfig struct {
	Type   BackendType            `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// BackendType represents the different types of storage backends that can be used.
type BackendType string

const (
	BackendTypeFileSystem BackendType = "filesystem"
	BackendTypeS3         BackendType = "s3"
)

// NewBackend factory function to create storage backends
func NewBackend(config BackendConfig, namespace string) (Backend, error) {
	switch config.Type {
	case BackendTypeFileSystem, "file":
		basePath, ok := config.Config["base_path"].(string)
		if !ok || basePath == "" {
			return nil, fmt.Errorf("filesystem backend requires 'base_path' in config")
		}
		return NewFileBackend(basePath, namespace)

	case BackendTypeS3:
		return NewS3BackendFromConfig(config, namespace)

	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// validateNamespace validates the namespace for security
func validateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}

	if strings.Contains(namespace, "..") ||
		strings.Contains(namespace, "/") ||
		strings.Contains(namespace, "\\") ||
		strings.Contains(namespace, " ") {
		return fmt.Errorf("namespace contains invalid characters")
	}

	if len(namespace) > 100 {
		return fmt.Errorf("namespace too long (max 100 characters)")
	}

	return nil
}

func validateBlobName(name string) error {
	if !blobNameRegex.MatchString(name) {
		return fmt.Errorf("invalid blob name %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "." || part == ".." {
			return fmt.Errorf("invalid blob name %q", name)
		}
	}
	return nil
}
