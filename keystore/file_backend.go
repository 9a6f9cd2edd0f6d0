package keystore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"southwinds.dev/biogate/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	storeConfigFile = "store.json"
)

// FileBackend implements Backend for the local filesystem with one directory per
// namespace and optimistic concurrency control based on content hashes.
//
//	basePath/
//	└── namespace/
//	    ├── store.json          # backend descriptor (version, timestamps)
//	    ├── derivation.salt     # master key derivation salt
//	    ├── enrollment.json     # enrolled biometric templates
//	    └── keys/
//	        └── default.key     # encrypted key records
type FileBackend struct {
	basePath      string
	namespace     string
	namespacePath string
	mu            sync.Mutex
}

// StoreDescriptor is written once per namespace and records when it was last used
type StoreDescriptor struct {
	Version    string    `json:"version"`
	Namespace  string    `json:"namespace"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// NewFileBackend initializes and returns a new instance of FileBackend
func NewFileBackend(basePath string, namespace string) (*FileBackend, error) {
	if namespace == "" {
		namespace = "default"
	}

	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	fb := &FileBackend{
		basePath:      basePath,
		namespace:     namespace,
		namespacePath: filepath.Join(basePath, namespace),
	}

	if err := os.MkdirAll(fb.namespacePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", fb.namespacePath, err)
	}

	if err := fb.initializeDescriptor(); err != nil {
		return nil, fmt.Errorf("failed to initialize store descriptor: %w", err)
	}

	return fb, nil
}

func (fb *FileBackend) initializeDescriptor() error {
	path := filepath.Join(fb.namespacePath, storeConfigFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		descriptor := StoreDescriptor{
			Version:    "1.0.0",
			Namespace:  fb.namespace,
			CreatedAt:  time.Now().UTC(),
			LastAccess: time.Now().UTC(),
		}

		data, err := json.MarshalIndent(descriptor, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(path, data, FilePermissions)
	}
	return nil
}

// Save with optimistic concurrency control
func (fb *FileBackend) Save(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("data for %s cannot be nil", name)
	}
	path, err := fb.pathFor(name)
	if err != nil {
		return "", err
	}
	if err = ctx.Err(); err != nil {
		return "", err
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if expectedVersion != "" {
		currentVersion, err := getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "Save " + name,
			}
		}
	}

	if err = os.MkdirAll(filepath.Dir(path), DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", name, err)
	}

	if err = writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}

	debug.Print("FileBackend.Save: wrote %d bytes to %s\n", len(data), path)
	return calculateFileVersion(data), nil
}

// Load returns versioned data
func (fb *FileBackend) Load(ctx context.Context, name string) (*VersionedData, error) {
	path, err := fb.pathFor(name)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fb *FileBackend) Exists(ctx context.Context, name string) (bool, error) {
	path, err := fb.pathFor(name)
	if err != nil {
		return false, err
	}
	return fileExists(path)
}

func (fb *FileBackend) Delete(ctx context.Context, name string) error {
	path, err := fb.pathFor(name)
	if err != nil {
		return err
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

func (fb *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	err := filepath.WalkDir(fb.namespacePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(fb.namespacePath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == storeConfigFile {
			return nil
		}
		if strings.HasPrefix(rel, prefix) {
			names = append(names, rel)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}

	sort.Strings(names)
	return names, nil
}

func (fb *FileBackend) GetType() string {
	return string(BackendTypeFileSystem)
}

// Health and utilities
func (fb *FileBackend) Ping(ctx context.Context) error {
	_, err := os.Stat(fb.namespacePath)
	return err
}

func (fb *FileBackend) Close() error {
	path := filepath.Join(fb.namespacePath, storeConfigFile)
	if data, err := os.ReadFile(path); err == nil {
		var descriptor StoreDescriptor
		if err := json.Unmarshal(data, &descriptor); err == nil {
			descriptor.LastAccess = time.Now().UTC()
			if updated, err := json.MarshalIndent(descriptor, "", "  "); err == nil {
				_ = writeSecureFile(path, updated, FilePermissions)
			}
		}
	}
	return nil
}

func (fb *FileBackend) pathFor(name string) (string, error) {
	if err := validateBlobName(name); err != nil {
		return "", err
	}
	if name == storeConfigFile {
		return "", fmt.Errorf("blob name %q is reserved", name)
	}
	return filepath.Join(fb.namespacePath, filepath.FromSlash(name)), nil
}

// Helper methods for versioning support
func getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
