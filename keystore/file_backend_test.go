package keystore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	baseDir := t.TempDir()

	backend, err := NewFileBackend(baseDir, testNamespace)
	require.NoError(t, err)
	defer backend.Close()

	testBackendImplementation(t, backend)

	t.Run("Layout", func(t *testing.T) {
		info, err := os.Stat(filepath.Join(baseDir, testNamespace, "keys", "alpha.key"))
		require.NoError(t, err)
		assert.Equal(t, FilePermissions, info.Mode().Perm())

		data, err := os.ReadFile(filepath.Join(baseDir, testNamespace, storeConfigFile))
		require.NoError(t, err)
		var descriptor StoreDescriptor
		require.NoError(t, json.Unmarshal(data, &descriptor))
		assert.Equal(t, testNamespace, descriptor.Namespace)
	})

	t.Run("NoTempFilesLeft", func(t *testing.T) {
		matches, err := filepath.Glob(filepath.Join(baseDir, testNamespace, "keys", ".tmp-*"))
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("DescriptorIsReserved", func(t *testing.T) {
		_, err := backend.Save(context.Background(), storeConfigFile, []byte("{}"), "")
		assert.Error(t, err)
	})
}

func TestFileBackendDefaultNamespace(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "default", backend.namespace)
}

func TestFileBackendNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()

	first, err := NewFileBackend(baseDir, "first")
	require.NoError(t, err)
	second, err := NewFileBackend(baseDir, "second")
	require.NoError(t, err)

	_, err = first.Save(ctx, "keys/shared.key", []byte("first"), "")
	require.NoError(t, err)

	exists, err := second.Exists(ctx, "keys/shared.key")
	require.NoError(t, err)
	assert.False(t, exists)
}
