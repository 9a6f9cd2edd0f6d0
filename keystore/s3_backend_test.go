package keystore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
)

// minioEndpoint returns S3_MINIO_ENDPOINT or starts a MinIO container
func minioEndpoint(t *testing.T) string {
	t.Helper()

	if endpoint := os.Getenv("S3_MINIO_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if testing.Short() {
		t.Skip("Skipping MinIO container in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     testAccessKey,
				"MINIO_ROOT_PASSWORD": testSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("MinIO container unavailable (is Docker running?): %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: Failed to terminate MinIO container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func TestS3Backend(t *testing.T) {
	endpoint := minioEndpoint(t)

	config := S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     testAccessKey,
		SecretAccessKey: testSecretKey,
		Bucket:          "biogate-test",
		KeyPrefix:       "test/",
		Region:          "us-east-1",
	}

	backend, err := NewS3Backend(config, testNamespace)
	require.NoError(t, err)
	defer backend.Close()

	assert.Equal(t, "s3", backend.GetType())
	assert.Equal(t, "test/"+testNamespace+"/keys/a.key", backend.objectName("keys/a.key"))

	testBackendImplementation(t, backend)

	t.Run("FromConfig", func(t *testing.T) {
		fromConfig, err := NewBackend(BackendConfig{
			Type: BackendTypeS3,
			Config: map[string]interface{}{
				"endpoint":          endpoint,
				"access_key_id":     testAccessKey,
				"secret_access_key": testSecretKey,
				"bucket":            "biogate-test",
				"key_prefix":        "test/",
				"region":            "us-east-1",
			},
		}, testNamespace)
		require.NoError(t, err)

		loaded, err := fromConfig.Load(context.Background(), "keys/alpha.key")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), loaded.Data)
	})
}

func TestS3BackendConfigValidation(t *testing.T) {
	_, err := NewS3Backend(S3Config{Endpoint: "localhost:9000"}, testNamespace)
	assert.Error(t, err, "bucket is required")

	_, err = NewS3BackendFromConfig(BackendConfig{Type: BackendTypeFileSystem}, testNamespace)
	assert.Error(t, err)

	_, err = NewS3Backend(S3Config{Endpoint: "localhost:9000", Bucket: "b"}, "../escape")
	assert.Error(t, err)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "localhost:9000", stripScheme("http://localhost:9000"))
	assert.Equal(t, "s3.amazonaws.com", stripScheme("https://s3.amazonaws.com/"))
	assert.Equal(t, "minio:9000", stripScheme("minio:9000"))
}
