package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/biogate/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Backend implements the Backend interface on any S3 compatible object store
// through the MinIO client. Each namespace lives under its own prefix:
//
//	bucketName/
//	└── [keyPrefix/]namespace/
//	    ├── store.json
//	    ├── derivation.salt
//	    ├── enrollment.json
//	    └── keys/
//	        └── default.key
//
// Object ETags are used as blob versions and conditional writes use If-Match.
type S3Backend struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	namespace  string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

// NewS3Backend connects to the object store, makes sure the bucket exists and
// writes the namespace descriptor on first use.
func NewS3Backend(config S3Config, namespace string) (*S3Backend, error) {
	if namespace == "" {
		namespace = "default"
	}

	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for s3 backend")
	}

	client, err := minio.New(stripScheme(config.Endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	backend := &S3Backend{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
		namespace:  namespace,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = backend.ensureBucket(ctx, config.Region); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = backend.initializeDescriptor(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store descriptor: %w", err)
	}

	return backend, nil
}

// NewS3BackendFromConfig initializes a new S3Backend instance from the given BackendConfig.
func NewS3BackendFromConfig(config BackendConfig, namespace string) (*S3Backend, error) {
	if config.Type != BackendTypeS3 {
		return nil, fmt.Errorf("invalid backend type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Backend(s3Config, namespace)
}

func (s *S3Backend) initializeDescriptor(ctx context.Context) error {
	objectName := s.objectName(storeConfigFile)
	debug.Print("S3Backend: descriptor object '%s'\n", objectName)

	_, err := s.client.StatObject(ctx, s.bucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if !isNotFoundError(err) {
		return fmt.Errorf("failed to check store descriptor: %w", err)
	}

	descriptor := StoreDescriptor{
		Version:    "1.0.0",
		Namespace:  s.namespace,
		CreatedAt:  time.Now().UTC(),
		LastAccess: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store descriptor: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":  "store-descriptor",
				"namespace":  s.namespace,
				"created-at": descriptor.CreatedAt.Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to create store descriptor: %w", err)
	}
	return nil
}

func (s *S3Backend) Save(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("data for %s cannot be nil", name)
	}
	if err := validateBlobName(name); err != nil {
		return "", err
	}

	objectName := s.objectName(name)
	putOptions := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"Created-At": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if expectedVersion != "" {
		current, err := s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to verify current version: %w", err)
		}
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       "Save " + name,
			}
		}
		// If-Match closes the window between the stat and the write
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s.client.PutObject(ctx, s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if isPreconditionFailedError(err) {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   "unknown",
				Operation:       "Save " + name,
			}
		}
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}

	return cleanETag(uploadInfo.ETag), nil
}

func (s *S3Backend) Load(ctx context.Context, name string) (*VersionedData, error) {
	if err := validateBlobName(name); err != nil {
		return nil, err
	}

	object, err := s.client.GetObject(ctx, s.bucketName, s.objectName(name), minio.GetObjectOptions{})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
		}
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	defer object.Close()

	// GetObject is lazy, a missing key surfaces on the first read or stat
	objectInfo, err := object.Stat()
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	timestamp := objectInfo.LastModified
	if createdAt, ok := objectInfo.UserMetadata["Created-At"]; ok {
		if parsed, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsed
		}
	}

	return &VersionedData{
		Data:      data,
		Version:   cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s *S3Backend) Exists(ctx context.Context, name string) (bool, error) {
	if err := validateBlobName(name); err != nil {
		return false, err
	}

	_, err := s.client.StatObject(ctx, s.bucketName, s.objectName(name), minio.StatObjectOptions{})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check existence of %s: %w", name, err)
	}
	return true, nil
}

func (s *S3Backend) Delete(ctx context.Context, name string) error {
	if err := validateBlobName(name); err != nil {
		return err
	}

	// RemoveObject succeeds for missing keys
	if err := s.client.RemoveObject(ctx, s.bucketName, s.objectName(name), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

func (s *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	base := s.objectName("") + "/"
	var names []string

	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    base + prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, base)
		if name == storeConfigFile {
			continue
		}
		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

// Health and utilities
func (s *S3Backend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucketName)
	}
	return nil
}

func (s *S3Backend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s.objectName(storeConfigFile)
	object, err := s.client.GetObject(ctx, s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil
	}

	var descriptor StoreDescriptor
	if err = json.Unmarshal(data, &descriptor); err != nil {
		return nil
	}
	descriptor.LastAccess = time.Now().UTC()

	if updated, err := json.MarshalIndent(descriptor, "", "  "); err == nil {
		_, _ = s.client.PutObject(ctx, s.bucketName, objectName,
			bytes.NewReader(updated), int64(len(updated)),
			minio.PutObjectOptions{ContentType: "application/json"})
	}
	return nil
}

func (s *S3Backend) GetType() string {
	return string(BackendTypeS3)
}

func (s *S3Backend) objectName(name string) string {
	var parts []string
	if s.keyPrefix != "" {
		parts = append(parts, s.keyPrefix)
	}
	parts = append(parts, s.namespace)
	if name != "" {
		parts = append(parts, name)
	}
	return strings.Join(parts, "/")
}

func (s *S3Backend) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: region}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s *S3Backend) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s.client.StatObject(ctx, s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if isNotFoundError(err) {
			return "", nil
		}
		return "", err
	}
	return cleanETag(objInfo.ETag), nil
}

func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// stripScheme accepts endpoints written as URLs, minio.New wants host[:port]
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimSuffix(endpoint, "/")
}

func isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
