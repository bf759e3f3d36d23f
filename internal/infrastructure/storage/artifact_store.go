// Package storage provides object storage for fiscal XML artifacts.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	infraconfig "github.com/erp/fiscal/internal/infrastructure/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const xmlContentType = "application/xml"

// ArtifactKind names the XML artifacts kept per emission
type ArtifactKind string

const (
	ArtifactUnsigned      ArtifactKind = "unsigned.xml"
	ArtifactSigned        ArtifactKind = "signed.xml"
	ArtifactAuthorization ArtifactKind = "authorization.xml"
)

// ErrArtifactNotFound is returned when the referenced artifact does not exist
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore persists and retrieves fiscal XML artifacts. The emission
// record keeps only the returned refs; the bytes live here.
type ArtifactStore interface {
	// Put stores an artifact and returns the ref to persist on the emission
	Put(ctx context.Context, tenantID uuid.UUID, accessKey string, kind ArtifactKind, data []byte) (string, error)
	// Get retrieves an artifact by its ref
	Get(ctx context.Context, ref string) ([]byte, error)
}

// ArtifactKeyFor builds the canonical object key for an emission artifact
func ArtifactKeyFor(tenantID uuid.UUID, accessKey string, kind ArtifactKind) string {
	return fmt.Sprintf("fiscal/%s/%s/%s", tenantID, accessKey, kind)
}

// S3ArtifactStore keeps artifacts in any S3-compatible backend (AWS S3,
// MinIO, RustFS)
type S3ArtifactStore struct {
	client *s3.Client
	bucket string
	logger *zap.Logger
}

// NewS3ArtifactStore creates an artifact store from storage configuration
func NewS3ArtifactStore(cfg *infraconfig.StorageConfig, logger *zap.Logger) (*S3ArtifactStore, error) {
	if cfg == nil {
		return nil, errors.New("storage configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("storage access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("storage secret key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:9000"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if cfg.UseSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid storage endpoint: %w", err)
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &S3ArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist. Called during startup.
func (s *S3ArtifactStore) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	s.logger.Info("Creating storage bucket", zap.String("bucket", s.bucket))
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &alreadyOwned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	return nil
}

// Put stores an artifact and returns its object key as the ref
func (s *S3ArtifactStore) Put(ctx context.Context, tenantID uuid.UUID, accessKey string, kind ArtifactKind, data []byte) (string, error) {
	key := ArtifactKeyFor(tenantID, accessKey, kind)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(xmlContentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}

	return key, nil
}

// Get retrieves an artifact by its ref
func (s *S3ArtifactStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, errors.New("artifact ref is required")
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) || strings.Contains(err.Error(), "NoSuchKey") {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// MemoryArtifactStore keeps artifacts in memory. Used in tests and local
// development without an object store.
type MemoryArtifactStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryArtifactStore creates an empty in-memory store
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{objects: make(map[string][]byte)}
}

// Put stores an artifact and returns its key as the ref
func (s *MemoryArtifactStore) Put(_ context.Context, tenantID uuid.UUID, accessKey string, kind ArtifactKind, data []byte) (string, error) {
	key := ArtifactKeyFor(tenantID, accessKey, kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
	return key, nil
}

// Get retrieves an artifact by its ref
func (s *MemoryArtifactStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[ref]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return data, nil
}

// Ensure both stores implement the interface
var (
	_ ArtifactStore = (*S3ArtifactStore)(nil)
	_ ArtifactStore = (*MemoryArtifactStore)(nil)
)
