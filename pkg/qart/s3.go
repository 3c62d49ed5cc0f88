package qart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// multipartSize bounds memory when the upload size is unknown.
const multipartSize = 16 << 20

// S3Store keeps artifacts in one bucket of an S3-compatible service. Keys
// passed to it are relative to the optional Prefix.
type S3Store struct {
	client *minio.Client
	bucket string
	region string
	prefix string
}

// S3Config holds configuration for S3-compatible storage.
type S3Config struct {
	Endpoint  string // host:port, e.g. "localhost:9000" or "s3.amazonaws.com"
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix namespaces every key so that several deployments can share a
	// bucket. A trailing slash is added when missing.
	Prefix string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrBucketMissing
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: cfg.Bucket, region: cfg.Region, prefix: prefix}, nil
}

func (s *S3Store) objectName(key string) string {
	return s.prefix + key
}

func (s *S3Store) keyOf(object string) string {
	return strings.TrimPrefix(object, s.prefix)
}

// EnsureBucket creates the bucket when it does not exist. A concurrent
// creation by another process is not an error.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
		return nil
	}
	return err
}

func (s *S3Store) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) (*Artifact, error) {
	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	}
	if size < 0 {
		opts.PartSize = multipartSize
	}

	info, err := s.client.PutObject(ctx, s.bucket, s.objectName(key), reader, size, opts)
	if err != nil {
		return nil, s.translate(err)
	}

	modified := info.LastModified
	if modified.IsZero() {
		modified = time.Now()
	}
	return &Artifact{
		Key:          key,
		Bucket:       info.Bucket,
		Size:         info.Size,
		ContentType:  contentType,
		LastModified: modified,
		Metadata:     metadata,
	}, nil
}

// GetPresignedURL checks that the object exists before signing, so callers
// never hand out links that answer 404.
func (s *S3Store) GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	name := s.objectName(key)
	if _, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{}); err != nil {
		return "", s.translate(err)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, name, expiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]*Artifact, error) {
	var artifacts []*Artifact
	opts := minio.ListObjectsOptions{
		Prefix:       s.objectName(prefix),
		Recursive:    true,
		WithMetadata: true,
	}
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, s.translate(obj.Err)
		}
		contentType := obj.ContentType
		if contentType == "" {
			contentType = obj.UserMetadata["Content-Type"]
		}
		artifacts = append(artifacts, &Artifact{
			Key:          s.keyOf(obj.Key),
			Bucket:       s.bucket,
			Size:         obj.Size,
			ContentType:  contentType,
			LastModified: obj.LastModified,
		})
	}
	return artifacts, nil
}

// translate maps S3 error responses onto the package sentinels.
func (s *S3Store) translate(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchBucket":
		return errors.Join(ErrBucketMissing, err)
	case resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound:
		return errors.Join(ErrNotFound, err)
	default:
		return err
	}
}

var _ Store = (*S3Store)(nil)
