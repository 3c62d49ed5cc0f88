// Package qart mirrors collected benchmark artifacts to S3-compatible storage.
package qart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"
)

var (
	// ErrNotFound is returned for keys with no stored object.
	ErrNotFound = errors.New("qart: artifact not found")
	// ErrBucketMissing is returned when no bucket is configured or the
	// configured bucket does not exist.
	ErrBucketMissing = errors.New("qart: bucket missing")
)

// Artifact represents a stored artifact with metadata.
type Artifact struct {
	Key          string            `json:"key"`           // e.g. "orchestrations/<id>/<spec>/run-0/fmbench.log"
	Bucket       string            `json:"bucket"`        // Bucket name
	Size         int64             `json:"size"`          // Size in bytes
	ContentType  string            `json:"content_type"`  // MIME type
	LastModified time.Time         `json:"last_modified"` // Last modification time
	Metadata     map[string]string `json:"metadata"`      // Custom metadata
	URL          string            `json:"url,omitempty"` // Presigned URL (when requested)
}

// Store defines the interface for artifact storage operations.
type Store interface {
	// Upload uploads size bytes from reader. size may be -1 when unknown.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) (*Artifact, error)

	// GetPresignedURL generates a presigned URL for downloading an artifact.
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// List lists all artifacts with the given prefix.
	List(ctx context.Context, prefix string) ([]*Artifact, error)

	// EnsureBucket ensures the bucket exists, creating it if necessary.
	EnsureBucket(ctx context.Context) error
}

// OrchestrationPrefix returns the prefix holding every artifact of one
// orchestration.
func OrchestrationPrefix(orchestrationID string) string {
	return "orchestrations/" + orchestrationID + "/"
}

// RunArtifactKey returns the key of a collected file. rel uses forward
// slashes and is relative to the run's local result directory.
func RunArtifactKey(orchestrationID, specID string, runIndex int, rel string) string {
	return OrchestrationPrefix(orchestrationID) + path.Join(specID, fmt.Sprintf("run-%d", runIndex), rel)
}
