package qart

import (
	"errors"
	"testing"
)

func TestRunArtifactKey(t *testing.T) {
	got := RunArtifactKey("orch-1", "g5-2xl", 2, "results-llama/metrics.csv")
	want := "orchestrations/orch-1/g5-2xl/run-2/results-llama/metrics.csv"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	if _, err := NewS3Store(S3Config{Endpoint: "localhost:9000"}); !errors.Is(err, ErrBucketMissing) {
		t.Fatalf("expected ErrBucketMissing, got %v", err)
	}
}

func TestS3StorePrefix(t *testing.T) {
	s, err := NewS3Store(S3Config{Endpoint: "localhost:9000", Bucket: "bench", Prefix: "/team-a/"})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	key := RunArtifactKey("o", "s", 0, "report.md")
	if got, want := s.objectName(key), "team-a/orchestrations/o/s/run-0/report.md"; got != want {
		t.Errorf("objectName = %q, want %q", got, want)
	}
	if got := s.keyOf(s.objectName(key)); got != key {
		t.Errorf("keyOf round trip = %q, want %q", got, key)
	}

	bare, _ := NewS3Store(S3Config{Endpoint: "localhost:9000", Bucket: "bench"})
	if got := bare.objectName(key); got != key {
		t.Errorf("objectName without prefix = %q", got)
	}
}
