//go:build gcp

package evidence

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
)

// GCSArchive stores evidence blobs in Google Cloud Storage keyed by their
// SHA-256. Built only with -tags gcp.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchive creates an archive using application default credentials.
func NewGCSArchive(ctx context.Context, bucket, prefix string) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence gcs: client: %w", err)
	}
	return &GCSArchive{client: client, bucket: bucket, prefix: prefix}, nil
}

func newGCSArchiveFromEnv(ctx context.Context) (Archive, error) {
	bucket := os.Getenv("EVIDENCE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("EVIDENCE_GCS_BUCKET is required for the gcs backend")
	}
	return NewGCSArchive(ctx, bucket, os.Getenv("EVIDENCE_GCS_PREFIX"))
}

// Store writes data under its content hash; existing objects short-circuit.
func (a *GCSArchive) Store(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	obj := a.client.Bucket(a.bucket).Object(a.prefix + hash + ".json")

	if _, err := obj.Attrs(ctx); err == nil {
		return "sha256:" + hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("evidence gcs: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("evidence gcs: close: %w", err)
	}
	return "sha256:" + hash, nil
}

// Get retrieves a blob by its "sha256:..." hash.
func (a *GCSArchive) Get(ctx context.Context, hash string) ([]byte, error) {
	bare := strings.TrimPrefix(hash, "sha256:")
	if bare == hash {
		return nil, fmt.Errorf("evidence gcs: invalid hash format: %s", hash)
	}
	r, err := a.client.Bucket(a.bucket).Object(a.prefix + bare + ".json").NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence gcs: read: %w", err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
