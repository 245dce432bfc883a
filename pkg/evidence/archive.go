package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Archive stores serialized ledger entries off-box, content-addressed by
// hash so repeated exports are idempotent.
type Archive interface {
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
}

// ExportEntry serialises an entry and writes it to the archive, returning
// the storage hash.
func ExportEntry(ctx context.Context, a Archive, e *Entry) (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("evidence export: %w", err)
	}
	return a.Store(ctx, raw)
}

// NewArchiveFromEnv selects an archive backend from EVIDENCE_ARCHIVE_BACKEND
// ("s3" or "gcs"). An empty backend disables archiving.
func NewArchiveFromEnv(ctx context.Context) (Archive, error) {
	switch backend := os.Getenv("EVIDENCE_ARCHIVE_BACKEND"); backend {
	case "":
		return nil, nil
	case "s3":
		bucket := os.Getenv("EVIDENCE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("EVIDENCE_S3_BUCKET is required for the s3 backend")
		}
		return NewS3Archive(ctx, S3ArchiveConfig{
			Bucket:   bucket,
			Region:   os.Getenv("EVIDENCE_S3_REGION"),
			Endpoint: os.Getenv("EVIDENCE_S3_ENDPOINT"),
			Prefix:   os.Getenv("EVIDENCE_S3_PREFIX"),
		})
	case "gcs":
		return newGCSArchiveFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unknown evidence archive backend: %s", backend)
	}
}
