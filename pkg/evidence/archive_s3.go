package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
)

// S3Archive stores evidence blobs in S3 keyed by their SHA-256.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig configures the S3 archive.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO / LocalStack
	Prefix   string
}

// NewS3Archive creates an archive on the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence s3: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Store writes data under its content hash. Existing objects are left
// untouched so exports are idempotent.
func (a *S3Archive) Store(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	key := a.prefix + hash + ".json"

	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return "sha256:" + hash, nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("evidence s3: put: %w", err)
	}
	return "sha256:" + hash, nil
}

// Get retrieves a blob by its "sha256:..." hash.
func (a *S3Archive) Get(ctx context.Context, hash string) ([]byte, error) {
	bare := strings.TrimPrefix(hash, "sha256:")
	if bare == hash {
		return nil, fmt.Errorf("evidence s3: invalid hash format: %s", hash)
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + bare + ".json"),
	})
	if err != nil {
		return nil, fmt.Errorf("evidence s3: get: %w", err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
