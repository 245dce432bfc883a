//go:build !gcp

package evidence

import (
	"context"
	"fmt"
)

func newGCSArchiveFromEnv(ctx context.Context) (Archive, error) {
	return nil, fmt.Errorf("gcs evidence archive is not enabled in this build (use -tags gcp)")
}
