package archive

import (
	"context"
	"fmt"
	"os"
)

// Environment configuration for the object-storage backends.
const (
	EnvS3Region   = "AWS_REGION"
	EnvS3Endpoint = "SUDOGATE_S3_ENDPOINT"
)

// NewUploader builds the uploader for a configured backend name.
func NewUploader(ctx context.Context, backend, bucket string) (Uploader, error) {
	switch backend {
	case "s3":
		return NewS3Uploader(ctx, S3Config{
			Bucket:   bucket,
			Region:   os.Getenv(EnvS3Region),
			Endpoint: os.Getenv(EnvS3Endpoint),
		})
	case "gcs":
		return newGCSUploader(ctx, bucket)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", backend)
	}
}
