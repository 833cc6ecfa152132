//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSUploader(context.Context, string) (Uploader, error) {
	return nil, fmt.Errorf("gcs archiving is not enabled in this build (use -tags gcp)")
}
