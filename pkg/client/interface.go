package client

import (
	"context"

	"github.com/tmarkov/annotator/pkg/types"
)

// DetectionClient is implemented by every detection backend. Detect returns
// the candidate boxes for one image; an image without any of the requested
// objects yields an empty slice, not an error.
type DetectionClient interface {
	Detect(ctx context.Context, model string, req types.DetectionRequest, imgB64 string) ([]types.Detection, error)
	Ping(ctx context.Context) error
}
