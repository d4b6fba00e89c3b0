// Package detection turns raw backend output into annotation-ready
// detections: it parses free-text prompts into labels, maps boxes back to
// the original image resolution, clamps them to the image bounds, and
// suppresses near-duplicate boxes.
package detection

import (
	"context"
	"image"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tmarkov/annotator/pkg/client"
	"github.com/tmarkov/annotator/pkg/processing"
	"github.com/tmarkov/annotator/pkg/types"
)

// Options controls a single detection run.
type Options struct {
	Model         string
	BoxThreshold  float64
	TextThreshold float64

	// Image encoding for the backend. MaxSendDim caps the long side of the
	// encoded image; 0 sends the original resolution.
	SendFormat  string
	SendQuality int
	MaxSendDim  int

	// Boxes of the same label overlapping more than this are merged into
	// the higher-scoring one.
	IoUThreshold float64
}

// DefaultOptions returns the default detection options.
func DefaultOptions() Options {
	return Options{
		BoxThreshold:  types.DefaultBoxThreshold,
		TextThreshold: types.DefaultTextThreshold,
		SendFormat:    "jpg",
		SendQuality:   85,
		MaxSendDim:    1536,
		IoUThreshold:  0.9,
	}
}

// Detector runs object detection against a backend client.
type Detector struct {
	client    client.DetectionClient
	processor *processing.Processor
}

// NewDetector creates a detector backed by the given client.
func NewDetector(c client.DetectionClient) *Detector {
	return &Detector{
		client:    c,
		processor: processing.NewProcessor(),
	}
}

// DetectObjects runs the backend on an image for a comma-separated prompt of
// object names and returns detections in the coordinate system of img. An
// image without any of the requested objects yields an empty slice.
func (d *Detector) DetectObjects(ctx context.Context, img image.Image, prompt string, opts Options) ([]types.Detection, error) {
	labels := ParsePrompt(prompt)
	if len(labels) == 0 {
		return nil, errors.New("prompt contains no object names")
	}

	imgB64, sentW, sentH, err := d.processor.PrepareImageForModel(img, opts.SendFormat, opts.MaxSendDim, opts.SendQuality)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode image for model")
	}

	req := types.DetectionRequest{
		Labels:        labels,
		BoxThreshold:  opts.BoxThreshold,
		TextThreshold: opts.TextThreshold,
		Width:         sentW,
		Height:        sentH,
	}

	raw, err := d.client.Detect(ctx, opts.Model, req, imgB64)
	if err != nil {
		return nil, errors.Wrap(err, "detection backend failed")
	}

	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	scaleX := float64(origW) / float64(sentW)
	scaleY := float64(origH) / float64(sentH)

	detections := make([]types.Detection, 0, len(raw))
	for _, det := range raw {
		if strings.TrimSpace(det.Label) == "" {
			continue
		}
		if det.Score < opts.BoxThreshold {
			continue
		}

		box := types.Box{
			X1: det.Box.X1 * scaleX,
			Y1: det.Box.Y1 * scaleY,
			X2: det.Box.X2 * scaleX,
			Y2: det.Box.Y2 * scaleY,
		}.Clamp(origW, origH)
		if box.Empty() {
			continue
		}

		detections = append(detections, types.Detection{
			Box:   box,
			Label: strings.ToLower(strings.TrimSpace(det.Label)),
			Score: det.Score,
		})
	}

	return suppressOverlaps(detections, opts.IoUThreshold), nil
}

// ParsePrompt splits a free-text prompt into distinct object names. Both
// comma and period separators are accepted since Grounding DINO prompts
// conventionally use either.
func ParsePrompt(prompt string) []string {
	fields := strings.FieldsFunc(prompt, func(r rune) bool {
		return r == ',' || r == '.'
	})

	seen := map[string]struct{}{}
	labels := make([]string, 0, len(fields))
	for _, f := range fields {
		label := strings.ToLower(strings.TrimSpace(f))
		if label == "" {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	return labels
}

// suppressOverlaps removes same-label detections that overlap a
// higher-scoring one by more than the threshold.
func suppressOverlaps(detections []types.Detection, iouThreshold float64) []types.Detection {
	if iouThreshold <= 0 || iouThreshold >= 1 {
		return detections
	}

	sorted := make([]types.Detection, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	kept := make([]types.Detection, 0, len(sorted))
	for _, candidate := range sorted {
		overlaps := false
		for _, existing := range kept {
			if existing.Label != candidate.Label {
				continue
			}
			if candidate.Box.IoU(existing.Box) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, candidate)
		}
	}
	return kept
}
