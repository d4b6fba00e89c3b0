// Package annotator provides open-vocabulary image annotation functionality.
//
// This package combines an external object detection backend with an
// annotation store and dataset exporters to pre-fill bounding box
// annotations from a free-text prompt, refine them manually, and export
// the result as COCO JSON or PASCAL VOC XML.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		"github.com/tmarkov/annotator"
//		"github.com/tmarkov/annotator/pkg/dino"
//		"github.com/tmarkov/annotator/pkg/export"
//	)
//
//	func main() {
//		// Connect to a Grounding DINO inference server
//		backend, err := dino.NewClient("http://localhost:8765")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		a := annotator.New(backend)
//
//		// Pre-annotate an image from a prompt
//		session, err := a.Annotate(context.Background(), "photo.jpg", "person, car, dog")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("Found %d objects\n", len(session.Annotations))
//
//		// Export everything as a COCO dataset
//		if err := a.Export(export.FormatCOCO, "out"); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// The package consists of four main components:
//
// 1. Detection (pkg/detection): Runs the prompt through a detection backend
// and post-processes the returned boxes
// 2. Annotation (pkg/annotation): In-memory session store with editing
// operations (add, move, resize, relabel, delete, select)
// 3. Export (pkg/export): COCO JSON and PASCAL VOC XML serialization
// 4. Visualize (pkg/visualize): Draws annotations onto images for review
//
// Two detection backends are included: pkg/dino talks to a Grounding DINO
// HTTP inference server, and pkg/ollama prompts a vision LLM served by
// Ollama. Both implement client.DetectionClient, so custom backends can be
// plugged in.
package annotator

import (
	"context"
	"fmt"
	"image"

	"github.com/google/uuid"

	"github.com/tmarkov/annotator/pkg/annotation"
	"github.com/tmarkov/annotator/pkg/client"
	"github.com/tmarkov/annotator/pkg/detection"
	"github.com/tmarkov/annotator/pkg/export"
	"github.com/tmarkov/annotator/pkg/processing"
	"github.com/tmarkov/annotator/pkg/types"
	"github.com/tmarkov/annotator/pkg/visualize"
)

// Version of the annotator library
const Version = "1.0.0"

// Annotator provides a high-level interface for prompt-driven image
// annotation.
type Annotator struct {
	processor *processing.Processor
	detector  *detection.Detector
	store     *annotation.Store
	options   detection.Options
}

// New creates an Annotator with default detection options.
func New(backend client.DetectionClient) *Annotator {
	return NewWithOptions(backend, detection.DefaultOptions())
}

// NewWithOptions creates an Annotator with custom detection options.
func NewWithOptions(backend client.DetectionClient, opts detection.Options) *Annotator {
	return &Annotator{
		processor: processing.NewProcessor(),
		detector:  detection.NewDetector(backend),
		store:     annotation.NewStore(),
		options:   opts,
	}
}

// Store exposes the annotation store for direct editing operations.
func (a *Annotator) Store() *annotation.Store {
	return a.store
}

// LoadImage loads an image from a file path or URL.
func (a *Annotator) LoadImage(source string) (image.Image, error) {
	return a.processor.LoadImageSmart(source)
}

// Annotate loads an image, runs detection with the prompt, and stores the
// results as the image's annotation set. Re-running replaces earlier
// detections along with any manual edits.
func (a *Annotator) Annotate(ctx context.Context, source, prompt string) (annotation.Session, error) {
	img, err := a.processor.LoadImageSmart(source)
	if err != nil {
		return annotation.Session{}, fmt.Errorf("failed to load image: %w", err)
	}
	width, height := a.processor.ImageSize(img)

	if _, err := a.store.OpenSession(source, width, height); err != nil {
		return annotation.Session{}, err
	}

	detections, err := a.detector.DetectObjects(ctx, img, prompt, a.options)
	if err != nil {
		return annotation.Session{}, fmt.Errorf("detection failed: %w", err)
	}

	if _, err := a.store.ReplaceDetections(source, prompt, detections); err != nil {
		return annotation.Session{}, err
	}

	return a.store.SessionByPath(source)
}

// AddAnnotation adds a manual annotation to an image's session.
func (a *Annotator) AddAnnotation(source string, box types.Box, label string) (annotation.Annotation, error) {
	return a.store.Add(source, box, label)
}

// Export writes every session's annotations to outputDir in the given
// format.
func (a *Annotator) Export(format export.Format, outputDir string) error {
	return export.Save(a.store.Sessions(), format, outputDir)
}

// ExtractPatch cuts one annotation's region out of its image, with padding
// pixels of context on each side.
func (a *Annotator) ExtractPatch(source string, id uuid.UUID, padding int) (image.Image, error) {
	img, err := a.processor.LoadImageSmart(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	annotations, err := a.store.Annotations(source)
	if err != nil {
		return nil, err
	}
	for _, ann := range annotations {
		if ann.ID == id {
			return a.processor.CropAnnotation(img, ann.Box, padding)
		}
	}
	return nil, annotation.ErrAnnotationNotFound
}

// RenderOverlay draws an image's annotations onto a copy of the image.
func (a *Annotator) RenderOverlay(source string) (image.Image, error) {
	img, err := a.processor.LoadImageSmart(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	annotations, err := a.store.Annotations(source)
	if err != nil {
		return nil, err
	}
	return visualize.Render(img, annotations), nil
}

// SaveOverlay renders an image's annotations and writes the overlay to a
// file.
func (a *Annotator) SaveOverlay(source, outputPath, format string, quality int) error {
	overlay, err := a.RenderOverlay(source)
	if err != nil {
		return err
	}
	return a.processor.SaveImage(overlay, outputPath, format, quality, false)
}
