package annotator

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/tmarkov/annotator/pkg/annotation"
	"github.com/tmarkov/annotator/pkg/export"
	"github.com/tmarkov/annotator/pkg/types"
)

type stubBackend struct {
	detections []types.Detection
}

func (s *stubBackend) Detect(ctx context.Context, model string, req types.DetectionRequest, imgB64 string) ([]types.Detection, error) {
	return s.detections, nil
}

func (s *stubBackend) Ping(ctx context.Context) error {
	return nil
}

// writeTestImage creates a small image file and returns its path
func writeTestImage(t *testing.T, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{64, 64, 64, 255})
		}
	}

	path := filepath.Join(t.TempDir(), "test.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNew(t *testing.T) {
	a := New(&stubBackend{})
	if a == nil {
		t.Fatal("New() returned nil")
	}
	if a.Store() == nil {
		t.Error("store component is nil")
	}
}

func TestAnnotate(t *testing.T) {
	backend := &stubBackend{
		detections: []types.Detection{
			{Box: types.Box{X1: 10, Y1: 10, X2: 50, Y2: 40}, Label: "person", Score: 0.8},
		},
	}
	a := New(backend)
	path := writeTestImage(t, 100, 80)

	session, err := a.Annotate(context.Background(), path, "person")
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}

	if session.Width != 100 || session.Height != 80 {
		t.Errorf("session size = %dx%d, want 100x80", session.Width, session.Height)
	}
	if len(session.Annotations) != 1 {
		t.Fatalf("got %d annotations, want 1", len(session.Annotations))
	}
	if session.Annotations[0].Label != "person" {
		t.Errorf("label = %q, want %q", session.Annotations[0].Label, "person")
	}
	if session.Annotations[0].Source != annotation.SourceModel {
		t.Errorf("source = %q, want %q", session.Annotations[0].Source, annotation.SourceModel)
	}
}

func TestAnnotateReplacesManualEdits(t *testing.T) {
	backend := &stubBackend{
		detections: []types.Detection{
			{Box: types.Box{X1: 10, Y1: 10, X2: 50, Y2: 40}, Label: "person", Score: 0.8},
		},
	}
	a := New(backend)
	path := writeTestImage(t, 100, 80)

	if _, err := a.Annotate(context.Background(), path, "person"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AddAnnotation(path, types.Box{X1: 60, Y1: 10, X2: 90, Y2: 40}, "car"); err != nil {
		t.Fatal(err)
	}

	session, err := a.Annotate(context.Background(), path, "person")
	if err != nil {
		t.Fatal(err)
	}
	if len(session.Annotations) != 1 {
		t.Errorf("re-annotation should replace the set, got %d annotations", len(session.Annotations))
	}
}

func TestExtractPatch(t *testing.T) {
	a := New(&stubBackend{})
	path := writeTestImage(t, 100, 80)

	if _, err := a.Store().OpenSession(path, 100, 80); err != nil {
		t.Fatal(err)
	}
	ann, err := a.AddAnnotation(path, types.Box{X1: 20, Y1: 10, X2: 60, Y2: 50}, "person")
	if err != nil {
		t.Fatal(err)
	}

	patch, err := a.ExtractPatch(path, ann.ID, 5)
	if err != nil {
		t.Fatalf("ExtractPatch() error = %v", err)
	}
	bounds := patch.Bounds()
	if bounds.Dx() != 50 || bounds.Dy() != 50 {
		t.Errorf("patch size = %dx%d, want 50x50", bounds.Dx(), bounds.Dy())
	}
}

func TestExportAndOverlay(t *testing.T) {
	backend := &stubBackend{
		detections: []types.Detection{
			{Box: types.Box{X1: 10, Y1: 10, X2: 50, Y2: 40}, Label: "person", Score: 0.8},
		},
	}
	a := New(backend)
	path := writeTestImage(t, 100, 80)

	if _, err := a.Annotate(context.Background(), path, "person"); err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()
	if err := a.Export(export.FormatCOCO, outDir); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "annotations.json")); err != nil {
		t.Errorf("expected annotations.json: %v", err)
	}

	overlayPath := filepath.Join(outDir, "overlay.png")
	if err := a.SaveOverlay(path, overlayPath, "png", 90); err != nil {
		t.Fatalf("SaveOverlay() error = %v", err)
	}
	if _, err := os.Stat(overlayPath); err != nil {
		t.Errorf("expected overlay file: %v", err)
	}
}
