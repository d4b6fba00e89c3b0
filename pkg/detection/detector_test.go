package detection

import (
	"context"
	"errors"
	"image"
	"image/color"
	"reflect"
	"testing"

	"github.com/tmarkov/annotator/pkg/types"
)

// fakeClient returns canned detections in the coordinate system of the image
// it receives.
type fakeClient struct {
	detections []types.Detection
	err        error
	lastReq    types.DetectionRequest
}

func (f *fakeClient) Detect(_ context.Context, _ string, req types.DetectionRequest, _ string) ([]types.Detection, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.detections, nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }

func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	return img
}

func TestParsePrompt(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"person, car, dog, cat", []string{"person", "car", "dog", "cat"}},
		{"person . car . dog", []string{"person", "car", "dog"}},
		{"Person, PERSON, person", []string{"person"}},
		{"  , , ", nil},
		{"traffic light, stop sign", []string{"traffic light", "stop sign"}},
	}

	for _, test := range tests {
		got := ParsePrompt(test.input)
		if len(got) == 0 && len(test.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, test.want) {
			t.Errorf("ParsePrompt(%q) = %v, want %v", test.input, got, test.want)
		}
	}
}

func TestDetectObjects(t *testing.T) {
	fake := &fakeClient{
		detections: []types.Detection{
			{Box: types.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, Label: "dog", Score: 0.9},
			{Box: types.Box{X1: 60, Y1: 10, X2: 90, Y2: 40}, Label: "cat", Score: 0.5},
		},
	}

	d := NewDetector(fake)
	img := createTestImage(200, 100)

	detections, err := d.DetectObjects(context.Background(), img, "dog, cat", DefaultOptions())
	if err != nil {
		t.Fatalf("DetectObjects failed: %v", err)
	}

	if len(detections) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(detections))
	}

	// Image smaller than MaxSendDim is sent unscaled, so boxes pass through.
	if detections[0].Box != (types.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}) {
		t.Errorf("unexpected box: %+v", detections[0].Box)
	}

	if !reflect.DeepEqual(fake.lastReq.Labels, []string{"dog", "cat"}) {
		t.Errorf("labels sent to backend = %v", fake.lastReq.Labels)
	}
	if fake.lastReq.Width != 200 || fake.lastReq.Height != 100 {
		t.Errorf("sent size = %dx%d, want 200x100", fake.lastReq.Width, fake.lastReq.Height)
	}
}

func TestDetectObjectsRescalesToOriginal(t *testing.T) {
	// Backend sees a downscaled image; its boxes must be mapped back.
	fake := &fakeClient{
		detections: []types.Detection{
			{Box: types.Box{X1: 0, Y1: 0, X2: 100, Y2: 100}, Label: "dog", Score: 0.9},
		},
	}

	d := NewDetector(fake)
	img := createTestImage(800, 800)

	opts := DefaultOptions()
	opts.MaxSendDim = 400

	detections, err := d.DetectObjects(context.Background(), img, "dog", opts)
	if err != nil {
		t.Fatalf("DetectObjects failed: %v", err)
	}

	if len(detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(detections))
	}
	want := types.Box{X1: 0, Y1: 0, X2: 200, Y2: 200}
	if detections[0].Box != want {
		t.Errorf("rescaled box = %+v, want %+v", detections[0].Box, want)
	}
}

func TestDetectObjectsFiltersAndClamps(t *testing.T) {
	fake := &fakeClient{
		detections: []types.Detection{
			{Box: types.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, Label: "dog", Score: 0.1},    // below threshold
			{Box: types.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, Label: "", Score: 0.9},       // empty label
			{Box: types.Box{X1: 150, Y1: 50, X2: 400, Y2: 200}, Label: "dog", Score: 0.8}, // clamped
		},
	}

	d := NewDetector(fake)
	img := createTestImage(200, 100)

	detections, err := d.DetectObjects(context.Background(), img, "dog", DefaultOptions())
	if err != nil {
		t.Fatalf("DetectObjects failed: %v", err)
	}

	if len(detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(detections))
	}
	if detections[0].Box.X2 > 200 || detections[0].Box.Y2 > 100 {
		t.Errorf("box not clamped to image: %+v", detections[0].Box)
	}
}

func TestDetectObjectsSuppressesDuplicates(t *testing.T) {
	fake := &fakeClient{
		detections: []types.Detection{
			{Box: types.Box{X1: 10, Y1: 10, X2: 100, Y2: 100}, Label: "dog", Score: 0.9},
			{Box: types.Box{X1: 11, Y1: 11, X2: 101, Y2: 101}, Label: "dog", Score: 0.7},
			{Box: types.Box{X1: 10, Y1: 10, X2: 100, Y2: 100}, Label: "cat", Score: 0.6}, // different label survives
		},
	}

	d := NewDetector(fake)
	img := createTestImage(200, 200)

	detections, err := d.DetectObjects(context.Background(), img, "dog, cat", DefaultOptions())
	if err != nil {
		t.Fatalf("DetectObjects failed: %v", err)
	}

	if len(detections) != 2 {
		t.Fatalf("expected duplicate suppression to 2 detections, got %d", len(detections))
	}
	if detections[0].Score != 0.9 {
		t.Errorf("highest-scoring duplicate should win, got score %f", detections[0].Score)
	}
}

func TestDetectObjectsEmptyPrompt(t *testing.T) {
	d := NewDetector(&fakeClient{})
	if _, err := d.DetectObjects(context.Background(), createTestImage(10, 10), " , ", DefaultOptions()); err == nil {
		t.Error("empty prompt should fail")
	}
}

func TestDetectObjectsBackendError(t *testing.T) {
	fake := &fakeClient{err: errors.New("model not loaded")}
	d := NewDetector(fake)

	_, err := d.DetectObjects(context.Background(), createTestImage(10, 10), "dog", DefaultOptions())
	if err == nil {
		t.Fatal("backend error should propagate")
	}
}

func TestDetectObjectsZeroDetections(t *testing.T) {
	d := NewDetector(&fakeClient{detections: []types.Detection{}})

	detections, err := d.DetectObjects(context.Background(), createTestImage(10, 10), "dog", DefaultOptions())
	if err != nil {
		t.Fatalf("zero detections must not be an error: %v", err)
	}
	if len(detections) != 0 {
		t.Errorf("expected empty result, got %d", len(detections))
	}
}
