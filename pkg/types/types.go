package types

import "math"

// Box is an axis-aligned bounding box in pixel coordinates, X1/Y1 being the
// top-left corner and X2/Y2 the bottom-right corner.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the horizontal extent of the box.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the area of the box, zero for degenerate boxes.
func (b Box) Area() float64 {
	if b.Empty() {
		return 0
	}
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Empty reports whether the box has no positive extent.
func (b Box) Empty() bool { return b.X2 <= b.X1 || b.Y2 <= b.Y1 }

// Canon returns the box with corners ordered so that X1 <= X2 and Y1 <= Y2.
func (b Box) Canon() Box {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

// Clamp limits the box to the image rectangle [0,width]x[0,height].
func (b Box) Clamp(width, height int) Box {
	b = b.Canon()
	b.X1 = clamp(b.X1, 0, float64(width))
	b.Y1 = clamp(b.Y1, 0, float64(height))
	b.X2 = clamp(b.X2, 0, float64(width))
	b.Y2 = clamp(b.Y2, 0, float64(height))
	return b
}

// Contains reports whether the point (x, y) lies inside the box.
func (b Box) Contains(x, y float64) bool {
	return x >= b.X1 && x <= b.X2 && y >= b.Y1 && y <= b.Y2
}

// Translate moves the box by (dx, dy).
func (b Box) Translate(dx, dy float64) Box {
	return Box{X1: b.X1 + dx, Y1: b.Y1 + dy, X2: b.X2 + dx, Y2: b.Y2 + dy}
}

// Intersection returns the overlap area between two boxes.
func (b Box) Intersection(other Box) float64 {
	w := math.Min(b.X2, other.X2) - math.Max(b.X1, other.X1)
	h := math.Min(b.Y2, other.Y2) - math.Max(b.Y1, other.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns the intersection-over-union ratio between two boxes.
func (b Box) IoU(other Box) float64 {
	inter := b.Intersection(other)
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NormalizedBox is a box in [0,1] coordinates as returned by vision-LLM
// backends. X/Y is the top-left corner, W/H the extent.
type NormalizedBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// ToPixels converts the normalized box to pixel coordinates for an image of
// the given size. Coordinates are clamped to [0,1] first, so malformed model
// output cannot escape the image.
func (n NormalizedBox) ToPixels(width, height int) Box {
	fw, fh := float64(width), float64(height)
	x := clamp(n.X, 0, 1)
	y := clamp(n.Y, 0, 1)
	w := clamp(n.W, 0, 1)
	h := clamp(n.H, 0, 1)
	return Box{
		X1: x * fw,
		Y1: y * fh,
		X2: clamp(x+w, 0, 1) * fw,
		Y2: clamp(y+h, 0, 1) * fh,
	}
}

// Detection is a single candidate object returned by a detection backend.
type Detection struct {
	Box   Box     `json:"box"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// DetectionRequest describes one inference call: which objects to look for
// and how confident the model must be before a box is reported.
type DetectionRequest struct {
	Labels        []string `json:"labels"`
	BoxThreshold  float64  `json:"box_threshold"`
	TextThreshold float64  `json:"text_threshold"`

	// Pixel size of the encoded image. Backends that report normalized
	// coordinates use it to produce pixel boxes.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

// Default detection thresholds.
const (
	DefaultBoxThreshold  = 0.35
	DefaultTextThreshold = 0.25
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
