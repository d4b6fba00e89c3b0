package annotation

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Edge identifies which side of a box a resize grabs.
type Edge string

const (
	EdgeTop    Edge = "top"
	EdgeBottom Edge = "bottom"
	EdgeLeft   Edge = "left"
	EdgeRight  Edge = "right"
)

// minBoxSide keeps resized boxes from collapsing to a line.
const minBoxSide = 1.0

// SelectAt returns the annotation whose box contains the point (x, y). When
// boxes nest or overlap, the smallest containing box wins so inner objects
// stay selectable.
func (s *Store) SelectAt(imagePath string, x, y float64) (Annotation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[imagePath]
	if !ok {
		return Annotation{}, false, ErrSessionNotFound
	}

	var selected Annotation
	found := false
	minArea := math.Inf(1)
	for _, ann := range session.Annotations {
		if !ann.Box.Contains(x, y) {
			continue
		}
		if area := ann.Box.Area(); area < minArea {
			minArea = area
			selected = ann
			found = true
		}
	}
	return selected, found, nil
}

// MoveBy shifts an annotation's box by (dx, dy), clamped so the box stays
// inside the image without changing size where possible.
func (s *Store) MoveBy(imagePath string, id uuid.UUID, dx, dy float64) (Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, idx, err := s.locate(imagePath, id)
	if err != nil {
		return Annotation{}, err
	}

	ann := &session.Annotations[idx]
	box := ann.Box

	// Limit the delta so width and height are preserved at the edges.
	dx = clampDelta(dx, box.X1, box.X2, float64(session.Width))
	dy = clampDelta(dy, box.Y1, box.Y2, float64(session.Height))

	ann.Box = box.Translate(dx, dy)
	ann.UpdatedAt = s.clock.Now()
	return *ann, nil
}

// ResizeEdge moves one edge of an annotation's box. The box keeps a positive
// extent and stays inside the image.
func (s *Store) ResizeEdge(imagePath string, id uuid.UUID, edge Edge, dx, dy float64) (Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, idx, err := s.locate(imagePath, id)
	if err != nil {
		return Annotation{}, err
	}

	ann := &session.Annotations[idx]
	box := ann.Box
	w, h := float64(session.Width), float64(session.Height)

	// Boxes thinner than minBoxSide would invert the clamp range, so the
	// bounds are pinned to the image before clamping.
	switch edge {
	case EdgeTop:
		box.Y1 = clampValue(box.Y1+dy, 0, math.Max(0, box.Y2-minBoxSide))
	case EdgeBottom:
		box.Y2 = clampValue(box.Y2+dy, math.Min(h, box.Y1+minBoxSide), h)
	case EdgeLeft:
		box.X1 = clampValue(box.X1+dx, 0, math.Max(0, box.X2-minBoxSide))
	case EdgeRight:
		box.X2 = clampValue(box.X2+dx, math.Min(w, box.X1+minBoxSide), w)
	default:
		return Annotation{}, fmt.Errorf("unknown edge %q", edge)
	}

	ann.Box = box
	ann.UpdatedAt = s.clock.Now()
	return *ann, nil
}

// clampDelta limits a translation so the interval [lo, hi] stays in [0, max].
func clampDelta(d, lo, hi, max float64) float64 {
	if d < -lo {
		d = -lo
	}
	if d > max-hi {
		d = max - hi
	}
	return d
}

func clampValue(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
