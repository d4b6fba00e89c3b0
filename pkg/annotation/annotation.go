// Package annotation holds the review state of the tool: one session per
// image, each with an ordered set of bounding-box annotations that came from
// the detection model or from manual edits.
package annotation

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tmarkov/annotator/pkg/types"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrAnnotationNotFound = errors.New("annotation not found")
	ErrEmptyLabel         = errors.New("annotation label is empty")
	ErrInvalidBox         = errors.New("annotation box has no area")
)

// Source records where an annotation came from.
type Source string

const (
	SourceModel  Source = "model"
	SourceManual Source = "manual"
)

// Annotation is one labeled bounding box. It belongs to exactly one session.
type Annotation struct {
	ID        uuid.UUID `json:"id"`
	Box       types.Box `json:"box"`
	Label     string    `json:"label"`
	Score     float64   `json:"score"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is the annotation state of a single image.
type Session struct {
	ID          uuid.UUID    `json:"id"`
	ImagePath   string       `json:"image_path"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Prompt      string       `json:"prompt"`
	Annotations []Annotation `json:"annotations"`
}

// clone returns a deep copy so callers can't mutate store state.
func (s *Session) clone() Session {
	out := *s
	out.Annotations = make([]Annotation, len(s.Annotations))
	copy(out.Annotations, s.Annotations)
	return out
}
