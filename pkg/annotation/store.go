package annotation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tmarkov/annotator/pkg/types"
)

// Store keeps annotation sessions in memory. All methods are safe for
// concurrent use; every returned session or annotation is a copy.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session   // keyed by image path
	byID     map[uuid.UUID]string  // session ID -> image path
	clock    clockwork.Clock
}

// NewStore creates an empty store using the wall clock.
func NewStore() *Store {
	return NewStoreWithClock(clockwork.NewRealClock())
}

// NewStoreWithClock creates an empty store with an injectable clock for
// deterministic timestamps in tests.
func NewStoreWithClock(clock clockwork.Clock) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		byID:     make(map[uuid.UUID]string),
		clock:    clock,
	}
}

// OpenSession creates the session for an image, or returns the existing one.
func (s *Store) OpenSession(imagePath string, width, height int) (Session, error) {
	if imagePath == "" {
		return Session{}, fmt.Errorf("image path is empty")
	}
	if width <= 0 || height <= 0 {
		return Session{}, fmt.Errorf("invalid image size %dx%d", width, height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[imagePath]; ok {
		return existing.clone(), nil
	}

	session := &Session{
		ID:          uuid.New(),
		ImagePath:   imagePath,
		Width:       width,
		Height:      height,
		Annotations: []Annotation{},
	}
	s.sessions[imagePath] = session
	s.byID[session.ID] = imagePath
	return session.clone(), nil
}

// CloseSession removes a session and all its annotations.
func (s *Store) CloseSession(imagePath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[imagePath]
	if !ok {
		return false
	}
	delete(s.byID, session.ID)
	delete(s.sessions, imagePath)
	return true
}

// SessionByPath returns the session for an image path.
func (s *Store) SessionByPath(imagePath string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[imagePath]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session.clone(), nil
}

// SessionByID returns the session with the given ID.
func (s *Store) SessionByID(id uuid.UUID) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, ok := s.byID[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.sessions[path].clone(), nil
}

// Sessions returns all sessions ordered by image path.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ImagePath < out[j].ImagePath
	})
	return out
}

// ReplaceDetections replaces a session's annotations with the result of a
// pre-annotation run, recording the prompt that produced it. Manual edits
// made before the run are discarded, matching the review flow of the tool.
func (s *Store) ReplaceDetections(imagePath, prompt string, detections []types.Detection) ([]Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[imagePath]
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := s.clock.Now()
	annotations := make([]Annotation, 0, len(detections))
	for _, det := range detections {
		box := det.Box.Clamp(session.Width, session.Height)
		if box.Empty() || det.Label == "" {
			continue
		}
		annotations = append(annotations, Annotation{
			ID:        uuid.New(),
			Box:       box,
			Label:     det.Label,
			Score:     det.Score,
			Source:    SourceModel,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	session.Prompt = prompt
	session.Annotations = annotations

	out := make([]Annotation, len(annotations))
	copy(out, annotations)
	return out, nil
}

// Add appends a manual annotation. Manual annotations get score 1.0.
func (s *Store) Add(imagePath string, box types.Box, label string) (Annotation, error) {
	if label == "" {
		return Annotation{}, ErrEmptyLabel
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[imagePath]
	if !ok {
		return Annotation{}, ErrSessionNotFound
	}

	box = box.Clamp(session.Width, session.Height)
	if box.Empty() {
		return Annotation{}, ErrInvalidBox
	}

	now := s.clock.Now()
	ann := Annotation{
		ID:        uuid.New(),
		Box:       box,
		Label:     label,
		Score:     1.0,
		Source:    SourceManual,
		CreatedAt: now,
		UpdatedAt: now,
	}
	session.Annotations = append(session.Annotations, ann)
	return ann, nil
}

// Update describes a partial annotation change; nil fields are left as-is.
type Update struct {
	Box   *types.Box
	Label *string
	Score *float64
}

// UpdateAnnotation applies a partial update to one annotation.
func (s *Store) UpdateAnnotation(imagePath string, id uuid.UUID, upd Update) (Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, idx, err := s.locate(imagePath, id)
	if err != nil {
		return Annotation{}, err
	}

	ann := &session.Annotations[idx]
	if upd.Box != nil {
		box := upd.Box.Clamp(session.Width, session.Height)
		if box.Empty() {
			return Annotation{}, ErrInvalidBox
		}
		ann.Box = box
	}
	if upd.Label != nil {
		if *upd.Label == "" {
			return Annotation{}, ErrEmptyLabel
		}
		ann.Label = *upd.Label
	}
	if upd.Score != nil {
		ann.Score = *upd.Score
	}
	ann.UpdatedAt = s.clock.Now()
	return *ann, nil
}

// DeleteAnnotation removes one annotation from a session.
func (s *Store) DeleteAnnotation(imagePath string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, idx, err := s.locate(imagePath, id)
	if err != nil {
		return err
	}

	session.Annotations = append(session.Annotations[:idx], session.Annotations[idx+1:]...)
	return nil
}

// Annotations returns a copy of a session's annotations in order.
func (s *Store) Annotations(imagePath string) ([]Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[imagePath]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]Annotation, len(session.Annotations))
	copy(out, session.Annotations)
	return out, nil
}

// Restore loads a previously persisted session into the store, keeping its
// IDs and timestamps. Used when rehydrating from the database or an imported
// annotation file.
func (s *Store) Restore(session Session) error {
	if session.ImagePath == "" {
		return fmt.Errorf("image path is empty")
	}
	if session.Width <= 0 || session.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", session.Width, session.Height)
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.sessions[session.ImagePath]; ok {
		delete(s.byID, old.ID)
	}
	stored := session.clone()
	s.sessions[session.ImagePath] = &stored
	s.byID[stored.ID] = session.ImagePath
	return nil
}

// locate finds a session and the index of an annotation within it. Caller
// must hold the lock.
func (s *Store) locate(imagePath string, id uuid.UUID) (*Session, int, error) {
	session, ok := s.sessions[imagePath]
	if !ok {
		return nil, 0, ErrSessionNotFound
	}
	for i := range session.Annotations {
		if session.Annotations[i].ID == id {
			return session, i, nil
		}
	}
	return nil, 0, ErrAnnotationNotFound
}
