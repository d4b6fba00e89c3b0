package annotation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmarkov/annotator/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewStoreWithClock(clock), clock
}

func TestOpenSession(t *testing.T) {
	store, _ := newTestStore(t)

	session, err := store.OpenSession("images/dog.jpg", 640, 480)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, session.ID)
	assert.Equal(t, "images/dog.jpg", session.ImagePath)
	assert.Empty(t, session.Annotations)

	// Re-opening returns the same session.
	again, err := store.OpenSession("images/dog.jpg", 640, 480)
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID)

	_, err = store.OpenSession("", 640, 480)
	assert.Error(t, err)
	_, err = store.OpenSession("x.jpg", 0, 480)
	assert.Error(t, err)
}

func TestCloseSessionDestroysAnnotations(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.OpenSession("a.jpg", 100, 100)
	require.NoError(t, err)
	_, err = store.Add("a.jpg", types.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, "dog")
	require.NoError(t, err)

	assert.True(t, store.CloseSession("a.jpg"))
	assert.False(t, store.CloseSession("a.jpg"))

	_, err = store.Annotations("a.jpg")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReplaceDetections(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.OpenSession("a.jpg", 200, 100)
	require.NoError(t, err)

	detections := []types.Detection{
		{Box: types.Box{X1: 10, Y1: 10, X2: 60, Y2: 60}, Label: "dog", Score: 0.9},
		{Box: types.Box{X1: 180, Y1: 50, X2: 400, Y2: 300}, Label: "cat", Score: 0.5}, // clamped
		{Box: types.Box{X1: 10, Y1: 10, X2: 60, Y2: 60}, Label: "", Score: 0.9},      // dropped
	}

	anns, err := store.ReplaceDetections("a.jpg", "dog, cat", detections)
	require.NoError(t, err)
	require.Len(t, anns, 2)

	assert.Equal(t, SourceModel, anns[0].Source)
	assert.LessOrEqual(t, anns[1].Box.X2, 200.0)
	assert.LessOrEqual(t, anns[1].Box.Y2, 100.0)

	session, err := store.SessionByPath("a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "dog, cat", session.Prompt)

	// A second run replaces the first, including manual additions.
	_, err = store.Add("a.jpg", types.Box{X1: 1, Y1: 1, X2: 5, Y2: 5}, "bird")
	require.NoError(t, err)
	anns, err = store.ReplaceDetections("a.jpg", "dog", detections[:1])
	require.NoError(t, err)
	assert.Len(t, anns, 1)
}

func TestReplaceDetectionsEmptyResult(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.OpenSession("a.jpg", 100, 100)
	require.NoError(t, err)

	anns, err := store.ReplaceDetections("a.jpg", "unicorn", nil)
	require.NoError(t, err, "zero detections is a valid result")
	assert.NotNil(t, anns)
	assert.Empty(t, anns)
}

func TestAdd(t *testing.T) {
	store, clock := newTestStore(t)
	_, err := store.OpenSession("a.jpg", 100, 100)
	require.NoError(t, err)

	ann, err := store.Add("a.jpg", types.Box{X1: -10, Y1: 20, X2: 50, Y2: 200}, "dog")
	require.NoError(t, err)

	assert.Equal(t, types.Box{X1: 0, Y1: 20, X2: 50, Y2: 100}, ann.Box, "box clamped to image")
	assert.Equal(t, 1.0, ann.Score, "manual annotations get score 1.0")
	assert.Equal(t, SourceManual, ann.Source)
	assert.Equal(t, clock.Now(), ann.CreatedAt)

	_, err = store.Add("a.jpg", types.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, "")
	assert.ErrorIs(t, err, ErrEmptyLabel)

	_, err = store.Add("a.jpg", types.Box{X1: 150, Y1: 150, X2: 160, Y2: 160}, "dog")
	assert.ErrorIs(t, err, ErrInvalidBox, "box entirely outside the image")

	_, err = store.Add("missing.jpg", types.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, "dog")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdateAnnotation(t *testing.T) {
	store, clock := newTestStore(t)
	_, err := store.OpenSession("a.jpg", 100, 100)
	require.NoError(t, err)
	ann, err := store.Add("a.jpg", types.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, "dog")
	require.NoError(t, err)

	clock.Advance(time.Minute)

	newBox := types.Box{X1: 20, Y1: 20, X2: 80, Y2: 80}
	newLabel := "cat"
	updated, err := store.UpdateAnnotation("a.jpg", ann.ID, Update{Box: &newBox, Label: &newLabel})
	require.NoError(t, err)

	assert.Equal(t, newBox, updated.Box)
	assert.Equal(t, "cat", updated.Label)
	assert.Equal(t, ann.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(ann.UpdatedAt))

	empty := ""
	_, err = store.UpdateAnnotation("a.jpg", ann.ID, Update{Label: &empty})
	assert.ErrorIs(t, err, ErrEmptyLabel)

	bad := types.Box{X1: 150, Y1: 150, X2: 160, Y2: 160}
	_, err = store.UpdateAnnotation("a.jpg", ann.ID, Update{Box: &bad})
	assert.ErrorIs(t, err, ErrInvalidBox)

	_, err = store.UpdateAnnotation("a.jpg", uuid.New(), Update{Label: &newLabel})
	assert.ErrorIs(t, err, ErrAnnotationNotFound)
}

func TestDeleteAnnotation(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.OpenSession("a.jpg", 100, 100)
	require.NoError(t, err)

	first, err := store.Add("a.jpg", types.Box{X1: 10, Y1: 10, X2: 20, Y2: 20}, "dog")
	require.NoError(t, err)
	second, err := store.Add("a.jpg", types.Box{X1: 30, Y1: 30, X2: 40, Y2: 40}, "cat")
	require.NoError(t, err)

	require.NoError(t, store.DeleteAnnotation("a.jpg", first.ID))

	anns, err := store.Annotations("a.jpg")
	require.NoError(t, err)
	require.Len(t, anns, 1)
	assert.Equal(t, second.ID, anns[0].ID)

	assert.ErrorIs(t, store.DeleteAnnotation("a.jpg", first.ID), ErrAnnotationNotFound)
}

func TestSelectAt(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.OpenSession("a.jpg", 100, 100)
	require.NoError(t, err)

	outer, err := store.Add("a.jpg", types.Box{X1: 10, Y1: 10, X2: 90, Y2: 90}, "sofa")
	require.NoError(t, err)
	inner, err := store.Add("a.jpg", types.Box{X1: 40, Y1: 40, X2: 60, Y2: 60}, "cat")
	require.NoError(t, err)

	// Point inside both: the smaller box wins.
	got, found, err := store.SelectAt("a.jpg", 50, 50)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, inner.ID, got.ID)

	// Point only inside the outer box.
	got, found, err = store.SelectAt("a.jpg", 15, 15)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, outer.ID, got.ID)

	// Point outside all boxes.
	_, found, err = store.SelectAt("a.jpg", 1, 1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMoveBy(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.OpenSession("a.jpg", 100, 100)
	require.NoError(t, err)
	ann, err := store.Add("a.jpg", types.Box{X1: 10, Y1: 10, X2: 30, Y2: 30}, "dog")
	require.NoError(t, err)

	moved, err := store.MoveBy("a.jpg", ann.ID, 5, -5)
	require.NoError(t, err)
	assert.Equal(t, types.Box{X1: 15, Y1: 5, X2: 35, Y2: 25}, moved.Box)

	// Moving past the edge clamps the delta and preserves the size.
	moved, err = store.MoveBy("a.jpg", ann.ID, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, types.Box{X1: 80, Y1: 80, X2: 100, Y2: 100}, moved.Box)
	assert.Equal(t, 20.0, moved.Box.Width())
	assert.Equal(t, 20.0, moved.Box.Height())
}

func TestResizeEdge(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.OpenSession("a.jpg", 100, 100)
	require.NoError(t, err)
	ann, err := store.Add("a.jpg", types.Box{X1: 20, Y1: 20, X2: 60, Y2: 60}, "dog")
	require.NoError(t, err)

	resized, err := store.ResizeEdge("a.jpg", ann.ID, EdgeRight, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 80.0, resized.Box.X2)

	// Collapsing an edge past the opposite side keeps a positive extent.
	resized, err = store.ResizeEdge("a.jpg", ann.ID, EdgeTop, 0, 1000)
	require.NoError(t, err)
	assert.Less(t, resized.Box.Y1, resized.Box.Y2)

	// Growing past the image clamps to the image bounds.
	resized, err = store.ResizeEdge("a.jpg", ann.ID, EdgeBottom, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 100.0, resized.Box.Y2)

	_, err = store.ResizeEdge("a.jpg", ann.ID, Edge("diagonal"), 1, 1)
	assert.Error(t, err)
}

func TestResizeEdgeSubPixelBox(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.OpenSession("a.jpg", 100, 100)
	require.NoError(t, err)

	// Boxes thinner than the minimum resize extent are valid to add;
	// resizing one must not push an edge outside the image.
	ann, err := store.Add("a.jpg", types.Box{X1: 10, Y1: 0, X2: 50, Y2: 0.5}, "wire")
	require.NoError(t, err)

	resized, err := store.ResizeEdge("a.jpg", ann.ID, EdgeTop, 0, 5)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, resized.Box.Y1, 0.0)
	assert.Less(t, resized.Box.Y1, resized.Box.Y2)

	// Same on the far side of the image.
	ann, err = store.Add("a.jpg", types.Box{X1: 10, Y1: 99.5, X2: 50, Y2: 100}, "wire")
	require.NoError(t, err)

	resized, err = store.ResizeEdge("a.jpg", ann.ID, EdgeBottom, 0, -5)
	require.NoError(t, err)
	assert.LessOrEqual(t, resized.Box.Y2, 100.0)
	assert.Less(t, resized.Box.Y1, resized.Box.Y2)
}

func TestSessionsSorted(t *testing.T) {
	store, _ := newTestStore(t)
	for _, path := range []string{"c.jpg", "a.jpg", "b.jpg"} {
		_, err := store.OpenSession(path, 10, 10)
		require.NoError(t, err)
	}

	sessions := store.Sessions()
	require.Len(t, sessions, 3)
	assert.Equal(t, "a.jpg", sessions[0].ImagePath)
	assert.Equal(t, "c.jpg", sessions[2].ImagePath)
}

func TestRestore(t *testing.T) {
	store, _ := newTestStore(t)

	session := Session{
		ID:        uuid.New(),
		ImagePath: "a.jpg",
		Width:     100,
		Height:    100,
		Prompt:    "dog",
		Annotations: []Annotation{
			{ID: uuid.New(), Box: types.Box{X1: 1, Y1: 1, X2: 2, Y2: 2}, Label: "dog", Score: 0.5, Source: SourceModel},
		},
	}
	require.NoError(t, store.Restore(session))

	got, err := store.SessionByID(session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Annotations[0].ID, got.Annotations[0].ID)

	assert.Error(t, store.Restore(Session{ImagePath: "", Width: 1, Height: 1}))
}

func TestReturnedCopiesAreIsolated(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.OpenSession("a.jpg", 100, 100)
	require.NoError(t, err)
	_, err = store.Add("a.jpg", types.Box{X1: 10, Y1: 10, X2: 20, Y2: 20}, "dog")
	require.NoError(t, err)

	anns, err := store.Annotations("a.jpg")
	require.NoError(t, err)
	anns[0].Label = "mutated"

	fresh, err := store.Annotations("a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "dog", fresh[0].Label)
}
