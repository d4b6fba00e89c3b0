package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tmarkov/annotator/internal/broadcast"
	"github.com/tmarkov/annotator/pkg/annotation"
	"github.com/tmarkov/annotator/pkg/detection"
	"github.com/tmarkov/annotator/pkg/export"
	"github.com/tmarkov/annotator/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type boxJSON struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func toBoxJSON(b types.Box) boxJSON {
	return boxJSON{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2}
}

func (b boxJSON) toBox() types.Box {
	return types.Box{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2}
}

type annotationJSON struct {
	ID        string  `json:"id"`
	Box       boxJSON `json:"box"`
	Label     string  `json:"label"`
	Score     float64 `json:"score"`
	Source    string  `json:"source"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

func toAnnotationJSON(a annotation.Annotation) annotationJSON {
	return annotationJSON{
		ID:        a.ID.String(),
		Box:       toBoxJSON(a.Box),
		Label:     a.Label,
		Score:     a.Score,
		Source:    string(a.Source),
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type sessionJSON struct {
	ID          string           `json:"id"`
	ImagePath   string           `json:"image_path"`
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	Prompt      string           `json:"prompt"`
	Annotations []annotationJSON `json:"annotations"`
}

func toSessionJSON(s annotation.Session) sessionJSON {
	out := sessionJSON{
		ID:          s.ID.String(),
		ImagePath:   s.ImagePath,
		Width:       s.Width,
		Height:      s.Height,
		Prompt:      s.Prompt,
		Annotations: make([]annotationJSON, 0, len(s.Annotations)),
	}
	for _, a := range s.Annotations {
		out.Annotations = append(out.Annotations, toAnnotationJSON(a))
	}
	return out
}

// httpError maps domain errors to status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, annotation.ErrSessionNotFound),
		errors.Is(err, annotation.ErrAnnotationNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, annotation.ErrEmptyLabel),
		errors.Is(err, annotation.ErrInvalidBox):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// sessionFromParam resolves the :id path parameter to a session.
func (s *Server) sessionFromParam(c echo.Context) (annotation.Session, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return annotation.Session{}, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	session, err := s.store.SessionByID(id)
	if err != nil {
		return annotation.Session{}, httpError(err)
	}
	return session, nil
}

// persist writes the session's current state through to the database.
func (s *Server) persist(imagePath string) {
	if s.repo == nil {
		return
	}
	session, err := s.store.SessionByPath(imagePath)
	if err != nil {
		return
	}
	if err := s.repo.Save(session); err != nil {
		s.logger.Error("failed to persist session", "image_path", imagePath, "error", err)
	}
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.backend.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":       "unhealthy",
			"failed_check": "backend",
			"error":        err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

type openSessionRequest struct {
	ImagePath string `json:"image_path"`
}

func (s *Server) handleOpenSession(c echo.Context) error {
	var req openSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ImagePath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "image_path is required")
	}

	img, err := s.processor.LoadImageSmart(req.ImagePath)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to load image: "+err.Error())
	}
	width, height := s.processor.ImageSize(img)

	session, err := s.store.OpenSession(req.ImagePath, width, height)
	if err != nil {
		return httpError(err)
	}

	s.persist(session.ImagePath)
	activeSessions.Set(float64(len(s.store.Sessions())))

	return c.JSON(http.StatusCreated, toSessionJSON(session))
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions := s.store.Sessions()
	out := make([]sessionJSON, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, toSessionJSON(session))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetSession(c echo.Context) error {
	session, err := s.sessionFromParam(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toSessionJSON(session))
}

func (s *Server) handleCloseSession(c echo.Context) error {
	session, err := s.sessionFromParam(c)
	if err != nil {
		return err
	}

	s.store.CloseSession(session.ImagePath)
	if s.repo != nil {
		if err := s.repo.Delete(session.ID); err != nil {
			s.logger.Error("failed to delete session", "session_id", session.ID, "error", err)
		}
	}
	activeSessions.Set(float64(len(s.store.Sessions())))

	return c.NoContent(http.StatusNoContent)
}

type detectRequest struct {
	Prompt        string   `json:"prompt"`
	BoxThreshold  *float64 `json:"box_threshold"`
	TextThreshold *float64 `json:"text_threshold"`
}

func (s *Server) handleDetect(c echo.Context) error {
	session, err := s.sessionFromParam(c)
	if err != nil {
		return err
	}

	var req detectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	prompt := req.Prompt
	if prompt == "" {
		prompt = s.config.Detector.Prompt
	}

	opts := s.detectionOptions()
	if req.BoxThreshold != nil {
		opts.BoxThreshold = *req.BoxThreshold
	}
	if req.TextThreshold != nil {
		opts.TextThreshold = *req.TextThreshold
	}

	img, err := s.processor.LoadImageSmart(session.ImagePath)
	if err != nil {
		detectionsTotal.WithLabelValues("error").Inc()
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load image: "+err.Error())
	}

	start := time.Now()
	detections, err := s.detector.DetectObjects(c.Request().Context(), img, prompt, opts)
	detectionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		detectionsTotal.WithLabelValues("error").Inc()
		return echo.NewHTTPError(http.StatusBadGateway, "detection failed: "+err.Error())
	}

	annotations, err := s.store.ReplaceDetections(session.ImagePath, prompt, detections)
	if err != nil {
		detectionsTotal.WithLabelValues("error").Inc()
		return httpError(err)
	}

	detectionsTotal.WithLabelValues("ok").Inc()
	s.persist(session.ImagePath)
	s.hub.Publish(session.ID, broadcast.Event{
		Type:      broadcast.EventDetected,
		SessionID: session.ID.String(),
	})

	out := make([]annotationJSON, 0, len(annotations))
	for _, a := range annotations {
		out = append(out, toAnnotationJSON(a))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) detectionOptions() detection.Options {
	opts := detection.DefaultOptions()
	opts.Model = s.config.Detector.Model
	opts.BoxThreshold = s.config.Detector.BoxThreshold
	opts.TextThreshold = s.config.Detector.TextThreshold
	opts.IoUThreshold = s.config.Detector.IoUThreshold
	opts.SendFormat = s.config.Detector.SendFormat
	opts.SendQuality = s.config.Detector.SendQuality
	opts.MaxSendDim = s.config.Detector.MaxSendDim
	return opts
}

func (s *Server) handleListAnnotations(c echo.Context) error {
	session, err := s.sessionFromParam(c)
	if err != nil {
		return err
	}

	annotations, err := s.store.Annotations(session.ImagePath)
	if err != nil {
		return httpError(err)
	}

	out := make([]annotationJSON, 0, len(annotations))
	for _, a := range annotations {
		out = append(out, toAnnotationJSON(a))
	}
	return c.JSON(http.StatusOK, out)
}

type addAnnotationRequest struct {
	Box   boxJSON `json:"box"`
	Label string  `json:"label"`
}

func (s *Server) handleAddAnnotation(c echo.Context) error {
	session, err := s.sessionFromParam(c)
	if err != nil {
		return err
	}

	var req addAnnotationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ann, err := s.store.Add(session.ImagePath, req.Box.toBox(), req.Label)
	if err != nil {
		return httpError(err)
	}

	annotationEditsTotal.WithLabelValues("add").Inc()
	s.persist(session.ImagePath)
	s.hub.Publish(session.ID, broadcast.Event{
		Type:         broadcast.EventAdded,
		SessionID:    session.ID.String(),
		AnnotationID: ann.ID.String(),
		Label:        ann.Label,
	})

	return c.JSON(http.StatusCreated, toAnnotationJSON(ann))
}

func (s *Server) annotationFromParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("annotation_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid annotation id")
	}
	return id, nil
}

type updateAnnotationRequest struct {
	Box   *boxJSON `json:"box"`
	Label *string  `json:"label"`
}

func (s *Server) handleUpdateAnnotation(c echo.Context) error {
	session, err := s.sessionFromParam(c)
	if err != nil {
		return err
	}
	annID, err := s.annotationFromParam(c)
	if err != nil {
		return err
	}

	var req updateAnnotationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	upd := annotation.Update{Label: req.Label}
	if req.Box != nil {
		box := req.Box.toBox()
		upd.Box = &box
	}

	ann, err := s.store.UpdateAnnotation(session.ImagePath, annID, upd)
	if err != nil {
		return httpError(err)
	}

	annotationEditsTotal.WithLabelValues("update").Inc()
	s.persist(session.ImagePath)
	s.hub.Publish(session.ID, broadcast.Event{
		Type:         broadcast.EventUpdated,
		SessionID:    session.ID.String(),
		AnnotationID: ann.ID.String(),
		Label:        ann.Label,
	})

	return c.JSON(http.StatusOK, toAnnotationJSON(ann))
}

func (s *Server) handleDeleteAnnotation(c echo.Context) error {
	session, err := s.sessionFromParam(c)
	if err != nil {
		return err
	}
	annID, err := s.annotationFromParam(c)
	if err != nil {
		return err
	}

	if err := s.store.DeleteAnnotation(session.ImagePath, annID); err != nil {
		return httpError(err)
	}

	annotationEditsTotal.WithLabelValues("delete").Inc()
	s.persist(session.ImagePath)
	s.hub.Publish(session.ID, broadcast.Event{
		Type:         broadcast.EventDeleted,
		SessionID:    session.ID.String(),
		AnnotationID: annID.String(),
	})

	return c.NoContent(http.StatusNoContent)
}

type moveAnnotationRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func (s *Server) handleMoveAnnotation(c echo.Context) error {
	session, err := s.sessionFromParam(c)
	if err != nil {
		return err
	}
	annID, err := s.annotationFromParam(c)
	if err != nil {
		return err
	}

	var req moveAnnotationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ann, err := s.store.MoveBy(session.ImagePath, annID, req.DX, req.DY)
	if err != nil {
		return httpError(err)
	}

	annotationEditsTotal.WithLabelValues("move").Inc()
	s.persist(session.ImagePath)
	s.hub.Publish(session.ID, broadcast.Event{
		Type:         broadcast.EventUpdated,
		SessionID:    session.ID.String(),
		AnnotationID: ann.ID.String(),
		Label:        ann.Label,
	})

	return c.JSON(http.StatusOK, toAnnotationJSON(ann))
}

type resizeAnnotationRequest struct {
	Edge string  `json:"edge"`
	DX   float64 `json:"dx"`
	DY   float64 `json:"dy"`
}

func (s *Server) handleResizeAnnotation(c echo.Context) error {
	session, err := s.sessionFromParam(c)
	if err != nil {
		return err
	}
	annID, err := s.annotationFromParam(c)
	if err != nil {
		return err
	}

	var req resizeAnnotationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ann, err := s.store.ResizeEdge(session.ImagePath, annID, annotation.Edge(req.Edge), req.DX, req.DY)
	if err != nil {
		return httpError(err)
	}

	annotationEditsTotal.WithLabelValues("resize").Inc()
	s.persist(session.ImagePath)
	s.hub.Publish(session.ID, broadcast.Event{
		Type:         broadcast.EventUpdated,
		SessionID:    session.ID.String(),
		AnnotationID: ann.ID.String(),
		Label:        ann.Label,
	})

	return c.JSON(http.StatusOK, toAnnotationJSON(ann))
}

type selectRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (s *Server) handleSelectAnnotation(c echo.Context) error {
	session, err := s.sessionFromParam(c)
	if err != nil {
		return err
	}

	var req selectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ann, found, err := s.store.SelectAt(session.ImagePath, req.X, req.Y)
	if err != nil {
		return httpError(err)
	}
	if !found {
		return c.JSON(http.StatusOK, map[string]any{"found": false})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"found":      true,
		"annotation": toAnnotationJSON(ann),
	})
}

type exportRequest struct {
	Format    string `json:"format"`
	OutputDir string `json:"output_dir"`
}

func (s *Server) handleExport(c echo.Context) error {
	var req exportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.Format == "" {
		req.Format = s.config.Export.DefaultFormat
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = s.config.Export.OutputDir
	}

	sessions := s.store.Sessions()
	if err := export.Save(sessions, format, outputDir); err != nil {
		exportsTotal.WithLabelValues(string(format), "error").Inc()
		return echo.NewHTTPError(http.StatusInternalServerError, "export failed: "+err.Error())
	}

	exportsTotal.WithLabelValues(string(format), "ok").Inc()
	for _, session := range sessions {
		s.hub.Publish(session.ID, broadcast.Event{
			Type:      broadcast.EventExported,
			SessionID: session.ID.String(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"format":     string(format),
		"output_dir": outputDir,
		"sessions":   len(sessions),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	sessions := s.store.Sessions()

	labelCounts := map[string]int{}
	total := 0
	if s.repo != nil {
		counts, err := s.repo.CountAnnotations()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		labelCounts = counts
		for _, n := range counts {
			total += n
		}
	} else {
		for _, session := range sessions {
			for _, ann := range session.Annotations {
				labelCounts[ann.Label]++
				total++
			}
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"sessions":    len(sessions),
		"annotations": total,
		"labels":      labelCounts,
	})
}

func (s *Server) handleWebSocket(c echo.Context) error {
	session, err := s.sessionFromParam(c)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "upgrade failed: "+err.Error())
	}

	s.hub.Register(session.ID, conn)
	websocketClients.Inc()

	// Read loop detects disconnects; inbound messages are ignored.
	go func() {
		defer func() {
			s.hub.Unregister(session.ID, conn)
			websocketClients.Dec()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	return nil
}
