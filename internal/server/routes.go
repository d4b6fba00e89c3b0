package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Sessions
	s.echo.POST("/api/sessions", s.handleOpenSession)
	s.echo.GET("/api/sessions", s.handleListSessions)
	s.echo.GET("/api/sessions/:id", s.handleGetSession)
	s.echo.DELETE("/api/sessions/:id", s.handleCloseSession)

	// Pre-annotation
	s.echo.POST("/api/sessions/:id/detect", s.handleDetect)

	// Annotation editing
	s.echo.GET("/api/sessions/:id/annotations", s.handleListAnnotations)
	s.echo.POST("/api/sessions/:id/annotations", s.handleAddAnnotation)
	s.echo.PATCH("/api/sessions/:id/annotations/:annotation_id", s.handleUpdateAnnotation)
	s.echo.DELETE("/api/sessions/:id/annotations/:annotation_id", s.handleDeleteAnnotation)
	s.echo.POST("/api/sessions/:id/annotations/:annotation_id/move", s.handleMoveAnnotation)
	s.echo.POST("/api/sessions/:id/annotations/:annotation_id/resize", s.handleResizeAnnotation)
	s.echo.POST("/api/sessions/:id/select", s.handleSelectAnnotation)

	// Export
	s.echo.POST("/api/export", s.handleExport)

	// Dataset statistics
	s.echo.GET("/api/stats", s.handleStats)

	// Event feed
	s.echo.GET("/ws/sessions/:id", s.handleWebSocket)
}
