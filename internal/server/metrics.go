package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// detectionsTotal tracks pre-annotation runs by outcome
	detectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotator_detections_total",
			Help: "Pre-annotation runs by status",
		},
		[]string{"status"},
	)

	// detectionDuration tracks end-to-end pre-annotation latency
	detectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annotator_detection_duration_seconds",
			Help:    "Pre-annotation duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// annotationEditsTotal tracks manual annotation edits by operation
	annotationEditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotator_annotation_edits_total",
			Help: "Manual annotation edits by operation",
		},
		[]string{"operation"},
	)

	// exportsTotal tracks dataset exports by format and outcome
	exportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annotator_exports_total",
			Help: "Dataset exports by format and status",
		},
		[]string{"format", "status"},
	)

	// activeSessions tracks the number of open annotation sessions
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "annotator_active_sessions",
			Help: "Number of open annotation sessions",
		},
	)

	// websocketClients tracks connected event subscribers
	websocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "annotator_websocket_clients",
			Help: "Connected WebSocket event subscribers",
		},
	)
)
