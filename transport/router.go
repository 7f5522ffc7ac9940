// Package transport serves the play engine and the approval service over HTTP.
package transport

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/songzhibin97/play-engine/observability"
)

// Dependencies holds everything the HTTP layer serves.
type Dependencies struct {
	Engine    PlayEngine
	Approvals Approvals
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	// Gatherer backs the metrics endpoint. Nil disables it.
	Gatherer    prometheus.Gatherer
	MetricsPath string
}

// NewRouter builds the gin engine with the middleware chain and every route.
func NewRouter(deps Dependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(RequestID(logger))
	r.Use(Recovery(logger))
	r.Use(MetricsRecording(deps.Metrics))
	r.Use(RequestLogging(logger))

	r.GET("/healthz", healthHandler)
	if deps.Gatherer != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")

	v1.POST("/plays/validate", ValidatePlayHandler())
	v1.POST("/plays", RegisterPlayHandler(deps.Engine, logger))

	ws := v1.Group("/workstreams/:workstream")
	ws.POST("/plays/:play/run", RunPlayHandler(deps.Engine, logger))
	ws.GET("/plays/:play/states", StatesHandler(deps.Engine, logger))
	ws.POST("/plays/:play/nodes/:node/execute", ExecuteNodeHandler(deps.Engine, logger))
	ws.POST("/plays/:play/nodes/:node/resume", ResumeNodeHandler(deps.Engine, logger))
	ws.POST("/approvals", ActivateHandler(deps.Approvals, logger))
	ws.GET("/approvals", SequenceHandler(deps.Approvals, logger))

	v1.POST("/approvals/:id/decisions", DecisionHandler(deps.Approvals, logger))
	v1.POST("/events/jobs", JobEventHandler(deps.Engine, logger))

	return r
}
