package handler

import (
	"net/http"
	"time"

	"ppe-monitor/internal/gateway"
	"ppe-monitor/internal/queue"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	gateway         *gateway.Gateway
	tracker         queue.Tracker
	upgrader        websocket.Upgrader
	maxMessageBytes int64
	logger          logrus.FieldLogger
	started         time.Time
}

// NewHandler builds the HTTP surface of a gateway. tracker may be nil, in
// which case job listings are not served.
func NewHandler(gw *gateway.Gateway, tracker queue.Tracker, maxMessageBytes int64, logger logrus.FieldLogger) *Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Cameras and dashboards connect from any origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return &Handler{
		gateway:         gw,
		tracker:         tracker,
		upgrader:        upgrader,
		maxMessageBytes: maxMessageBytes,
		logger:          logger,
		started:         time.Now(),
	}
}

// NewRouter registers the gateway routes. auth guards the websocket and API
// routes when non-nil.
func NewRouter(h *Handler, auth gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))

	r.GET("/healthz", h.Health)

	protected := r.Group("/")
	if auth != nil {
		protected.Use(auth)
	}
	protected.GET("/ws", h.ServeWS)

	api := protected.Group("/api")
	api.GET("/stats", h.Stats)
	api.GET("/jobs", h.RecentJobs)
	api.GET("/jobs/:id", h.GetJob)

	return r
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.gateway.Stats())
}
