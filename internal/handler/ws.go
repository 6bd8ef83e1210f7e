package handler

import (
	"ppe-monitor/internal/gateway"

	"github.com/gin-gonic/gin"
)

// ServeWS upgrades the request and hands the connection to the gateway. The
// optional cameras query parameter selects the initial subscription, e.g.
// /ws?cameras=cam-1,cam-2 or /ws?cameras=*.
func (h *Handler) ServeWS(c *gin.Context) {
	cameras := gateway.ParseCameras(c.Query("cameras"))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	h.gateway.Serve(conn, cameras, h.maxMessageBytes)
}
