package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/relay"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 32
)

// Inbound event names.
const (
	EventFeed        = "feed"
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
)

type inboundMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// FeedMessage carries one camera frame; Frame is a base64 image or data URI.
type FeedMessage struct {
	ID    models.CameraID `json:"id"`
	Frame string          `json:"frame"`
}

// SubscribeMessage selects the cameras whose events a viewer receives.
type SubscribeMessage struct {
	CameraIDs []models.CameraID `json:"cameraIds"`
}

// ParseCameras splits a comma separated camera list such as "cam-1,cam-2".
func ParseCameras(raw string) []models.CameraID {
	return lo.FilterMap(strings.Split(raw, ","), func(part string, _ int) (models.CameraID, bool) {
		id := strings.TrimSpace(part)
		return models.CameraID(id), id != ""
	})
}

type client struct {
	conn    *websocket.Conn
	sub     *Subscription
	gateway *Gateway
	logger  logrus.FieldLogger
}

// Serve runs one connection until it closes. The connection starts watching
// cameras and may change its selection with subscribe messages. Camera
// connections push feed messages over the same socket.
func (g *Gateway) Serve(conn *websocket.Conn, cameras []models.CameraID, maxMessageBytes int64) {
	id := uuid.NewString()
	log := g.logger.WithFields(logrus.Fields{"conn_id": id, "remote": conn.RemoteAddr().String()})

	sub, err := g.hub.Register(id, sendBuffer)
	if err != nil {
		log.WithError(err).Warn("Rejecting connection")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	sub.Watch(cameras...)

	c := &client{conn: conn, sub: sub, gateway: g, logger: log}
	log.WithField("cameras", cameras).Info("Connection opened")

	go c.writePump()
	c.readPump(maxMessageBytes)

	g.hub.Unregister(id)
	log.Info("Connection closed")
}

func (c *client) readPump(maxMessageBytes int64) {
	defer c.conn.Close()

	if maxMessageBytes > 0 {
		c.conn.SetReadLimit(maxMessageBytes)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("Connection read failed")
			}
			return
		}
		c.handle(payload)
	}
}

func (c *client) handle(payload []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.WithError(err).Warn("Ignoring malformed message")
		return
	}

	switch msg.Event {
	case EventFeed:
		var feed FeedMessage
		if err := json.Unmarshal(msg.Data, &feed); err != nil {
			c.logger.WithError(err).Warn("Ignoring malformed feed message")
			return
		}
		if err := c.gateway.OnFrameReceived(feed.ID, feed.Frame); err != nil {
			c.logger.WithError(err).WithField("camera_id", feed.ID).Warn("Ignoring frame")
		}
	case EventSubscribe, EventUnsubscribe:
		var req SubscribeMessage
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.logger.WithError(err).Warn("Ignoring malformed subscribe message")
			return
		}
		if msg.Event == EventSubscribe {
			c.sub.Watch(req.CameraIDs...)
		} else {
			c.sub.Unwatch(req.CameraIDs...)
		}
	default:
		c.logger.WithError(relay.ErrUnknownEvent).WithField("event", msg.Event).Debug("Ignoring message")
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.sub.Messages():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.WithError(err).Debug("Connection write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

