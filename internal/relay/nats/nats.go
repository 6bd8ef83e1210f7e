// Package nats carries relay events over a NATS subject.
package nats

import (
	"context"
	"fmt"
	"time"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/relay"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const flushTimeout = 2 * time.Second

type Bus struct {
	conn    *nats.Conn
	subject string
	logger  logrus.FieldLogger
}

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(url, name, subject string, logger logrus.FieldLogger) (*Bus, error) {
	if subject == "" {
		subject = relay.DefaultChannel
	}
	log := logger.WithField("channel", subject)

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Bus{conn: conn, subject: subject, logger: log}, nil
}

func (b *Bus) Publish(_ context.Context, event models.ProcessedFrameEvent) error {
	payload, err := relay.Encode(event)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("failed to publish event for camera %s: %w", event.CameraID, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, handler relay.Handler) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		event, err := relay.Decode(msg.Data)
		if err != nil {
			b.logger.WithError(err).Warn("Ignoring relay message")
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}

	// Flush makes sure the server registered the interest before we return.
	if err := b.conn.FlushTimeout(flushTimeout); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("failed to confirm subscription: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			b.logger.WithError(err).Debug("Unsubscribe failed")
		}
	}()

	b.logger.Info("Subscribed to relay subject")
	return nil
}

func (b *Bus) Close() error {
	b.conn.Close()
	return nil
}
