// Package redis carries relay events over Redis Pub/Sub.
package redis

import (
	"context"
	"fmt"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/relay"
	redisclient "ppe-monitor/pkg/database/redis"

	"github.com/sirupsen/logrus"
)

type Bus struct {
	client  *redisclient.Client
	channel string
	logger  logrus.FieldLogger
}

func New(client *redisclient.Client, channel string, logger logrus.FieldLogger) *Bus {
	if channel == "" {
		channel = relay.DefaultChannel
	}
	return &Bus{
		client:  client,
		channel: channel,
		logger:  logger.WithField("channel", channel),
	}
}

func (b *Bus) Publish(ctx context.Context, event models.ProcessedFrameEvent) error {
	payload, err := relay.Encode(event)
	if err != nil {
		return err
	}

	receivers, err := b.client.Publish(ctx, b.channel, payload)
	if err != nil {
		return fmt.Errorf("failed to publish event for camera %s: %w", event.CameraID, err)
	}

	b.logger.WithFields(logrus.Fields{"camera_id": event.CameraID, "receivers": receivers}).Debug("Published event")
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, handler relay.Handler) error {
	ps, err := b.client.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}

	go func() {
		defer ps.Close()

		messages := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				event, err := relay.Decode([]byte(msg.Payload))
				if err != nil {
					b.logger.WithError(err).Warn("Ignoring relay message")
					continue
				}
				handler(event)
			}
		}
	}()

	b.logger.Info("Subscribed to relay channel")
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *Bus) Close() error {
	return nil
}
