// Package mqtt carries relay events over an MQTT topic at QoS 0.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/relay"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	qos            = 0
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

type Bus struct {
	client mqtt.Client
	topic  string
	logger logrus.FieldLogger

	mu       sync.Mutex
	handlers map[int]relay.Handler
	nextID   int
}

// Connect opens a clean session with auto-reconnect. Every process must use a
// distinct clientID or the broker disconnects the previous holder.
func Connect(broker, clientID, topic string, logger logrus.FieldLogger) (*Bus, error) {
	if topic == "" {
		topic = relay.DefaultChannel
	}
	b := &Bus{
		topic:    topic,
		logger:   logger.WithFields(logrus.Fields{"channel": topic, "broker": broker}),
		handlers: make(map[int]relay.Handler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		b.logger.Info("MQTT connection established")
		b.resubscribe()
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		b.logger.WithError(err).Warn("MQTT connection lost, will auto-reconnect")
	}

	b.client = mqtt.NewClient(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return b, nil
}

func (b *Bus) Publish(_ context.Context, event models.ProcessedFrameEvent) error {
	payload, err := relay.Encode(event)
	if err != nil {
		return err
	}

	token := b.client.Publish(b.topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, handler relay.Handler) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	if err := b.subscribe(); err != nil {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
		return err
	}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()

	b.logger.Info("Subscribed to relay topic")
	return nil
}

// subscribe registers the single topic callback that dispatches to every
// local handler.
func (b *Bus) subscribe() error {
	token := b.client.Subscribe(b.topic, qos, b.dispatch)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe failed: %w", err)
	}
	return nil
}

// resubscribe restores the subscription after a clean-session reconnect.
func (b *Bus) resubscribe() {
	b.mu.Lock()
	active := len(b.handlers) > 0
	b.mu.Unlock()

	if !active {
		return
	}
	go func() {
		if err := b.subscribe(); err != nil {
			b.logger.WithError(err).Error("Failed to restore relay subscription")
		}
	}()
}

func (b *Bus) dispatch(_ mqtt.Client, msg mqtt.Message) {
	event, err := relay.Decode(msg.Payload())
	if err != nil {
		b.logger.WithError(err).Warn("Ignoring relay message")
		return
	}

	b.mu.Lock()
	handlers := make([]relay.Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

func (b *Bus) Close() error {
	b.client.Disconnect(250)
	return nil
}
