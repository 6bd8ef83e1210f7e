// Package relay fans processed-frame events out from worker processes to every
// gateway process. Delivery is broadcast and best-effort: a subscriber only
// sees events published while its subscription is alive.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ppe-monitor/internal/models"
)

const (
	DefaultChannel = "frame-events"

	EventFrameProcessed = "frameProcessed"
)

var (
	ErrClosed       = errors.New("relay is closed")
	ErrUnknownEvent = errors.New("unknown relay event")
)

// Handler is invoked for every event received by a subscription.
type Handler func(event models.ProcessedFrameEvent)

type Publisher interface {
	// Publish is fire-and-forget with respect to subscribers.
	Publish(ctx context.Context, event models.ProcessedFrameEvent) error
}

type Subscriber interface {
	// Subscribe returns once the subscription is live and then invokes handler
	// from a background goroutine until ctx is done.
	Subscribe(ctx context.Context, handler Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Envelope is the message shape on the wire and towards browsers.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func Encode(event models.ProcessedFrameEvent) ([]byte, error) {
	if event.Labels == nil {
		event.Labels = []string{}
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	payload, err := json.Marshal(Envelope{Event: EventFrameProcessed, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return payload, nil
}

func Decode(payload []byte) (models.ProcessedFrameEvent, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return models.ProcessedFrameEvent{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Event != EventFrameProcessed {
		return models.ProcessedFrameEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	var event models.ProcessedFrameEvent
	if err := json.Unmarshal(env.Data, &event); err != nil {
		return models.ProcessedFrameEvent{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return event, nil
}
