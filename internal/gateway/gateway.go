// Package gateway is the ingress side of the pipeline. It turns inbound frames
// into queued jobs and re-emits processed-frame events to the connections of
// this process that watch the event's camera.
//
// A Gateway holds no queue or relay state of its own: after a restart,
// reconnecting clients only receive events published from then on.
package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/queue"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidFrame = errors.New("frame must carry a camera id and image data")
	ErrBacklogFull  = errors.New("too many frames waiting for the queue")
)

const (
	defaultEnqueueTimeout = 5 * time.Second
	defaultMaxInflight    = 64
)

type Options struct {
	// Tracker, when set, records each enqueued job as waiting.
	Tracker        queue.Tracker
	EnqueueTimeout time.Duration
	// MaxInflight caps frames handed to the queue but not yet accepted by it.
	// Frames beyond it are dropped.
	MaxInflight int
}

type Gateway struct {
	producer queue.Producer
	hub      *Hub
	opts     Options
	logger   logrus.FieldLogger
	now      func() time.Time

	inflight sync.WaitGroup
	slots    chan struct{}
	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// Stats is a snapshot of ingress and fan-out counters.
type Stats struct {
	Enqueued uint64   `json:"enqueued"`
	Dropped  uint64   `json:"dropped"`
	Hub      HubStats `json:"hub"`
}

func New(producer queue.Producer, hub *Hub, opts Options, logger logrus.FieldLogger) *Gateway {
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = defaultEnqueueTimeout
	}
	if opts.MaxInflight < 1 {
		opts.MaxInflight = defaultMaxInflight
	}
	return &Gateway{
		producer: producer,
		hub:      hub,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		slots:    make(chan struct{}, opts.MaxInflight),
	}
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

// OnFrameReceived stamps the frame and enqueues it in the background; the
// caller never waits for the queue. A frame the queue refuses is logged and
// dropped, and so is every frame arriving while MaxInflight frames are still
// waiting for the queue.
func (g *Gateway) OnFrameReceived(cameraID models.CameraID, frameData string) error {
	if cameraID == "" || frameData == "" {
		g.dropped.Add(1)
		return ErrInvalidFrame
	}

	select {
	case g.slots <- struct{}{}:
	default:
		g.dropped.Add(1)
		return ErrBacklogFull
	}

	job := queue.NewJob(cameraID, frameData, g.now())

	g.inflight.Add(1)
	go func() {
		defer func() {
			<-g.slots
			g.inflight.Done()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), g.opts.EnqueueTimeout)
		defer cancel()

		log := g.logger.WithFields(logrus.Fields{"job_id": job.ID, "camera_id": job.CameraID})

		if err := g.producer.Enqueue(ctx, job); err != nil {
			g.dropped.Add(1)
			log.WithError(err).Warn("Failed to enqueue frame, dropping it")
			return
		}
		g.enqueued.Add(1)

		if g.opts.Tracker != nil {
			rec := models.JobRecord{
				JobID:     job.ID,
				CameraID:  job.CameraID,
				State:     models.JobStateWaiting,
				Attempt:   0,
				UpdatedAt: job.EnqueuedAt,
			}
			if err := g.opts.Tracker.Track(ctx, rec); err != nil {
				log.WithError(err).Debug("Failed to track enqueued job")
			}
		}
	}()
	return nil
}

// OnProcessedEvent is the relay handler: it forwards the event to the local
// connections watching event.CameraID.
func (g *Gateway) OnProcessedEvent(event models.ProcessedFrameEvent) {
	delivered, err := g.hub.Broadcast(event)
	if err != nil {
		g.logger.WithError(err).WithField("camera_id", event.CameraID).Warn("Failed to broadcast event")
		return
	}
	g.logger.WithFields(logrus.Fields{
		"camera_id": event.CameraID,
		"violation": event.ViolationDetected,
		"delivered": delivered,
	}).Debug("Broadcast processed frame")
}

func (g *Gateway) Stats() Stats {
	return Stats{
		Enqueued: g.enqueued.Load(),
		Dropped:  g.dropped.Load(),
		Hub:      g.hub.Stats(),
	}
}

// Shutdown closes every connection and waits for pending enqueues.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.hub.Close()

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
