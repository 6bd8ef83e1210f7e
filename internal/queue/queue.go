// Package queue defines the durable frame queue used between the gateway and
// the worker pool. Drivers live in sub-packages.
//
// A job is delivered to exactly one consumer per attempt. The consumer settles
// every Delivery exactly once: Ack when the job completed, Retry to re-offer it
// after a delay, or Drop when it failed for good.
package queue

import (
	"context"
	"errors"
	"time"

	"ppe-monitor/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue is closed")

	// ErrAlreadySettled is returned when a Delivery is settled twice.
	ErrAlreadySettled = errors.New("delivery already settled")

	// ErrUnknownState is returned by Tracker.Recent for states it does not retain.
	ErrUnknownState = errors.New("job state is not retained")

	// ErrJobNotFound is returned by Tracker.Lookup for unknown or expired jobs.
	ErrJobNotFound = errors.New("job not found")
)

type Producer interface {
	// Enqueue returns once the job is durably recorded, not once it is processed.
	Enqueue(ctx context.Context, job models.FrameJob) error
}

type Consumer interface {
	// Consume streams deliveries until ctx is done; the channel is then closed.
	Consume(ctx context.Context) (<-chan Delivery, error)
}

type Delivery interface {
	Job() models.FrameJob
	// Attempt is 1 for the first delivery of a job.
	Attempt() int
	Ack(ctx context.Context) error
	Retry(ctx context.Context, delay time.Duration) error
	Drop(ctx context.Context) error
}

// Tracker keeps job bookkeeping for diagnostics.
type Tracker interface {
	Track(ctx context.Context, rec models.JobRecord) error
	// Recent returns retained completed or failed jobs, newest first.
	Recent(ctx context.Context, state models.JobState) ([]models.JobRecord, error)
	// Lookup returns the latest record of a job that is live or retained.
	Lookup(ctx context.Context, jobID string) (models.JobRecord, error)
}

// NewJob stamps a frame with an id and its enqueue time.
func NewJob(cameraID models.CameraID, frameData string, now time.Time) models.FrameJob {
	return models.FrameJob{
		ID:         uuid.NewString(),
		CameraID:   cameraID,
		FrameData:  frameData,
		EnqueuedAt: now.UTC(),
	}
}

// IsTerminal reports whether a record ends the job's lifecycle.
func IsTerminal(rec models.JobRecord) bool {
	return rec.State == models.JobStateCompleted || (rec.State == models.JobStateFailed && rec.Terminal)
}
