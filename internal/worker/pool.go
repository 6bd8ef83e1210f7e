package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/queue"

	"github.com/sirupsen/logrus"
)

// JobProcessor handles a single job attempt.
type JobProcessor interface {
	ProcessFrame(ctx context.Context, job models.FrameJob) error
}

type PoolOptions struct {
	Size       int
	JobTimeout time.Duration
	Policy     queue.RetryPolicy
	// Tracker is optional.
	Tracker queue.Tracker
}

// Pool drains a queue with a fixed number of workers. Workers share nothing
// but the delivery channel; claim exclusivity comes from the queue.
type Pool struct {
	consumer  queue.Consumer
	processor JobProcessor
	opts      PoolOptions
	logger    logrus.FieldLogger
}

func NewPool(consumer queue.Consumer, processor JobProcessor, opts PoolOptions, logger logrus.FieldLogger) *Pool {
	if opts.Size < 1 {
		opts.Size = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = queue.DefaultRetryPolicy()
	}
	return &Pool{consumer: consumer, processor: processor, opts: opts, logger: logger}
}

// Run blocks until ctx is done and every in-flight job has been settled. If the
// queue ends the delivery stream first, for example because the broker went
// away, Run returns an error wrapping queue.ErrClosed.
func (p *Pool) Run(ctx context.Context) error {
	deliveries, err := p.consumer.Consume(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 1; i <= p.opts.Size; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log := p.logger.WithField("worker", workerID)
			log.Info("Worker started")

			for d := range deliveries {
				p.handle(ctx, log, d)
			}

			log.Info("Worker stopped")
		}(i)
	}

	wg.Wait()

	if ctx.Err() == nil {
		return fmt.Errorf("%w: delivery stream ended", queue.ErrClosed)
	}
	return nil
}

func (p *Pool) handle(ctx context.Context, log logrus.FieldLogger, d queue.Delivery) {
	job := d.Job()
	attempt := d.Attempt()
	log = log.WithFields(logrus.Fields{"job_id": job.ID, "camera_id": job.CameraID, "attempt": attempt})

	p.track(ctx, log, job, models.JobStateActive, attempt, false, nil)

	// A claimed job runs to completion even when shutdown starts.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.JobTimeout)
	err := p.processor.ProcessFrame(jobCtx, job)
	cancel()

	settleCtx := context.WithoutCancel(ctx)

	if err == nil {
		if ackErr := d.Ack(settleCtx); ackErr != nil {
			log.WithError(ackErr).Error("Failed to acknowledge job")
		}
		p.track(settleCtx, log, job, models.JobStateCompleted, attempt, true, nil)
		log.Info("Job completed")
		return
	}

	if p.opts.Policy.ShouldRetry(attempt) {
		delay := p.opts.Policy.Delay(attempt)
		if retryErr := d.Retry(settleCtx, delay); retryErr != nil {
			log.WithError(retryErr).Error("Failed to schedule retry")
		}
		p.track(settleCtx, log, job, models.JobStateFailed, attempt, false, err)
		log.WithError(err).WithField("retry_in", delay.String()).Warn("Job failed, retrying")
		return
	}

	if dropErr := d.Drop(settleCtx); dropErr != nil {
		log.WithError(dropErr).Error("Failed to drop job")
	}
	p.track(settleCtx, log, job, models.JobStateFailed, attempt, true, err)
	log.WithError(err).Error("Job failed permanently")
}

func (p *Pool) track(ctx context.Context, log logrus.FieldLogger, job models.FrameJob, state models.JobState, attempt int, terminal bool, jobErr error) {
	if p.opts.Tracker == nil {
		return
	}

	rec := models.JobRecord{
		JobID:     job.ID,
		CameraID:  job.CameraID,
		State:     state,
		Attempt:   attempt,
		Terminal:  terminal,
		UpdatedAt: time.Now().UTC(),
	}
	if jobErr != nil {
		rec.Error = jobErr.Error()
	}
	if err := p.opts.Tracker.Track(ctx, rec); err != nil {
		log.WithError(err).Warn("Failed to track job")
	}
}
