package worker

import (
	"context"
	"fmt"
	"time"

	"ppe-monitor/internal/labels"
	"ppe-monitor/internal/models"
	"ppe-monitor/internal/relay"

	"github.com/sirupsen/logrus"
)

type Inferencer interface {
	Infer(ctx context.Context, frame string) (models.InferenceResult, error)
}

type EvidenceStore interface {
	UploadEvidence(ctx context.Context, job models.FrameJob, annotatedFrame string) (string, error)
}

type ViolationStore interface {
	SaveViolation(ctx context.Context, rec models.ViolationRecord) error
}

type Processor struct {
	inference  Inferencer
	evidence   EvidenceStore
	violations ViolationStore
	publisher  relay.Publisher
	logger     logrus.FieldLogger
	now        func() time.Time
}

func NewProcessor(inference Inferencer, evidence EvidenceStore, violations ViolationStore, publisher relay.Publisher, logger logrus.FieldLogger) *Processor {
	return &Processor{
		inference:  inference,
		evidence:   evidence,
		violations: violations,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

// ProcessFrame runs inference on a job and, for a violation, uploads the
// evidence and then writes the violation record before the result is
// published. Any error aborts the remaining steps. A failed publish is logged
// and does not fail the job.
func (p *Processor) ProcessFrame(ctx context.Context, job models.FrameJob) error {
	log := p.logger.WithFields(logrus.Fields{"job_id": job.ID, "camera_id": job.CameraID})

	result, err := p.inference.Infer(ctx, job.FrameData)
	if err != nil {
		return fmt.Errorf("inference: %w", err)
	}

	event := models.ProcessedFrameEvent{
		CameraID:          job.CameraID,
		AnnotatedFrame:    result.AnnotatedFrame,
		ViolationDetected: result.ViolationDetected,
		Labels:            labels.Normalize(result.Labels),
	}

	if result.ViolationDetected {
		evidenceURL, err := p.evidence.UploadEvidence(ctx, job, result.AnnotatedFrame)
		if err != nil {
			return fmt.Errorf("evidence upload: %w", err)
		}

		rec := models.ViolationRecord{
			JobID:       job.ID,
			CameraID:    job.CameraID,
			Labels:      event.Labels,
			EvidenceURL: evidenceURL,
			Timestamp:   p.now().UTC(),
		}
		if err := p.violations.SaveViolation(ctx, rec); err != nil {
			return fmt.Errorf("save violation: %w", err)
		}

		event.EvidenceURL = evidenceURL
		log.WithField("labels", event.Labels).Info("Violation recorded")
	}

	if err := p.publisher.Publish(ctx, event); err != nil {
		log.WithError(err).Error("Failed to publish processed frame")
	}

	log.WithFields(logrus.Fields{
		"violation": result.ViolationDetected,
		"latency":   p.now().Sub(job.EnqueuedAt).String(),
	}).Debug("Frame processed")
	return nil
}
