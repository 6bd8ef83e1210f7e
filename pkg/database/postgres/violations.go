package postgres

import (
	"context"
	"fmt"

	"ppe-monitor/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UnspecifiedLabel is stored when the inference service flags a violation
// without naming it.
const UnspecifiedLabel = "unspecified"

const insertViolation = `
	INSERT INTO violations (camera_id, violation_type, image_url, job_key, timestamp)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (job_key, violation_type) DO NOTHING
`

// ViolationStore appends violation rows, one per label. Rows of a retried job
// collapse onto the first attempt's rows through the (job_key, violation_type)
// constraint.
type ViolationStore struct {
	pool *pgxpool.Pool
}

func NewViolationStore(pool *pgxpool.Pool) *ViolationStore {
	return &ViolationStore{pool: pool}
}

func (s *ViolationStore) SaveViolation(ctx context.Context, rec models.ViolationRecord) error {
	batch := ViolationBatch(rec)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to insert violation for camera %s: %w", rec.CameraID, err)
	}
	return nil
}

// ViolationBatch queues one insert per label of the record.
func ViolationBatch(rec models.ViolationRecord) *pgx.Batch {
	labels := rec.Labels
	if len(labels) == 0 {
		labels = []string{UnspecifiedLabel}
	}

	batch := &pgx.Batch{}
	for _, label := range labels {
		batch.Queue(insertViolation, string(rec.CameraID), label, rec.EvidenceURL, rec.JobID, rec.Timestamp)
	}
	return batch
}
