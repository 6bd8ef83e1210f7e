package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/queue"

	"github.com/redis/go-redis/v9"
)

// liveTTL bounds how long a record of a job that never finished is kept.
const liveTTL = time.Hour

// JobTracker stores job bookkeeping in Redis:
//
//	<prefix>:job:<id>       hash with the latest record of a job
//	<prefix>:completed      newest-first list of finished records, capped
//	<prefix>:failed         same, for terminal failures
type JobTracker struct {
	client *Client
	prefix string
	count  int
	age    time.Duration
}

func NewJobTracker(client *Client, prefix string, count int, age time.Duration) *JobTracker {
	return &JobTracker{client: client, prefix: prefix, count: count, age: age}
}

func (t *JobTracker) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", t.prefix, id)
}

func (t *JobTracker) listKey(state models.JobState) string {
	return fmt.Sprintf("%s:%s", t.prefix, state)
}

func (t *JobTracker) Track(ctx context.Context, rec models.JobRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode job record: %w", err)
	}

	terminal := queue.IsTerminal(rec)
	ttl := liveTTL
	if terminal {
		ttl = t.age
	}

	key := t.jobKey(rec.JobID)
	_, err = t.client.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"camera_id":  string(rec.CameraID),
			"state":      string(rec.State),
			"attempt":    rec.Attempt,
			"terminal":   rec.Terminal,
			"error":      rec.Error,
			"updated_at": rec.UpdatedAt.Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, key, ttl)

		if terminal {
			list := t.listKey(rec.State)
			pipe.LPush(ctx, list, encoded)
			pipe.LTrim(ctx, list, 0, int64(t.count-1))
			pipe.Expire(ctx, list, t.age)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to track job %s: %w", rec.JobID, err)
	}
	return nil
}

func (t *JobTracker) Recent(ctx context.Context, state models.JobState) ([]models.JobRecord, error) {
	if state != models.JobStateCompleted && state != models.JobStateFailed {
		return nil, queue.ErrUnknownState
	}

	raw, err := t.client.client.LRange(ctx, t.listKey(state), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s jobs: %w", state, err)
	}

	return decodeRecent(raw, time.Now().Add(-t.age))
}

// Lookup reads the latest record of a job from its hash.
func (t *JobTracker) Lookup(ctx context.Context, jobID string) (models.JobRecord, error) {
	fields, err := t.client.client.HGetAll(ctx, t.jobKey(jobID)).Result()
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	return recordFromHash(jobID, fields)
}

func recordFromHash(jobID string, fields map[string]string) (models.JobRecord, error) {
	if len(fields) == 0 {
		return models.JobRecord{}, queue.ErrJobNotFound
	}

	rec := models.JobRecord{
		JobID:    jobID,
		CameraID: models.CameraID(fields["camera_id"]),
		State:    models.JobState(fields["state"]),
		Error:    fields["error"],
	}

	var err error
	if rec.Attempt, err = strconv.Atoi(fields["attempt"]); err != nil {
		return models.JobRecord{}, fmt.Errorf("failed to decode attempt of job %s: %w", jobID, err)
	}
	if rec.Terminal, err = strconv.ParseBool(fields["terminal"]); err != nil {
		return models.JobRecord{}, fmt.Errorf("failed to decode terminal flag of job %s: %w", jobID, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return models.JobRecord{}, fmt.Errorf("failed to decode update time of job %s: %w", jobID, err)
	}
	return rec, nil
}

func decodeRecent(raw []string, cutoff time.Time) ([]models.JobRecord, error) {
	records := make([]models.JobRecord, 0, len(raw))
	for _, item := range raw {
		var rec models.JobRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode job record: %w", err)
		}
		if rec.UpdatedAt.After(cutoff) {
			records = append(records, rec)
		}
	}
	return records, nil
}
