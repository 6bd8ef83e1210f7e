package queue

import (
	"fmt"

	"ppe-monitor/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

const ContentType = "application/x-msgpack"

func Encode(job models.FrameJob) ([]byte, error) {
	body, err := msgpack.Marshal(&job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return body, nil
}

func Decode(body []byte) (models.FrameJob, error) {
	var job models.FrameJob
	if err := msgpack.Unmarshal(body, &job); err != nil {
		return models.FrameJob{}, fmt.Errorf("failed to decode job: %w", err)
	}
	if job.ID == "" || job.CameraID == "" {
		return models.FrameJob{}, fmt.Errorf("failed to decode job: missing id or camera id")
	}
	return job, nil
}
