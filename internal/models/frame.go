package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// CameraID identifies a camera. Producers send it either as a JSON string or a
// JSON number; both decode to the same string form.
type CameraID string

func (c *CameraID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = CameraID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("camera id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("camera id must be a string or number: %w", err)
	}
	*c = CameraID(n.String())
	return nil
}

func (c CameraID) String() string {
	return string(c)
}

// FrameJob is one unit of work on the frame queue.
type FrameJob struct {
	ID         string    `json:"id" msgpack:"id"`
	CameraID   CameraID  `json:"camera_id" msgpack:"camera_id"`
	FrameData  string    `json:"frame_data" msgpack:"frame_data"` // base64 encoded JPEG
	EnqueuedAt time.Time `json:"enqueued_at" msgpack:"enqueued_at"`
}

// InferenceResult is the answer of the inference service for a single frame.
type InferenceResult struct {
	AnnotatedFrame    string
	ViolationDetected bool
	Labels            []string
}

// ViolationRecord is persisted once per detected violation.
type ViolationRecord struct {
	JobID       string    `json:"job_id" db:"job_key"`
	CameraID    CameraID  `json:"camera_id" db:"camera_id"`
	Labels      []string  `json:"labels"`
	EvidenceURL string    `json:"image_url" db:"image_url"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// ProcessedFrameEvent is broadcast to every gateway once a job finishes.
type ProcessedFrameEvent struct {
	CameraID          CameraID `json:"cameraId"`
	AnnotatedFrame    string   `json:"annotatedFrame"`
	ViolationDetected bool     `json:"violationDetected"`
	Labels            []string `json:"labels"`
	EvidenceURL       string   `json:"evidenceRef,omitempty"`
}
