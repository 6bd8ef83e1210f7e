package models

import "time"

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// JobRecord is the bookkeeping kept about a job after a worker took it.
type JobRecord struct {
	JobID     string    `json:"job_id"`
	CameraID  CameraID  `json:"camera_id"`
	State     JobState  `json:"state"`
	Attempt   int       `json:"attempt"`
	Terminal  bool      `json:"terminal"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
