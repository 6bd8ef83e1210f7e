package redis

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/queue"
)

func TestDecodeRecentFiltersByAge(t *testing.T) {
	now := time.Now()
	fresh, _ := json.Marshal(models.JobRecord{JobID: "fresh", State: models.JobStateCompleted, UpdatedAt: now})
	stale, _ := json.Marshal(models.JobRecord{JobID: "stale", State: models.JobStateCompleted, UpdatedAt: now.Add(-2 * time.Minute)})

	records, err := decodeRecent([]string{string(fresh), string(stale)}, now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].JobID != "fresh" {
		t.Errorf("Expected only the fresh record, got %+v", records)
	}
}

func TestDecodeRecentRejectsCorruptEntries(t *testing.T) {
	if _, err := decodeRecent([]string{"{"}, time.Now()); err == nil {
		t.Error("Expected decode error")
	}
}

func TestTrackerKeys(t *testing.T) {
	tr := NewJobTracker(nil, "camera-frames", 5, time.Minute)

	if got := tr.jobKey("abc"); got != "camera-frames:job:abc" {
		t.Errorf("jobKey = %q", got)
	}
	if got := tr.listKey(models.JobStateFailed); got != "camera-frames:failed" {
		t.Errorf("listKey = %q", got)
	}
}

func TestRecordFromHash(t *testing.T) {
	updated := time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC)
	fields := map[string]string{
		"camera_id":  "cam-2",
		"state":      "failed",
		"attempt":    "3",
		"terminal":   "1",
		"error":      "inference: timeout",
		"updated_at": updated.Format(time.RFC3339Nano),
	}

	rec, err := recordFromHash("job-1", fields)
	if err != nil {
		t.Fatal(err)
	}
	want := models.JobRecord{
		JobID:     "job-1",
		CameraID:  "cam-2",
		State:     models.JobStateFailed,
		Attempt:   3,
		Terminal:  true,
		Error:     "inference: timeout",
		UpdatedAt: updated,
	}
	if !rec.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", rec.UpdatedAt, want.UpdatedAt)
	}
	rec.UpdatedAt, want.UpdatedAt = time.Time{}, time.Time{}
	if rec != want {
		t.Errorf("recordFromHash = %+v, want %+v", rec, want)
	}
}

func TestRecordFromHashMissingJob(t *testing.T) {
	if _, err := recordFromHash("job-1", map[string]string{}); !errors.Is(err, queue.ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestRecordFromHashCorrupt(t *testing.T) {
	fields := map[string]string{"state": "active", "attempt": "x", "terminal": "0", "updated_at": time.Now().Format(time.RFC3339Nano)}
	if _, err := recordFromHash("job-1", fields); err == nil {
		t.Error("Expected decode error")
	}
}
