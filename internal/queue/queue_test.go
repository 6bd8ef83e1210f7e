package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"ppe-monitor/internal/models"
)

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range delays {
		if got := p.Delay(i + 1); got != want {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, want)
		}
	}

	if !p.ShouldRetry(1) || !p.ShouldRetry(2) {
		t.Error("Expected attempts 1 and 2 to be retried")
	}
	if p.ShouldRetry(3) {
		t.Error("Expected attempt 3 to be the last")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not msgpack")); err == nil {
		t.Error("Expected error for garbage body")
	}

	body, err := Encode(models.FrameJob{FrameData: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(body); err == nil {
		t.Error("Expected error for job without id")
	}
}

func TestEncodeDecodeKeepsEnqueueTime(t *testing.T) {
	job := NewJob("cam-1", "ZnJhbWU=", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	body, err := Encode(job)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(body)
	if err != nil {
		t.Fatal(err)
	}
	if !got.EnqueuedAt.Equal(job.EnqueuedAt) || got.ID != job.ID || got.CameraID != "cam-1" {
		t.Errorf("Decoded job %+v does not match %+v", got, job)
	}
}

func TestMemoryTrackerRetention(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	tr := NewMemoryTracker(2, time.Minute)
	tr.now = func() time.Time { return now }

	for _, id := range []string{"a", "b", "c"} {
		tr.Track(ctx, models.JobRecord{JobID: id, State: models.JobStateCompleted, UpdatedAt: now})
	}

	recent, err := tr.Recent(ctx, models.JobStateCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].JobID != "c" || recent[1].JobID != "b" {
		t.Errorf("Expected [c b], got %+v", recent)
	}

	now = now.Add(2 * time.Minute)
	recent, _ = tr.Recent(ctx, models.JobStateCompleted)
	if len(recent) != 0 {
		t.Errorf("Expected aged-out records to be discarded, got %d", len(recent))
	}
}

func TestMemoryTrackerLifecycle(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker(5, time.Minute)

	tr.Track(ctx, models.JobRecord{JobID: "j", State: models.JobStateActive, Attempt: 1})
	tr.Track(ctx, models.JobRecord{JobID: "j", State: models.JobStateFailed, Attempt: 1})

	failed, _ := tr.Recent(ctx, models.JobStateFailed)
	if len(failed) != 0 {
		t.Errorf("Retryable failure must not be retained as finished, got %+v", failed)
	}

	tr.Track(ctx, models.JobRecord{JobID: "j", State: models.JobStateFailed, Attempt: 3, Terminal: true})
	failed, _ = tr.Recent(ctx, models.JobStateFailed)
	if len(failed) != 1 || failed[0].Attempt != 3 {
		t.Errorf("Expected one terminal failure, got %+v", failed)
	}

	rec, err := tr.Lookup(ctx, "j")
	if err != nil || !rec.Terminal {
		t.Errorf("Lookup returned %+v, %v", rec, err)
	}
	if _, err := tr.Lookup(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}

	if _, err := tr.Recent(ctx, models.JobStateActive); !errors.Is(err, ErrUnknownState) {
		t.Errorf("Expected ErrUnknownState, got %v", err)
	}
}
