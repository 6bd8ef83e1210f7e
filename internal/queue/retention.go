package queue

import (
	"context"
	"sync"
	"time"

	"ppe-monitor/internal/models"
)

// MemoryTracker is an in-process Tracker. Finished jobs are kept for at most
// count entries per state and for at most age.
type MemoryTracker struct {
	mu       sync.Mutex
	count    int
	age      time.Duration
	now      func() time.Time
	live     map[string]models.JobRecord
	finished map[models.JobState][]models.JobRecord
}

func NewMemoryTracker(count int, age time.Duration) *MemoryTracker {
	return &MemoryTracker{
		count:    count,
		age:      age,
		now:      time.Now,
		live:     make(map[string]models.JobRecord),
		finished: make(map[models.JobState][]models.JobRecord),
	}
}

func (t *MemoryTracker) Track(_ context.Context, rec models.JobRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !IsTerminal(rec) {
		t.live[rec.JobID] = rec
		return nil
	}

	delete(t.live, rec.JobID)
	list := append([]models.JobRecord{rec}, t.finished[rec.State]...)
	if len(list) > t.count {
		list = list[:t.count]
	}
	t.finished[rec.State] = list
	return nil
}

func (t *MemoryTracker) Recent(_ context.Context, state models.JobState) ([]models.JobRecord, error) {
	if state != models.JobStateCompleted && state != models.JobStateFailed {
		return nil, ErrUnknownState
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.age)
	var kept []models.JobRecord
	for _, rec := range t.finished[state] {
		if rec.UpdatedAt.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	t.finished[state] = kept

	out := make([]models.JobRecord, len(kept))
	copy(out, kept)
	return out, nil
}

// Lookup returns the latest record for a job that is still live or retained.
func (t *MemoryTracker) Lookup(_ context.Context, jobID string) (models.JobRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.live[jobID]; ok {
		return rec, nil
	}
	cutoff := t.now().Add(-t.age)
	for _, list := range t.finished {
		for _, rec := range list {
			if rec.JobID == jobID && rec.UpdatedAt.After(cutoff) {
				return rec, nil
			}
		}
	}
	return models.JobRecord{}, ErrJobNotFound
}
