package worker

import (
	"context"
	"errors"
	"sync"

	"ppe-monitor/internal/models"
)

var errUnavailable = errors.New("service unavailable")

// callLog records the order of side effects across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeInference struct {
	log *callLog
	mu  sync.Mutex
	n   int
	fn  func(call int) (models.InferenceResult, error)
}

func (f *fakeInference) Infer(ctx context.Context, frame string) (models.InferenceResult, error) {
	f.mu.Lock()
	f.n++
	call := f.n
	f.mu.Unlock()

	f.log.add("infer")
	return f.fn(call)
}

type fakeEvidence struct {
	log *callLog
	err error
}

func (f *fakeEvidence) UploadEvidence(ctx context.Context, job models.FrameJob, annotated string) (string, error) {
	f.log.add("upload")
	if f.err != nil {
		return "", f.err
	}
	return "http://minio/violations/" + job.ID + ".jpg", nil
}

type fakeViolations struct {
	log     *callLog
	err     error
	mu      sync.Mutex
	records []models.ViolationRecord
}

func (f *fakeViolations) SaveViolation(ctx context.Context, rec models.ViolationRecord) error {
	f.log.add("save")
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeViolations) saved() []models.ViolationRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ViolationRecord(nil), f.records...)
}

type fakePublisher struct {
	log    *callLog
	err    error
	mu     sync.Mutex
	events []models.ProcessedFrameEvent
}

func (f *fakePublisher) Publish(ctx context.Context, event models.ProcessedFrameEvent) error {
	f.log.add("publish")
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) published() []models.ProcessedFrameEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ProcessedFrameEvent(nil), f.events...)
}

type harness struct {
	log        *callLog
	inference  *fakeInference
	evidence   *fakeEvidence
	violations *fakeViolations
	publisher  *fakePublisher
}

func newHarness(fn func(call int) (models.InferenceResult, error)) *harness {
	log := &callLog{}
	return &harness{
		log:        log,
		inference:  &fakeInference{log: log, fn: fn},
		evidence:   &fakeEvidence{log: log},
		violations: &fakeViolations{log: log},
		publisher:  &fakePublisher{log: log},
	}
}

func always(res models.InferenceResult) func(int) (models.InferenceResult, error) {
	return func(int) (models.InferenceResult, error) { return res, nil }
}
