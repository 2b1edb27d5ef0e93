package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rezkam/mono/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProducer struct {
	mu       sync.Mutex
	produced []domain.TransitionPayload
	fn       func(domain.TransitionPayload) error
}

func (p *fakeProducer) Produce(_ context.Context, payload domain.TransitionPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.produced = append(p.produced, payload)
	if p.fn != nil {
		return p.fn(payload)
	}
	return nil
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.produced)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func validInput() domain.ScheduleInput {
	return domain.ScheduleInput{
		ProjectID:     1,
		PhaseID:       10,
		PhaseTypeName: "Review",
		State:         domain.StateEnd,
		ScheduledTime: time.Now().Add(50 * time.Millisecond),
		Operator:      "sys",
		ProjectStatus: "ACTIVE",
	}
}

func TestSchedule_FiresAndCompletes(t *testing.T) {
	producer := &fakeProducer{}
	reg := New(context.Background(), producer, Config{ReapInterval: time.Hour})
	defer reg.Close()

	input := validInput()
	jobID, err := reg.Schedule(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, time.Second, func() bool { return producer.count() == 1 })

	jobs := reg.ListAll()
	var found *domain.Job
	for _, j := range jobs {
		if j.JobID == jobID {
			found = j
		}
	}
	if found == nil {
		t.Fatal("expected job to still be visible within retention window")
	}
	if found.Status != domain.StatusCompleted {
		t.Errorf("expected Completed, got %s", found.Status)
	}
}

func TestSchedule_PastTimeRejected(t *testing.T) {
	producer := &fakeProducer{}
	reg := New(context.Background(), producer, Config{})
	defer reg.Close()

	input := validInput()
	input.ScheduledTime = time.Now().Add(-time.Second)

	_, err := reg.Schedule(input)
	if !domain.Is(err, domain.KindPastScheduleTime) {
		t.Fatalf("expected PastScheduleTime, got %v", err)
	}
}

func TestSchedule_DuplicateFingerprintRejected(t *testing.T) {
	producer := &fakeProducer{}
	reg := New(context.Background(), producer, Config{})
	defer reg.Close()

	input := validInput()
	input.ScheduledTime = time.Now().Add(time.Hour)

	if _, err := reg.Schedule(input); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := reg.Schedule(input)
	if !domain.Is(err, domain.KindDuplicateJob) {
		t.Fatalf("expected DuplicateJob, got %v", err)
	}
}

func TestCancel_PreventsFiring(t *testing.T) {
	producer := &fakeProducer{}
	reg := New(context.Background(), producer, Config{})
	defer reg.Close()

	input := validInput()
	input.ScheduledTime = time.Now().Add(100 * time.Millisecond)

	jobID, err := reg.Schedule(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok := reg.Cancel(jobID); !ok {
		t.Fatal("expected Cancel to return true")
	}

	time.Sleep(200 * time.Millisecond)
	if producer.count() != 0 {
		t.Errorf("expected zero emissions, got %d", producer.count())
	}

	if reg.Cancel(jobID) {
		t.Error("expected idempotent re-cancel to return false")
	}
}

func TestUpdate_ReplacesJobID(t *testing.T) {
	producer := &fakeProducer{}
	reg := New(context.Background(), producer, Config{})
	defer reg.Close()

	input := validInput()
	input.ScheduledTime = time.Now().Add(time.Hour)
	oldID, err := reg.Schedule(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newInput := input
	newInput.ScheduledTime = time.Now().Add(2 * time.Hour)
	newID, err := reg.Update(oldID, newInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newID == oldID {
		t.Fatal("expected a fresh jobID")
	}

	_, err = reg.Update(oldID, newInput)
	if !domain.Is(err, domain.KindJobNotFound) {
		t.Fatalf("expected JobNotFound for stale jobID, got %v", err)
	}
}

func TestFireFailure_RecordsLastErrorWithoutAutoRetry(t *testing.T) {
	wantErr := errors.New("broker unavailable")
	producer := &fakeProducer{fn: func(domain.TransitionPayload) error { return wantErr }}
	reg := New(context.Background(), producer, Config{})
	defer reg.Close()

	input := validInput()
	jobID, err := reg.Schedule(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, time.Second, func() bool { return producer.count() == 1 })
	time.Sleep(20 * time.Millisecond)

	jobs := reg.ListAll()
	var found *domain.Job
	for _, j := range jobs {
		if j.JobID == jobID {
			found = j
		}
	}
	if found == nil {
		t.Fatal("expected job still listed")
	}
	if found.Status != domain.StatusFailed {
		t.Errorf("expected Failed, got %s", found.Status)
	}
	if found.RetryCount != 1 {
		t.Errorf("expected retryCount 1, got %d", found.RetryCount)
	}
	if found.LastError == nil || *found.LastError != wantErr.Error() {
		t.Errorf("expected lastError %q, got %v", wantErr.Error(), found.LastError)
	}

	time.Sleep(100 * time.Millisecond)
	if producer.count() != 1 {
		t.Errorf("expected no automatic retry, got %d emissions", producer.count())
	}
}

func TestReaper_PurgesAfterRetentionWindow(t *testing.T) {
	clock := newFakeClock(time.Now())
	producer := &fakeProducer{}
	reg := New(context.Background(), producer, Config{
		Clock:           clock,
		RetentionWindow: 50 * time.Millisecond,
		ReapInterval:    10 * time.Millisecond,
	})
	defer reg.Close()

	input := validInput()
	input.ScheduledTime = clock.Now().Add(20 * time.Millisecond)
	jobID, err := reg.Schedule(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(30 * time.Millisecond)
	waitFor(t, time.Second, func() bool { return producer.count() == 1 })

	clock.Advance(time.Minute)
	waitFor(t, time.Second, func() bool {
		for _, j := range reg.ListAll() {
			if j.JobID == jobID {
				return false
			}
		}
		return true
	})
}

func TestCancelAllForProject(t *testing.T) {
	producer := &fakeProducer{}
	reg := New(context.Background(), producer, Config{})
	defer reg.Close()

	for _, phaseID := range []uint64{1, 2, 3} {
		in := validInput()
		in.PhaseID = phaseID
		in.ScheduledTime = time.Now().Add(time.Hour)
		if _, err := reg.Schedule(in); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	n := reg.CancelAllForProject(1)
	if n != 3 {
		t.Fatalf("expected 3 cancelled, got %d", n)
	}

	for _, j := range reg.ListAll() {
		if j.Fingerprint.ProjectID == 1 && j.Status == domain.StatusScheduled {
			t.Errorf("expected no Scheduled jobs left for project 1, found %s", j.JobID)
		}
	}
}
