// Package registry owns scheduled phase-transition firings: it is the
// single source of truth for which fingerprints have an armed job, and
// the only component that invokes the egress producer when one fires.
package registry

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/mono/internal/domain"
)

// Producer is the narrow egress interface the registry fires jobs
// through. The real implementation lives in internal/bus/egress and
// wraps the circuit breaker; tests supply a function-field fake.
type Producer interface {
	Produce(ctx context.Context, payload domain.TransitionPayload) error
}

// Config controls retention and wake-loop behavior.
type Config struct {
	// RetentionWindow is how long a terminal job stays visible to
	// ListAll before the reaper purges it. Default 5 minutes.
	RetentionWindow time.Duration
	// ReapInterval is how often the reaper sweeps for purgeable jobs.
	ReapInterval time.Duration
	Clock        Clock
	Logger       *slog.Logger
}

func (c *Config) setDefaults() {
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Registry is the Job Registry & Timer Engine: a single driving
// goroutine reads a min-heap of armed deadlines, woken either by the
// earliest deadline or by a Schedule/Cancel/Update mutation.
type Registry struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	active map[domain.Fingerprint]string // fingerprint -> jobID, only Scheduled/Running
	heap   timerHeap
	seq    uint64

	producer Producer
	cfg      Config
	wake     chan struct{}

	stop context.CancelFunc
	done chan struct{}
}

// New constructs a Registry and starts its driver and reaper goroutines.
// Callers must call Close to release them.
func New(ctx context.Context, producer Producer, cfg Config) *Registry {
	cfg.setDefaults()
	runCtx, cancel := context.WithCancel(ctx)
	r := &Registry{
		jobs:     make(map[string]*domain.Job),
		active:   make(map[domain.Fingerprint]string),
		producer: producer,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		stop:     cancel,
		done:     make(chan struct{}),
	}
	go r.run(runCtx)
	go r.reapLoop(runCtx)
	return r
}

// Close stops the driver and reaper goroutines and waits for the
// driver to exit.
func (r *Registry) Close() {
	r.stop()
	<-r.done
}

func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Schedule arms a new firing. See domain.ScheduleInput for validation
// rules; fails with PastScheduleTime or DuplicateJob before any state
// is mutated.
func (r *Registry) Schedule(input domain.ScheduleInput) (string, error) {
	if err := input.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduleLocked(input)
}

func (r *Registry) scheduleLocked(input domain.ScheduleInput) (string, error) {
	now := r.cfg.Clock.Now()
	fp := input.Fingerprint()

	if !input.ScheduledTime.After(now) {
		return "", domain.NewPastScheduleTime(fp)
	}
	if existing, ok := r.active[fp]; ok {
		if job, ok := r.jobs[existing]; ok && job.Status.Active() {
			return "", domain.NewDuplicateJob(fp)
		}
	}

	jobID := fmt.Sprintf("phase-transition-%d-%d-%s", input.ProjectID, input.PhaseID, uuid.NewString())

	job := &domain.Job{
		JobID:         jobID,
		Fingerprint:   fp,
		PhaseTypeName: input.PhaseTypeName,
		State:         input.State,
		ScheduledTime: input.ScheduledTime,
		CreatedAt:     now,
		Status:        domain.StatusScheduled,
		Operator:      input.Operator,
		ProjectStatus: input.ProjectStatus,
		Metadata:      input.Metadata,
	}

	r.jobs[jobID] = job
	r.active[fp] = jobID
	r.seq++
	heap.Push(&r.heap, &timerEntry{jobID: jobID, scheduledTime: input.ScheduledTime, seq: r.seq})
	r.signal()

	return jobID, nil
}

// Cancel releases an armed job. Idempotent: cancelling an unknown or
// already-terminal job returns false without error.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(jobID)
}

func (r *Registry) cancelLocked(jobID string) bool {
	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.StatusScheduled {
		return false
	}
	now := r.cfg.Clock.Now()
	job.Status = domain.StatusCancelled
	job.TerminalAt = &now
	if r.active[job.Fingerprint] == jobID {
		delete(r.active, job.Fingerprint)
	}
	r.signal()
	return true
}

// Update cancels jobID and schedules input as one atomic step; the
// returned jobID is always new. Fails with JobNotFound if jobID is not
// currently cancellable.
func (r *Registry) Update(jobID string, input domain.ScheduleInput) (string, error) {
	if err := input.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cancelLocked(jobID) {
		return "", domain.NewJobNotFound(jobID)
	}
	return r.scheduleLocked(input)
}

// ListAll returns a point-in-time snapshot of every tracked job,
// including recently terminal ones still inside their retention window.
func (r *Registry) ListAll() []*domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Clone())
	}
	return out
}

// CancelAllForProject cancels every Scheduled job whose fingerprint
// belongs to projectID and returns how many were cancelled.
func (r *Registry) CancelAllForProject(projectID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for jobID, job := range r.jobs {
		if job.Fingerprint.ProjectID == projectID && job.Status == domain.StatusScheduled {
			if r.cancelLocked(jobID) {
				n++
			}
		}
	}
	return n
}

// run is the single driving goroutine: it pops every heap entry whose
// deadline has passed, fires each (skipping lazily-cancelled ones),
// then sleeps until the next deadline or a mutation wakes it early.
func (r *Registry) run(ctx context.Context) {
	defer close(r.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due := r.collectDue()
		for _, jobID := range due {
			r.fire(ctx, jobID)
		}
		if len(due) > 0 {
			continue
		}

		wait := r.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-timer.C:
		}
	}
}

func (r *Registry) collectDue() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Clock.Now()
	var due []string
	for r.heap.Len() > 0 && !r.heap[0].scheduledTime.After(now) {
		e := heap.Pop(&r.heap).(*timerEntry)
		due = append(due, e.jobID)
	}
	return due
}

func (r *Registry) nextWait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.heap.Len() == 0 {
		return time.Hour
	}
	wait := r.heap[0].scheduledTime.Sub(r.cfg.Clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait
}

// fire transitions jobID to Running, invokes the producer outside the
// lock, then records the terminal outcome. A lazily-cancelled or
// already-gone entry is a silent no-op.
func (r *Registry) fire(ctx context.Context, jobID string) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status != domain.StatusScheduled {
		r.mu.Unlock()
		return
	}
	job.Status = domain.StatusRunning
	payload := domain.TransitionPayload{
		ProjectID:     job.Fingerprint.ProjectID,
		PhaseID:       job.Fingerprint.PhaseID,
		PhaseTypeName: job.PhaseTypeName,
		State:         job.State,
		Operator:      job.Operator,
		ProjectStatus: job.ProjectStatus,
		Date:          r.cfg.Clock.Now(),
	}
	r.mu.Unlock()

	fireErr := r.producer.Produce(ctx, payload)

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok = r.jobs[jobID]
	if !ok {
		return
	}
	now := r.cfg.Clock.Now()
	if fireErr != nil {
		job.Status = domain.StatusFailed
		job.RetryCount++
		msg := fireErr.Error()
		job.LastError = &msg
		r.cfg.Logger.ErrorContext(ctx, "phase transition fire failed",
			"jobId", jobID, "fingerprint", job.Fingerprint.String(), "error", fireErr)
	} else {
		job.Status = domain.StatusCompleted
		r.cfg.Logger.InfoContext(ctx, "phase transition fired",
			"jobId", jobID, "fingerprint", job.Fingerprint.String())
	}
	job.TerminalAt = &now
	if r.active[job.Fingerprint] == jobID {
		delete(r.active, job.Fingerprint)
	}
}

func (r *Registry) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Registry) reapOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Clock.Now()
	for jobID, job := range r.jobs {
		if job.TerminalAt == nil {
			continue
		}
		if now.Sub(*job.TerminalAt) >= r.cfg.RetentionWindow {
			delete(r.jobs, jobID)
		}
	}
}
