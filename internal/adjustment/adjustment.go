// Package adjustment implements the Adjustment Engine: diff-driven
// reconciliation between an externally supplied snapshot of a
// project's current phases and the Job Registry.
package adjustment

import (
	"fmt"
	"time"

	"github.com/rezkam/mono/internal/domain"
)

const defaultHysteresis = 60 * time.Second

// Registry is the subset of *registry.Registry the engine mutates.
type Registry interface {
	ListAll() []*domain.Job
	Schedule(input domain.ScheduleInput) (string, error)
	Update(jobID string, input domain.ScheduleInput) (string, error)
	Cancel(jobID string) bool
	CancelAllForProject(projectID uint64) int
}

// ChangeReason classifies why a Change was emitted.
type ChangeReason string

const (
	ReasonNewPhaseSchedule ChangeReason = "new_phase_schedule"
	ReasonEndTimeChange    ChangeReason = "end_time_change"
	ReasonPhaseRemoved     ChangeReason = "phase_removed"
)

// Change is one registry mutation DetectChanges proposes.
type Change struct {
	ProjectID     uint64
	PhaseID       uint64
	PhaseTypeName string
	Reason        ChangeReason
	OldJobID      string
	OldEndTime    time.Time
	NewEndTime    time.Time
	Operator      string
	ProjectStatus string
}

// RescheduleDetail records one successful reschedule for Apply's result.
type RescheduleDetail struct {
	OldJobID string
	NewJobID string
	PhaseID  uint64
}

// Result is Apply's batch outcome. Individual failures are captured in
// Errors and do not halt processing of the remaining changes.
type Result struct {
	Success          bool
	AdjustedCount    int
	CancelledCount   int
	RescheduledCount int
	Errors           []string
	Cancelled        []string
	Rescheduled      []RescheduleDetail
}

// Engine is the Adjustment Engine.
type Engine struct {
	registry   Registry
	clock      func() time.Time
	hysteresis time.Duration
}

func New(registry Registry) *Engine {
	return &Engine{registry: registry, clock: func() time.Time { return time.Now().UTC() }, hysteresis: defaultHysteresis}
}

// DetectChanges compares currentPhases against the registry's active
// jobs for projectID and returns the minimal set of mutations needed
// to reconcile them, applying a 60-second hysteresis to end-time drift
// so clock skew and minor catalog edits don't churn the registry.
func (e *Engine) DetectChanges(projectID uint64, currentPhases []domain.ChallengeUpdatePhase, operator, projectStatus string) []Change {
	active := make(map[uint64]*domain.Job)
	for _, j := range e.registry.ListAll() {
		if j.Fingerprint.ProjectID == projectID && j.Status.Active() {
			active[j.Fingerprint.PhaseID] = j
		}
	}

	seen := make(map[uint64]bool, len(currentPhases))
	var changes []Change

	for _, phase := range currentPhases {
		seen[phase.PhaseID] = true
		r, ok := active[phase.PhaseID]
		if !ok {
			changes = append(changes, Change{
				ProjectID: projectID, PhaseID: phase.PhaseID, PhaseTypeName: phase.PhaseTypeName,
				Reason: ReasonNewPhaseSchedule, NewEndTime: phase.EndTime, Operator: operator, ProjectStatus: projectStatus,
			})
			continue
		}
		if absDuration(r.ScheduledTime.Sub(phase.EndTime)) > e.hysteresis {
			changes = append(changes, Change{
				ProjectID: projectID, PhaseID: phase.PhaseID, PhaseTypeName: phase.PhaseTypeName,
				Reason: ReasonEndTimeChange, OldJobID: r.JobID, OldEndTime: r.ScheduledTime, NewEndTime: phase.EndTime,
				Operator: operator, ProjectStatus: projectStatus,
			})
		}
	}

	now := e.clock()
	for phaseID, r := range active {
		if seen[phaseID] {
			continue
		}
		changes = append(changes, Change{
			ProjectID: projectID, PhaseID: phaseID, PhaseTypeName: r.PhaseTypeName,
			Reason: ReasonPhaseRemoved, OldJobID: r.JobID, OldEndTime: r.ScheduledTime, NewEndTime: now,
			Operator: operator, ProjectStatus: projectStatus,
		})
	}

	return changes
}

// Apply executes changes against the registry. Each processed change
// increments AdjustedCount; per-change failures are recorded in Errors
// and set Success=false without stopping the batch.
func (e *Engine) Apply(changes []Change) Result {
	result := Result{Success: true}
	now := e.clock()

	for _, c := range changes {
		switch {
		case c.Reason == ReasonNewPhaseSchedule:
			jobID, err := e.registry.Schedule(domain.ScheduleInput{
				ProjectID: c.ProjectID, PhaseID: c.PhaseID, PhaseTypeName: c.PhaseTypeName,
				State: domain.StateEnd, ScheduledTime: c.NewEndTime, Operator: c.Operator, ProjectStatus: c.ProjectStatus,
			})
			if err != nil {
				result.Success = false
				result.Errors = append(result.Errors, fmt.Sprintf("Phase %d: %s", c.PhaseID, err))
				continue
			}
			result.Rescheduled = append(result.Rescheduled, RescheduleDetail{OldJobID: "none", NewJobID: jobID, PhaseID: c.PhaseID})
			result.RescheduledCount++
			result.AdjustedCount++

		case !c.NewEndTime.After(now):
			if e.registry.Cancel(c.OldJobID) {
				result.Cancelled = append(result.Cancelled, c.OldJobID)
				result.CancelledCount++
				result.AdjustedCount++
			} else {
				result.Success = false
				result.Errors = append(result.Errors, fmt.Sprintf("Phase %d: cancel failed for past-due transition", c.PhaseID))
			}

		case absDuration(c.OldEndTime.Sub(c.NewEndTime)) < e.hysteresis:
			// defensive: should already have been filtered by DetectChanges

		default:
			newJobID, err := e.registry.Update(c.OldJobID, domain.ScheduleInput{
				ProjectID: c.ProjectID, PhaseID: c.PhaseID, PhaseTypeName: c.PhaseTypeName,
				State: domain.StateEnd, ScheduledTime: c.NewEndTime, Operator: c.Operator, ProjectStatus: c.ProjectStatus,
			})
			if err != nil {
				result.Success = false
				result.Errors = append(result.Errors, fmt.Sprintf("Phase %d: %s", c.PhaseID, err))
				continue
			}
			result.Rescheduled = append(result.Rescheduled, RescheduleDetail{OldJobID: c.OldJobID, NewJobID: newJobID, PhaseID: c.PhaseID})
			result.RescheduledCount++
			result.AdjustedCount++
		}
	}

	return result
}

// CancelAllForProject cancels every scheduled job for projectID, used
// when a project enters CANCELLED or COMPLETED.
func (e *Engine) CancelAllForProject(projectID uint64) int {
	return e.registry.CancelAllForProject(projectID)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
