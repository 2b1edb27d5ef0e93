package domain

import "time"

// ChallengeUpdatePhase is one entry of a challenge.update message's
// detailed phases[] extension.
type ChallengeUpdatePhase struct {
	PhaseID       uint64    `json:"phaseId"`
	PhaseTypeName string    `json:"phaseTypeName"`
	EndTime       time.Time `json:"endTime"`
	PhaseStatus   string    `json:"phaseStatus"`
}

// ChallengeUpdate is the catalog-change event consumed by the Adjustment
// Engine. Phases is populated only on the "detailed" variant; when nil,
// ProjectStatus-driven routing (cancel/no-op) still applies but no
// DetectChanges/Apply cycle runs.
type ChallengeUpdate struct {
	ProjectID     uint64                 `json:"projectId"`
	ChallengeID   string                 `json:"challengeId"`
	Operator      string                 `json:"operator"`
	ProjectStatus string                 `json:"projectStatus"`
	UpdateReason  string                 `json:"updateReason,omitempty"`
	Date          *time.Time             `json:"date,omitempty"`
	Phases        []ChallengeUpdatePhase `json:"phases,omitempty"`
}

// Command is an operator-issued instruction ingested from the command
// topic.
type Command struct {
	Command   string     `json:"command"`
	Operator  string     `json:"operator"`
	ProjectID uint64     `json:"projectId,omitempty"`
	PhaseID   uint64     `json:"phaseId,omitempty"`
	JobID     string     `json:"jobId,omitempty"`
	Date      *time.Time `json:"date,omitempty"`

	PhaseTypeName string         `json:"phaseTypeName,omitempty"`
	State         TransitionState `json:"state,omitempty"`
	ScheduledTime *time.Time     `json:"scheduledTime,omitempty"`
	ProjectStatus string         `json:"projectStatus,omitempty"`
}

const (
	CommandSchedulePhaseTransition = "schedule_phase_transition"
	CommandCancelScheduledTransition = "cancel_scheduled_transition"
	CommandListScheduledTransitions = "list_scheduled_transitions"
)
