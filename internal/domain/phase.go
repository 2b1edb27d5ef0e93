package domain

import "time"

// CatalogPhase is a project phase as reported by the challenge catalog:
// the source of truth the Adjustment Engine and Recovery Orchestrator
// reconcile scheduled jobs against.
type CatalogPhase struct {
	ProjectID     uint64
	PhaseID       uint64
	PhaseTypeName string
	State         TransitionState
	EndTime       time.Time
	Operator      string
	ProjectStatus string
}

func (p CatalogPhase) Fingerprint() Fingerprint {
	return Fingerprint{ProjectID: p.ProjectID, PhaseID: p.PhaseID}
}

// Overdue reports whether t has already passed scheduledTime, i.e. the
// transition should have fired before the process observed it (used by
// the Recovery Orchestrator's immediate-emit path).
func Overdue(scheduledTime, now time.Time) bool {
	return !scheduledTime.After(now)
}
