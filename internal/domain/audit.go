package domain

import "time"

// AuditOutcome is the result of a single fire attempt, as recorded in
// the Transition Audit Log.
type AuditOutcome string

const (
	AuditOutcomeSucceeded AuditOutcome = "succeeded"
	AuditOutcomeFailed    AuditOutcome = "failed"
)

// TransitionAuditRecord is one append-only row written after every fire
// attempt. It is never read back by the scheduler.
type TransitionAuditRecord struct {
	JobID         string
	Fingerprint   Fingerprint
	PhaseTypeName string
	State         TransitionState
	FiredAt       time.Time
	Outcome       AuditOutcome
	ErrorMessage  *string
}
