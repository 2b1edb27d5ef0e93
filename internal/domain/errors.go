package domain

import (
	"errors"
	"fmt"
)

// Kind tags an Error with the taxonomy from spec §7, letting callers
// branch on cause without string matching.
type Kind string

const (
	KindPastScheduleTime   Kind = "PastScheduleTime"
	KindDuplicateJob       Kind = "DuplicateJob"
	KindJobNotFound        Kind = "JobNotFound"
	KindSchedulingFailed   Kind = "SchedulingFailed"
	KindCancellationFailed Kind = "CancellationFailed"
	KindInvalidPhaseData   Kind = "InvalidPhaseData"
	KindBusProducerError   Kind = "BusProducerError"
	KindBusConsumerError   Kind = "BusConsumerError"
	KindSchemaRegistryError Kind = "SchemaRegistryError"
	KindValidation         Kind = "ValidationError"
)

// Error is the core's tagged error shape: {kind, message, jobId?,
// phaseId?, projectId?, cause?}, replacing the source's thrown
// JSON-stringified Error objects.
type Error struct {
	Kind      Kind
	Message   string
	JobID     string
	PhaseID   uint64
	ProjectID uint64
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is a *Error tagged with kind.
func Is(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

func NewPastScheduleTime(fp Fingerprint) *Error {
	return &Error{Kind: KindPastScheduleTime, Message: "scheduledTime is not in the future", ProjectID: fp.ProjectID, PhaseID: fp.PhaseID}
}

func NewDuplicateJob(fp Fingerprint) *Error {
	return &Error{Kind: KindDuplicateJob, Message: "a job for this fingerprint is already Scheduled or Running", ProjectID: fp.ProjectID, PhaseID: fp.PhaseID}
}

func NewJobNotFound(jobID string) *Error {
	return &Error{Kind: KindJobNotFound, Message: "no cancellable job with this ID", JobID: jobID}
}

func NewSchedulingFailed(fp Fingerprint, cause error) *Error {
	return &Error{Kind: KindSchedulingFailed, Message: "timer engine failed to arm job", ProjectID: fp.ProjectID, PhaseID: fp.PhaseID, Cause: cause}
}

func NewCancellationFailed(jobID string, cause error) *Error {
	return &Error{Kind: KindCancellationFailed, Message: "timer engine failed to release job", JobID: jobID, Cause: cause}
}

func NewInvalidPhaseData(phaseID uint64, reason string) *Error {
	return &Error{Kind: KindInvalidPhaseData, Message: reason, PhaseID: phaseID}
}

func NewBusProducerError(cause error) *Error {
	return &Error{Kind: KindBusProducerError, Message: "failed to publish message", Cause: cause}
}

func NewBusConsumerError(cause error) *Error {
	return &Error{Kind: KindBusConsumerError, Message: "failed to consume message", Cause: cause}
}

func NewSchemaRegistryError(cause error) *Error {
	return &Error{Kind: KindSchemaRegistryError, Message: "failed to encode/decode against schema registry", Cause: cause}
}

// NewValidationError reports a single bad input field.
func NewValidationError(field, issue string) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf("%s: %s", field, issue)}
}

// RetryableError marks an error as transient: the egress circuit
// breaker's errorFilter should count it, and callers may retry.
// Mirrors the teacher's Transient()/IsRetryable() pair.
type RetryableError struct{ Err error }

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient wraps err to mark it retryable.
func Transient(err error) error { return RetryableError{Err: err} }

// IsRetryable reports whether err (or something it wraps) was marked
// transient via Transient.
func IsRetryable(err error) bool {
	var re RetryableError
	return errors.As(err, &re)
}
