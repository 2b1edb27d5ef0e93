// Package recovery is the Recovery Orchestrator: at startup it
// reconciles the job registry with the external phase catalog, arming
// jobs for upcoming phases and immediately emitting overdue ones.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rezkam/mono/internal/domain"
)

// Status mirrors the lifecycle of a single ExecuteStartupRecovery run.
type Status string

const (
	StatusNotStarted         Status = "NotStarted"
	StatusInProgress         Status = "InProgress"
	StatusCompleted          Status = "Completed"
	StatusCompletedWithErrors Status = "CompletedWithErrors"
	StatusFailed             Status = "Failed"
	StatusDisabled           Status = "Disabled"
)

// CatalogClient fetches the active phase catalog.
type CatalogClient interface {
	FetchActivePhases(ctx context.Context) ([]domain.CatalogPhase, error)
}

// Registry is the narrow registry surface recovery needs to arm
// upcoming phases.
type Registry interface {
	Schedule(in domain.ScheduleInput) (string, error)
}

// Producer is the narrow egress surface recovery needs to emit
// overdue phases immediately, bypassing the registry.
type Producer interface {
	Produce(ctx context.Context, payload domain.TransitionPayload) error
}

// AuditSink records one audit entry per overdue phase fired
// immediately during recovery.
type AuditSink interface {
	RecordTransition(ctx context.Context, rec domain.TransitionAuditRecord)
}

// SummaryArchiver persists the outcome of a completed run.
type SummaryArchiver interface {
	WriteRecoverySummary(ctx context.Context, summary domain.RecoverySummary) error
}

// Config controls recovery's filtering, batching, and failure
// semantics, matching the defaults from the component design.
type Config struct {
	MaxPhaseAge          time.Duration // default 72h
	MaxConcurrentPhases  int           // default 10
	ProcessOverduePhases bool          // default true
	MinProjectID         uint64
	MaxProjectID         uint64 // 0 means unbounded
	AllowedProjectStatus []string // default {ACTIVE, DRAFT}
	FailOnError          bool
	Clock                func() time.Time
}

func (c *Config) setDefaults() {
	if c.MaxPhaseAge <= 0 {
		c.MaxPhaseAge = 72 * time.Hour
	}
	if c.MaxConcurrentPhases <= 0 {
		c.MaxConcurrentPhases = 10
	}
	if len(c.AllowedProjectStatus) == 0 {
		c.AllowedProjectStatus = []string{"ACTIVE", "DRAFT"}
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
}

func (c Config) allowsStatus(status string) bool {
	for _, s := range c.AllowedProjectStatus {
		if s == status {
			return true
		}
	}
	return false
}

// Metrics is the in-process snapshot surface for §4.3 step 6. The same
// counts are also handed to the MetricsRecorder when one is supplied;
// the orchestrator exports no OpenTelemetry instruments of its own.
type Metrics struct {
	LastRecoveryTime        time.Time
	LastRecoveryDuration    time.Duration
	LastRecoveryCount       int
	TotalRecoveryOperations int
	FailedRecoveryOperations int
	Status                  Status
}

// Orchestrator implements ExecuteStartupRecovery.
type Orchestrator struct {
	catalog  CatalogClient
	registry Registry
	producer Producer
	audit    AuditSink
	archive  SummaryArchiver
	cfg      Config
	logger   *slog.Logger

	recorder MetricsRecorder

	mu      sync.Mutex
	metrics Metrics
}

// MetricsRecorder receives the same counts Metrics tracks, as
// OpenTelemetry instruments; nil disables export without disabling
// the in-process Metrics snapshot.
type MetricsRecorder interface {
	RecordRecoveryRun(ctx context.Context, duration time.Duration, count, failed int, status string)
}

func New(catalog CatalogClient, registry Registry, producer Producer, audit AuditSink, archive SummaryArchiver, recorder MetricsRecorder, cfg Config, logger *slog.Logger) *Orchestrator {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		catalog: catalog, registry: registry, producer: producer,
		audit: audit, archive: archive, cfg: cfg, logger: logger, recorder: recorder,
		metrics: Metrics{Status: StatusNotStarted},
	}
}

// Metrics returns a point-in-time snapshot of the last run's counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

// ExecuteStartupRecovery runs the six-step reconciliation described in
// the component design. It returns an error only when cfg.FailOnError
// is true and the run failed outright (catalog unreachable); per-phase
// failures never abort the run.
func (o *Orchestrator) ExecuteStartupRecovery(ctx context.Context) error {
	started := o.cfg.Clock()
	o.setStatus(StatusInProgress)

	phases, err := o.catalog.FetchActivePhases(ctx)
	if err != nil {
		o.logger.ErrorContext(ctx, "recovery: catalog fetch failed", "error", err)
		o.finish(ctx, started, 0, 1, StatusFailed)
		if o.cfg.FailOnError {
			return fmt.Errorf("fetch active phases: %w", err)
		}
		return nil
	}

	filtered := o.filter(phases, started)
	upcoming, overdue := partition(filtered, started)

	scheduledCount, scheduleFailed := o.scheduleUpcoming(ctx, upcoming)

	var firedCount, fireFailed int
	if o.cfg.ProcessOverduePhases {
		firedCount, fireFailed = o.fireOverdue(ctx, overdue)
	} else {
		o.logger.InfoContext(ctx, "recovery: overdue processing disabled, skipping", "overdue_count", len(overdue))
	}

	totalFailed := scheduleFailed + fireFailed
	status := StatusCompleted
	if totalFailed > 0 {
		status = StatusCompletedWithErrors
	}

	o.finish(ctx, started, scheduledCount+firedCount, totalFailed, status)

	if o.archive != nil {
		summary := domain.RecoverySummary{
			StartedAt: started, Duration: o.cfg.Clock().Sub(started), Status: string(status),
			UpcomingScheduled: scheduledCount, OverdueFired: firedCount, Failed: totalFailed,
		}
		if err := o.archive.WriteRecoverySummary(ctx, summary); err != nil {
			o.logger.WarnContext(ctx, "recovery: failed to archive summary", "error", err)
		}
	}

	if status == StatusFailed && o.cfg.FailOnError {
		return fmt.Errorf("recovery completed with failures and failOnError is set")
	}
	return nil
}

func (o *Orchestrator) filter(phases []domain.CatalogPhase, now time.Time) []domain.CatalogPhase {
	out := make([]domain.CatalogPhase, 0, len(phases))
	for _, p := range phases {
		if !p.State.Valid() {
			continue
		}
		if !o.cfg.allowsStatus(p.ProjectStatus) {
			continue
		}
		if now.Sub(p.EndTime) > o.cfg.MaxPhaseAge {
			continue
		}
		if p.ProjectID < o.cfg.MinProjectID {
			continue
		}
		if o.cfg.MaxProjectID != 0 && p.ProjectID > o.cfg.MaxProjectID {
			continue
		}
		out = append(out, p)
	}
	return out
}

func partition(phases []domain.CatalogPhase, now time.Time) (upcoming, overdue []domain.CatalogPhase) {
	for _, p := range phases {
		if p.EndTime.After(now) {
			upcoming = append(upcoming, p)
		} else {
			overdue = append(overdue, p)
		}
	}
	return upcoming, overdue
}

// scheduleUpcoming arms upcoming phases in batches of
// cfg.MaxConcurrentPhases, scheduled in parallel within a batch and
// settling fully before the next batch starts.
func (o *Orchestrator) scheduleUpcoming(ctx context.Context, phases []domain.CatalogPhase) (scheduled, failed int) {
	for start := 0; start < len(phases); start += o.cfg.MaxConcurrentPhases {
		end := start + o.cfg.MaxConcurrentPhases
		if end > len(phases) {
			end = len(phases)
		}
		batch := phases[start:end]

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, p := range batch {
			wg.Add(1)
			go func(p domain.CatalogPhase) {
				defer wg.Done()
				_, err := o.registry.Schedule(domain.ScheduleInput{
					ProjectID: p.ProjectID, PhaseID: p.PhaseID, PhaseTypeName: p.PhaseTypeName,
					State: domain.StateEnd, ScheduledTime: p.EndTime, Operator: p.Operator, ProjectStatus: p.ProjectStatus,
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if !domain.Is(err, domain.KindDuplicateJob) {
						o.logger.WarnContext(ctx, "recovery: failed to schedule upcoming phase",
							"project_id", p.ProjectID, "phase_id", p.PhaseID, "error", err)
						failed++
					}
					return
				}
				scheduled++
			}(p)
		}
		wg.Wait()
	}
	return scheduled, failed
}

// fireOverdue immediately publishes the END transition for each
// overdue phase, in batches of min(5, MaxConcurrentPhases), without
// ever creating a registry entry for it.
func (o *Orchestrator) fireOverdue(ctx context.Context, phases []domain.CatalogPhase) (fired, failed int) {
	batchSize := 5
	if o.cfg.MaxConcurrentPhases < batchSize {
		batchSize = o.cfg.MaxConcurrentPhases
	}

	for start := 0; start < len(phases); start += batchSize {
		end := start + batchSize
		if end > len(phases) {
			end = len(phases)
		}
		batch := phases[start:end]

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, p := range batch {
			wg.Add(1)
			go func(p domain.CatalogPhase) {
				defer wg.Done()
				now := o.cfg.Clock()
				payload := domain.TransitionPayload{
					ProjectID: p.ProjectID, PhaseID: p.PhaseID, PhaseTypeName: p.PhaseTypeName,
					State: domain.StateEnd, Operator: p.Operator, ProjectStatus: p.ProjectStatus, Date: now,
				}
				err := o.producer.Produce(ctx, payload)

				outcome := domain.AuditOutcomeSucceeded
				var errMsg *string
				if err != nil {
					outcome = domain.AuditOutcomeFailed
					msg := err.Error()
					errMsg = &msg
				}
				if o.audit != nil {
					o.audit.RecordTransition(ctx, domain.TransitionAuditRecord{
						JobID:         fmt.Sprintf("recovery-overdue-%d-%d", p.ProjectID, p.PhaseID),
						Fingerprint:   p.Fingerprint(),
						PhaseTypeName: p.PhaseTypeName,
						State:         domain.StateEnd,
						FiredAt:       now,
						Outcome:       outcome,
						ErrorMessage:  errMsg,
					})
				}

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					o.logger.WarnContext(ctx, "recovery: failed to fire overdue phase",
						"project_id", p.ProjectID, "phase_id", p.PhaseID, "error", err)
					failed++
					return
				}
				fired++
			}(p)
		}
		wg.Wait()
	}
	return fired, failed
}

func (o *Orchestrator) setStatus(s Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics.Status = s
}

func (o *Orchestrator) finish(ctx context.Context, started time.Time, count, failed int, status Status) {
	duration := o.cfg.Clock().Sub(started)

	o.mu.Lock()
	o.metrics.LastRecoveryTime = started
	o.metrics.LastRecoveryDuration = duration
	o.metrics.LastRecoveryCount = count
	o.metrics.TotalRecoveryOperations++
	o.metrics.FailedRecoveryOperations += failed
	o.metrics.Status = status
	o.mu.Unlock()

	if o.recorder != nil {
		o.recorder.RecordRecoveryRun(ctx, duration, count, failed, string(status))
	}

	o.logger.InfoContext(ctx, "recovery run finished",
		"duration", duration, "count", count, "failed", failed, "status", status)
}
