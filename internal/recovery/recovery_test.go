package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rezkam/mono/internal/domain"
)

type fakeCatalog struct {
	phases []domain.CatalogPhase
	err    error
}

func (f *fakeCatalog) FetchActivePhases(ctx context.Context) ([]domain.CatalogPhase, error) {
	return f.phases, f.err
}

type fakeRegistry struct {
	mu       sync.Mutex
	schedule func(domain.ScheduleInput) (string, error)
	calls    []domain.ScheduleInput
}

func (f *fakeRegistry) Schedule(in domain.ScheduleInput) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	if f.schedule != nil {
		return f.schedule(in)
	}
	return "job-1", nil
}

type fakeProducer struct {
	mu       sync.Mutex
	produce  func(domain.TransitionPayload) error
	payloads []domain.TransitionPayload
}

func (f *fakeProducer) Produce(ctx context.Context, payload domain.TransitionPayload) error {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()
	if f.produce != nil {
		return f.produce(payload)
	}
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	records []domain.TransitionAuditRecord
}

func (f *fakeAudit) RecordTransition(ctx context.Context, rec domain.TransitionAuditRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

type fakeArchiver struct {
	summary *domain.RecoverySummary
}

func (f *fakeArchiver) WriteRecoverySummary(ctx context.Context, summary domain.RecoverySummary) error {
	f.summary = &summary
	return nil
}

func phase(projectID, phaseID uint64, endTime time.Time, status string) domain.CatalogPhase {
	return domain.CatalogPhase{
		ProjectID: projectID, PhaseID: phaseID, PhaseTypeName: "Review",
		State: domain.StateEnd, EndTime: endTime, Operator: "sys", ProjectStatus: status,
	}
}

func TestExecuteStartupRecovery_SchedulesUpcomingPhases(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{phases: []domain.CatalogPhase{
		phase(1, 1, now.Add(time.Hour), "ACTIVE"),
		phase(1, 2, now.Add(2*time.Hour), "DRAFT"),
	}}
	reg := &fakeRegistry{}
	prod := &fakeProducer{}

	o := New(catalog, reg, prod, nil, nil, nil, Config{Clock: func() time.Time { return now }}, nil)

	if err := o.ExecuteStartupRecovery(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(reg.calls) != 2 {
		t.Fatalf("expected 2 scheduled phases, got %d", len(reg.calls))
	}
	if len(prod.payloads) != 0 {
		t.Fatalf("expected no immediate firings for upcoming phases, got %d", len(prod.payloads))
	}
	if o.Metrics().Status != StatusCompleted {
		t.Fatalf("expected Completed status, got %s", o.Metrics().Status)
	}
}

func TestExecuteStartupRecovery_FiresOverduePhasesImmediately(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{phases: []domain.CatalogPhase{
		phase(1, 1, now.Add(-time.Hour), "ACTIVE"),
	}}
	reg := &fakeRegistry{}
	prod := &fakeProducer{}
	audit := &fakeAudit{}

	o := New(catalog, reg, prod, audit, nil, nil, Config{Clock: func() time.Time { return now }}, nil)

	if err := o.ExecuteStartupRecovery(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(reg.calls) != 0 {
		t.Fatalf("expected no registry entry for overdue phase, got %d", len(reg.calls))
	}
	if len(prod.payloads) != 1 {
		t.Fatalf("expected 1 immediate firing, got %d", len(prod.payloads))
	}
	if len(audit.records) != 1 || audit.records[0].Outcome != domain.AuditOutcomeSucceeded {
		t.Fatalf("expected 1 succeeded audit record, got %+v", audit.records)
	}
}

func TestExecuteStartupRecovery_FiltersByProjectStatusAndAge(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{phases: []domain.CatalogPhase{
		phase(1, 1, now.Add(time.Hour), "CANCELLED"),        // wrong status
		phase(1, 2, now.Add(-100*time.Hour), "ACTIVE"),      // too old
		phase(1, 3, now.Add(time.Hour), "ACTIVE"),           // kept
	}}
	reg := &fakeRegistry{}
	prod := &fakeProducer{}

	o := New(catalog, reg, prod, nil, nil, nil, Config{Clock: func() time.Time { return now }}, nil)
	_ = o.ExecuteStartupRecovery(context.Background())

	if len(reg.calls) != 1 || reg.calls[0].PhaseID != 3 {
		t.Fatalf("expected only phase 3 scheduled, got %+v", reg.calls)
	}
}

func TestExecuteStartupRecovery_CatalogFailureDoesNotAbortByDefault(t *testing.T) {
	catalog := &fakeCatalog{err: errors.New("catalog unreachable")}
	o := New(catalog, &fakeRegistry{}, &fakeProducer{}, nil, nil, nil, Config{}, nil)

	if err := o.ExecuteStartupRecovery(context.Background()); err != nil {
		t.Fatalf("expected nil error with failOnError=false, got %v", err)
	}
	if o.Metrics().Status != StatusFailed {
		t.Fatalf("expected Failed status recorded, got %s", o.Metrics().Status)
	}
}

func TestExecuteStartupRecovery_CatalogFailureAbortsWhenFailOnError(t *testing.T) {
	catalog := &fakeCatalog{err: errors.New("catalog unreachable")}
	o := New(catalog, &fakeRegistry{}, &fakeProducer{}, nil, nil, nil, Config{FailOnError: true}, nil)

	if err := o.ExecuteStartupRecovery(context.Background()); err == nil {
		t.Fatal("expected error with failOnError=true")
	}
}

func TestExecuteStartupRecovery_WritesRecoverySummary(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{phases: []domain.CatalogPhase{phase(1, 1, now.Add(time.Hour), "ACTIVE")}}
	archiver := &fakeArchiver{}

	o := New(catalog, &fakeRegistry{}, &fakeProducer{}, nil, archiver, nil, Config{Clock: func() time.Time { return now }}, nil)
	_ = o.ExecuteStartupRecovery(context.Background())

	if archiver.summary == nil {
		t.Fatal("expected a recovery summary to be archived")
	}
	if archiver.summary.UpcomingScheduled != 1 {
		t.Fatalf("expected UpcomingScheduled=1, got %+v", archiver.summary)
	}
}

func TestExecuteStartupRecovery_DisabledOverdueProcessingSkipsFiring(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{phases: []domain.CatalogPhase{phase(1, 1, now.Add(-time.Hour), "ACTIVE")}}
	prod := &fakeProducer{}

	o := New(catalog, &fakeRegistry{}, prod, nil, nil, nil, Config{Clock: func() time.Time { return now }, ProcessOverduePhases: false}, nil)
	_ = o.ExecuteStartupRecovery(context.Background())

	if len(prod.payloads) != 0 {
		t.Fatalf("expected no firings when ProcessOverduePhases is false, got %d", len(prod.payloads))
	}
}
