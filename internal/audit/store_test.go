package audit_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rezkam/mono/internal/audit"
	"github.com/rezkam/mono/internal/domain"
	"github.com/stretchr/testify/require"
)

func openSQLiteStore(t *testing.T) *audit.Store {
	t.Helper()
	dsn := "file:" + t.TempDir() + "/audit.db?_journal_mode=WAL&_foreign_keys=on"
	store, err := audit.Open(context.Background(), audit.Config{Driver: "sqlite", DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordTransition_WritesRow(t *testing.T) {
	store := openSQLiteStore(t)

	rec := domain.TransitionAuditRecord{
		JobID:         "phase-transition-1-2-abc",
		Fingerprint:   domain.Fingerprint{ProjectID: 1, PhaseID: 2},
		PhaseTypeName: "Review",
		State:         domain.StateEnd,
		FiredAt:       time.Now(),
		Outcome:       domain.AuditOutcomeSucceeded,
	}
	err := store.RecordTransitionSync(context.Background(), rec)
	require.NoError(t, err)

	n, err := store.CountByOutcome(context.Background(), 1, domain.AuditOutcomeSucceeded)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecordTransition_RecordsFailureWithMessage(t *testing.T) {
	store := openSQLiteStore(t)

	msg := "publish: broker unreachable"
	rec := domain.TransitionAuditRecord{
		JobID:         "phase-transition-1-2-abc",
		Fingerprint:   domain.Fingerprint{ProjectID: 1, PhaseID: 2},
		PhaseTypeName: "Review",
		State:         domain.StateEnd,
		FiredAt:       time.Now(),
		Outcome:       domain.AuditOutcomeFailed,
		ErrorMessage:  &msg,
	}
	err := store.RecordTransitionSync(context.Background(), rec)
	require.NoError(t, err)

	n, err := store.CountByOutcome(context.Background(), 1, domain.AuditOutcomeFailed)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecordTransition_RunsAsynchronously(t *testing.T) {
	store := openSQLiteStore(t)

	rec := domain.TransitionAuditRecord{
		JobID:         "phase-transition-1-2-abc",
		Fingerprint:   domain.Fingerprint{ProjectID: 1, PhaseID: 2},
		PhaseTypeName: "Review",
		State:         domain.StateEnd,
		FiredAt:       time.Now(),
		Outcome:       domain.AuditOutcomeSucceeded,
	}

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()
	store.RecordTransition(cancelledCtx, rec)

	require.Eventually(t, func() bool {
		n, err := store.CountByOutcome(context.Background(), 1, domain.AuditOutcomeSucceeded)
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond, "expected detached write to land despite caller context being cancelled")
}

// TestPostgresStorage exercises the same store against a real
// PostgreSQL instance when one is available in the environment.
func TestPostgresStorage(t *testing.T) {
	pgURL := os.Getenv("TEST_POSTGRES_URL")
	if pgURL == "" {
		t.Skip("TEST_POSTGRES_URL not set, skipping PostgreSQL tests")
	}

	ctx := context.Background()
	store, err := audit.Open(ctx, audit.Config{Driver: "pgx", DSN: pgURL}, nil)
	require.NoError(t, err)
	defer store.Close()

	rec := domain.TransitionAuditRecord{
		JobID:         "phase-transition-9-9-abc",
		Fingerprint:   domain.Fingerprint{ProjectID: 9, PhaseID: 9},
		PhaseTypeName: "Review",
		State:         domain.StateEnd,
		FiredAt:       time.Now(),
		Outcome:       domain.AuditOutcomeSucceeded,
	}
	require.NoError(t, store.RecordTransitionSync(ctx, rec))

	n, err := store.CountByOutcome(ctx, 9, domain.AuditOutcomeSucceeded)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
}
