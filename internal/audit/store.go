// Package audit is the Transition Audit Log: an append-only record of
// every fire attempt the scheduler makes, written regardless of
// outcome. Nothing in the scheduling path ever reads it back.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/rezkam/mono/internal/domain"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embedMigrations embed.FS

// Config configures the audit store's connection pool.
type Config struct {
	Driver          string // "pgx" or "sqlite"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store is a SQL-backed implementation of egress.AuditSink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the audit database and runs its migrations.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	maxOpenConns := cfg.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = 5
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	connMaxIdleTime := cfg.ConnMaxIdleTime
	if connMaxIdleTime <= 0 {
		connMaxIdleTime = time.Minute
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	if err := runMigrations(db, cfg.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("run audit migrations: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// runMigrations selects the migration set matching driver: Postgres and
// SQLite disagree on autoincrement and timestamp column syntax, so each
// dialect keeps its own migration files rather than sharing one
// lowest-common-denominator schema.
func runMigrations(db *sql.DB, driver string) error {
	dialect, dir := "sqlite3", "migrations/sqlite"
	if driver == "pgx" {
		dialect, dir = "postgres", "migrations/postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	return goose.Up(db, dir)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// recordTimeout bounds the detached write RecordTransition starts, so a
// stalled audit database cannot hold the goroutine open indefinitely.
const recordTimeout = 5 * time.Second

// RecordTransition satisfies egress.AuditSink. The write runs on its
// own goroutine against a context detached from ctx, so a slow or
// unavailable audit database never delays the publish call that
// triggered it. Write failures are logged, never propagated.
func (s *Store) RecordTransition(ctx context.Context, rec domain.TransitionAuditRecord) {
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if _, err := s.insert(writeCtx, rec); err != nil {
			s.logger.Error("record transition audit failed", "job_id", rec.JobID, "error", err)
		}
	}()
}

func (s *Store) insert(ctx context.Context, rec domain.TransitionAuditRecord) (sql.Result, error) {
	return s.db.ExecContext(ctx, `
		INSERT INTO transition_audit_log
			(job_id, project_id, phase_id, phase_type_name, state, fired_at, outcome, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.JobID, rec.Fingerprint.ProjectID, rec.Fingerprint.PhaseID, rec.PhaseTypeName,
		string(rec.State), rec.FiredAt, string(rec.Outcome), rec.ErrorMessage,
	)
}

// RecordTransitionSync is the same write as RecordTransition but
// returns the error, for callers (tests, backfills) that need to know
// whether the write landed.
func (s *Store) RecordTransitionSync(ctx context.Context, rec domain.TransitionAuditRecord) error {
	_, err := s.insert(ctx, rec)
	return err
}

// CountByOutcome returns the number of audit rows recorded for
// projectID with the given outcome, used by operational checks.
func (s *Store) CountByOutcome(ctx context.Context, projectID uint64, outcome domain.AuditOutcome) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transition_audit_log WHERE project_id = $1 AND outcome = $2`,
		projectID, string(outcome),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit rows: %w", err)
	}
	return n, nil
}
