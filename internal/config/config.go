// Package config loads the autopilot scheduler's configuration from
// the environment, one struct per subsystem, the way the teacher repo
// composes its own Config out of DatabaseConfig/AuthConfig/etc.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration, composed of one struct per
// subsystem so each can be loaded, validated, and defaulted
// independently.
type Config struct {
	App           AppConfig
	Bus           BusConfig
	Scheduler     SchedulerConfig
	Recovery      RecoveryConfig
	Audit         AuditConfig
	Archive       ArchiveConfig
	Observability ObservabilityConfig
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Port            string        `env:"PORT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	// Environment is one of development|production|test. Only
	// production makes a failed bus connectivity probe fatal.
	Environment string `env:"NODE_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// IsProduction reports whether the process is running in production,
// the mode in which a failed bus connectivity probe must be fatal
// rather than demote the service to mock mode.
func (c AppConfig) IsProduction() bool { return c.Environment == "production" }

// BusConfig configures the event bus client and wire codec.
type BusConfig struct {
	Brokers              []string      `env:"BUS_BROKERS" envSeparator:","`
	ClientID             string        `env:"BUS_CLIENT_ID" envDefault:"autopilot-scheduler"`
	Enabled              bool          `env:"BUS_ENABLED" envDefault:"true"`
	PhaseTransitionTopic string        `env:"TOPIC_PHASE_TRANSITION" envDefault:"phase.transition"`
	ChallengeUpdateTopic string        `env:"TOPIC_CHALLENGE_UPDATE" envDefault:"challenge.update"`
	CommandTopic         string        `env:"TOPIC_COMMAND" envDefault:"command"`
	SchemaRegistryURL    string        `env:"SCHEMA_REGISTRY_URL"`
	SchemaRegistryUser   string        `env:"SCHEMA_REGISTRY_USER"`
	SchemaRegistryPass   string        `env:"SCHEMA_REGISTRY_PASSWORD"`
	ConnectTimeout       time.Duration `env:"BUS_CONNECT_TIMEOUT" envDefault:"10s"`
	// MockMode starts as the operator's explicit override; the startup
	// connectivity probe may additionally flip it to true at runtime
	// (see probeBus in cmd/autopilot), but never flips it back to false.
	MockMode bool `env:"BUS_MOCK_MODE" envDefault:"false"`

	ProducerFailureThreshold uint32        `env:"PRODUCER_BREAKER_FAILURE_THRESHOLD" envDefault:"10"`
	ProducerResetTimeout     time.Duration `env:"PRODUCER_BREAKER_RESET_TIMEOUT" envDefault:"45s"`
}

func (c BusConfig) schemaRegistryEnabled() bool { return c.SchemaRegistryURL != "" }

// SchedulerFailureThreshold/ResetTimeout back the scheduler call
// site's breaker preset; currently unwired to any fallible call (the
// registry's firing path goes through the producer's own breaker),
// kept for the call-site table's completeness and future on-demand
// scheduling RPCs.
type SchedulerConfig struct {
	RetentionWindow time.Duration `env:"JOB_RETENTION_WINDOW" envDefault:"5m"`
	ReapInterval    time.Duration `env:"JOB_REAP_INTERVAL" envDefault:"30s"`

	FailureThreshold uint32        `env:"SCHEDULER_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	ResetTimeout     time.Duration `env:"SCHEDULER_BREAKER_RESET_TIMEOUT" envDefault:"60s"`
}

// RecoveryConfig configures the startup Recovery Orchestrator and the
// Challenge Catalog Client it drives.
type RecoveryConfig struct {
	ChallengeServiceURL     string        `env:"CHALLENGE_SERVICE_URL"`
	ChallengeServiceTimeout time.Duration `env:"CHALLENGE_SERVICE_TIMEOUT" envDefault:"30s"`

	MaxPhaseAge          time.Duration `env:"RECOVERY_MAX_PHASE_AGE" envDefault:"72h"`
	MaxConcurrentPhases  int           `env:"RECOVERY_MAX_CONCURRENT_PHASES" envDefault:"10"`
	ProcessOverduePhases bool          `env:"RECOVERY_PROCESS_OVERDUE" envDefault:"true"`
	MinProjectID         uint64        `env:"RECOVERY_MIN_PROJECT_ID" envDefault:"0"`
	MaxProjectID         uint64        `env:"RECOVERY_MAX_PROJECT_ID" envDefault:"0"`
	AllowedProjectStatus []string      `env:"RECOVERY_ALLOWED_PROJECT_STATUS" envSeparator:"," envDefault:"ACTIVE,DRAFT"`
	FailOnError          bool          `env:"RECOVERY_FAIL_ON_ERROR" envDefault:"false"`

	FailureThreshold uint32        `env:"RECOVERY_BREAKER_FAILURE_THRESHOLD" envDefault:"3"`
	ResetTimeout     time.Duration `env:"RECOVERY_BREAKER_RESET_TIMEOUT" envDefault:"120s"`

	CatalogFailureThreshold uint32        `env:"CHALLENGE_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	CatalogResetTimeout     time.Duration `env:"CHALLENGE_BREAKER_RESET_TIMEOUT" envDefault:"30s"`
}

// AuditConfig configures the Transition Audit Log. An empty
// DatabaseURL disables it entirely.
type AuditConfig struct {
	DatabaseURL    string `env:"AUDIT_DATABASE_URL"`
	DatabaseDriver string `env:"AUDIT_DATABASE_DRIVER" envDefault:"pgx"`
}

func (c AuditConfig) Enabled() bool { return c.DatabaseURL != "" }

// ArchiveConfig configures the Dead-Letter Archiver. An empty Bucket
// (or Enabled=false) makes it a log-only no-op.
type ArchiveConfig struct {
	Enabled bool   `env:"ARCHIVE_ENABLED" envDefault:"false"`
	Bucket  string `env:"ARCHIVE_BUCKET"`
}

func (c ArchiveConfig) active() bool { return c.Enabled && c.Bucket != "" }

// ObservabilityConfig configures the OpenTelemetry SDK wiring, named
// to match the teacher's own observability config fields.
type ObservabilityConfig struct {
	ServiceName    string `env:"OTEL_SERVICE_NAME" envDefault:"autopilot-scheduler"`
	Enabled        bool   `env:"OTEL_ENABLED" envDefault:"true"`
	CollectorURL   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Headers        string `env:"OTEL_EXPORTER_OTLP_HEADERS"`
}

// Load parses environment variables into a Config, applying
// envDefault tags, then runs Sanitize to clamp out-of-range values.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize clamps values that would otherwise put a subsystem into an
// invalid or pathological state, mirroring the teacher's
// StoragePoolConfig default-filling pattern but applied uniformly
// across every subsystem after environment parsing.
func (c *Config) Sanitize() {
	if c.Scheduler.RetentionWindow <= 0 {
		c.Scheduler.RetentionWindow = 5 * time.Minute
	}
	if c.Scheduler.ReapInterval <= 0 {
		c.Scheduler.ReapInterval = 30 * time.Second
	}
	if c.Recovery.MaxConcurrentPhases <= 0 {
		c.Recovery.MaxConcurrentPhases = 10
	}
	if c.Recovery.MaxPhaseAge <= 0 {
		c.Recovery.MaxPhaseAge = 72 * time.Hour
	}
	if c.App.ShutdownTimeout <= 0 {
		c.App.ShutdownTimeout = 30 * time.Second
	}
}

// ArchiveActive reports whether the archiver should run against a
// real bucket rather than operate as a logging no-op.
func (c Config) ArchiveActive() bool { return c.Archive.active() }

// SchemaRegistryEnabled reports whether bus messages should be framed
// with a resolved schema ID rather than the bare JSON fallback.
func (c Config) SchemaRegistryEnabled() bool { return c.Bus.schemaRegistryEnabled() }
