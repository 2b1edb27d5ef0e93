package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"

	"github.com/rezkam/mono/internal/adjustment"
	"github.com/rezkam/mono/internal/archive"
	"github.com/rezkam/mono/internal/audit"
	"github.com/rezkam/mono/internal/breaker"
	"github.com/rezkam/mono/internal/bus/catalog"
	"github.com/rezkam/mono/internal/bus/codec"
	"github.com/rezkam/mono/internal/bus/egress"
	"github.com/rezkam/mono/internal/bus/ingress"
	"github.com/rezkam/mono/internal/config"
	"github.com/rezkam/mono/internal/domain"
	"github.com/rezkam/mono/internal/health"
	"github.com/rezkam/mono/internal/observability"
	"github.com/rezkam/mono/internal/recovery"
	"github.com/rezkam/mono/internal/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obsCfg := observability.Config{Enabled: cfg.Observability.Enabled, ServiceName: cfg.Observability.ServiceName}

	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	if err := probeBus(ctx, cfg); err != nil {
		return err
	}

	slog.InfoContext(ctx, "starting autopilot scheduler", "mockMode", cfg.Bus.MockMode)

	breakers := breaker.NewManager()
	logBreakerTrip := func(ctx context.Context) func(name string, from, to gobreaker.State) {
		return func(name string, from, to gobreaker.State) {
			slog.WarnContext(ctx, "circuit breaker state change", "breaker", name, "from", from, "to", to)
		}
	}

	var auditStore *audit.Store
	if cfg.Audit.Enabled() {
		auditStore, err = audit.Open(ctx, audit.Config{Driver: cfg.Audit.DatabaseDriver, DSN: cfg.Audit.DatabaseURL}, logger)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer auditStore.Close()
		slog.InfoContext(ctx, "transition audit log enabled", "driver", cfg.Audit.DatabaseDriver)
	} else {
		slog.InfoContext(ctx, "transition audit log disabled")
	}

	var archiveStore *archive.Store
	if cfg.ArchiveActive() {
		archiveStore, err = archive.New(ctx, cfg.Archive.Bucket, logger)
		if err != nil {
			return fmt.Errorf("failed to open archive store: %w", err)
		}
		defer archiveStore.Close()
		slog.InfoContext(ctx, "dead-letter archiver enabled", "bucket", cfg.Archive.Bucket)
	} else {
		slog.InfoContext(ctx, "dead-letter archiver disabled")
	}

	var schemaResolver codec.SchemaIDResolver
	if cfg.SchemaRegistryEnabled() {
		schemaResolver = catalog.NewSchemaRegistryClient(cfg.Bus.SchemaRegistryURL, cfg.Bus.SchemaRegistryUser, cfg.Bus.SchemaRegistryPass, cfg.Bus.ConnectTimeout)
	}
	wireCodec := codec.New(cfg.SchemaRegistryEnabled(), schemaResolver)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Bus.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.ErrorContext(ctx, "failed to close kafka writer", "error", err)
		}
	}()

	producerBreaker := breakers.Get(breaker.ProducerSettings(logBreakerTrip(ctx)))

	var auditSink egress.AuditSink
	if auditStore != nil {
		auditSink = auditStore
	}
	var archiveSink egress.ArchiveSink
	if archiveStore != nil {
		archiveSink = archiveStore
	}

	producer := egress.New(egress.Config{
		PhaseTransitionTopic: cfg.Bus.PhaseTransitionTopic,
		MockMode:             cfg.Bus.MockMode,
	}, writer, wireCodec, producerBreaker, auditSink, archiveSink, logger)

	reg := registry.New(ctx, producer, registry.Config{
		RetentionWindow: cfg.Scheduler.RetentionWindow,
		ReapInterval:    cfg.Scheduler.ReapInterval,
		Logger:          logger,
	})
	defer reg.Close()

	engine := adjustment.New(reg)

	router := ingress.New(ingress.Config{
		PhaseTransitionTopic: cfg.Bus.PhaseTransitionTopic,
		ChallengeUpdateTopic: cfg.Bus.ChallengeUpdateTopic,
		CommandTopic:         cfg.Bus.CommandTopic,
	}, reg, engine, producer, logger)

	checker := &healthChecker{registry: reg, mockMode: cfg.Bus.MockMode, recoveryStatus: string(recovery.StatusDisabled)}

	if cfg.Recovery.ChallengeServiceURL != "" {
		catalogBreaker := breakers.Get(breaker.RecoverySettings(logBreakerTrip(ctx)))
		catalogClient := catalog.New(cfg.Recovery.ChallengeServiceURL, cfg.Recovery.ChallengeServiceTimeout, catalogBreaker)

		var summaryArchiver recovery.SummaryArchiver
		if archiveStore != nil {
			summaryArchiver = archiveStore
		}
		var recoveryAudit recovery.AuditSink
		if auditStore != nil {
			recoveryAudit = auditStore
		}

		orchestrator := recovery.New(catalogClient, reg, producer, recoveryAudit, summaryArchiver, nil, recovery.Config{
			MaxPhaseAge:          cfg.Recovery.MaxPhaseAge,
			MaxConcurrentPhases:  cfg.Recovery.MaxConcurrentPhases,
			ProcessOverduePhases: cfg.Recovery.ProcessOverduePhases,
			MinProjectID:         cfg.Recovery.MinProjectID,
			MaxProjectID:         cfg.Recovery.MaxProjectID,
			AllowedProjectStatus: cfg.Recovery.AllowedProjectStatus,
			FailOnError:          cfg.Recovery.FailOnError,
		}, logger)

		slog.InfoContext(ctx, "running startup recovery")
		if err := orchestrator.ExecuteStartupRecovery(ctx); err != nil {
			return fmt.Errorf("startup recovery failed: %w", err)
		}
		checker.recovery = orchestrator
	} else {
		slog.InfoContext(ctx, "recovery disabled: no CHALLENGE_SERVICE_URL configured")
	}

	errResult := make(chan error, 1)

	var readers []*kafka.Reader
	if !cfg.Bus.MockMode && len(cfg.Bus.Brokers) > 0 {
		for _, topic := range []string{cfg.Bus.ChallengeUpdateTopic, cfg.Bus.CommandTopic} {
			r := kafka.NewReader(kafka.ReaderConfig{
				Brokers: cfg.Bus.Brokers,
				Topic:   topic,
				GroupID: "autopilot-scheduler",
			})
			readers = append(readers, r)
			go consumeLoop(ctx, r, router, errResult)
		}
		checker.busConnected = true
	} else {
		slog.InfoContext(ctx, "bus consumers disabled", "mockMode", cfg.Bus.MockMode)
	}
	defer func() {
		for _, r := range readers {
			if err := r.Close(); err != nil {
				slog.ErrorContext(ctx, "failed to close kafka reader", "topic", r.Config().Topic, "error", err)
			}
		}
	}()

	var reporter *health.Reporter
	if cfg.App.Port != "" {
		reporter = health.New(":"+cfg.App.Port, checker, health.Thresholds{}, logger)
		go func() {
			if err := reporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errResult <- fmt.Errorf("health reporter failed: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")

		shutdownCtx, cancel := newShutdownContext(cfg.App.ShutdownTimeout)
		defer cancel()

		if reporter != nil {
			if err := reporter.Shutdown(shutdownCtx); err != nil {
				slog.WarnContext(shutdownCtx, "health reporter shutdown timed out", "error", err)
			}
		}
		return nil
	case err := <-errResult:
		return err
	}
}

// healthChecker adapts the registry, bus connectivity, and recovery
// orchestrator to health.Checker. Its fields are set once during
// startup, before any goroutine that could read them concurrently is
// spawned, so it carries no lock of its own.
type healthChecker struct {
	registry       *registry.Registry
	mockMode       bool
	busConnected   bool
	recovery       *recovery.Orchestrator
	recoveryStatus string
}

func (c *healthChecker) BusStatus() health.BusStatus {
	return health.BusStatus{MockMode: c.mockMode, Connected: c.busConnected}
}

func (c *healthChecker) RegistryStats() health.RegistryStats {
	jobs := c.registry.ListAll()
	stats := health.RegistryStats{TotalJobs: len(jobs)}
	now := time.Now()
	for _, j := range jobs {
		if j.Status == domain.StatusFailed {
			stats.FailedJobs++
		}
		if j.Status == domain.StatusScheduled && j.ScheduledTime.Before(now) {
			stats.OverdueJobs++
		}
	}
	return stats
}

func (c *healthChecker) RecoveryStatus() string {
	if c.recovery == nil {
		return c.recoveryStatus
	}
	return string(c.recovery.Metrics().Status)
}

// consumeLoop reads messages from r until ctx is cancelled, handing
// each to router. A handler failure is forwarded to the dead letter
// queue by the router itself; offsets always advance.
func consumeLoop(ctx context.Context, r *kafka.Reader, router *ingress.Router, errResult chan<- error) {
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			errResult <- fmt.Errorf("kafka reader %s: %w", r.Config().Topic, err)
			return
		}
		router.HandleMessage(ctx, msg.Topic, msg.Value)
	}
}

// busProbeTimeout bounds how long the startup connectivity probe waits
// to dial the first broker.
const busProbeTimeout = 500 * time.Millisecond

// probeBus dials the first configured broker before the service
// commits to real mode. A reachable broker is a no-op; an unreachable
// one demotes the service to mock mode everywhere except production,
// where it is a fatal startup error.
func probeBus(ctx context.Context, cfg *config.Config) error {
	if cfg.Bus.MockMode || len(cfg.Bus.Brokers) == 0 {
		return nil
	}

	d := net.Dialer{Timeout: busProbeTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Bus.Brokers[0])
	if err == nil {
		conn.Close()
		return nil
	}

	if cfg.App.IsProduction() {
		return fmt.Errorf("bus connectivity probe failed for %s: %w", cfg.Bus.Brokers[0], err)
	}

	slog.WarnContext(ctx, "bus connectivity probe failed, falling back to mock mode",
		"broker", cfg.Bus.Brokers[0], "error", err)
	cfg.Bus.MockMode = true
	return nil
}

// newShutdownContext creates a fresh context with timeout for graceful
// shutdown operations, since the main context is already cancelled by
// the time shutdown begins.
func newShutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
