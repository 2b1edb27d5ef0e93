// Package health is the Health Reporter: it serves GET /healthz and
// GET /readyz on PORT, and nothing else. When PORT is unset the
// server is never started, matching the "HTTP controllers out of
// scope" boundary the core otherwise holds to.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// BusStatus reports the event bus's connectivity, independent of
// mock mode.
type BusStatus struct {
	MockMode  bool
	Connected bool
}

// RegistryStats summarizes the job registry for the failure-rate and
// overdue-ratio thresholds.
type RegistryStats struct {
	TotalJobs     int
	FailedJobs    int
	OverdueJobs   int
}

// Checker supplies the live state the Health Reporter renders; the
// real wiring reads it from the registry, bus client, and recovery
// orchestrator, while tests supply a function-field fake.
type Checker interface {
	BusStatus() BusStatus
	RegistryStats() RegistryStats
	RecoveryStatus() string
}

// Thresholds are the §7 user-visible failure conditions.
type Thresholds struct {
	MaxFailureRate  float64 // default 0.10
	MaxOverdueRatio float64 // default 0.05
	MaxFailedJobs   int     // default 20
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MaxFailureRate <= 0 {
		t.MaxFailureRate = 0.10
	}
	if t.MaxOverdueRatio <= 0 {
		t.MaxOverdueRatio = 0.05
	}
	if t.MaxFailedJobs <= 0 {
		t.MaxFailedJobs = 20
	}
	return t
}

// Reporter serves the two read-only status endpoints.
type Reporter struct {
	checker    Checker
	thresholds Thresholds
	server     *http.Server
	logger     *slog.Logger
}

// New constructs a Reporter bound to addr (":<PORT>"). Call Start to
// begin serving; an empty addr means the caller should not start it.
func New(addr string, checker Checker, thresholds Thresholds, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{checker: checker, thresholds: thresholds.withDefaults(), logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealthz)
	mux.HandleFunc("/readyz", r.handleHealthz)

	r.server = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "health"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return r
}

type statusBody struct {
	Status        string  `json:"status"`
	BusConnected  bool    `json:"busConnected"`
	MockMode      bool    `json:"mockMode"`
	FailureRate   float64 `json:"failureRate"`
	OverdueRatio  float64 `json:"overdueRatio"`
	FailedJobs    int     `json:"failedJobs"`
	Recovery      string  `json:"recoveryStatus"`
}

func (r *Reporter) handleHealthz(w http.ResponseWriter, req *http.Request) {
	bus := r.checker.BusStatus()
	stats := r.checker.RegistryStats()
	recoveryStatus := r.checker.RecoveryStatus()

	var failureRate, overdueRatio float64
	if stats.TotalJobs > 0 {
		failureRate = float64(stats.FailedJobs) / float64(stats.TotalJobs)
		overdueRatio = float64(stats.OverdueJobs) / float64(stats.TotalJobs)
	}

	unhealthy := (!bus.MockMode && !bus.Connected) ||
		failureRate > r.thresholds.MaxFailureRate ||
		overdueRatio > r.thresholds.MaxOverdueRatio ||
		stats.FailedJobs > r.thresholds.MaxFailedJobs ||
		recoveryStatus == "Failed"

	body := statusBody{
		Status: "ok", BusConnected: bus.Connected, MockMode: bus.MockMode,
		FailureRate: failureRate, OverdueRatio: overdueRatio, FailedJobs: stats.FailedJobs,
		Recovery: recoveryStatus,
	}

	status := http.StatusOK
	if unhealthy {
		status = http.StatusServiceUnavailable
		body.Status = "unavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		r.logger.ErrorContext(req.Context(), "failed to write health response", "error", err)
	}
}

// Start begins serving until the process shuts it down. It blocks and
// returns http.ErrServerClosed on a clean Shutdown.
func (r *Reporter) Start() error {
	r.logger.Info("health reporter listening", "addr", r.server.Addr)
	return r.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (r *Reporter) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}
