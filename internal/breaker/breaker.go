// Package breaker is the shared resilience primitive every outbound
// call site (egress, recovery's catalog fetch, the challenge client)
// wraps itself in. It adapts github.com/sony/gobreaker's (non-generic
// v1) circuit breaker to the four named parameters the rest of the system
// reasons about: failureThreshold (N), resetTimeout (T),
// operationTimeout (O) and successThreshold (S).
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rezkam/mono/internal/domain"
)

// Settings configures one named breaker instance.
type Settings struct {
	Name             string
	FailureThreshold uint32        // N: consecutive failures before tripping to Open
	ResetTimeout     time.Duration // T: time in Open before a trial call is admitted
	OperationTimeout time.Duration // O: per-call deadline enforced around the wrapped function
	SuccessThreshold uint32        // S: consecutive HalfOpen successes required to close
	OnStateChange    func(name string, from, to gobreaker.State)
	// ErrorFilter decides which errors count toward N. Nil counts every
	// non-nil error. A caller that wraps its own errors with
	// domain.Transient before returning from Execute's fn can pass
	// domain.IsRetryable here to exclude errors the caller judged
	// permanent (e.g. bad input) from tripping the breaker.
	ErrorFilter func(err error) bool
}

// ProducerSettings are the Event Egress Producer's defaults (10/45s).
// Only errors the producer marked transient (domain.Transient) count
// toward tripping; a permanently-failing payload (bad schema, etc.)
// shouldn't trip a breaker meant to detect an unreachable broker.
func ProducerSettings(onStateChange func(name string, from, to gobreaker.State)) Settings {
	return Settings{Name: "egress-producer", FailureThreshold: 10, ResetTimeout: 45 * time.Second, OperationTimeout: 30 * time.Second, SuccessThreshold: 2, OnStateChange: onStateChange, ErrorFilter: domain.IsRetryable}
}

// SchedulerSettings guard the Job Registry's own arm/release calls
// (5/60s). The in-memory timer engine has no fallible external
// resource to protect today; this preset exists so a future backing
// store for armed timers can be wrapped without inventing new
// defaults.
func SchedulerSettings(onStateChange func(name string, from, to gobreaker.State)) Settings {
	return Settings{Name: "job-registry", FailureThreshold: 5, ResetTimeout: 60 * time.Second, OperationTimeout: 10 * time.Second, SuccessThreshold: 2, OnStateChange: onStateChange}
}

// RecoverySettings guard the startup catalog fetch (3/120s).
func RecoverySettings(onStateChange func(name string, from, to gobreaker.State)) Settings {
	return Settings{Name: "recovery-catalog", FailureThreshold: 3, ResetTimeout: 120 * time.Second, OperationTimeout: 30 * time.Second, SuccessThreshold: 2, OnStateChange: onStateChange}
}

// ChallengeCatalogSettings guard the on-demand challenge catalog client (5/30s).
func ChallengeCatalogSettings(onStateChange func(name string, from, to gobreaker.State)) Settings {
	return Settings{Name: "challenge-catalog", FailureThreshold: 5, ResetTimeout: 30 * time.Second, OperationTimeout: 30 * time.Second, SuccessThreshold: 2, OnStateChange: onStateChange}
}

// Breaker wraps a single gobreaker.CircuitBreaker and enforces
// OperationTimeout around the wrapped call.
type Breaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewBreaker constructs a standalone breaker outside a Manager, for
// call sites and tests that don't need name-based sharing.
func NewBreaker(s Settings) *Breaker { return newBreaker(s) }

func newBreaker(s Settings) *Breaker {
	gs := gobreaker.Settings{
		Name:    s.Name,
		Timeout: s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if s.OnStateChange != nil {
				s.OnStateChange(name, from, to)
			}
		},
	}
	if s.ErrorFilter != nil {
		gs.IsSuccessful = func(err error) bool {
			if err == nil {
				return true
			}
			return !s.ErrorFilter(err)
		}
	}
	if s.SuccessThreshold > 0 {
		gs.MaxRequests = s.SuccessThreshold
	}
	return &Breaker{name: s.Name, timeout: s.OperationTimeout, cb: gobreaker.NewCircuitBreaker(gs)}
}

// Execute runs fn through the breaker, bounding it by the configured
// operation timeout. A rejection while Open returns gobreaker.ErrOpenState
// without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		callCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	return err
}

// State reports the breaker's current state, for health/metrics reporting.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.name }

// Manager lazily creates and memoizes named breakers so every call
// site shares one instance (and therefore one failure count) per name.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for settings.Name, creating it on first use.
func (m *Manager) Get(settings Settings) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[settings.Name]; ok {
		return b
	}
	b := newBreaker(settings)
	m.breakers[settings.Name] = b
	return b
}

// States returns a snapshot of every known breaker's current state,
// keyed by name, for the health reporter and metrics export.
func (m *Manager) States() map[string]gobreaker.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]gobreaker.State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
