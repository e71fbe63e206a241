package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-resilience/log"
	"github.com/LerianStudio/lib-resilience/metrics"
)

// Manager manages circuit breakers for backend services.
type Manager interface {
	// GetOrCreate returns the existing breaker or creates a new one.
	// Idempotent by service name; options apply only on first creation.
	GetOrCreate(serviceName string, config Config, opts ...BreakerOption) *Breaker

	// Get returns a registered breaker.
	Get(serviceName string) (*Breaker, bool)

	// Execute runs an operation through the named circuit breaker.
	Execute(ctx context.Context, serviceName string, op Operation) (any, error)

	// State returns the current state.
	State(serviceName string) State

	// Stats returns the current stats snapshot for a circuit breaker.
	Stats(serviceName string) Stats

	// AllStats returns stats for every registered breaker.
	AllStats() map[string]Stats

	// HealthStatus returns the aggregate health view.
	HealthStatus() HealthStatus

	// IsHealthy returns true if the breaker is closed.
	IsHealthy(serviceName string) bool

	// Reset resets a circuit breaker to closed state with zeroed counters.
	Reset(serviceName string)

	// ResetAll resets every registered breaker.
	ResetAll()

	// ForceOpenAll trips every registered breaker. Test/ops tooling.
	ForceOpenAll()

	// RegisterStateChangeListener registers a listener for state changes.
	RegisterStateChangeListener(listener StateChangeListener)
}

// defaultReportingThreshold is the overall failure rate above which the
// aggregate health status reports unhealthy even with no open breaker.
const defaultReportingThreshold = 0.5

type manager struct {
	breakers           map[string]*Breaker
	listeners          []StateChangeListener
	mu                 sync.RWMutex
	logger             log.Logger
	metricsFactory     *metrics.MetricsFactory
	clock              func() time.Time
	reportingThreshold float64
}

// ManagerOption customizes a manager.
type ManagerOption func(*manager)

// WithMetricsFactory wires execution and state-transition metrics.
// A nil factory disables metrics without error.
func WithMetricsFactory(factory *metrics.MetricsFactory) ManagerOption {
	return func(m *manager) {
		m.metricsFactory = factory
	}
}

// WithClock overrides the time source for every breaker the manager creates.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithReportingThreshold sets the aggregate failure rate above which
// HealthStatus reports unhealthy.
func WithReportingThreshold(threshold float64) ManagerOption {
	return func(m *manager) {
		m.reportingThreshold = threshold
	}
}

// ErrInvalidReportingThreshold indicates the threshold must be in (0, 1].
var ErrInvalidReportingThreshold = errors.New("circuitbreaker: reporting threshold must be in (0, 1]")

// NewManager creates a new circuit breaker manager.
//
//nolint:ireturn
func NewManager(logger log.Logger, opts ...ManagerOption) (Manager, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	m := &manager{
		breakers:           make(map[string]*Breaker),
		listeners:          make([]StateChangeListener, 0),
		logger:             logger,
		clock:              time.Now,
		reportingThreshold: defaultReportingThreshold,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.reportingThreshold <= 0 || m.reportingThreshold > 1 {
		return nil, ErrInvalidReportingThreshold
	}

	return m, nil
}

func (m *manager) GetOrCreate(serviceName string, config Config, opts ...BreakerOption) *Breaker {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if exists {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists = m.breakers[serviceName]; exists {
		return breaker
	}

	allOpts := make([]BreakerOption, 0, len(opts)+3)
	allOpts = append(allOpts,
		WithBreakerLogger(m.logger),
		WithBreakerClock(m.clock),
		withChangeHook(m.handleStateChange),
	)
	allOpts = append(allOpts, opts...)

	breaker = NewBreaker(serviceName, config, allOpts...)
	m.breakers[serviceName] = breaker

	m.logger.Log(context.Background(), log.LevelInfo, "created circuit breaker",
		log.String("service", serviceName))

	return breaker
}

func (m *manager) Get(serviceName string) (*Breaker, bool) {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	return breaker, exists
}

func (m *manager) Execute(ctx context.Context, serviceName string, op Operation) (any, error) {
	breaker, exists := m.Get(serviceName)
	if !exists {
		return nil, fmt.Errorf("%w: %s (call GetOrCreate first)", ErrBreakerNotFound, serviceName)
	}

	start := m.clock()
	result, err := breaker.Execute(ctx, op)
	elapsed := m.clock().Sub(start)

	m.recordExecution(ctx, serviceName, err, elapsed)

	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			m.logger.Log(ctx, log.LevelWarn, "circuit breaker rejected request",
				log.String("service", serviceName), log.String("state", string(StateOpen)))
		}

		if errors.Is(err, ErrTooManyCalls) {
			m.logger.Log(ctx, log.LevelWarn, "circuit breaker throttled request",
				log.String("service", serviceName))
		}
	}

	return result, err
}

func (m *manager) State(serviceName string) State {
	breaker, exists := m.Get(serviceName)
	if !exists {
		return StateUnknown
	}

	return breaker.State()
}

func (m *manager) Stats(serviceName string) Stats {
	breaker, exists := m.Get(serviceName)
	if !exists {
		return Stats{State: StateUnknown}
	}

	return breaker.Stats()
}

func (m *manager) AllStats() map[string]Stats {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))

	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	all := make(map[string]Stats, len(breakers))
	for _, breaker := range breakers {
		all[breaker.Name()] = breaker.Stats()
	}

	return all
}

func (m *manager) HealthStatus() HealthStatus {
	all := m.AllStats()

	status := HealthStatus{
		Healthy: true,
		States:  make(map[string]State, len(all)),
	}

	var counted, failed int64

	for name, stats := range all {
		status.States[name] = stats.State

		if stats.State == StateOpen {
			status.Healthy = false
			status.OpenServices = append(status.OpenServices, name)
		}

		counted += stats.SuccessfulRequests + stats.FailedRequests
		failed += stats.FailedRequests
	}

	if counted > 0 {
		status.OverallFailureRate = float64(failed) / float64(counted)
		if status.OverallFailureRate >= m.reportingThreshold {
			status.Healthy = false
		}
	}

	return status
}

func (m *manager) IsHealthy(serviceName string) bool {
	// Only the closed state counts as healthy; open and half-open both need
	// recovery before normal traffic resumes.
	return m.State(serviceName) == StateClosed
}

func (m *manager) Reset(serviceName string) {
	breaker, exists := m.Get(serviceName)
	if !exists {
		return
	}

	m.logger.Log(context.Background(), log.LevelInfo, "resetting circuit breaker",
		log.String("service", serviceName))
	breaker.Reset()
}

func (m *manager) ResetAll() {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))

	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	for _, breaker := range breakers {
		breaker.Reset()
	}

	m.logger.Log(context.Background(), log.LevelInfo, "reset all circuit breakers",
		log.Int("count", len(breakers)))
}

func (m *manager) ForceOpenAll() {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))

	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	m.mu.RUnlock()

	for _, breaker := range breakers {
		breaker.ForceOpen()
	}

	m.logger.Log(context.Background(), log.LevelWarn, "forced open all circuit breakers",
		log.Int("count", len(breakers)))
}

// RegisterStateChangeListener registers a listener for state change notifications.
func (m *manager) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		m.logger.Log(context.Background(), log.LevelWarn, "attempted to register a nil state change listener")

		return
	}

	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	total := len(m.listeners)
	m.mu.Unlock()

	m.logger.Log(context.Background(), log.LevelDebug, "registered state change listener",
		log.Int("total", total))
}

// handleStateChange processes state changes and notifies listeners.
func (m *manager) handleStateChange(serviceName string, from, to State) {
	ctx := context.Background()

	switch to {
	case StateOpen:
		m.logger.Log(ctx, log.LevelError, "circuit breaker opened",
			log.String("service", serviceName), log.String("from", string(from)))
	case StateHalfOpen:
		m.logger.Log(ctx, log.LevelInfo, "circuit breaker half-open, testing recovery",
			log.String("service", serviceName))
	case StateClosed:
		m.logger.Log(ctx, log.LevelInfo, "circuit breaker closed",
			log.String("service", serviceName), log.String("from", string(from)))
	}

	m.recordTransition(ctx, serviceName, from, to)

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		// Notify in goroutine to avoid blocking circuit breaker operations
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Log(context.Background(), log.LevelError, "state change listener panicked",
						log.String("service", serviceName), log.Any("panic", r))
				}
			}()

			l.OnStateChange(serviceName, from, to)
		}(listener)
	}
}

func (m *manager) recordExecution(ctx context.Context, serviceName string, err error, elapsed time.Duration) {
	if m.metricsFactory == nil {
		return
	}

	outcome := "success"

	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		outcome = "open"
	case errors.Is(err, ErrCallTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrTooManyCalls):
		outcome = "rejected"
	default:
		outcome = "error"
	}

	if counter, cErr := m.metricsFactory.Counter(metrics.MetricBackendCalls); cErr == nil {
		_ = counter.WithLabels(map[string]string{
			"service": serviceName,
			"outcome": outcome,
		}).AddOne(ctx)
	}

	if histogram, hErr := m.metricsFactory.Histogram(metrics.MetricBackendLatency); hErr == nil {
		_ = histogram.WithLabels(map[string]string{
			"service": serviceName,
		}).Record(ctx, elapsed.Milliseconds())
	}
}

func (m *manager) recordTransition(ctx context.Context, serviceName string, from, to State) {
	if m.metricsFactory == nil {
		return
	}

	if counter, err := m.metricsFactory.Counter(metrics.MetricCircuitTransitions); err == nil {
		_ = counter.WithLabels(map[string]string{
			"service": serviceName,
			"from":    string(from),
			"to":      string(to),
		}).AddOne(ctx)
	}
}
