package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-resilience/backoff"
	"github.com/LerianStudio/lib-resilience/circuitbreaker"
	"github.com/LerianStudio/lib-resilience/log"
)

// Orchestrator composes circuit breaking, retries, degradation, and
// health-weighted adaptive routing over a pool of named backend services.
// One instance serves the whole process; all methods are safe for
// concurrent use.
type Orchestrator struct {
	config   Config
	breakers circuitbreaker.Manager
	logger   log.Logger
	clock    func() time.Time

	mu       sync.Mutex
	services map[string]*serviceHealth

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

const latencySampleSize = 64

// serviceHealth tracks windowed outcomes for one backend service.
type serviceHealth struct {
	successes int64
	failures  int64

	// Bounded ring of recent call latencies.
	latencies    []time.Duration
	latencyNext  int
	latencyCount int

	weight    float64
	healthy   bool
	lastCheck time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithOrchestratorClock overrides the time source, mainly for tests.
func WithOrchestratorClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// New creates an Orchestrator over an existing circuit breaker manager.
// The background health loop does not run until Start is called.
func New(logger log.Logger, breakers circuitbreaker.Manager, config Config, opts ...Option) (*Orchestrator, error) {
	if breakers == nil {
		return nil, fmt.Errorf("resilience: nil circuit breaker manager")
	}

	if logger == nil {
		logger = log.NewNop()
	}

	o := &Orchestrator{
		config:   config.withDefaults(),
		breakers: breakers,
		logger:   logger.WithGroup("resilience"),
		clock:    time.Now,
		services: make(map[string]*serviceHealth),
		stopChan: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// Execute runs the operation for a service under the chosen strategy. The
// outcome is always recorded into the service's health tracker, whichever
// strategy ran.
func (o *Orchestrator) Execute(ctx context.Context, strategy Strategy, service string, op circuitbreaker.Operation, fallback circuitbreaker.Fallback) StepResult {
	start := o.clock()

	var (
		value any
		err   error
	)

	switch strategy {
	case StrategyFailFast:
		value, err = op(ctx)
	case StrategyGracefulDegrade:
		value, err = o.gracefulDegrade(ctx, op, fallback)
	case StrategyRetry:
		value, err = o.retry(ctx, service, op)
	case StrategyCircuitBreaker:
		value, err = o.circuitBreaker(ctx, service, op, fallback)
	case StrategyAdaptiveRouting:
		value, err = o.adaptiveRouting(ctx, service, op, fallback)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	elapsed := o.clock().Sub(start)
	o.recordOutcome(service, err == nil, elapsed)

	return StepResult{
		Strategy: strategy,
		Service:  service,
		Elapsed:  elapsed,
		Value:    value,
		Err:      err,
	}
}

func (o *Orchestrator) gracefulDegrade(ctx context.Context, op circuitbreaker.Operation, fallback circuitbreaker.Fallback) (any, error) {
	value, err := op(ctx)
	if err == nil || fallback == nil {
		return value, err
	}

	return fallback(ctx, err)
}

func (o *Orchestrator) retry(ctx context.Context, service string, op circuitbreaker.Operation) (any, error) {
	var lastErr error

	for attempt := 0; attempt < o.config.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff.ExponentialCapped(o.config.BaseRetryDelay, attempt-1, o.config.MaxRetryDelay)
			if o.config.RetryJitter {
				delay = backoff.EqualJitter(delay)
			}

			if err := backoff.SleepWithContext(ctx, delay); err != nil {
				return nil, err
			}
		}

		value, err := op(ctx)
		if err == nil {
			return value, nil
		}

		lastErr = err

		o.logger.Log(ctx, log.LevelDebug, "retry attempt failed",
			log.String("service", service),
			log.Int("attempt", attempt+1),
			log.Err(err),
		)
	}

	return nil, lastErr
}

func (o *Orchestrator) circuitBreaker(ctx context.Context, service string, op circuitbreaker.Operation, fallback circuitbreaker.Fallback) (any, error) {
	var opts []circuitbreaker.BreakerOption
	if fallback != nil {
		opts = append(opts, circuitbreaker.WithFallback(fallback))
	}

	breaker := o.breakers.GetOrCreate(service, o.config.CircuitConfig, opts...)

	return breaker.Execute(ctx, op)
}

func (o *Orchestrator) adaptiveRouting(ctx context.Context, service string, op circuitbreaker.Operation, fallback circuitbreaker.Fallback) (any, error) {
	if !o.serviceUsable(service) {
		if fallback != nil {
			return fallback(ctx, fmt.Errorf("%w: %s", ErrServiceDegraded, service))
		}

		return nil, fmt.Errorf("%w: %s", ErrServiceDegraded, service)
	}

	start := o.clock()
	value, err := op(ctx)
	elapsed := o.clock().Sub(start)

	slow := elapsed > o.config.HealthLatencyThreshold
	o.adjustWeight(service, err == nil && !slow)

	return value, err
}

// serviceUsable treats unknown services as usable so a new backend gets a
// chance to accumulate a window before being judged.
func (o *Orchestrator) serviceUsable(service string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, ok := o.services[service]
	if !ok || state.successes+state.failures == 0 {
		return true
	}

	return state.evaluate(o.config)
}

// adjustWeight nudges the routing weight up on healthy successes and down
// on failures or slow calls, clamped to the configured range.
func (o *Orchestrator) adjustWeight(service string, good bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.serviceLocked(service)

	if good {
		state.weight *= 1.1
	} else {
		state.weight *= 0.9
	}

	if state.weight < o.config.RoutingWeightMin {
		state.weight = o.config.RoutingWeightMin
	}

	if state.weight > o.config.RoutingWeightMax {
		state.weight = o.config.RoutingWeightMax
	}
}

// RoutingWeight returns the current adaptive weight for a service. Unknown
// services report the neutral weight 1.0.
func (o *Orchestrator) RoutingWeight(service string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, ok := o.services[service]
	if !ok {
		return 1.0
	}

	return state.weight
}

func (o *Orchestrator) recordOutcome(service string, success bool, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.serviceLocked(service)

	if success {
		state.successes++
	} else {
		state.failures++
	}

	state.latencies[state.latencyNext] = elapsed
	state.latencyNext = (state.latencyNext + 1) % len(state.latencies)

	if state.latencyCount < len(state.latencies) {
		state.latencyCount++
	}
}

func (o *Orchestrator) serviceLocked(service string) *serviceHealth {
	state, ok := o.services[service]
	if !ok {
		state = &serviceHealth{
			latencies: make([]time.Duration, latencySampleSize),
			weight:    1.0,
			healthy:   true,
		}
		o.services[service] = state
	}

	return state
}

func (s *serviceHealth) successRate() float64 {
	total := s.successes + s.failures
	if total == 0 {
		return 1.0
	}

	return float64(s.successes) / float64(total)
}

func (s *serviceHealth) avgLatency() time.Duration {
	if s.latencyCount == 0 {
		return 0
	}

	var sum time.Duration
	for i := 0; i < s.latencyCount; i++ {
		sum += s.latencies[i]
	}

	return sum / time.Duration(s.latencyCount)
}

func (s *serviceHealth) evaluate(cfg Config) bool {
	return s.successRate() >= cfg.HealthSuccessThreshold &&
		s.avgLatency() <= cfg.HealthLatencyThreshold
}

// ServiceHealth is a point-in-time snapshot of one tracked service.
type ServiceHealth struct {
	Service       string
	Healthy       bool
	SuccessRate   float64
	AvgLatency    time.Duration
	RoutingWeight float64
	LastCheck     time.Time
}

// HealthSnapshot returns the tracked state of every known service.
func (o *Orchestrator) HealthSnapshot() map[string]ServiceHealth {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]ServiceHealth, len(o.services))
	for name, state := range o.services {
		out[name] = ServiceHealth{
			Service:       name,
			Healthy:       state.healthy,
			SuccessRate:   state.successRate(),
			AvgLatency:    state.avgLatency(),
			RoutingWeight: state.weight,
			LastCheck:     state.lastCheck,
		}
	}

	return out
}
