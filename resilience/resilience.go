package resilience

import (
	"errors"
	"time"

	"github.com/LerianStudio/lib-resilience/circuitbreaker"
)

// Strategy names an execution policy applied to one backend call.
type Strategy string

const (
	// StrategyFailFast invokes the operation once and propagates any error.
	StrategyFailFast Strategy = "fail_fast"
	// StrategyGracefulDegrade invokes the fallback when the primary fails.
	StrategyGracefulDegrade Strategy = "graceful_degrade"
	// StrategyRetry retries with capped exponential backoff.
	StrategyRetry Strategy = "retry"
	// StrategyCircuitBreaker delegates to the named circuit breaker.
	StrategyCircuitBreaker Strategy = "circuit_breaker"
	// StrategyAdaptiveRouting gates the call on tracked service health and
	// adjusts the service's routing weight from the outcome.
	StrategyAdaptiveRouting Strategy = "adaptive_routing"
)

// ErrUnknownStrategy is returned for a Strategy value Execute does not know.
var ErrUnknownStrategy = errors.New("unknown resilience strategy")

// ErrServiceDegraded is returned by adaptive routing when a service's
// tracked health is below threshold and no fallback is configured.
var ErrServiceDegraded = errors.New("service degraded")

// StepResult is the outcome of one orchestrated execution. Err is nil on
// success; failures carry the strategy and service that produced them so
// callers never need to re-derive context from the error chain.
type StepResult struct {
	Strategy Strategy
	Service  string
	Elapsed  time.Duration
	Value    any
	Err      error
}

// Success reports whether the step completed without error.
func (r StepResult) Success() bool { return r.Err == nil }

// Config tunes retry, health evaluation, and weight adaptation. Zero fields
// take defaults from withDefaults.
type Config struct {
	// Retry strategy bounds.
	MaxRetryAttempts int
	BaseRetryDelay   time.Duration
	MaxRetryDelay    time.Duration
	// RetryJitter spreads each delay over [delay/2, delay*3/2).
	RetryJitter bool

	// CircuitConfig is applied when the circuit-breaker strategy creates a
	// breaker lazily for a service.
	CircuitConfig circuitbreaker.Config

	// Health loop evaluation.
	HealthCheckInterval    time.Duration
	HealthSuccessThreshold float64
	HealthLatencyThreshold time.Duration

	// Routing weight clamp for adaptive routing.
	RoutingWeightMin float64
	RoutingWeightMax float64

	// ShutdownTimeout bounds how long Stop waits for the health loop.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the standard orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:       3,
		BaseRetryDelay:         100 * time.Millisecond,
		MaxRetryDelay:          5 * time.Second,
		RetryJitter:            true,
		CircuitConfig:          circuitbreaker.DefaultConfig(),
		HealthCheckInterval:    30 * time.Second,
		HealthSuccessThreshold: 0.8,
		HealthLatencyThreshold: 5 * time.Second,
		RoutingWeightMin:       0.1,
		RoutingWeightMax:       2.0,
		ShutdownTimeout:        5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = def.MaxRetryAttempts
	}

	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = def.BaseRetryDelay
	}

	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}

	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}

	if c.HealthSuccessThreshold <= 0 || c.HealthSuccessThreshold > 1 {
		c.HealthSuccessThreshold = def.HealthSuccessThreshold
	}

	if c.HealthLatencyThreshold <= 0 {
		c.HealthLatencyThreshold = def.HealthLatencyThreshold
	}

	if c.RoutingWeightMin <= 0 {
		c.RoutingWeightMin = def.RoutingWeightMin
	}

	if c.RoutingWeightMax <= c.RoutingWeightMin {
		c.RoutingWeightMax = def.RoutingWeightMax
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}

	return c
}
