package circuitbreaker

import "time"

// Config holds circuit breaker configuration for one service.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker waits before admitting trial calls.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes required to close.
	SuccessThreshold int
	// CallTimeout bounds each wrapped call; exceeding it counts as a failure.
	CallTimeout time.Duration
	// FailureRateThreshold trips the breaker when the windowed failure rate
	// reaches this fraction, once MinimumRequests have been observed.
	FailureRateThreshold float64
	// MinimumRequests is the window floor before rate-based tripping applies.
	MinimumRequests int
	// SlidingWindowSize bounds the request-outcome history ring.
	SlidingWindowSize int
	// MaxConcurrentCalls caps simultaneous in-flight calls regardless of state.
	MaxConcurrentCalls int
	// HalfOpenMaxCalls caps concurrent trial calls while half-open.
	HalfOpenMaxCalls int
	// FailurePredicate decides whether an error counts as a breaker failure.
	// Nil means every error counts.
	FailurePredicate func(error) bool
}

// DefaultConfig provides balanced settings for most services.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     15,
		RecoveryTimeout:      2 * time.Minute,
		SuccessThreshold:     3,
		CallTimeout:          30 * time.Second,
		FailureRateThreshold: 0.5,
		MinimumRequests:      10,
		SlidingWindowSize:    100,
		MaxConcurrentCalls:   50,
		HalfOpenMaxCalls:     3,
	}
}

// AggressiveConfig for services requiring fast failure detection.
func AggressiveConfig() Config {
	return Config{
		FailureThreshold:     5,
		RecoveryTimeout:      1 * time.Minute,
		SuccessThreshold:     2,
		CallTimeout:          10 * time.Second,
		FailureRateThreshold: 0.4,
		MinimumRequests:      5,
		SlidingWindowSize:    50,
		MaxConcurrentCalls:   25,
		HalfOpenMaxCalls:     2,
	}
}

// ConservativeConfig for services that should tolerate more failures.
func ConservativeConfig() Config {
	return Config{
		FailureThreshold:     25,
		RecoveryTimeout:      5 * time.Minute,
		SuccessThreshold:     5,
		CallTimeout:          60 * time.Second,
		FailureRateThreshold: 0.6,
		MinimumRequests:      20,
		SlidingWindowSize:    200,
		MaxConcurrentCalls:   100,
		HalfOpenMaxCalls:     5,
	}
}

// BackendConfig optimized for model/provider backends.
// Long call timeout for generation latency, fast tripping on repeated errors.
func BackendConfig() Config {
	return Config{
		FailureThreshold:     5,
		RecoveryTimeout:      30 * time.Second,
		SuccessThreshold:     2,
		CallTimeout:          120 * time.Second,
		FailureRateThreshold: 0.5,
		MinimumRequests:      10,
		SlidingWindowSize:    50,
		MaxConcurrentCalls:   32,
		HalfOpenMaxCalls:     2,
	}
}

// withDefaults fills zero-valued fields so a partially specified Config
// still yields a functioning breaker.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}

	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}

	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}

	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}

	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}

	if c.MinimumRequests <= 0 {
		c.MinimumRequests = def.MinimumRequests
	}

	if c.SlidingWindowSize <= 0 {
		c.SlidingWindowSize = def.SlidingWindowSize
	}

	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = def.MaxConcurrentCalls
	}

	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}

	return c
}
