package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Outcome classifies the result of a single call through a breaker.
//
// Cancelled calls are excluded from the sliding window so caller-side
// cancellation never contributes to the failure rate. Rejected calls never
// reached the operation and are likewise excluded.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
)

// Operation is the opaque backend call wrapped by a breaker.
type Operation func(ctx context.Context) (any, error)

// Fallback produces a substitute result when the breaker rejects a call
// while open. It receives the rejection error for context.
type Fallback func(ctx context.Context, err error) (any, error)

// Stats is a point-in-time snapshot of a breaker's counters.
//
// Counters are monotonic except on Reset and the force operations.
type Stats struct {
	State               State
	TotalRequests       int64
	SuccessfulRequests  int64
	FailedRequests      int64
	TimeoutRequests     int64
	CancelledRequests   int64
	RejectedRequests    int64
	ConsecutiveFailures int
	LastFailureAt       time.Time
	LastSuccessAt       time.Time
	FailureRate         float64
	SuccessRate         float64
}

// StateChangeListener is notified when circuit breaker state changes.
type StateChangeListener interface {
	// OnStateChange is called when a circuit breaker changes state.
	OnStateChange(serviceName string, from State, to State)
}

// HealthStatus is the aggregate view over every breaker in a manager.
type HealthStatus struct {
	Healthy            bool
	OpenServices       []string
	OverallFailureRate float64
	States             map[string]State
}

var (
	// ErrCircuitOpen is the sentinel matched by errors.Is for open-circuit rejections.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyCalls indicates the concurrency cap or half-open trial cap rejected a call.
	ErrTooManyCalls = errors.New("circuit breaker rejected call: too many concurrent calls")

	// ErrCallTimeout is the sentinel matched by errors.Is for call-timeout failures.
	ErrCallTimeout = errors.New("circuit breaker call timed out")

	// ErrBreakerNotFound indicates the manager has no breaker registered under the name.
	ErrBreakerNotFound = errors.New("circuit breaker not found")
)

// OpenError is returned when a breaker rejects a call while open and no
// fallback is configured.
type OpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("service %s is currently unavailable (circuit breaker open, retry after %s)", e.Service, e.RetryAfter)
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// TimeoutError is returned when a wrapped operation exceeds the call timeout.
type TimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("service %s call exceeded timeout of %s", e.Service, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrCallTimeout }
