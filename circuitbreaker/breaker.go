package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-resilience/log"
)

// Breaker wraps one backend operation with sliding-window failure detection
// and half-open recovery.
//
// All state transitions are serialized under the breaker's own lock, so
// concurrent callers observe a single consistent state sequence. The lock is
// never held across the wrapped operation.
type Breaker struct {
	name     string
	config   Config
	logger   log.Logger
	clock    func() time.Time
	onChange func(name string, from, to State)
	fallback Fallback

	// sem caps in-flight calls regardless of state.
	sem chan struct{}

	mu                  sync.Mutex
	state               State
	openedAt            time.Time
	halfOpenInFlight    int
	halfOpenSuccesses   int
	consecutiveFailures int

	// window is a ring of the most recent call outcomes. Cancelled and
	// rejected calls are never pushed so they cannot skew the failure rate.
	window      []Outcome
	windowNext  int
	windowCount int

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	timeoutRequests    int64
	cancelledRequests  int64
	rejectedRequests   int64
	lastFailureAt      time.Time
	lastSuccessAt      time.Time
}

// BreakerOption customizes a single breaker.
type BreakerOption func(*Breaker)

// WithFallback configures a fallback operation invoked instead of returning
// an OpenError when the breaker rejects a call while open.
func WithFallback(fb Fallback) BreakerOption {
	return func(b *Breaker) {
		b.fallback = fb
	}
}

// WithBreakerClock overrides the time source. Used by tests to drive the
// recovery timeout with a simulated clock.
func WithBreakerClock(clock func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithBreakerLogger sets the breaker's logger.
func WithBreakerLogger(logger log.Logger) BreakerOption {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// withChangeHook installs the manager's transition callback.
func withChangeHook(hook func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) {
		b.onChange = hook
	}
}

// NewBreaker creates a closed breaker for the named service.
func NewBreaker(name string, config Config, opts ...BreakerOption) *Breaker {
	config = config.withDefaults()

	b := &Breaker{
		name:   name,
		config: config,
		logger: log.NewNop(),
		clock:  time.Now,
		state:  StateClosed,
		sem:    make(chan struct{}, config.MaxConcurrentCalls),
		window: make([]Outcome, config.SlidingWindowSize),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Name returns the breaker's registry key.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the timed open-to-half-open
// transition if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Execute runs the operation through the breaker.
//
// It fails with an OpenError (or returns the fallback result) while open,
// with a TimeoutError when CallTimeout is exceeded, with ErrTooManyCalls
// when the concurrency cap or half-open trial cap rejects the call, and
// with the operation's own error otherwise.
func (b *Breaker) Execute(ctx context.Context, op Operation) (any, error) {
	select {
	case b.sem <- struct{}{}:
	default:
		b.recordRejected()

		return nil, fmt.Errorf("service %s: %w", b.name, ErrTooManyCalls)
	}
	defer func() { <-b.sem }()

	admittedHalfOpen, admitErr := b.admit(ctx)
	if admitErr != nil {
		var fb *fallbackResult
		if errors.As(admitErr, &fb) {
			return fb.value, nil
		}

		return nil, admitErr
	}

	value, outcome, err := b.run(ctx, op)
	b.record(outcome, admittedHalfOpen)

	return value, err
}

// admit decides whether the call may proceed given the current state.
// Returns whether the call was admitted as a half-open trial.
func (b *Breaker) admit(ctx context.Context) (bool, error) {
	b.mu.Lock()

	now := b.clock()

	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.config.RecoveryTimeout {
			b.rejectedRequests++
			retryAfter := b.config.RecoveryTimeout - elapsed
			b.mu.Unlock()

			openErr := &OpenError{Service: b.name, RetryAfter: retryAfter}
			if b.fallback != nil {
				value, fbErr := b.fallback(ctx, openErr)
				if fbErr != nil {
					return false, fmt.Errorf("fallback for service %s failed: %w", b.name, fbErr)
				}

				return false, &fallbackResult{value: value}
			}

			return false, openErr
		}

		// Recovery timeout elapsed: this call becomes the first trial.
		b.transitionLocked(StateHalfOpen, now)
		b.halfOpenInFlight = 1
		b.mu.Unlock()

		return true, nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.HalfOpenMaxCalls {
			b.rejectedRequests++
			b.mu.Unlock()

			return false, fmt.Errorf("service %s is recovering: %w", b.name, ErrTooManyCalls)
		}

		b.halfOpenInFlight++
		b.mu.Unlock()

		return true, nil

	default:
		b.mu.Unlock()

		return false, nil
	}
}

// fallbackResult smuggles a fallback value through the admit error path.
type fallbackResult struct{ value any }

func (f *fallbackResult) Error() string { return "fallback result" }

// run executes the operation raced against the call timeout.
func (b *Breaker) run(ctx context.Context, op Operation) (any, Outcome, error) {
	callCtx := ctx

	var cancel context.CancelFunc
	if b.config.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	type callResult struct {
		value any
		err   error
	}

	done := make(chan callResult, 1)

	go func() {
		value, err := op(callCtx)
		done <- callResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.value, OutcomeSuccess, nil
		}

		if ctx.Err() != nil && errors.Is(res.err, context.Canceled) {
			return nil, OutcomeCancelled, fmt.Errorf("service %s call cancelled: %w", b.name, res.err)
		}

		if b.config.FailurePredicate != nil && !b.config.FailurePredicate(res.err) {
			// The error does not count against the breaker, but the caller
			// still sees it.
			return nil, OutcomeSuccess, res.err
		}

		return nil, OutcomeFailure, res.err

	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, OutcomeCancelled, fmt.Errorf("service %s call cancelled: %w", b.name, ctx.Err())
		}

		return nil, OutcomeTimeout, &TimeoutError{Service: b.name, Timeout: b.config.CallTimeout}
	}
}

// record folds a completed call's outcome into stats, the sliding window and
// the state machine.
func (b *Breaker) record(outcome Outcome, wasHalfOpenTrial bool) {
	b.mu.Lock()

	now := b.clock()
	b.totalRequests++

	switch outcome {
	case OutcomeSuccess:
		b.successfulRequests++
		b.lastSuccessAt = now
		b.pushWindow(OutcomeSuccess)
	case OutcomeFailure:
		b.failedRequests++
		b.lastFailureAt = now
		b.pushWindow(OutcomeFailure)
	case OutcomeTimeout:
		b.failedRequests++
		b.timeoutRequests++
		b.lastFailureAt = now
		b.pushWindow(OutcomeTimeout)
	case OutcomeCancelled:
		b.cancelledRequests++
	}

	if wasHalfOpenTrial && b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	switch b.state {
	case StateHalfOpen:
		switch outcome {
		case OutcomeSuccess:
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.config.SuccessThreshold {
				b.transitionLocked(StateClosed, now)
			}
		case OutcomeFailure, OutcomeTimeout:
			// A single half-open failure re-opens and resets the recovery timer.
			b.transitionLocked(StateOpen, now)
		}

	case StateClosed:
		switch outcome {
		case OutcomeSuccess:
			b.consecutiveFailures = 0
		case OutcomeFailure, OutcomeTimeout:
			b.consecutiveFailures++
			if b.shouldTripLocked() {
				b.transitionLocked(StateOpen, now)
			}
		}
	}

	b.mu.Unlock()
}

func (b *Breaker) recordRejected() {
	b.mu.Lock()
	b.rejectedRequests++
	b.mu.Unlock()
}

// shouldTripLocked evaluates the composite trip condition. Caller holds the lock.
func (b *Breaker) shouldTripLocked() bool {
	if b.consecutiveFailures >= b.config.FailureThreshold {
		return true
	}

	total, failures := b.windowCountsLocked()
	if total < b.config.MinimumRequests {
		return false
	}

	return float64(failures)/float64(total) >= b.config.FailureRateThreshold
}

// transitionLocked moves the state machine. Caller holds the lock.
func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}

	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = now
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
		b.clearWindowLocked()
	}

	if b.onChange != nil {
		// Listeners run outside the lock so they can query the breaker.
		go b.onChange(b.name, from, to)
	}
}

// ForceOpen trips the breaker manually, bypassing the failure counters.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.transitionLocked(StateOpen, b.clock())
	b.mu.Unlock()
}

// ForceClose closes the breaker manually, bypassing the recovery sequence.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	b.transitionLocked(StateClosed, b.clock())
	b.mu.Unlock()
}

// Reset closes the breaker and zeroes every counter and the window.
func (b *Breaker) Reset() {
	b.mu.Lock()

	b.transitionLocked(StateClosed, b.clock())
	b.totalRequests = 0
	b.successfulRequests = 0
	b.failedRequests = 0
	b.timeoutRequests = 0
	b.cancelledRequests = 0
	b.rejectedRequests = 0
	b.consecutiveFailures = 0
	b.lastFailureAt = time.Time{}
	b.lastSuccessAt = time.Time{}
	b.clearWindowLocked()

	b.mu.Unlock()
}

// Stats returns a consistent snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		State:               b.state,
		TotalRequests:       b.totalRequests,
		SuccessfulRequests:  b.successfulRequests,
		FailedRequests:      b.failedRequests,
		TimeoutRequests:     b.timeoutRequests,
		CancelledRequests:   b.cancelledRequests,
		RejectedRequests:    b.rejectedRequests,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		LastSuccessAt:       b.lastSuccessAt,
	}

	// Cancelled calls are excluded from the rate denominators.
	counted := b.successfulRequests + b.failedRequests
	if counted > 0 {
		s.FailureRate = float64(b.failedRequests) / float64(counted)
		s.SuccessRate = float64(b.successfulRequests) / float64(counted)
	}

	return s
}

func (b *Breaker) pushWindow(outcome Outcome) {
	b.window[b.windowNext] = outcome
	b.windowNext = (b.windowNext + 1) % len(b.window)

	if b.windowCount < len(b.window) {
		b.windowCount++
	}
}

func (b *Breaker) clearWindowLocked() {
	b.windowNext = 0
	b.windowCount = 0
}

func (b *Breaker) windowCountsLocked() (total, failures int) {
	for i := range b.windowCount {
		switch b.window[i] {
		case OutcomeFailure, OutcomeTimeout:
			failures++
		}
	}

	return b.windowCount, failures
}
