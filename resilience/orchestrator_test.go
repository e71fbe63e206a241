package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-resilience/circuitbreaker"
	"github.com/LerianStudio/lib-resilience/log"
)

var errBackend = errors.New("backend failure")

func testOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()

	manager, err := circuitbreaker.NewManager(log.NewNop())
	require.NoError(t, err)

	orch, err := New(log.NewNop(), manager, cfg)
	require.NoError(t, err)

	return orch
}

func fastRetryConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetryAttempts = 3
	cfg.BaseRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	cfg.RetryJitter = false

	return cfg
}

func TestNew_RequiresManager(t *testing.T) {
	_, err := New(log.NewNop(), nil, DefaultConfig())
	require.Error(t, err)
}

func TestExecute_FailFast(t *testing.T) {
	ctx := context.Background()
	orch := testOrchestrator(t, DefaultConfig())

	result := orch.Execute(ctx, StrategyFailFast, "svc", func(context.Context) (any, error) {
		return "ok", nil
	}, nil)

	require.True(t, result.Success())
	assert.Equal(t, "ok", result.Value)
	assert.Equal(t, StrategyFailFast, result.Strategy)
	assert.Equal(t, "svc", result.Service)

	result = orch.Execute(ctx, StrategyFailFast, "svc", func(context.Context) (any, error) {
		return nil, errBackend
	}, nil)

	require.False(t, result.Success())
	assert.ErrorIs(t, result.Err, errBackend)
}

func TestExecute_GracefulDegrade(t *testing.T) {
	ctx := context.Background()
	orch := testOrchestrator(t, DefaultConfig())

	failing := func(context.Context) (any, error) { return nil, errBackend }
	fallback := func(_ context.Context, err error) (any, error) {
		assert.ErrorIs(t, err, errBackend)
		return "degraded", nil
	}

	result := orch.Execute(ctx, StrategyGracefulDegrade, "svc", failing, fallback)
	require.True(t, result.Success())
	assert.Equal(t, "degraded", result.Value)

	// No fallback configured: the primary error propagates.
	result = orch.Execute(ctx, StrategyGracefulDegrade, "svc", failing, nil)
	assert.ErrorIs(t, result.Err, errBackend)
}

func TestExecute_RetrySucceedsAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	orch := testOrchestrator(t, fastRetryConfig())

	var calls atomic.Int32

	result := orch.Execute(ctx, StrategyRetry, "svc", func(context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errBackend
		}
		return "recovered", nil
	}, nil)

	require.True(t, result.Success())
	assert.Equal(t, "recovered", result.Value)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_RetryExhaustionReturnsLastError(t *testing.T) {
	ctx := context.Background()
	orch := testOrchestrator(t, fastRetryConfig())

	var calls atomic.Int32

	result := orch.Execute(ctx, StrategyRetry, "svc", func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errBackend
	}, nil)

	require.False(t, result.Success())
	assert.ErrorIs(t, result.Err, errBackend)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecute_RetryStopsOnContextCancel(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.BaseRetryDelay = time.Second

	orch := testOrchestrator(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := orch.Execute(ctx, StrategyRetry, "svc", func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errBackend
	}, nil)

	require.False(t, result.Success())
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_CircuitBreakerTripsAndRejects(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.CircuitConfig = circuitbreaker.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
		CallTimeout:      time.Second,
		MinimumRequests:  100,
	}

	orch := testOrchestrator(t, cfg)

	failing := func(context.Context) (any, error) { return nil, errBackend }

	for i := 0; i < 2; i++ {
		result := orch.Execute(ctx, StrategyCircuitBreaker, "flaky", failing, nil)
		assert.ErrorIs(t, result.Err, errBackend)
	}

	var calls atomic.Int32

	result := orch.Execute(ctx, StrategyCircuitBreaker, "flaky", func(context.Context) (any, error) {
		calls.Add(1)
		return "unreachable", nil
	}, nil)

	require.False(t, result.Success())
	assert.ErrorIs(t, result.Err, circuitbreaker.ErrCircuitOpen)
	assert.Zero(t, calls.Load())
}

func TestExecute_AdaptiveRoutingAdjustsWeight(t *testing.T) {
	ctx := context.Background()
	orch := testOrchestrator(t, DefaultConfig())

	ok := func(context.Context) (any, error) { return "ok", nil }
	fail := func(context.Context) (any, error) { return nil, errBackend }

	assert.InDelta(t, 1.0, orch.RoutingWeight("svc"), 1e-9)

	result := orch.Execute(ctx, StrategyAdaptiveRouting, "svc", ok, nil)
	require.True(t, result.Success())
	assert.InDelta(t, 1.1, orch.RoutingWeight("svc"), 1e-9)

	result = orch.Execute(ctx, StrategyAdaptiveRouting, "svc", fail, nil)
	require.False(t, result.Success())
	assert.InDelta(t, 0.99, orch.RoutingWeight("svc"), 1e-9)
}

func TestExecute_AdaptiveRoutingWeightClamped(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.RoutingWeightMin = 0.5
	cfg.RoutingWeightMax = 1.5
	// Keep the service usable despite repeated failures.
	cfg.HealthSuccessThreshold = 0.01

	orch := testOrchestrator(t, cfg)

	ok := func(context.Context) (any, error) { return "ok", nil }
	fail := func(context.Context) (any, error) { return nil, errBackend }

	for i := 0; i < 20; i++ {
		orch.Execute(ctx, StrategyAdaptiveRouting, "svc", ok, nil)
	}

	assert.InDelta(t, 1.5, orch.RoutingWeight("svc"), 1e-9)

	for i := 0; i < 50; i++ {
		orch.Execute(ctx, StrategyAdaptiveRouting, "svc", fail, nil)
	}

	assert.InDelta(t, 0.5, orch.RoutingWeight("svc"), 1e-9)
}

func TestExecute_AdaptiveRoutingDegradedService(t *testing.T) {
	ctx := context.Background()
	orch := testOrchestrator(t, DefaultConfig())

	fail := func(context.Context) (any, error) { return nil, errBackend }

	// Build a failing window so the success rate drops below threshold.
	for i := 0; i < 5; i++ {
		orch.Execute(ctx, StrategyFailFast, "svc", fail, nil)
	}

	var calls atomic.Int32

	result := orch.Execute(ctx, StrategyAdaptiveRouting, "svc", func(context.Context) (any, error) {
		calls.Add(1)
		return "unreachable", nil
	}, nil)

	require.False(t, result.Success())
	assert.ErrorIs(t, result.Err, ErrServiceDegraded)
	assert.Zero(t, calls.Load())

	// With a fallback the degraded service still yields a value.
	result = orch.Execute(ctx, StrategyAdaptiveRouting, "svc", fail, func(context.Context, error) (any, error) {
		return "fallback", nil
	})
	require.True(t, result.Success())
	assert.Equal(t, "fallback", result.Value)
}

func TestExecute_UnknownStrategy(t *testing.T) {
	orch := testOrchestrator(t, DefaultConfig())

	result := orch.Execute(context.Background(), Strategy("bogus"), "svc", func(context.Context) (any, error) {
		return nil, nil
	}, nil)

	assert.ErrorIs(t, result.Err, ErrUnknownStrategy)
}

func TestHealthSnapshot_TracksOutcomes(t *testing.T) {
	ctx := context.Background()
	orch := testOrchestrator(t, DefaultConfig())

	ok := func(context.Context) (any, error) { return "ok", nil }
	fail := func(context.Context) (any, error) { return nil, errBackend }

	for i := 0; i < 3; i++ {
		orch.Execute(ctx, StrategyFailFast, "svc", ok, nil)
	}
	orch.Execute(ctx, StrategyFailFast, "svc", fail, nil)

	snapshot := orch.HealthSnapshot()
	require.Contains(t, snapshot, "svc")
	assert.InDelta(t, 0.75, snapshot["svc"].SuccessRate, 1e-9)
}
