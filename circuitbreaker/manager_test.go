package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-resilience/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...ManagerOption) Manager {
	t.Helper()

	mgr, err := NewManager(log.NewNop(), opts...)
	require.NoError(t, err)

	return mgr
}

func TestManager_GetOrCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)

	first := mgr.GetOrCreate("openai", DefaultConfig())
	second := mgr.GetOrCreate("openai", AggressiveConfig())

	assert.Same(t, first, second, "same name must return the same breaker")
}

func TestManager_ExecuteUnknownService(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)

	_, err := mgr.Execute(context.Background(), "ghost", succeedingOp)
	assert.ErrorIs(t, err, ErrBreakerNotFound)
}

func TestManager_ExecuteSuccess(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	mgr.GetOrCreate("openai", DefaultConfig())

	result, err := mgr.Execute(context.Background(), "openai", succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, mgr.State("openai"))
	assert.True(t, mgr.IsHealthy("openai"))
}

func TestManager_ExecuteFastFailsWhenOpen(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	cfg := testConfig()
	mgr.GetOrCreate("anthropic", cfg)

	for range cfg.FailureThreshold {
		_, _ = mgr.Execute(context.Background(), "anthropic", failingOp)
	}

	require.Equal(t, StateOpen, mgr.State("anthropic"))
	assert.False(t, mgr.IsHealthy("anthropic"))

	start := time.Now()
	_, err := mgr.Execute(context.Background(), "anthropic", func(_ context.Context) (any, error) {
		time.Sleep(5 * time.Second) // must not run
		return nil, nil
	})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Less(t, elapsed, 100*time.Millisecond, "open breaker must fast-fail")
}

func TestManager_StateForUnknownService(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	assert.Equal(t, StateUnknown, mgr.State("nope"))
	assert.Equal(t, StateUnknown, mgr.Stats("nope").State)
}

func TestManager_AllStats(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	mgr.GetOrCreate("a", DefaultConfig())
	mgr.GetOrCreate("b", DefaultConfig())

	_, _ = mgr.Execute(context.Background(), "a", succeedingOp)

	all := mgr.AllStats()
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all["a"].TotalRequests)
	assert.Zero(t, all["b"].TotalRequests)
}

func TestManager_HealthStatus(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	mgr.GetOrCreate("good", DefaultConfig())
	mgr.GetOrCreate("bad", testConfig())

	_, _ = mgr.Execute(context.Background(), "good", succeedingOp)

	status := mgr.HealthStatus()
	assert.True(t, status.Healthy)
	assert.Empty(t, status.OpenServices)

	for range 3 {
		_, _ = mgr.Execute(context.Background(), "bad", failingOp)
	}

	status = mgr.HealthStatus()
	assert.False(t, status.Healthy)
	assert.Contains(t, status.OpenServices, "bad")
	assert.Equal(t, StateOpen, status.States["bad"])
	assert.Equal(t, StateClosed, status.States["good"])
}

func TestManager_ResetAllAndForceOpenAll(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	mgr.GetOrCreate("x", DefaultConfig())
	mgr.GetOrCreate("y", DefaultConfig())

	mgr.ForceOpenAll()
	assert.Equal(t, StateOpen, mgr.State("x"))
	assert.Equal(t, StateOpen, mgr.State("y"))

	mgr.ResetAll()
	assert.Equal(t, StateClosed, mgr.State("x"))
	assert.Equal(t, StateClosed, mgr.State("y"))
}

// recordingListener captures state change notifications.
type recordingListener struct {
	mu          sync.Mutex
	transitions []string
	notified    chan struct{}
}

func (l *recordingListener) OnStateChange(serviceName string, from, to State) {
	l.mu.Lock()
	l.transitions = append(l.transitions, serviceName+":"+string(from)+"->"+string(to))
	l.mu.Unlock()

	select {
	case l.notified <- struct{}{}:
	default:
	}
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.transitions...)
}

func TestManager_NotifiesStateChangeListeners(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	listener := &recordingListener{notified: make(chan struct{}, 1)}
	mgr.RegisterStateChangeListener(listener)

	mgr.GetOrCreate("svc", testConfig())

	for range 3 {
		_, _ = mgr.Execute(context.Background(), "svc", failingOp)
	}

	select {
	case <-listener.notified:
	case <-time.After(time.Second):
		t.Fatal("listener was not notified of the open transition")
	}

	assert.Contains(t, listener.snapshot(), "svc:closed->open")
}

func TestManager_NilListenerIgnored(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	mgr.RegisterStateChangeListener(nil)

	// Must not panic when a transition occurs.
	mgr.GetOrCreate("svc", testConfig())
	for range 3 {
		_, _ = mgr.Execute(context.Background(), "svc", failingOp)
	}

	assert.Equal(t, StateOpen, mgr.State("svc"))
}

func TestManager_PanickingListenerIsIsolated(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	mgr.RegisterStateChangeListener(panickingListener{})

	good := &recordingListener{notified: make(chan struct{}, 1)}
	mgr.RegisterStateChangeListener(good)

	mgr.GetOrCreate("svc", testConfig())
	for range 3 {
		_, _ = mgr.Execute(context.Background(), "svc", failingOp)
	}

	select {
	case <-good.notified:
	case <-time.After(time.Second):
		t.Fatal("healthy listener starved by panicking sibling")
	}
}

type panickingListener struct{}

func (panickingListener) OnStateChange(string, State, State) { panic("listener bug") }

func TestNewManager_InvalidReportingThreshold(t *testing.T) {
	t.Parallel()

	_, err := NewManager(log.NewNop(), WithReportingThreshold(1.5))
	assert.ErrorIs(t, err, ErrInvalidReportingThreshold)

	_, err = NewManager(log.NewNop(), WithReportingThreshold(-1))
	assert.ErrorIs(t, err, ErrInvalidReportingThreshold)
}

func TestManager_ConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)

	var wg sync.WaitGroup

	breakers := make([]*Breaker, 16)

	for i := range breakers {
		wg.Add(1)

		go func(slot int) {
			defer wg.Done()

			breakers[slot] = mgr.GetOrCreate("shared", DefaultConfig())
		}(i)
	}

	wg.Wait()

	for _, b := range breakers[1:] {
		assert.Same(t, breakers[0], b)
	}
}

func TestManager_ExecutePropagatesOperationError(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t)
	mgr.GetOrCreate("svc", DefaultConfig())

	_, err := mgr.Execute(context.Background(), "svc", failingOp)
	assert.True(t, errors.Is(err, errBackend))
}
