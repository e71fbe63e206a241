package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-resilience/log"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}

	return d
}

func testScope() Scope {
	return Scope{TenantID: "tenant-a", WorkspaceID: "ws-1"}
}

func testTracker(t *testing.T, opts ...TrackerOption) *Tracker {
	t.Helper()

	tracker := NewTracker(log.NewNop(), opts...)
	tracker.Configure(Config{
		TenantID:        "tenant-a",
		WorkspaceID:     "ws-1",
		DailyLimit:      dec("10.00"),
		MonthlyLimit:    dec("100.00"),
		PerRequestLimit: dec("5.00"),
	})

	return tracker
}

func TestCheckCompliance_NoConfigAllowsEverything(t *testing.T) {
	tracker := NewTracker(log.NewNop())

	err := tracker.CheckCompliance(Scope{TenantID: "unknown", WorkspaceID: "ws"}, dec("1000000"))
	require.NoError(t, err)
}

func TestCheckCompliance_LimitOrdering(t *testing.T) {
	ctx := context.Background()
	tracker := testTracker(t)
	scope := testScope()

	// Over the per-request cap regardless of remaining daily budget.
	err := tracker.CheckCompliance(scope, dec("6.00"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrBudgetExceeded)

	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitPerRequest, limitErr.Kind)
	assert.True(t, limitErr.Limit.Equal(dec("5.00")))

	// Two 4.00 requests fit under the 10.00 daily limit.
	for i := 0; i < 2; i++ {
		res, resErr := tracker.Reserve(scope, "model-x", "provider-x", dec("4.00"))
		require.NoError(t, resErr)
		res.Commit(ctx, 100)
	}

	// A third 4.00 would bring the day to 12.00.
	err = tracker.CheckCompliance(scope, dec("4.00"))
	require.Error(t, err)
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitDaily, limitErr.Kind)
	assert.True(t, limitErr.Limit.Equal(dec("10.00")))
	assert.Contains(t, err.Error(), "daily limit")
}

func TestCheckCompliance_MonthlyLimit(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(log.NewNop())
	tracker.Configure(Config{
		TenantID:     "tenant-a",
		WorkspaceID:  "ws-1",
		MonthlyLimit: dec("3.00"),
	})
	scope := testScope()

	tracker.RecordCost(ctx, scope, "m", "p", dec("2.50"), 10)

	err := tracker.CheckCompliance(scope, dec("1.00"))
	require.Error(t, err)

	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, LimitMonthly, limitErr.Kind)
}

func TestReserve_HoldCountsAgainstBudget(t *testing.T) {
	tracker := testTracker(t)
	scope := testScope()

	res, err := tracker.Reserve(scope, "model-x", "provider-x", dec("5.00"))
	require.NoError(t, err)

	// The hold is uncommitted but still blocks a second admission that
	// would exceed the daily limit together with it.
	_, err = tracker.Reserve(scope, "model-x", "provider-x", dec("5.00"))
	require.NoError(t, err)

	_, err = tracker.Reserve(scope, "model-x", "provider-x", dec("1.00"))
	require.ErrorIs(t, err, ErrBudgetExceeded)

	res.Release()

	_, err = tracker.Reserve(scope, "model-x", "provider-x", dec("1.00"))
	require.NoError(t, err)
}

func TestReserve_ReleaseLeavesNoLedgerEntry(t *testing.T) {
	tracker := testTracker(t)
	scope := testScope()

	res, err := tracker.Reserve(scope, "model-x", "provider-x", dec("2.00"))
	require.NoError(t, err)

	res.Release()
	res.Release() // idempotent

	assert.Empty(t, tracker.Ledger(scope))
	assert.True(t, tracker.Status(scope).DailySpent.IsZero())
}

func TestReserve_CommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tracker := testTracker(t)
	scope := testScope()

	res, err := tracker.Reserve(scope, "model-x", "provider-x", dec("2.00"))
	require.NoError(t, err)

	rec := res.Commit(ctx, 42)
	require.NotEmpty(t, rec.TransactionID)
	assert.Equal(t, int64(42), rec.Tokens)
	assert.True(t, rec.Cost.Equal(dec("2.00")))

	second := res.Commit(ctx, 42)
	assert.Empty(t, second.TransactionID)

	require.Len(t, tracker.Ledger(scope), 1)
}

func TestReserve_ConcurrentAdmissionDoesNotOversubscribe(t *testing.T) {
	ctx := context.Background()
	tracker := testTracker(t)
	scope := testScope()

	const workers = 20

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)

	// Daily limit 10.00, each worker asks for 4.00: at most two may win.
	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			res, err := tracker.Reserve(scope, "model-x", "provider-x", dec("4.00"))
			if err != nil {
				return
			}

			res.Commit(ctx, 1)

			mu.Lock()
			admitted++
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Equal(t, 2, admitted)
	assert.True(t, tracker.Status(scope).DailySpent.Equal(dec("8.00")))
}

func TestStatus_DerivedFromLedger(t *testing.T) {
	ctx := context.Background()
	tracker := testTracker(t, WithStatusTTL(time.Nanosecond))
	scope := testScope()

	tracker.RecordCost(ctx, scope, "m1", "p1", dec("1.25"), 10)
	tracker.RecordCost(ctx, scope, "m2", "p2", dec("2.75"), 20)

	status := tracker.Status(scope)
	assert.True(t, status.DailySpent.Equal(dec("4.00")))
	assert.True(t, status.DailyRemaining.Equal(dec("6.00")))
	assert.True(t, status.MonthlySpent.Equal(dec("4.00")))
	assert.True(t, status.MonthlyRemaining.Equal(dec("96.00")))
	assert.Equal(t, AlertGreen, status.AlertLevel)

	// Replaying the same ledger into a fresh tracker yields identical sums.
	replay := testTracker(t, WithStatusTTL(time.Nanosecond))
	for _, rec := range tracker.Ledger(scope) {
		replay.RecordCost(ctx, scope, rec.Model, rec.Provider, rec.Cost, rec.Tokens)
	}

	replayed := replay.Status(scope)
	assert.True(t, replayed.DailySpent.Equal(status.DailySpent))
	assert.True(t, replayed.MonthlySpent.Equal(status.MonthlySpent))
}

func TestStatus_CacheServedWithinTTLAndInvalidatedByWrite(t *testing.T) {
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tracker := testTracker(t, WithClock(func() time.Time { return now }), WithStatusTTL(time.Hour))
	scope := testScope()

	first := tracker.Status(scope)
	assert.True(t, first.DailySpent.IsZero())

	tracker.RecordCost(ctx, scope, "m", "p", dec("3.00"), 1)

	// The write invalidates the cached zero-spend status even though
	// the TTL has not elapsed.
	second := tracker.Status(scope)
	assert.True(t, second.DailySpent.Equal(dec("3.00")))
}

func TestStatus_DailyWindowRollsOver(t *testing.T) {
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	tracker := testTracker(t, WithClock(func() time.Time { return now }), WithStatusTTL(time.Nanosecond))
	scope := testScope()

	tracker.RecordCost(ctx, scope, "m", "p", dec("9.00"), 1)

	require.Error(t, tracker.CheckCompliance(scope, dec("2.00")))

	// Next UTC day: daily spend resets, monthly carries over.
	now = now.Add(2 * time.Hour)

	require.NoError(t, tracker.CheckCompliance(scope, dec("2.00")))

	status := tracker.Status(scope)
	assert.True(t, status.DailySpent.IsZero())
	assert.True(t, status.MonthlySpent.Equal(dec("9.00")))
}

type alertRecorder struct {
	mu     sync.Mutex
	levels []AlertLevel
}

func (a *alertRecorder) OnBudgetAlert(_ Scope, level AlertLevel, _ Status) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.levels = append(a.levels, level)
}

func (a *alertRecorder) recorded() []AlertLevel {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]AlertLevel, len(a.levels))
	copy(out, a.levels)

	return out
}

func TestAlertObserver_NotifiedOnLevelChanges(t *testing.T) {
	ctx := context.Background()
	tracker := testTracker(t, WithStatusTTL(time.Nanosecond))
	scope := testScope()

	recorder := &alertRecorder{}
	tracker.RegisterAlertObserver(recorder)

	// 3.00 of 10.00 stays green: no notification.
	tracker.RecordCost(ctx, scope, "m", "p", dec("3.00"), 1)
	assert.Empty(t, recorder.recorded())

	// 8.50 of 10.00 crosses the default 0.8 threshold.
	tracker.RecordCost(ctx, scope, "m", "p", dec("5.50"), 1)
	assert.Equal(t, []AlertLevel{AlertYellow}, recorder.recorded())

	// 10.50 of 10.00 is red.
	tracker.RecordCost(ctx, scope, "m", "p", dec("2.00"), 1)
	assert.Equal(t, []AlertLevel{AlertYellow, AlertRed}, recorder.recorded())
}

func TestAlertObserver_PanicDoesNotBlockOtherObservers(t *testing.T) {
	ctx := context.Background()
	tracker := testTracker(t, WithStatusTTL(time.Nanosecond))
	scope := testScope()

	tracker.RegisterAlertObserver(panickyObserver{})
	recorder := &alertRecorder{}
	tracker.RegisterAlertObserver(recorder)

	tracker.RecordCost(ctx, scope, "m", "p", dec("9.00"), 1)

	assert.Equal(t, []AlertLevel{AlertYellow}, recorder.recorded())
}

type panickyObserver struct{}

func (panickyObserver) OnBudgetAlert(Scope, AlertLevel, Status) {
	panic("observer failure")
}

func TestLimitError_Message(t *testing.T) {
	err := &LimitError{
		Scope:     testScope(),
		Kind:      LimitDaily,
		Limit:     dec("10.00"),
		Spent:     dec("8.00"),
		Requested: dec("4.00"),
	}

	assert.Contains(t, err.Error(), "tenant-a/ws-1")
	assert.Contains(t, err.Error(), "daily limit 10")
	assert.True(t, errors.Is(err, ErrBudgetExceeded))
}
