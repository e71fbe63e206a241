package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LerianStudio/lib-resilience/log"
	"github.com/LerianStudio/lib-resilience/metrics"
)

const defaultStatusTTL = 5 * time.Second

// Tracker enforces spending limits per scope and keeps an append-only cost
// ledger. All admission paths serialize on a per-scope mutex so two
// concurrent requests cannot both pass a check against the same remaining
// budget.
type Tracker struct {
	mu     sync.RWMutex
	scopes map[Scope]*scopeState

	clock     func() time.Time
	statusTTL time.Duration
	logger    log.Logger
	factory   *metrics.MetricsFactory

	obsMu     sync.RWMutex
	observers []AlertObserver
}

type scopeState struct {
	mu sync.Mutex

	config    Config
	hasConfig bool

	ledger   []CostRecord
	reserved decimal.Decimal

	cachedStatus Status
	cachedAt     time.Time
	lastAlert    AlertLevel
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock injects a time source, mainly for tests.
func WithClock(clock func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithStatusTTL overrides how long a computed Status is served from cache.
func WithStatusTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) {
		if ttl > 0 {
			t.statusTTL = ttl
		}
	}
}

// WithMetricsFactory publishes the per-scope alert level as a gauge.
func WithMetricsFactory(factory *metrics.MetricsFactory) TrackerOption {
	return func(t *Tracker) {
		t.factory = factory
	}
}

// NewTracker creates a Tracker with no configured scopes. Scopes without a
// Config pass every compliance check.
func NewTracker(logger log.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = log.NewNop()
	}

	t := &Tracker{
		scopes:    make(map[Scope]*scopeState),
		clock:     time.Now,
		statusTTL: defaultStatusTTL,
		logger:    logger.WithGroup("budget"),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Configure registers or replaces the limits for a scope.
func (t *Tracker) Configure(cfg Config) {
	cfg = cfg.withDefaults()

	state := t.state(cfg.Scope())

	state.mu.Lock()
	defer state.mu.Unlock()

	state.config = cfg
	state.hasConfig = true
	state.cachedAt = time.Time{}
}

// RegisterAlertObserver adds an observer notified on alert level changes.
func (t *Tracker) RegisterAlertObserver(obs AlertObserver) {
	if obs == nil {
		return
	}

	t.obsMu.Lock()
	defer t.obsMu.Unlock()

	t.observers = append(t.observers, obs)
}

func (t *Tracker) state(scope Scope) *scopeState {
	t.mu.RLock()
	state, ok := t.scopes[scope]
	t.mu.RUnlock()

	if ok {
		return state
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if state, ok = t.scopes[scope]; ok {
		return state
	}

	state = &scopeState{reserved: decimal.Zero, lastAlert: AlertGreen}
	t.scopes[scope] = state

	return state
}

// CheckCompliance reports whether a request of the given cost would be
// admitted right now. It is advisory: the check is not held open, so use
// Reserve when the spend will actually happen.
func (t *Tracker) CheckCompliance(scope Scope, requested decimal.Decimal) error {
	state := t.state(scope)

	state.mu.Lock()
	defer state.mu.Unlock()

	return state.checkLocked(scope, requested, t.clock())
}

func (s *scopeState) checkLocked(scope Scope, requested decimal.Decimal, now time.Time) error {
	if !s.hasConfig {
		return nil
	}

	cfg := s.config

	if cfg.PerRequestLimit.IsPositive() && requested.GreaterThan(cfg.PerRequestLimit) {
		return &LimitError{Scope: scope, Kind: LimitPerRequest, Limit: cfg.PerRequestLimit, Requested: requested}
	}

	daily, monthly := s.spendLocked(now)

	// Outstanding reservations count against the window so concurrent
	// admissions cannot oversubscribe the remaining budget.
	daily = daily.Add(s.reserved)
	monthly = monthly.Add(s.reserved)

	if cfg.DailyLimit.IsPositive() && daily.Add(requested).GreaterThan(cfg.DailyLimit) {
		return &LimitError{Scope: scope, Kind: LimitDaily, Limit: cfg.DailyLimit, Spent: daily, Requested: requested}
	}

	if cfg.MonthlyLimit.IsPositive() && monthly.Add(requested).GreaterThan(cfg.MonthlyLimit) {
		return &LimitError{Scope: scope, Kind: LimitMonthly, Limit: cfg.MonthlyLimit, Spent: monthly, Requested: requested}
	}

	return nil
}

// spendLocked sums committed ledger entries for the current UTC day and month.
func (s *scopeState) spendLocked(now time.Time) (daily, monthly decimal.Decimal) {
	daily, monthly = decimal.Zero, decimal.Zero

	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	for _, rec := range s.ledger {
		ts := rec.Timestamp.UTC()
		if ts.Before(monthStart) || ts.After(now) {
			continue
		}

		monthly = monthly.Add(rec.Cost)

		if !ts.Before(dayStart) {
			daily = daily.Add(rec.Cost)
		}
	}

	return daily, monthly
}

// Reservation is an admitted hold against a scope's budget. Exactly one of
// Commit or Release must be called; both are safe to call more than once.
type Reservation struct {
	tracker  *Tracker
	scope    Scope
	model    string
	provider string
	cost     decimal.Decimal

	once sync.Once
}

// Reserve atomically checks the limits and holds the requested amount against
// the scope. The hold counts toward later checks until committed or released.
func (t *Tracker) Reserve(scope Scope, model, provider string, cost decimal.Decimal) (*Reservation, error) {
	if cost.IsNegative() {
		cost = decimal.Zero
	}

	state := t.state(scope)

	state.mu.Lock()
	defer state.mu.Unlock()

	if err := state.checkLocked(scope, cost, t.clock()); err != nil {
		return nil, err
	}

	state.reserved = state.reserved.Add(cost)

	return &Reservation{tracker: t, scope: scope, model: model, provider: provider, cost: cost}, nil
}

// Commit converts the hold into a ledger entry and returns the record.
func (r *Reservation) Commit(ctx context.Context, tokens int64) CostRecord {
	var rec CostRecord

	r.once.Do(func() {
		rec = r.tracker.settle(ctx, r, tokens, true)
	})

	return rec
}

// Release drops the hold without recording any spend.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.tracker.settle(context.Background(), r, 0, false)
	})
}

func (t *Tracker) settle(ctx context.Context, r *Reservation, tokens int64, commit bool) CostRecord {
	state := t.state(r.scope)

	state.mu.Lock()

	state.reserved = state.reserved.Sub(r.cost)
	if state.reserved.IsNegative() {
		state.reserved = decimal.Zero
	}

	var rec CostRecord

	if commit {
		rec = CostRecord{
			TransactionID: uuid.New().String(),
			Scope:         r.scope,
			Model:         r.model,
			Provider:      r.provider,
			Cost:          r.cost,
			Tokens:        tokens,
			Timestamp:     t.clock(),
		}
		state.ledger = append(state.ledger, rec)
		state.cachedAt = time.Time{}
	}

	state.mu.Unlock()

	if commit {
		t.afterWrite(ctx, r.scope)
	}

	return rec
}

// RecordCost appends a spend directly, bypassing admission. Intended for
// costs learned after the fact where rejection is no longer possible.
func (t *Tracker) RecordCost(ctx context.Context, scope Scope, model, provider string, cost decimal.Decimal, tokens int64) CostRecord {
	if cost.IsNegative() {
		cost = decimal.Zero
	}

	state := t.state(scope)

	state.mu.Lock()

	rec := CostRecord{
		TransactionID: uuid.New().String(),
		Scope:         scope,
		Model:         model,
		Provider:      provider,
		Cost:          cost,
		Tokens:        tokens,
		Timestamp:     t.clock(),
	}
	state.ledger = append(state.ledger, rec)
	state.cachedAt = time.Time{}

	state.mu.Unlock()

	t.afterWrite(ctx, scope)

	return rec
}

// Status returns the current spend summary for a scope. Results are cached
// for a short TTL and the cache is invalidated by every write.
func (t *Tracker) Status(scope Scope) Status {
	state := t.state(scope)

	state.mu.Lock()
	defer state.mu.Unlock()

	return state.statusLocked(scope, t.clock(), t.statusTTL)
}

func (s *scopeState) statusLocked(scope Scope, now time.Time, ttl time.Duration) Status {
	if !s.cachedAt.IsZero() && now.Sub(s.cachedAt) < ttl {
		return s.cachedStatus
	}

	daily, monthly := s.spendLocked(now)

	status := Status{
		Scope:        scope,
		DailySpent:   daily,
		MonthlySpent: monthly,
		AlertLevel:   AlertGreen,
		ComputedAt:   now,
	}

	if s.hasConfig {
		cfg := s.config

		if cfg.DailyLimit.IsPositive() {
			status.DailyRemaining = cfg.DailyLimit.Sub(daily)
		}

		if cfg.MonthlyLimit.IsPositive() {
			status.MonthlyRemaining = cfg.MonthlyLimit.Sub(monthly)
		}

		status.AlertLevel = cfg.alertLevel(daily, monthly)
	}

	s.cachedStatus = status
	s.cachedAt = now

	return status
}

func (c Config) alertLevel(daily, monthly decimal.Decimal) AlertLevel {
	spent, limit := daily, c.DailyLimit
	if c.ResetPeriod == PeriodMonthly {
		spent, limit = monthly, c.MonthlyLimit
	}

	if !limit.IsPositive() {
		return AlertGreen
	}

	if spent.GreaterThanOrEqual(limit) {
		return AlertRed
	}

	threshold := limit.Mul(decimal.NewFromFloat(c.AlertThreshold))
	if spent.GreaterThanOrEqual(threshold) {
		return AlertYellow
	}

	return AlertGreen
}

// Ledger returns a copy of the scope's cost records in append order.
func (t *Tracker) Ledger(scope Scope) []CostRecord {
	state := t.state(scope)

	state.mu.Lock()
	defer state.mu.Unlock()

	out := make([]CostRecord, len(state.ledger))
	copy(out, state.ledger)

	return out
}

// afterWrite recomputes status and fans out alerts when the level changed.
func (t *Tracker) afterWrite(ctx context.Context, scope Scope) {
	state := t.state(scope)

	state.mu.Lock()
	status := state.statusLocked(scope, t.clock(), t.statusTTL)
	changed := status.AlertLevel != state.lastAlert
	state.lastAlert = status.AlertLevel
	state.mu.Unlock()

	if t.factory != nil {
		if gauge, err := t.factory.Gauge(metrics.MetricBudgetAlertLevel); err == nil {
			_ = gauge.WithLabels(map[string]string{
				"tenant_id":    scope.TenantID,
				"workspace_id": scope.WorkspaceID,
			}).Set(ctx, alertLevelValue(status.AlertLevel))
		}
	}

	if !changed {
		return
	}

	t.logger.Log(ctx, log.LevelInfo, "budget alert level changed",
		log.String("scope", scope.String()),
		log.String("level", string(status.AlertLevel)),
		log.String("daily_spent", status.DailySpent.String()),
	)

	t.obsMu.RLock()
	observers := make([]AlertObserver, len(t.observers))
	copy(observers, t.observers)
	t.obsMu.RUnlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Log(ctx, log.LevelError, "budget alert observer panicked",
						log.String("scope", scope.String()),
						log.Any("panic", r),
					)
				}
			}()
			obs.OnBudgetAlert(scope, status.AlertLevel, status)
		}()
	}
}

func alertLevelValue(level AlertLevel) int64 {
	switch level {
	case AlertRed:
		return 2
	case AlertYellow:
		return 1
	default:
		return 0
	}
}
