package router

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LerianStudio/lib-resilience/bandit"
	"github.com/LerianStudio/lib-resilience/budget"
	"github.com/LerianStudio/lib-resilience/log"
	"github.com/LerianStudio/lib-resilience/metrics"
	"github.com/LerianStudio/lib-resilience/resilience"
)

// Config tunes the router façade. Zero fields take defaults.
type Config struct {
	// CacheSize bounds the LRU decision cache.
	CacheSize int
	// CacheTTL is how long a cached decision stays fresh.
	CacheTTL time.Duration
	// HistorySize bounds the routing history used to match delayed feedback.
	HistorySize int

	FeedbackQueueCapacity int
	FeedbackBatchSize     int
	FeedbackInterval      time.Duration

	// BanditSeed fixes the sampler for reproducible tests; zero seeds from
	// entropy.
	BanditSeed uint64
}

// DefaultConfig returns the standard router tuning.
func DefaultConfig() Config {
	return Config{
		CacheSize:             1000,
		CacheTTL:              30 * time.Second,
		HistorySize:           4096,
		FeedbackQueueCapacity: 1024,
		FeedbackBatchSize:     32,
		FeedbackInterval:      500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}

	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}

	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}

	if c.FeedbackQueueCapacity <= 0 {
		c.FeedbackQueueCapacity = def.FeedbackQueueCapacity
	}

	if c.FeedbackBatchSize <= 0 {
		c.FeedbackBatchSize = def.FeedbackBatchSize
	}

	if c.FeedbackInterval <= 0 {
		c.FeedbackInterval = def.FeedbackInterval
	}

	return c
}

// Router selects a backend arm per request, enforces budget admission,
// caches recent decisions, and feeds observed outcomes and delayed
// trajectory feedback back into the bandit. It is the process-wide
// composition point for the routing control plane.
type Router struct {
	config       Config
	catalog      *Catalog
	bandit       *bandit.ThompsonBandit
	budget       *budget.Tracker
	orchestrator *resilience.Orchestrator
	logger       log.Logger
	factory      *metrics.MetricsFactory
	clock        func() time.Time

	cache    *decisionCache
	history  *routingHistory
	queue    *bandit.FeedbackQueue
	consumer *bandit.Consumer
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithRouterClock overrides the time source, mainly for tests.
func WithRouterClock(clock func() time.Time) RouterOption {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRouterMetrics wires routing and bandit metrics.
func WithRouterMetrics(factory *metrics.MetricsFactory) RouterOption {
	return func(r *Router) {
		r.factory = factory
	}
}

// New assembles a Router over its collaborators and starts the feedback
// consumer. The budget tracker and orchestrator may be nil, disabling budget
// admission and managed execution respectively. Callers own the
// orchestrator's lifecycle; Close stops only what New started.
func New(logger log.Logger, catalog *Catalog, tracker *budget.Tracker, orch *resilience.Orchestrator, config Config, opts ...RouterOption) (*Router, error) {
	if catalog == nil {
		return nil, fmt.Errorf("router: nil catalog")
	}

	if logger == nil {
		logger = log.NewNop()
	}

	config = config.withDefaults()

	r := &Router{
		config:       config,
		catalog:      catalog,
		budget:       tracker,
		orchestrator: orch,
		logger:       logger.WithGroup("router"),
		clock:        time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	banditOpts := []bandit.Option{bandit.WithLogger(logger)}
	if config.BanditSeed != 0 {
		banditOpts = append(banditOpts, bandit.WithSeed(config.BanditSeed))
	}

	tb, err := bandit.New(catalog.IDs(), banditOpts...)
	if err != nil {
		return nil, fmt.Errorf("router: build bandit: %w", err)
	}

	r.bandit = tb
	r.cache = newDecisionCache(config.CacheSize, config.CacheTTL, r.clock)
	r.history = newRoutingHistory(config.HistorySize)
	r.queue = bandit.NewFeedbackQueue(config.FeedbackQueueCapacity)

	lookup := func(trajectoryID string) (string, []float64, bool) {
		entry, ok := r.history.lookup(trajectoryID)
		if !ok {
			return "", nil, false
		}

		return entry.armID, entry.contextVec, true
	}

	r.consumer = bandit.NewConsumer(r.queue, tb, lookup, config.FeedbackBatchSize, config.FeedbackInterval, logger)
	r.consumer.Start()

	return r, nil
}

// Close stops the feedback consumer after a final drain.
func (r *Router) Close() error {
	r.consumer.Stop()
	return nil
}

// Route produces a routing decision for the request. Identical requests
// within the cache TTL share a decision. Budget violations and a fully
// exhausted arm selection are the only hard failures; strategy-internal
// problems degrade to the safe-default arm instead.
func (r *Router) Route(ctx context.Context, req Request) (Decision, error) {
	key := cacheKey(req)

	if cached, ok := r.cache.get(key); ok {
		cached.RequestID = req.RequestID
		cached.Timestamp = r.clock()

		r.rememberDecision(req, cached)

		return cached, nil
	}

	strategy := strategyFor(req.Constraints)

	arm, reasoning, ok := r.selectArm(req, strategy)
	if !ok {
		arm, ok = r.catalog.Get(r.catalog.Default().ModelID)
		if !ok {
			return Decision{}, ErrRoutingExhausted
		}

		strategy = StrategySafeDefault
		reasoning = fmt.Sprintf("degraded routing: %s; using safe default %s", reasoning, arm.ModelID)

		r.logger.Log(ctx, log.LevelWarn, "falling back to safe default arm",
			log.String("request_id", req.RequestID),
			log.String("model_id", arm.ModelID),
		)
	}

	cost := estimateCost(arm, req.EstimatedTokens)

	if r.budget != nil {
		scope := budget.Scope{TenantID: req.TenantID, WorkspaceID: req.WorkspaceID}
		if err := r.budget.CheckCompliance(scope, cost); err != nil {
			return Decision{}, err
		}
	}

	decision := Decision{
		RequestID:        req.RequestID,
		ModelID:          arm.ModelID,
		Provider:         arm.Provider,
		EstimatedCost:    cost,
		EstimatedLatency: arm.AvgLatency,
		Confidence:       confidenceFor(strategy),
		Reasoning:        reasoning,
		Strategy:         strategy,
		Timestamp:        r.clock(),
	}

	r.cache.put(key, decision)
	r.rememberDecision(req, decision)

	if r.factory != nil {
		if counter, err := r.factory.Counter(metrics.MetricRequestsRouted); err == nil {
			_ = counter.WithLabels(map[string]string{
				"strategy": string(strategy),
				"model_id": arm.ModelID,
			}).AddOne(ctx)
		}
	}

	return decision, nil
}

func (r *Router) selectArm(req Request, strategy RoutingStrategy) (Arm, string, bool) {
	arms := r.catalog.Arms()

	switch strategy {
	case StrategyCostAware:
		arm, ok := selectCheapest(arms, req.Constraints)
		return arm, fmt.Sprintf("cheapest arm meeting constraints: %s", arm.ModelID), ok
	case StrategyLatencyOptimized:
		arm, ok := selectFastest(arms, req.Constraints)
		return arm, fmt.Sprintf("fastest arm meeting constraints: %s", arm.ModelID), ok
	default:
		armID := r.bandit.Select(req.PromptFeatures)

		arm, ok := r.catalog.Get(armID)
		if !ok {
			return Arm{}, fmt.Sprintf("bandit selected unknown arm %q", armID), false
		}

		return arm, fmt.Sprintf("thompson sample preferred %s", armID), true
	}
}

func confidenceFor(strategy RoutingStrategy) float64 {
	switch strategy {
	case StrategyCostAware, StrategyLatencyOptimized:
		return 0.9
	case StrategyBandit:
		return 0.75
	default:
		return 0.3
	}
}

// estimateCost prices a request at the arm's declared per-1k-token rate,
// charging at least one unit.
func estimateCost(arm Arm, tokens int64) decimal.Decimal {
	units := (tokens + 999) / 1000
	if units < 1 {
		units = 1
	}

	return decimal.NewFromFloat(arm.CostPerUnit).Mul(decimal.NewFromInt(units))
}

func (r *Router) rememberDecision(req Request, decision Decision) {
	if req.RequestID == "" {
		return
	}

	vec := make([]float64, len(req.PromptFeatures))
	copy(vec, req.PromptFeatures)

	r.history.add(historyEntry{
		requestID:  req.RequestID,
		armID:      decision.ModelID,
		provider:   decision.Provider,
		tenantID:   req.TenantID,
		workspace:  req.WorkspaceID,
		contextVec: vec,
		decidedAt:  decision.Timestamp,
	})
}

// RecordOutcome closes the immediate feedback loop for a routed request:
// the bandit learns from the observed success, latency, and cost, and the
// spend is appended to the budget ledger.
func (r *Router) RecordOutcome(ctx context.Context, requestID string, success bool, latency time.Duration, cost decimal.Decimal, tokens int64) error {
	entry, ok := r.history.lookup(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	arm, _ := r.catalog.Get(entry.armID)

	costRatio := 1.0
	estimated := estimateCost(arm, tokens)
	if estimated.IsPositive() && cost.IsPositive() {
		ratio, _ := cost.Div(estimated).Float64()
		costRatio = ratio
	}

	reward := immediateReward(arm, success, latency, costRatio)

	if err := r.bandit.Update(entry.armID, entry.contextVec, reward, nil); err != nil {
		return err
	}

	if r.budget != nil && cost.IsPositive() {
		scope := budget.Scope{TenantID: entry.tenantID, WorkspaceID: entry.workspace}
		r.budget.RecordCost(ctx, scope, entry.armID, entry.provider, cost, tokens)
	}

	if r.factory != nil {
		if counter, err := r.factory.Counter(metrics.MetricBanditArmPulls); err == nil {
			_ = counter.WithLabels(map[string]string{"model_id": entry.armID}).AddOne(ctx)
		}
	}

	return nil
}

// SubmitTrajectoryFeedback enqueues delayed task-quality feedback for
// asynchronous consumption. The trajectory id is the request id of the
// originating routing decision.
func (r *Router) SubmitTrajectoryFeedback(trajectoryID, modelID string, accuracy, efficiency, errorHandling float64, success bool) error {
	return r.queue.Enqueue(bandit.TrajectoryFeedback{
		TrajectoryID:  trajectoryID,
		ModelID:       modelID,
		Accuracy:      accuracy,
		Efficiency:    efficiency,
		ErrorHandling: errorHandling,
		Success:       success,
	})
}

// FeedbackStats reports how many trajectory items were processed or dropped.
func (r *Router) FeedbackStats() bandit.ConsumerStats {
	return r.consumer.Stats()
}

// BanditSnapshot exposes the learned per-arm state for observability.
func (r *Router) BanditSnapshot() []bandit.ArmStats {
	return r.bandit.Snapshot()
}

// Execute routes the request and runs the call through the resilience
// orchestrator's circuit breaker for the chosen model, holding a budget
// reservation for the estimated cost across the call. The reservation is
// committed on success and released on failure; the outcome feeds the
// bandit either way.
func (r *Router) Execute(ctx context.Context, req Request, invoke func(ctx context.Context, modelID string) (any, error)) (Decision, any, error) {
	if r.orchestrator == nil {
		return Decision{}, nil, fmt.Errorf("router: no orchestrator configured")
	}

	decision, err := r.Route(ctx, req)
	if err != nil {
		return Decision{}, nil, err
	}

	var reservation *budget.Reservation

	if r.budget != nil {
		scope := budget.Scope{TenantID: req.TenantID, WorkspaceID: req.WorkspaceID}

		reservation, err = r.budget.Reserve(scope, decision.ModelID, decision.Provider, decision.EstimatedCost)
		if err != nil {
			return Decision{}, nil, err
		}
	}

	result := r.orchestrator.Execute(ctx, resilience.StrategyCircuitBreaker, decision.ModelID,
		func(ctx context.Context) (any, error) {
			return invoke(ctx, decision.ModelID)
		}, nil)

	if reservation != nil {
		if result.Success() {
			reservation.Commit(ctx, req.EstimatedTokens)
		} else {
			reservation.Release()
		}
	}

	reward := immediateReward(r.mustArm(decision.ModelID), result.Success(), result.Elapsed, 1.0)

	if uErr := r.bandit.Update(decision.ModelID, req.PromptFeatures, reward, nil); uErr != nil {
		r.logger.Log(ctx, log.LevelWarn, "bandit update failed",
			log.String("model_id", decision.ModelID),
			log.Err(uErr),
		)
	}

	return decision, result.Value, result.Err
}

func (r *Router) mustArm(modelID string) Arm {
	arm, _ := r.catalog.Get(modelID)
	return arm
}
