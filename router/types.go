package router

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// RoutingStrategy names how an arm was chosen for a request.
type RoutingStrategy string

const (
	// StrategyCostAware greedily picks the cheapest arm meeting constraints.
	StrategyCostAware RoutingStrategy = "cost_aware"
	// StrategyLatencyOptimized greedily picks the fastest arm meeting constraints.
	StrategyLatencyOptimized RoutingStrategy = "latency_optimized"
	// StrategyBandit selects via Thompson sampling over learned rewards.
	StrategyBandit RoutingStrategy = "bandit"
	// StrategySafeDefault is the static fallback when strategy selection fails.
	StrategySafeDefault RoutingStrategy = "safe_default"
)

// ErrRoutingExhausted means every strategy including the safe default failed
// to produce a decision.
var ErrRoutingExhausted = errors.New("routing exhausted: no arm available")

// ErrUnknownRequest means an outcome or feedback referenced a request that is
// not in the routing history, usually because it was evicted.
var ErrUnknownRequest = errors.New("no routing history for request")

// Constraints is the closed set of per-request routing options.
type Constraints struct {
	MinQuality      float64
	MaxCost         float64
	MaxLatency      time.Duration
	MinimizeCost    bool
	MinimizeLatency bool
}

// Request is the immutable routing input.
type Request struct {
	RequestID   string
	TenantID    string
	WorkspaceID string
	// PromptFeatures is the fixed-size context vector for the bandit.
	PromptFeatures []float64
	// EstimatedTokens drives the cost estimate for budget admission.
	EstimatedTokens int64
	Constraints     Constraints
}

// Decision is the immutable routing output.
type Decision struct {
	RequestID        string
	ModelID          string
	Provider         string
	EstimatedCost    decimal.Decimal
	EstimatedLatency time.Duration
	Confidence       float64
	Reasoning        string
	Strategy         RoutingStrategy
	Timestamp        time.Time
}
