package router

import "time"

// strategyFor maps request constraints to a routing strategy.
func strategyFor(c Constraints) RoutingStrategy {
	switch {
	case c.MinimizeCost:
		return StrategyCostAware
	case c.MinimizeLatency:
		return StrategyLatencyOptimized
	default:
		return StrategyBandit
	}
}

// meetsConstraints filters an arm against the request's hard bounds. Zero
// bounds are treated as unset.
func meetsConstraints(arm Arm, c Constraints) bool {
	if c.MinQuality > 0 && arm.QualityScore < c.MinQuality {
		return false
	}

	if c.MaxCost > 0 && arm.CostPerUnit > c.MaxCost {
		return false
	}

	if c.MaxLatency > 0 && arm.AvgLatency > c.MaxLatency {
		return false
	}

	return true
}

// selectCheapest is the cost-aware greedy selector: cheapest arm among those
// meeting the constraints, or the cheapest arm overall when none survive.
func selectCheapest(arms []Arm, c Constraints) (Arm, bool) {
	return selectGreedy(arms, c, func(a, b Arm) bool {
		return a.CostPerUnit < b.CostPerUnit
	})
}

// selectFastest is the latency-optimized greedy selector.
func selectFastest(arms []Arm, c Constraints) (Arm, bool) {
	return selectGreedy(arms, c, func(a, b Arm) bool {
		return a.AvgLatency < b.AvgLatency
	})
}

func selectGreedy(arms []Arm, c Constraints, better func(a, b Arm) bool) (Arm, bool) {
	if len(arms) == 0 {
		return Arm{}, false
	}

	var (
		best        Arm
		bestAny     Arm
		haveBest    bool
		haveBestAny bool
	)

	for _, arm := range arms {
		if !haveBestAny || better(arm, bestAny) {
			bestAny = arm
			haveBestAny = true
		}

		if !meetsConstraints(arm, c) {
			continue
		}

		if !haveBest || better(arm, best) {
			best = arm
			haveBest = true
		}
	}

	if haveBest {
		return best, true
	}

	// No arm satisfies every bound: fall back to the single best arm on
	// the relevant metric rather than failing the route.
	return bestAny, haveBestAny
}

// immediateReward converts an observed call outcome into a [0,1] learning
// signal. Success dominates; latency and cost relative to the arm's declared
// figures refine it.
func immediateReward(arm Arm, success bool, latency time.Duration, costRatio float64) float64 {
	if !success {
		return 0.0
	}

	latencyScore := 1.0
	if arm.AvgLatency > 0 && latency > arm.AvgLatency {
		latencyScore = float64(arm.AvgLatency) / float64(latency)
	}

	costScore := 1.0
	if costRatio > 1.0 {
		costScore = 1.0 / costRatio
	}

	reward := 0.6 + 0.25*latencyScore + 0.15*costScore
	if reward > 1.0 {
		reward = 1.0
	}

	return reward
}
