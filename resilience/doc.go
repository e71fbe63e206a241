// Package resilience composes named execution strategies over a pool of
// backend services: fail fast, graceful degradation, capped-backoff retry,
// circuit breaking, and health-weighted adaptive routing.
//
// The Orchestrator records every execution into a per-service health tracker
// and runs an optional background loop that re-evaluates health, logs
// transitions, and resets circuit breakers for recovered services.
package resilience
