// Package circuitbreaker provides per-service circuit breakers with
// sliding-window failure detection, half-open recovery and a registry for
// managing them.
//
// Use NewManager to create and manage per-service breakers, then run calls
// through Manager.Execute so failures are tracked consistently across callers.
package circuitbreaker
