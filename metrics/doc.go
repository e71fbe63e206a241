// Package metrics provides a lazy, concurrency-safe factory over the
// OpenTelemetry metric API, plus the pre-configured instruments published by
// the routing and resilience packages.
package metrics
