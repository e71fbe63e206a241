// Package router is the routing façade over the arm catalog, the Thompson
// bandit, budget admission, and the resilience orchestrator. Route picks an
// arm per request, caches decisions in a bounded LRU, and falls back to a
// static safe-default arm when strategy selection degrades. RecordOutcome
// and SubmitTrajectoryFeedback close the immediate and delayed learning
// loops.
package router
