// Package bandit implements Thompson-sampling arm selection over backend
// models, with delayed trajectory feedback blended into the reward signal so
// routing decisions are credited for downstream task quality, not just the
// immediately observable outcome.
package bandit
