// Package zap provides the zap-backed production implementation of the
// log.Logger facade, with environment-based profiles and a runtime-adjustable
// level handle.
package zap
