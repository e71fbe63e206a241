// Package log defines the structured logging facade used across the library.
//
// Core packages depend only on the Logger interface; the zap package provides
// the production implementation.
package log
