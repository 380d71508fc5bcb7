// Package logger provides structured logging functionality for the application
// using Go's standard library log/slog package. It configures a JSON handler
// at the level named in configuration and carries request-scoped loggers
// through context.Context.
package logger
