// Package logger provides structured logging functionality for the application
// using Go's standard library log/slog package.
//
// Setup builds the process logger from configuration. WithLogger and
// FromContext carry request- or message-scoped loggers through call chains,
// and TestLogBuffer lets tests assert on emitted JSON entries.
package logger
