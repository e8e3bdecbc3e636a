// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured JSON logging
// with a log level that can be changed while the process runs, plus helpers for carrying
// loggers and request ids through a context.
package logger
