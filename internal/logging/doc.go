// Package logging assembles structured slog loggers and formatting helpers used
// across lectern services.
//
// It owns the console and JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so stage code can tag log lines with job
// IDs, stages, and correlation IDs. A no-op logger is provided for tests.
package logging
