// Package logging wires slog handlers for console and JSON output and
// provides the standardized field names used across the daemon.
package logging
