// Package log provides structured logging for ciforge via zerolog: JSON
// output when Config.JSONOutput is set, a human-readable console writer
// otherwise.
//
// A single global Logger is initialized once by Init(); components get a
// child logger carrying a "component" field via WithComponent, and
// request-scoped loggers carry a "job_id" or "user_id" field via
// WithJobID/WithUserID.
package log
