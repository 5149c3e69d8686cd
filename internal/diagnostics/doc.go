// Package diagnostics describes the host a report is written on.
//
// The description is gathered once when the monitor starts, since nothing
// here is safe to call from a failing process.
package diagnostics
