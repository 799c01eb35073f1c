// Package status combines view states for screens built from several
// fetches.
//
// Aggregate derives one service status, Summarize one error summary, and
// Composite keeps both current by subscribing to the sections' handles.
package status
