// Package cycle orchestrates the remediation pipeline for a scope: crawl,
// generate, validate, apply, verify, report.
//
// The Engine is a state machine with explicit transition boundaries. The
// kill-switch, the cycle deadline, and operator rollback requests are
// observed only at those boundaries; an in-flight operation always runs to
// its own completion or timeout. Every Run produces exactly one CycleReport
// regardless of outcome, and the report is persisted before it is rendered
// and alerted on.
//
// One engine exists per scope (see Registry). Cycles for different scopes
// run independently; within a scope at most one cycle runs at a time.
package cycle
