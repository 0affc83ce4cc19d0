// Package anomaly detects deviations in deployed scopes.
//
// The crawler polls target surfaces (health probes, deploy status, error
// telemetry) with bounded per-target timeouts, deduplicates repeats within a
// configurable window, and degrades unreachable targets to low-severity
// anomalies so a cycle always proceeds with partial data.
package anomaly
