// Package patch defines candidate remediations and their generation.
//
// A CorePatch moves from pending to exactly one terminal status. The
// generator asks the external reasoning service for a fix with bounded
// timeouts and retries; a reasoning failure produces a failed patch rather
// than an error so cycle aggregation stays uniform.
package patch
