// Package validate scores candidate patches before apply.
//
// The pipeline is deterministic: static diff shape checks (fast reject of
// malformed diffs), isolated execution by the external test/build runner
// against snapshot-captured state, then a weighted confidence score. A runner
// crash surfaces as an error so the caller can mark the patch failed rather
// than rejected; the distinction separates infrastructure problems from
// unacceptable patches in cycle reports.
package validate
