package cycle

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/anomaly"
	"github.com/fyrsmithlabs/remedyd/internal/patch"
	"github.com/fyrsmithlabs/remedyd/internal/ring"
)

// Status is the terminal outcome of a cycle.
type Status string

const (
	// StatusCompleted means the cycle ran to the end.
	StatusCompleted Status = "completed"
	// StatusHalted means the cycle stopped at a boundary (kill-switch,
	// deadline, apply failure, operator rollback).
	StatusHalted Status = "halted"
	// StatusDegraded means post-apply verification failed and the scope was
	// rolled back.
	StatusDegraded Status = "degraded"
	// StatusError means an engine integrity failure (restore failed); the
	// scope requires operator intervention before further cycles.
	StatusError Status = "error"
)

// Halt reasons recorded on halted cycles.
const (
	HaltKillSwitch       = "kill_switch"
	HaltCycleTimeout     = "cycle_timeout"
	HaltCrawlFailed      = "crawl_failed"
	HaltApplyFailure     = "apply_failure"
	HaltOperatorRollback = "operator_rollback"
)

// CycleReport is the audit record of one remediation cycle. It is the
// cycle-scoped arena: anomalies and patches live here by value and reference
// each other by ID only. Built once at cycle end, immutable thereafter.
type CycleReport struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
	SnapshotID  string    `json:"snapshot_id,omitempty"`

	AnomaliesFound  int            `json:"anomalies_found"`
	AnomaliesByType map[string]int `json:"anomalies_by_type"`

	// PatchesAttempted counts patches that reached a terminal status.
	// In continuous mode every generated patch terminates, so this equals
	// the generated count; in dry-run, eligible patches stay pending and
	// are counted by PatchesEligible instead.
	PatchesAttempted int `json:"patches_attempted"`
	PatchesApplied   int `json:"patches_applied"`
	PatchesRejected  int `json:"patches_rejected"`
	PatchesFailed    int `json:"patches_failed"`
	PatchesEligible  int `json:"patches_eligible,omitempty"`

	Ring       int       `json:"ring"`
	Mode       ring.Mode `json:"mode"`
	Status     Status    `json:"status"`
	HaltReason string    `json:"halt_reason,omitempty"`

	Anomalies []anomaly.Anomaly `json:"anomalies,omitempty"`
	Patches   []patch.CorePatch `json:"patches"`
}

// finalize computes counts and duration. The attempted invariant
// (applied + rejected + failed == attempted) holds by construction.
func (r *CycleReport) finalize(completedAt time.Time) {
	r.CompletedAt = completedAt
	r.DurationMs = completedAt.Sub(r.StartedAt).Milliseconds()

	r.AnomaliesFound = len(r.Anomalies)
	r.AnomaliesByType = make(map[string]int, 4)
	for _, a := range r.Anomalies {
		r.AnomaliesByType[string(a.Type)]++
	}

	r.PatchesApplied, r.PatchesRejected, r.PatchesFailed, r.PatchesEligible = 0, 0, 0, 0
	for i := range r.Patches {
		switch r.Patches[i].Status {
		case patch.StatusApplied:
			r.PatchesApplied++
		case patch.StatusRejected:
			r.PatchesRejected++
		case patch.StatusFailed:
			r.PatchesFailed++
		case patch.StatusPending:
			r.PatchesEligible++
		}
	}
	r.PatchesAttempted = r.PatchesApplied + r.PatchesRejected + r.PatchesFailed
}

// Validate checks report invariants before persistence.
func (r *CycleReport) Validate() error {
	if r.PatchesApplied+r.PatchesRejected+r.PatchesFailed != r.PatchesAttempted {
		return fmt.Errorf("report %s: patch counts do not sum to attempted", r.ID)
	}
	if r.Status == "" {
		return fmt.Errorf("report %s: missing status", r.ID)
	}
	return nil
}
