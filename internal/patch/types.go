package patch

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a CorePatch.
// A patch moves from pending to exactly one terminal state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// FixType is the closed set of remediation strategies. The apply step
// dispatches exhaustively over these, so adding a strategy is a
// compile-visible change.
type FixType string

const (
	// FixConfigRollback reverts a configuration change.
	FixConfigRollback FixType = "config_rollback"
	// FixDependencyPin pins a dependency to a known-good version.
	FixDependencyPin FixType = "dependency_pin"
	// FixCodePatch applies a source diff.
	FixCodePatch FixType = "code_patch"
	// FixRestartService restarts the affected service.
	FixRestartService FixType = "restart_service"
	// FixResourceBump raises a resource limit.
	FixResourceBump FixType = "resource_bump"
)

// ParseFixType validates a fix type string from the reasoning service.
func ParseFixType(s string) (FixType, error) {
	switch FixType(s) {
	case FixConfigRollback, FixDependencyPin, FixCodePatch, FixRestartService, FixResourceBump:
		return FixType(s), nil
	default:
		return "", fmt.Errorf("unknown fix type %q", s)
	}
}

// CorePatch is a candidate or applied remediation for one anomaly.
type CorePatch struct {
	ID        string  `json:"id"`
	AnomalyID string  `json:"anomaly_id"`
	FixType   FixType `json:"fix_type"`
	FilePath  string  `json:"file_path,omitempty"`
	Diff      string  `json:"diff,omitempty"`
	Status    Status  `json:"status"`

	// ValidatorScore is nil until validation ran.
	ValidatorScore *float64 `json:"validator_score,omitempty"`

	RolledBackReason string     `json:"rolled_back_reason,omitempty"`
	AppliedAt        *time.Time `json:"applied_at,omitempty"`

	// FailureReason records why generation or validation tooling failed.
	FailureReason string `json:"failure_reason,omitempty"`
}

// MarkApplied transitions pending -> applied.
func (p *CorePatch) MarkApplied(at time.Time) error {
	if err := p.checkPending("applied"); err != nil {
		return err
	}
	p.Status = StatusApplied
	p.AppliedAt = &at
	return nil
}

// MarkRejected transitions pending -> rejected. Rejection means the patch
// itself was unacceptable (validator score below threshold).
func (p *CorePatch) MarkRejected() error {
	if err := p.checkPending("rejected"); err != nil {
		return err
	}
	p.Status = StatusRejected
	return nil
}

// MarkFailed transitions pending -> failed. Failure means generation or
// validation infrastructure broke, not that the patch was judged bad.
func (p *CorePatch) MarkFailed(reason string) error {
	if err := p.checkPending("failed"); err != nil {
		return err
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	return nil
}

func (p *CorePatch) checkPending(next string) error {
	if p.Status != StatusPending {
		return fmt.Errorf("patch %s: cannot transition %s -> %s", p.ID, p.Status, next)
	}
	return nil
}

// Terminal reports whether the patch reached a terminal status.
func (p *CorePatch) Terminal() bool {
	return p.Status != StatusPending
}
