package anomaly

import (
	"time"
)

// Type categorizes a detected anomaly.
type Type string

const (
	// TypeHealthProbeFailed means the scope's health probe failed.
	TypeHealthProbeFailed Type = "health_probe_failed"
	// TypeDeployFailed means the last deployment of the scope failed.
	TypeDeployFailed Type = "deploy_failed"
	// TypeBuildBroken means the scope's pipeline failed in the build stage,
	// before anything was deployed.
	TypeBuildBroken Type = "build_broken"
	// TypeErrorRateSpike means error telemetry exceeds its baseline.
	TypeErrorRateSpike Type = "error_rate_spike"
	// TypeCrawlerUnreachable means a crawl target could not be reached.
	// Recorded with low severity so the cycle proceeds with partial data.
	TypeCrawlerUnreachable Type = "crawler_unreachable"
)

// Severity ranks how urgent an anomaly is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is a detected deviation from expected service state.
// Immutable once created; later stages reference it by ID only.
type Anomaly struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Target     string    `json:"target"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`

	// Evidence is the opaque diagnostic blob from the target surface.
	Evidence string `json:"evidence,omitempty"`
}
