package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/alerts"
	"github.com/fyrsmithlabs/remedyd/internal/anomaly"
	"github.com/fyrsmithlabs/remedyd/internal/cycle"
	"github.com/fyrsmithlabs/remedyd/internal/patch"
	"github.com/fyrsmithlabs/remedyd/internal/ring"
)

func sampleReport() *cycle.CycleReport {
	score := 0.95
	low := 0.4
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	return &cycle.CycleReport{
		ID:          "c1",
		Scope:       "payments",
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Minute),
		DurationMs:  120_000,
		SnapshotID:  "snap-1",

		AnomaliesFound: 2,
		AnomaliesByType: map[string]int{
			"health_probe_failed": 1,
			"error_rate_spike":    1,
		},

		PatchesAttempted: 2,
		PatchesApplied:   1,
		PatchesRejected:  1,

		Ring:   2,
		Mode:   ring.ModeContinuous,
		Status: cycle.StatusCompleted,

		Anomalies: []anomaly.Anomaly{
			{ID: "a1", Type: anomaly.TypeHealthProbeFailed, Target: "payments", Severity: anomaly.SeverityHigh},
			{ID: "a2", Type: anomaly.TypeErrorRateSpike, Target: "payments", Severity: anomaly.SeverityMedium},
		},
		Patches: []patch.CorePatch{
			{ID: "p1", AnomalyID: "a1", FixType: patch.FixCodePatch, Status: patch.StatusApplied, ValidatorScore: &score},
			{ID: "p2", AnomalyID: "a2", FixType: patch.FixConfigRollback, Status: patch.StatusRejected, ValidatorScore: &low},
		},
	}
}

func TestRenderMarkdownIdempotent(t *testing.T) {
	rep := sampleReport()

	first := RenderMarkdown(rep)
	second := RenderMarkdown(rep)
	assert.Equal(t, first, second, "same report must render byte-identical output")
}

func TestRenderMarkdownContent(t *testing.T) {
	out := RenderMarkdown(sampleReport())

	assert.Contains(t, out, "# Remediation Cycle c1")
	assert.Contains(t, out, "**Scope:** payments")
	assert.Contains(t, out, "**Status:** completed")
	assert.Contains(t, out, "**Snapshot:** snap-1")
	assert.Contains(t, out, "error_rate_spike: 1")
	assert.Contains(t, out, "health_probe_failed: 1")
	assert.Contains(t, out, "`p1` code_patch for anomaly `a1`: **applied** (score 0.95)")
	assert.Contains(t, out, "`p2` config_rollback for anomaly `a2`: **rejected** (score 0.40)")
}

func TestRenderMarkdownHaltReason(t *testing.T) {
	rep := sampleReport()
	rep.Status = cycle.StatusHalted
	rep.HaltReason = cycle.HaltKillSwitch

	out := RenderMarkdown(rep)
	assert.Contains(t, out, "**Halt reason:** kill_switch")
}

func TestRenderMarkdownEmptyCycle(t *testing.T) {
	rep := &cycle.CycleReport{ID: "c0", Scope: "payments", Status: cycle.StatusCompleted}

	out := RenderMarkdown(rep)
	assert.Contains(t, out, "None detected.")
	assert.Contains(t, out, "No patches generated.")
}

func TestRenderSummary(t *testing.T) {
	s := RenderSummary(sampleReport())
	assert.Equal(t, "cycle c1 on payments: completed; 2 anomalies, 1 applied, 1 rejected, 0 failed", s)
}

// mockSink records enqueued alerts.
type mockSink struct {
	alerts []alerts.Alert
}

func (m *mockSink) Enqueue(a alerts.Alert) bool {
	m.alerts = append(m.alerts, a)
	return true
}

func TestPublisherSeverityFollowsOutcome(t *testing.T) {
	tests := []struct {
		status cycle.Status
		want   alerts.Severity
	}{
		{status: cycle.StatusCompleted, want: alerts.SeverityInfo},
		{status: cycle.StatusHalted, want: alerts.SeverityWarning},
		{status: cycle.StatusDegraded, want: alerts.SeverityWarning},
		{status: cycle.StatusError, want: alerts.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			sink := &mockSink{}
			p := NewPublisher(sink, zap.NewNop())

			rep := sampleReport()
			rep.Status = tt.status
			p.Publish(context.Background(), rep)

			require.Len(t, sink.alerts, 1)
			assert.Equal(t, tt.want, sink.alerts[0].Severity)
			assert.Equal(t, "c1", sink.alerts[0].CycleID)
			assert.Equal(t, "payments", sink.alerts[0].Scope)
		})
	}
}
