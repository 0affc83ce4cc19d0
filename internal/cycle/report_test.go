package cycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/anomaly"
	"github.com/fyrsmithlabs/remedyd/internal/patch"
)

func TestReportFinalize(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)

	rep := &CycleReport{
		ID:        "c1",
		Scope:     "payments",
		StartedAt: started,
		Status:    StatusCompleted,
		Anomalies: []anomaly.Anomaly{
			{ID: "a1", Type: anomaly.TypeHealthProbeFailed},
			{ID: "a2", Type: anomaly.TypeHealthProbeFailed},
			{ID: "a3", Type: anomaly.TypeErrorRateSpike},
		},
		Patches: []patch.CorePatch{
			{ID: "p1", Status: patch.StatusApplied},
			{ID: "p2", Status: patch.StatusRejected},
			{ID: "p3", Status: patch.StatusFailed},
			{ID: "p4", Status: patch.StatusPending},
		},
	}

	rep.finalize(completed)

	assert.Equal(t, completed, rep.CompletedAt)
	assert.Equal(t, int64(90_000), rep.DurationMs)
	assert.Equal(t, 3, rep.AnomaliesFound)
	assert.Equal(t, map[string]int{
		"health_probe_failed": 2,
		"error_rate_spike":    1,
	}, rep.AnomaliesByType)

	assert.Equal(t, 1, rep.PatchesApplied)
	assert.Equal(t, 1, rep.PatchesRejected)
	assert.Equal(t, 1, rep.PatchesFailed)
	assert.Equal(t, 1, rep.PatchesEligible)
	assert.Equal(t, 3, rep.PatchesAttempted)

	require.NoError(t, rep.Validate())
}

func TestReportValidate(t *testing.T) {
	rep := &CycleReport{ID: "c1", Status: StatusCompleted}
	rep.finalize(time.Now())
	require.NoError(t, rep.Validate())

	rep.PatchesAttempted = 5
	assert.Error(t, rep.Validate())

	rep = &CycleReport{ID: "c2"}
	assert.Error(t, rep.Validate(), "status is required")
}
