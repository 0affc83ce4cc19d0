package anomaly

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/deploy"
)

// mockPlatform scripts per-surface outcomes.
type mockPlatform struct {
	mu sync.Mutex

	healthErr error
	deploy    *deploy.DeployStatus
	deployErr error
	stats     *deploy.ErrorStats
	statsErr  error
}

func (m *mockPlatform) HealthProbe(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

func (m *mockPlatform) DeployStatus(context.Context, string) (*deploy.DeployStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deployErr != nil {
		return nil, m.deployErr
	}
	if m.deploy == nil {
		return &deploy.DeployStatus{Succeeded: true}, nil
	}
	return m.deploy, nil
}

func (m *mockPlatform) ErrorStats(context.Context, string) (*deploy.ErrorStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	if m.stats == nil {
		return &deploy.ErrorStats{ErrorRate: 0.01, Baseline: 0.01}, nil
	}
	return m.stats, nil
}

func (m *mockPlatform) CaptureState(context.Context, string) (string, error)     { return "", nil }
func (m *mockPlatform) RestoreState(context.Context, string) error               { return nil }
func (m *mockPlatform) ApplyPatch(context.Context, string, string, string) error { return nil }

func newTestCrawler(t *testing.T, platform deploy.Platform) Crawler {
	t.Helper()
	c, err := NewCrawler(&Config{
		Targets:       []string{"health", "deploy", "telemetry"},
		TargetTimeout: time.Second,
		DedupWindow:   10 * time.Minute,
		MaxConcurrent: 4,
	}, platform, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestScanHealthy(t *testing.T) {
	c := newTestCrawler(t, &mockPlatform{})

	found, err := c.Scan(context.Background(), "payments", false)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestScanDetectsFailures(t *testing.T) {
	platform := &mockPlatform{
		healthErr: errors.New("probe returned 503"),
		deploy:    &deploy.DeployStatus{Succeeded: false, Version: "v1.4.2", Detail: "crash loop"},
		stats:     &deploy.ErrorStats{ErrorRate: 0.5, Baseline: 0.01},
	}
	c := newTestCrawler(t, platform)

	found, err := c.Scan(context.Background(), "payments", false)
	require.NoError(t, err)
	require.Len(t, found, 3)

	types := map[Type]Anomaly{}
	for _, a := range found {
		types[a.Type] = a
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, "payments", a.Target)
		assert.False(t, a.DetectedAt.IsZero())
	}

	assert.Equal(t, SeverityHigh, types[TypeHealthProbeFailed].Severity)
	assert.Contains(t, types[TypeDeployFailed].Evidence, "v1.4.2")
	assert.Contains(t, types[TypeErrorRateSpike].Evidence, "error_rate=0.5")
}

func TestScanBuildStageFailureIsBuildBroken(t *testing.T) {
	platform := &mockPlatform{
		deploy: &deploy.DeployStatus{
			Succeeded: false,
			Stage:     deploy.StageBuild,
			Version:   "v1.5.0",
			Detail:    "compile error in svc/main.go",
		},
	}
	c := newTestCrawler(t, platform)

	found, err := c.Scan(context.Background(), "payments", false)
	require.NoError(t, err)
	require.Len(t, found, 1)

	assert.Equal(t, TypeBuildBroken, found[0].Type)
	assert.Equal(t, SeverityHigh, found[0].Severity)
	assert.Contains(t, found[0].Evidence, "compile error")
}

func TestScanDedupWindow(t *testing.T) {
	platform := &mockPlatform{healthErr: errors.New("probe returned 503")}
	c := newTestCrawler(t, platform)

	first, err := c.Scan(context.Background(), "payments", false)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Same type+target inside the window is suppressed.
	second, err := c.Scan(context.Background(), "payments", false)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestScanForceBypassesDedup(t *testing.T) {
	platform := &mockPlatform{healthErr: errors.New("probe returned 503")}
	c := newTestCrawler(t, platform)

	first, err := c.Scan(context.Background(), "payments", false)
	require.NoError(t, err)
	require.Len(t, first, 1)

	forced, err := c.Scan(context.Background(), "payments", true)
	require.NoError(t, err)
	assert.Len(t, forced, 1)
}

func TestScanUnreachableTargetDegrades(t *testing.T) {
	platform := &mockPlatform{deployErr: errors.New("connection refused")}
	c := newTestCrawler(t, platform)

	found, err := c.Scan(context.Background(), "payments", false)
	require.NoError(t, err, "one unreachable target must not fail the scan")
	require.Len(t, found, 1)

	assert.Equal(t, TypeCrawlerUnreachable, found[0].Type)
	assert.Equal(t, SeverityLow, found[0].Severity)
	assert.Contains(t, found[0].Evidence, "target=deploy")
}

func TestScanErrorRateBelowSpikeThreshold(t *testing.T) {
	// Double the baseline is the boundary; only strictly above spikes.
	platform := &mockPlatform{stats: &deploy.ErrorStats{ErrorRate: 0.02, Baseline: 0.01}}
	c := newTestCrawler(t, platform)

	found, err := c.Scan(context.Background(), "payments", false)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestScanRequiresScope(t *testing.T) {
	c := newTestCrawler(t, &mockPlatform{})
	_, err := c.Scan(context.Background(), "", false)
	assert.Error(t, err)
}

func TestScanStableOrder(t *testing.T) {
	platform := &mockPlatform{
		healthErr: errors.New("probe returned 503"),
		deploy:    &deploy.DeployStatus{Succeeded: false},
	}
	c := newTestCrawler(t, platform)

	found, err := c.Scan(context.Background(), "payments", false)
	require.NoError(t, err)
	require.Len(t, found, 2)

	// Sorted by target then type; both share a target here.
	assert.Equal(t, TypeDeployFailed, found[0].Type)
	assert.Equal(t, TypeHealthProbeFailed, found[1].Type)
}
