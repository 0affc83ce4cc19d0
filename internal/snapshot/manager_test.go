package snapshot

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

// mockPlatform scripts capture/restore outcomes.
type mockPlatform struct {
	captureID  string
	captureErr error
	restoreErr error

	mu       sync.Mutex
	restored []string
}

func (m *mockPlatform) CaptureState(_ context.Context, _ string) (string, error) {
	return m.captureID, m.captureErr
}

func (m *mockPlatform) RestoreState(_ context.Context, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restoreErr != nil {
		return m.restoreErr
	}
	m.restored = append(m.restored, snapshotID)
	return nil
}

func (m *mockPlatform) HealthProbe(context.Context, string) error { return nil }
func (m *mockPlatform) DeployStatus(context.Context, string) (*deploy.DeployStatus, error) {
	return &deploy.DeployStatus{Succeeded: true}, nil
}
func (m *mockPlatform) ErrorStats(context.Context, string) (*deploy.ErrorStats, error) {
	return &deploy.ErrorStats{}, nil
}
func (m *mockPlatform) ApplyPatch(context.Context, string, string, string) error { return nil }

// mockRecorder captures appended snapshots.
type mockRecorder struct {
	err      error
	appended []Snapshot
}

func (m *mockRecorder) AppendSnapshot(snap Snapshot) error {
	if m.err != nil {
		return m.err
	}
	m.appended = append(m.appended, snap)
	return nil
}

func TestCaptureRecordsBeforeReturning(t *testing.T) {
	platform := &mockPlatform{captureID: "snap-42"}
	recorder := &mockRecorder{}
	m, err := NewManager(platform, recorder, zap.NewNop())
	require.NoError(t, err)

	snap, err := m.Capture(context.Background(), "payments")
	require.NoError(t, err)

	assert.Equal(t, "snap-42", snap.ID)
	assert.Equal(t, "payments", snap.Scope)
	assert.True(t, snap.Restorable)
	assert.WithinDuration(t, time.Now(), snap.CreatedAt, time.Minute)

	require.Len(t, recorder.appended, 1)
	assert.Equal(t, "snap-42", recorder.appended[0].ID)
}

func TestCaptureFailsWhenRecordingFails(t *testing.T) {
	platform := &mockPlatform{captureID: "snap-42"}
	recorder := &mockRecorder{err: errors.New("disk full")}
	m, err := NewManager(platform, recorder, zap.NewNop())
	require.NoError(t, err)

	snap, err := m.Capture(context.Background(), "payments")
	assert.Error(t, err)
	assert.Nil(t, snap)
}

func TestCapturePlatformFailure(t *testing.T) {
	platform := &mockPlatform{captureErr: errors.New("platform unavailable")}
	m, err := NewManager(platform, &mockRecorder{}, zap.NewNop())
	require.NoError(t, err)

	snap, err := m.Capture(context.Background(), "payments")
	assert.Error(t, err)
	assert.Nil(t, snap)
}

func TestRestore(t *testing.T) {
	platform := &mockPlatform{}
	m, err := NewManager(platform, &mockRecorder{}, zap.NewNop())
	require.NoError(t, err)

	snap := &Snapshot{ID: "snap-1", Scope: "payments", Restorable: true}
	require.NoError(t, m.Restore(context.Background(), snap))
	assert.Equal(t, []string{"snap-1"}, platform.restored)
}

func TestRestoreFailureWrapsSentinel(t *testing.T) {
	tests := []struct {
		name string
		snap *Snapshot
		err  error
	}{
		{name: "nil snapshot", snap: nil},
		{name: "not restorable", snap: &Snapshot{ID: "snap-1", Restorable: false}},
		{name: "platform failure", snap: &Snapshot{ID: "snap-1", Restorable: true}, err: errors.New("corrupt")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			platform := &mockPlatform{restoreErr: tt.err}
			m, err := NewManager(platform, &mockRecorder{}, zap.NewNop())
			require.NoError(t, err)

			err = m.Restore(context.Background(), tt.snap)
			assert.ErrorIs(t, err, ErrRestoreFailed)
		})
	}
}

func TestScopeLocksAreIndependent(t *testing.T) {
	m, err := NewManager(&mockPlatform{}, &mockRecorder{}, zap.NewNop())
	require.NoError(t, err)

	m.Lock("payments")

	// A different scope's lock must not block.
	done := make(chan struct{})
	go func() {
		m.Lock("billing")
		m.Unlock("billing")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent scope lock blocked")
	}

	m.Unlock("payments")
}

func TestScopeLockIsExclusive(t *testing.T) {
	m, err := NewManager(&mockPlatform{}, &mockRecorder{}, zap.NewNop())
	require.NoError(t, err)

	m.Lock("payments")

	acquired := make(chan struct{})
	go func() {
		m.Lock("payments")
		close(acquired)
		m.Unlock("payments")
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held scope lock")
	case <-time.After(50 * time.Millisecond):
	}

	m.Unlock("payments")

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never handed over after unlock")
	}
}
