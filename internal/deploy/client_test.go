package deploy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestCaptureState(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/state/capture", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "payments", req["scope"])

		_ = json.NewEncoder(w).Encode(map[string]string{"snapshot_id": "snap-9"})
	}))

	id, err := c.CaptureState(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, "snap-9", id)
}

func TestCaptureStateEmptyID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))

	_, err := c.CaptureState(context.Background(), "payments")
	assert.ErrorContains(t, err, "empty snapshot id")
}

func TestRestoreStateServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "snapshot not found", http.StatusNotFound)
	}))

	err := c.RestoreState(context.Background(), "snap-9")
	assert.ErrorContains(t, err, "404")
}

func TestHealthProbe(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/health/payments", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true})
		}))
		assert.NoError(t, c.HealthProbe(context.Background(), "payments"))
	})

	t.Run("unhealthy", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"healthy": false, "detail": "crash loop"})
		}))
		err := c.HealthProbe(context.Background(), "payments")
		assert.ErrorContains(t, err, "crash loop")
	})
}

func TestDeployStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/deploys/payments/latest", r.URL.Path)
		_ = json.NewEncoder(w).Encode(DeployStatus{Scope: "payments", Succeeded: false, Version: "v2.1.0"})
	}))

	status, err := c.DeployStatus(context.Background(), "payments")
	require.NoError(t, err)
	assert.False(t, status.Succeeded)
	assert.Equal(t, "v2.1.0", status.Version)
}

func TestErrorStats(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/telemetry/payments/errors", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ErrorStats{ErrorRate: 0.25, Baseline: 0.01})
	}))

	stats, err := c.ErrorStats(context.Background(), "payments")
	require.NoError(t, err)
	assert.Equal(t, 0.25, stats.ErrorRate)
}

func TestApplyPatch(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/patches/apply", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.ApplyPatch(context.Background(), "payments", "svc/main.go", "--- a\n+++ b\n"))
	assert.Equal(t, "payments", got["scope"])
	assert.Equal(t, "svc/main.go", got["file_path"])
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, zap.NewNop())
	assert.Error(t, err)
}
