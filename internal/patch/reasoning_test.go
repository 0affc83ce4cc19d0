package patch

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

func newTestReasoningClient(t *testing.T, handler http.Handler) ReasoningClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewReasoningClient(ReasoningConfig{
		BaseURL:   srv.URL,
		Model:     "test-model",
		APIKey:    "test-key",
		RateLimit: 1000,
		RateBurst: 1000,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestGeneratePatchSuccess(t *testing.T) {
	c := newTestReasoningClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/remediation/generate", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req["model"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"proposal": map[string]string{
				"fix_type":  "code_patch",
				"file_path": "svc/main.go",
				"diff":      "--- a\n+++ b\n",
			},
		})
	}))

	p, err := c.GeneratePatch(context.Background(), testAnomaly())
	require.NoError(t, err)
	assert.Equal(t, "code_patch", p.FixType)
	assert.Equal(t, "svc/main.go", p.FilePath)
}

func TestGeneratePatchTransientStatuses(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway} {
		c := newTestReasoningClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := c.GeneratePatch(context.Background(), testAnomaly())
		assert.True(t, IsTransient(err), "status %d must be transient", status)
	}
}

func TestGeneratePatchPermanentStatus(t *testing.T) {
	c := newTestReasoningClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad anomaly", http.StatusBadRequest)
	}))

	_, err := c.GeneratePatch(context.Background(), testAnomaly())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestGeneratePatchEmptyDiffRejected(t *testing.T) {
	c := newTestReasoningClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"proposal": map[string]string{"fix_type": "code_patch"},
		})
	}))

	_, err := c.GeneratePatch(context.Background(), testAnomaly())
	assert.ErrorContains(t, err, "empty diff")
}

func TestGeneratePatchRestartNeedsNoDiff(t *testing.T) {
	c := newTestReasoningClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"proposal": map[string]string{"fix_type": "restart_service"},
		})
	}))

	p, err := c.GeneratePatch(context.Background(), testAnomaly())
	require.NoError(t, err)
	assert.Equal(t, "restart_service", p.FixType)
}

func TestNewReasoningClientValidation(t *testing.T) {
	_, err := NewReasoningClient(ReasoningConfig{APIKey: "k"}, zap.NewNop())
	assert.Error(t, err, "base URL required")

	_, err = NewReasoningClient(ReasoningConfig{BaseURL: "http://x"}, zap.NewNop())
	assert.Error(t, err, "API key required")
}
