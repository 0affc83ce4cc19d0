// Package deploy provides the client for the deployment platform collaborator.
//
// The platform exposes state capture/restore, health probes, deploy status,
// and patch application for a scope. remedyd treats it as the single source of
// truth for runtime state; all mutation of a scope goes through this client.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Platform is the deployment platform consumed by the engine.
type Platform interface {
	// CaptureState snapshots the scope's runtime state, returning a snapshot ID.
	CaptureState(ctx context.Context, scope string) (string, error)

	// RestoreState restores a previously captured snapshot.
	RestoreState(ctx context.Context, snapshotID string) error

	// HealthProbe checks the scope's health. A non-nil error means unhealthy.
	HealthProbe(ctx context.Context, scope string) error

	// DeployStatus returns the last deployment outcome for the scope.
	DeployStatus(ctx context.Context, scope string) (*DeployStatus, error)

	// ErrorStats returns recent error telemetry for the scope.
	ErrorStats(ctx context.Context, scope string) (*ErrorStats, error)

	// ApplyPatch applies a diff to the scope.
	ApplyPatch(ctx context.Context, scope, filePath, diff string) error
}

// Pipeline stages the platform reports a failure in.
const (
	StageBuild  = "build"
	StageDeploy = "deploy"
)

// DeployStatus describes the most recent deployment of a scope. Stage names
// the pipeline stage a failed run stopped in.
type DeployStatus struct {
	Scope      string    `json:"scope"`
	Succeeded  bool      `json:"succeeded"`
	Stage      string    `json:"stage,omitempty"`
	Version    string    `json:"version"`
	FinishedAt time.Time `json:"finished_at"`
	Detail     string    `json:"detail,omitempty"`
}

// ErrorStats summarizes recent error telemetry for a scope.
type ErrorStats struct {
	Scope      string  `json:"scope"`
	WindowSecs int     `json:"window_secs"`
	ErrorRate  float64 `json:"error_rate"`
	Baseline   float64 `json:"baseline"`
	Sample     string  `json:"sample,omitempty"`
}

// Config holds platform client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client is the HTTP implementation of Platform.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a platform client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("platform base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type captureRequest struct {
	Scope string `json:"scope"`
}

type captureResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

// CaptureState snapshots the scope's runtime state.
func (c *Client) CaptureState(ctx context.Context, scope string) (string, error) {
	var resp captureResponse
	if err := c.post(ctx, "/v1/state/capture", captureRequest{Scope: scope}, &resp); err != nil {
		return "", fmt.Errorf("capture state for %s: %w", scope, err)
	}
	if resp.SnapshotID == "" {
		return "", fmt.Errorf("capture state for %s: platform returned empty snapshot id", scope)
	}
	return resp.SnapshotID, nil
}

type restoreRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

// RestoreState restores a previously captured snapshot.
func (c *Client) RestoreState(ctx context.Context, snapshotID string) error {
	if err := c.post(ctx, "/v1/state/restore", restoreRequest{SnapshotID: snapshotID}, nil); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", snapshotID, err)
	}
	return nil
}

type probeResponse struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthProbe checks the scope's health.
func (c *Client) HealthProbe(ctx context.Context, scope string) error {
	var resp probeResponse
	if err := c.get(ctx, "/v1/health/"+scope, &resp); err != nil {
		return fmt.Errorf("health probe for %s: %w", scope, err)
	}
	if !resp.Healthy {
		return fmt.Errorf("scope %s unhealthy: %s", scope, resp.Detail)
	}
	return nil
}

// DeployStatus returns the last deployment outcome for the scope.
func (c *Client) DeployStatus(ctx context.Context, scope string) (*DeployStatus, error) {
	var resp DeployStatus
	if err := c.get(ctx, "/v1/deploys/"+scope+"/latest", &resp); err != nil {
		return nil, fmt.Errorf("deploy status for %s: %w", scope, err)
	}
	return &resp, nil
}

// ErrorStats returns recent error telemetry for the scope.
func (c *Client) ErrorStats(ctx context.Context, scope string) (*ErrorStats, error) {
	var resp ErrorStats
	if err := c.get(ctx, "/v1/telemetry/"+scope+"/errors", &resp); err != nil {
		return nil, fmt.Errorf("error stats for %s: %w", scope, err)
	}
	return &resp, nil
}

type applyRequest struct {
	Scope    string `json:"scope"`
	FilePath string `json:"file_path"`
	Diff     string `json:"diff"`
}

// ApplyPatch applies a diff to the scope.
func (c *Client) ApplyPatch(ctx context.Context, scope, filePath, diff string) error {
	if err := c.post(ctx, "/v1/patches/apply", applyRequest{Scope: scope, FilePath: filePath, Diff: diff}, nil); err != nil {
		return fmt.Errorf("apply patch to %s: %w", scope, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("platform returned %d: %s", resp.StatusCode, truncate(string(data), 256))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
