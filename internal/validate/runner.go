package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/patch"
)

const runnerMaxResponseBytes = 1 << 20

// RunnerConfig configures the HTTP runner client.
type RunnerConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPRunner talks to the external test/build runner service. The runner
// applies the candidate diff to a sandbox built from the snapshot and
// reports static and dynamic verdicts.
type HTTPRunner struct {
	config RunnerConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPRunner creates a runner client.
func NewHTTPRunner(cfg RunnerConfig, logger *zap.Logger) (*HTTPRunner, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("runner base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPRunner{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type runRequest struct {
	PatchID    string `json:"patch_id"`
	FixType    string `json:"fix_type"`
	FilePath   string `json:"file_path,omitempty"`
	Diff       string `json:"diff,omitempty"`
	SnapshotID string `json:"snapshot_id"`
}

// RunValidation executes the patch in the runner sandbox.
func (r *HTTPRunner) RunValidation(ctx context.Context, p patch.CorePatch, snapshotID string) (*RunResult, error) {
	body, err := json.Marshal(runRequest{
		PatchID:    p.ID,
		FixType:    string(p.FixType),
		FilePath:   p.FilePath,
		Diff:       p.Diff,
		SnapshotID: snapshotID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}

	url := r.config.BaseURL + "/v1/validate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, runnerMaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read runner response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runner returned %d: %s", resp.StatusCode, string(data))
	}

	var result RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode runner response: %w", err)
	}

	r.logger.Debug("runner verdict",
		zap.String("patch_id", p.ID),
		zap.Bool("static_pass", result.StaticPass),
		zap.Bool("dynamic_pass", result.DynamicPass),
	)
	return &result, nil
}
