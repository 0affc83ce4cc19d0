package patch

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
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/remedyd/internal/anomaly"
)

// Proposal is a candidate fix returned by the reasoning service.
type Proposal struct {
	FixType  string `json:"fix_type"`
	FilePath string `json:"file_path"`
	Diff     string `json:"diff"`
}

// ReasoningClient requests candidate fixes from the external reasoning service.
type ReasoningClient interface {
	GeneratePatch(ctx context.Context, a anomaly.Anomaly) (*Proposal, error)
}

// TransientError wraps failures worth retrying (timeouts, 429, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether an error is a retryable reasoning failure.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ReasoningConfig configures the HTTP reasoning client.
type ReasoningConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// reasoningClient talks to the reasoning service over HTTP JSON.
type reasoningClient struct {
	cfg        ReasoningConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewReasoningClient creates the HTTP reasoning client.
func NewReasoningClient(cfg ReasoningConfig, logger *zap.Logger) (ReasoningClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("reasoning base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("reasoning API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 50.0 / 60.0
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 5
	}

	return &reasoningClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(limit), burst),
		logger:     logger,
	}, nil
}

type generateRequest struct {
	Model    string          `json:"model"`
	Anomaly  anomaly.Anomaly `json:"anomaly"`
	FixTypes []string        `json:"fix_types"`
}

type generateResponse struct {
	Proposal Proposal `json:"proposal"`
	Error    string   `json:"error,omitempty"`
}

// GeneratePatch sends one bounded-latency request to the reasoning service.
// Retries are the generator's responsibility; this call classifies failures
// as transient or permanent.
func (c *reasoningClient) GeneratePatch(ctx context.Context, a anomaly.Anomaly) (*Proposal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqBody := generateRequest{
		Model:   c.cfg.Model,
		Anomaly: a,
		FixTypes: []string{
			string(FixConfigRollback),
			string(FixDependencyPin),
			string(FixCodePatch),
			string(FixRestartService),
			string(FixResourceBump),
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/remediation/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures (timeouts included) are worth a retry.
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("reasoning service returned %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("reasoning service returned %d: %s", resp.StatusCode, truncate(string(data), 256))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("reasoning service error: %s", out.Error)
	}
	if out.Proposal.Diff == "" && out.Proposal.FixType != string(FixRestartService) {
		return nil, errors.New("reasoning service returned empty diff")
	}

	return &out.Proposal, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
