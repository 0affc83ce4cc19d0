package patch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/anomaly"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/patch"

// Generator synthesizes candidate patches for anomalies.
type Generator interface {
	// Generate requests a fix for the anomaly. Persistent reasoning failure
	// returns a CorePatch with status failed and no diff, never an error, so
	// downstream aggregation stays uniform.
	Generate(ctx context.Context, a anomaly.Anomaly) CorePatch
}

// GeneratorConfig configures retry behavior around the reasoning client.
type GeneratorConfig struct {
	// Timeout bounds each reasoning call.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseBackoff is the first retry delay; doubled per attempt.
	BaseBackoff time.Duration
}

// DefaultGeneratorConfig returns sensible generator defaults.
func DefaultGeneratorConfig() *GeneratorConfig {
	return &GeneratorConfig{
		Timeout:     60 * time.Second,
		MaxRetries:  2,
		BaseBackoff: 1 * time.Second,
	}
}

type generator struct {
	config *GeneratorConfig
	client ReasoningClient
	logger *zap.Logger
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	tracer          trace.Tracer
	meter           metric.Meter
	generateCounter metric.Int64Counter
	failureCounter  metric.Int64Counter
}

// NewGenerator creates a patch generator over the reasoning client.
func NewGenerator(cfg *GeneratorConfig, client ReasoningClient, logger *zap.Logger) (Generator, error) {
	if cfg == nil {
		cfg = DefaultGeneratorConfig()
	}
	if client == nil {
		return nil, errors.New("reasoning client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &generator{
		config: cfg,
		client: client,
		logger: logger,
		clock:  time.Now,
		sleep:  sleepCtx,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	g.initMetrics()
	return g, nil
}

func (g *generator) initMetrics() {
	var err error

	g.generateCounter, err = g.meter.Int64Counter(
		"remedyd.generator.patches_total",
		metric.WithDescription("Total patches generated, labeled by fix type"),
		metric.WithUnit("{patch}"),
	)
	if err != nil {
		g.logger.Warn("failed to create generate counter", zap.Error(err))
	}

	g.failureCounter, err = g.meter.Int64Counter(
		"remedyd.generator.failures_total",
		metric.WithDescription("Total generation failures after retries"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		g.logger.Warn("failed to create failure counter", zap.Error(err))
	}
}

// Generate calls the reasoning service with per-call timeout and bounded
// retries with exponential backoff on transient failure.
func (g *generator) Generate(ctx context.Context, a anomaly.Anomaly) CorePatch {
	ctx, span := g.tracer.Start(ctx, "patch.generate")
	defer span.End()

	span.SetAttributes(
		attribute.String("anomaly_id", a.ID),
		attribute.String("anomaly_type", string(a.Type)),
	)

	p := CorePatch{
		ID:        uuid.New().String(),
		AnomalyID: a.ID,
		Status:    StatusPending,
	}

	proposal, err := g.generateWithRetries(ctx, a)
	if err != nil {
		g.logger.Warn("patch generation failed",
			zap.String("anomaly_id", a.ID),
			zap.Error(err),
		)
		if g.failureCounter != nil {
			g.failureCounter.Add(ctx, 1)
		}
		// Uniform downstream handling: failed patch, no diff.
		_ = p.MarkFailed(fmt.Sprintf("generation: %v", err))
		return p
	}

	fixType, err := ParseFixType(proposal.FixType)
	if err != nil {
		_ = p.MarkFailed(fmt.Sprintf("generation: %v", err))
		return p
	}

	p.FixType = fixType
	p.FilePath = proposal.FilePath
	p.Diff = proposal.Diff

	if g.generateCounter != nil {
		g.generateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("fix_type", string(fixType))))
	}

	g.logger.Info("patch generated",
		zap.String("patch_id", p.ID),
		zap.String("anomaly_id", a.ID),
		zap.String("fix_type", string(fixType)),
	)

	span.SetAttributes(attribute.String("patch_id", p.ID))
	return p
}

func (g *generator) generateWithRetries(ctx context.Context, a anomaly.Anomaly) (*Proposal, error) {
	var lastErr error

	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.config.BaseBackoff * time.Duration(1<<(attempt-1))
			if err := g.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
		proposal, err := g.client.GeneratePatch(callCtx, a)
		cancel()

		if err == nil {
			return proposal, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
