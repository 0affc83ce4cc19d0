package validate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/patch"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/validate"

// Runner executes a patch against snapshot-captured state in isolation.
// This is the external test/build runner collaborator.
type Runner interface {
	RunValidation(ctx context.Context, p patch.CorePatch, snapshotID string) (*RunResult, error)
}

// RunResult is the runner's verdict on a patch.
type RunResult struct {
	StaticPass  bool `json:"static_pass"`
	DynamicPass bool `json:"dynamic_pass"`
}

// Result is the validator's verdict on a patch.
type Result struct {
	Score       float64 `json:"score"`
	Passed      bool    `json:"passed"`
	StaticRate  float64 `json:"static_rate"`
	DynamicRate float64 `json:"dynamic_rate"`
	Reason      string  `json:"reason,omitempty"`
}

// Config configures the validator.
type Config struct {
	// ApplyThreshold is the minimum score for a patch to be eligible for apply.
	ApplyThreshold float64

	// StaticWeight and DynamicWeight combine stage pass rates into the score:
	// score = StaticWeight*staticRate + DynamicWeight*dynamicRate.
	StaticWeight  float64
	DynamicWeight float64

	// MaxDiffBytes rejects oversized diffs before parsing.
	MaxDiffBytes int

	// RunnerTimeout bounds the external run per patch.
	RunnerTimeout time.Duration
}

// DefaultConfig returns sensible validator defaults.
func DefaultConfig() *Config {
	return &Config{
		ApplyThreshold: 0.7,
		StaticWeight:   0.4,
		DynamicWeight:  0.6,
		MaxDiffBytes:   256 * 1024,
		RunnerTimeout:  120 * time.Second,
	}
}

// Validator scores candidate patches.
type Validator interface {
	// Validate runs the deterministic pipeline: static shape checks, isolated
	// execution against the snapshot, then confidence scoring. A returned
	// error means the validation tooling itself broke; the caller marks the
	// patch failed, never rejected.
	Validate(ctx context.Context, p patch.CorePatch, snapshotID string) (*Result, error)
}

type validator struct {
	config *Config
	runner Runner
	logger *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	validateCounter metric.Int64Counter
	scoreHistogram  metric.Float64Histogram
}

// New creates a validator over the external runner.
func New(cfg *Config, runner Runner, logger *zap.Logger) (Validator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ApplyThreshold < 0 || cfg.ApplyThreshold > 1 {
		return nil, fmt.Errorf("apply threshold must be in [0,1], got %f", cfg.ApplyThreshold)
	}

	v := &validator{
		config: cfg,
		runner: runner,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	v.initMetrics()
	return v, nil
}

func (v *validator) initMetrics() {
	var err error

	v.validateCounter, err = v.meter.Int64Counter(
		"remedyd.validator.validations_total",
		metric.WithDescription("Total patch validations, labeled by verdict"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		v.logger.Warn("failed to create validation counter", zap.Error(err))
	}

	v.scoreHistogram, err = v.meter.Float64Histogram(
		"remedyd.validator.score",
		metric.WithDescription("Validator confidence scores"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0),
	)
	if err != nil {
		v.logger.Warn("failed to create score histogram", zap.Error(err))
	}
}

// Validate scores one patch. The pipeline is deterministic for a given patch
// and runner verdict.
func (v *validator) Validate(ctx context.Context, p patch.CorePatch, snapshotID string) (*Result, error) {
	ctx, span := v.tracer.Start(ctx, "validate.patch")
	defer span.End()

	span.SetAttributes(
		attribute.String("patch_id", p.ID),
		attribute.String("fix_type", string(p.FixType)),
	)

	static := v.staticChecks(p)

	// Fast reject: a malformed diff never reaches the runner.
	// The dynamic stage never ran, so it contributes zero.
	if static.fatal {
		result := &Result{
			Score:      v.config.StaticWeight * static.rate() / (v.config.StaticWeight + v.config.DynamicWeight),
			Passed:     false,
			StaticRate: static.rate(),
			Reason:     static.reason,
		}
		v.record(ctx, result)
		return result, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, v.config.RunnerTimeout)
	defer cancel()

	run, err := v.runner.RunValidation(runCtx, p, snapshotID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Tooling crash, not a judgment on the patch.
		return nil, fmt.Errorf("validation runner: %w", err)
	}

	static.add("runner_static", run.StaticPass)

	dynamicRate := 0.0
	if run.DynamicPass {
		dynamicRate = 1.0
	}

	// Weighted sum, normalized so misconfigured weights still yield [0,1].
	weightSum := v.config.StaticWeight + v.config.DynamicWeight
	score := (v.config.StaticWeight*static.rate() + v.config.DynamicWeight*dynamicRate) / weightSum

	result := &Result{
		Score:       score,
		Passed:      score >= v.config.ApplyThreshold,
		StaticRate:  static.rate(),
		DynamicRate: dynamicRate,
	}
	if !result.Passed {
		result.Reason = fmt.Sprintf("score %.2f below threshold %.2f", score, v.config.ApplyThreshold)
	}

	v.record(ctx, result)

	v.logger.Info("patch validated",
		zap.String("patch_id", p.ID),
		zap.Float64("score", result.Score),
		zap.Bool("passed", result.Passed),
	)

	span.SetAttributes(
		attribute.Float64("score", result.Score),
		attribute.Bool("passed", result.Passed),
	)
	return result, nil
}

func (v *validator) record(ctx context.Context, r *Result) {
	verdict := "rejected"
	if r.Passed {
		verdict = "passed"
	}
	if v.validateCounter != nil {
		v.validateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
	}
	if v.scoreHistogram != nil {
		v.scoreHistogram.Record(ctx, r.Score)
	}
}

// staticResult accumulates static check outcomes.
type staticResult struct {
	total  int
	passed int
	fatal  bool
	reason string
}

func (s *staticResult) add(name string, ok bool) {
	s.total++
	if ok {
		s.passed++
	} else if s.reason == "" {
		s.reason = name + " check failed"
	}
}

func (s *staticResult) fail(name string) {
	s.add(name, false)
	s.fatal = true
}

func (s *staticResult) rate() float64 {
	if s.total == 0 {
		return 1.0
	}
	return float64(s.passed) / float64(s.total)
}

// staticChecks runs the lint/shape stage. Restart fixes carry no diff, so
// diff checks are skipped for them.
func (v *validator) staticChecks(p patch.CorePatch) *staticResult {
	s := &staticResult{}

	if p.FixType == patch.FixRestartService {
		s.add("shape", true)
		return s
	}

	if strings.TrimSpace(p.Diff) == "" {
		s.fail("diff_present")
		return s
	}
	s.add("diff_present", true)

	if len(p.Diff) > v.config.MaxDiffBytes {
		s.fail("diff_size")
		return s
	}
	s.add("diff_size", true)

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(p.Diff)).ReadAllFiles()
	if err != nil || len(fileDiffs) == 0 {
		s.fail("diff_parse")
		return s
	}
	s.add("diff_parse", true)

	hunks := 0
	pathMatch := p.FilePath == ""
	for _, fd := range fileDiffs {
		hunks += len(fd.Hunks)
		if p.FilePath != "" && (pathEqual(fd.NewName, p.FilePath) || pathEqual(fd.OrigName, p.FilePath)) {
			pathMatch = true
		}
	}
	s.add("has_hunks", hunks > 0)
	s.add("path_match", pathMatch)
	if hunks == 0 {
		s.fatal = true
	}

	return s
}

// pathEqual compares diff header names, tolerating a/ and b/ prefixes.
func pathEqual(headerName, filePath string) bool {
	name := strings.TrimPrefix(strings.TrimPrefix(headerName, "a/"), "b/")
	return name == filePath
}
