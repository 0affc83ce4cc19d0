package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/remedyd/internal/anomaly"
	"github.com/fyrsmithlabs/remedyd/internal/deploy"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/patch"
	"github.com/fyrsmithlabs/remedyd/internal/ring"
	"github.com/fyrsmithlabs/remedyd/internal/snapshot"
	"github.com/fyrsmithlabs/remedyd/internal/validate"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/cycle"

// Phase is the orchestrator state machine position.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseCrawling   Phase = "CRAWLING"
	PhaseGenerating Phase = "GENERATING"
	PhaseValidating Phase = "VALIDATING"
	PhaseApplying   Phase = "APPLYING"
	PhaseVerifying  Phase = "VERIFYING"
	PhaseReporting  Phase = "REPORTING"
	PhaseHalted     Phase = "HALTED"
	PhaseError      Phase = "ERROR"
)

// ErrCycleRunning is returned when a cycle is already in flight for the scope.
var ErrCycleRunning = errors.New("a cycle is already running for this scope")

// ErrScopeLocked is returned when the scope's last cycle ended in error and
// requires operator intervention before another cycle may run.
var ErrScopeLocked = errors.New("scope is error-locked; manual rollback required")

// ErrNoSnapshot is returned by manual rollback when no snapshot exists.
var ErrNoSnapshot = errors.New("no snapshot available for scope")

// ReportStore persists cycle reports for audit, append-only.
type ReportStore interface {
	AppendReport(rep *CycleReport) error
}

// Publisher renders and distributes a completed cycle report.
type Publisher interface {
	Publish(ctx context.Context, rep *CycleReport)
}

// Options control one cycle run.
type Options struct {
	// DryRun forces dry-run mode: the pipeline runs through validation but
	// nothing is applied.
	DryRun bool

	// Force bypasses the crawler's dedup window.
	Force bool
}

// Config configures the orchestrator.
type Config struct {
	// Deadline bounds one full cycle.
	Deadline time.Duration

	// MaxGenerateConcurrent bounds patch generation fan-out.
	MaxGenerateConcurrent int
}

// DefaultConfig returns sensible orchestrator defaults.
func DefaultConfig() *Config {
	return &Config{
		Deadline:              15 * time.Minute,
		MaxGenerateConcurrent: 3,
	}
}

// Engine drives one scope's remediation cycles end to end. It is the only
// component that calls snapshot capture/restore and ring advance/rollback;
// everything else is a pure function over its inputs.
type Engine struct {
	scope      string
	config     *Config
	crawler    anomaly.Crawler
	generator  patch.Generator
	validator  validate.Validator
	snapshots  snapshot.Manager
	controller *ring.Controller
	killSwitch *ring.KillSwitch
	platform   deploy.Platform
	store      ReportStore
	publisher  Publisher
	logger     *zap.Logger
	clock      func() time.Time

	tracer       trace.Tracer
	meter        metric.Meter
	cycleCounter metric.Int64Counter
	cycleDur     metric.Float64Histogram

	running          atomic.Bool
	rollbackRequest  atomic.Bool
	errorLocked      atomic.Bool
	phaseMu          sync.Mutex
	phase            Phase
	lastSnapshotMu   sync.Mutex
	lastSnapshot     *snapshot.Snapshot
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Crawler    anomaly.Crawler
	Generator  patch.Generator
	Validator  validate.Validator
	Snapshots  snapshot.Manager
	Controller *ring.Controller
	KillSwitch *ring.KillSwitch
	Platform   deploy.Platform
	Store      ReportStore
	Publisher  Publisher
	Logger     *zap.Logger
}

// NewEngine creates the orchestrator for one scope.
func NewEngine(cfg *Config, scope string, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	switch {
	case deps.Crawler == nil:
		return nil, errors.New("crawler is required")
	case deps.Generator == nil:
		return nil, errors.New("generator is required")
	case deps.Validator == nil:
		return nil, errors.New("validator is required")
	case deps.Snapshots == nil:
		return nil, errors.New("snapshot manager is required")
	case deps.Controller == nil:
		return nil, errors.New("ring controller is required")
	case deps.KillSwitch == nil:
		return nil, errors.New("kill-switch is required")
	case deps.Platform == nil:
		return nil, errors.New("platform client is required")
	case deps.Store == nil:
		return nil, errors.New("report store is required")
	case deps.Publisher == nil:
		return nil, errors.New("publisher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		scope:      scope,
		config:     cfg,
		crawler:    deps.Crawler,
		generator:  deps.Generator,
		validator:  deps.Validator,
		snapshots:  deps.Snapshots,
		controller: deps.Controller,
		killSwitch: deps.KillSwitch,
		platform:   deps.Platform,
		store:      deps.Store,
		publisher:  deps.Publisher,
		logger:     logger.With(zap.String("scope", scope)),
		clock:      time.Now,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		phase:      PhaseIdle,
	}
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	var err error

	e.cycleCounter, err = e.meter.Int64Counter(
		"remedyd.cycle.cycles_total",
		metric.WithDescription("Total cycles run, labeled by status"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		e.logger.Warn("failed to create cycle counter", zap.Error(err))
	}

	e.cycleDur, err = e.meter.Float64Histogram(
		"remedyd.cycle.duration_seconds",
		metric.WithDescription("Cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 60, 300, 900, 1800),
	)
	if err != nil {
		e.logger.Warn("failed to create cycle duration histogram", zap.Error(err))
	}
}

// Scope returns the scope this engine drives.
func (e *Engine) Scope() string { return e.scope }

// Phase returns the current orchestrator phase.
func (e *Engine) Phase() Phase {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()
	return e.phase
}

func (e *Engine) setPhase(p Phase) {
	e.phaseMu.Lock()
	e.phase = p
	e.phaseMu.Unlock()
}

// Status returns the scope's ring state plus engine flags.
func (e *Engine) Status() ring.Status {
	return e.controller.Status()
}

// ErrorLocked reports whether the scope requires operator intervention.
func (e *Engine) ErrorLocked() bool {
	return e.errorLocked.Load()
}

// RequestRollback asks the running cycle to stop and restore at its next
// transition boundary.
func (e *Engine) RequestRollback() {
	e.rollbackRequest.Store(true)
}

// Run drives one full remediation cycle and always produces exactly one
// CycleReport, whatever the outcome. The returned error is only a refusal
// (cycle already running, scope error-locked); cycle failures are expressed
// in the report status.
func (e *Engine) Run(ctx context.Context, opts Options) (*CycleReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer e.running.Store(false)
	defer e.setPhase(PhaseIdle)

	if e.errorLocked.Load() {
		return nil, ErrScopeLocked
	}

	mode := ring.ModeContinuous
	if opts.DryRun {
		mode = ring.ModeDryRun
	}

	started := e.clock()
	rep := &CycleReport{
		ID:        uuid.New().String(),
		Scope:     e.scope,
		StartedAt: started,
		Mode:      mode,
	}

	ctx = logging.WithScope(logging.WithCycleID(ctx, rep.ID), e.scope)
	ctx, cancel := context.WithDeadline(ctx, started.Add(e.config.Deadline))
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "cycle.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("scope", e.scope),
		attribute.String("cycle_id", rep.ID),
		attribute.String("mode", string(mode)),
	)

	e.logger.Info("cycle started",
		zap.String("cycle_id", rep.ID),
		zap.String("mode", string(mode)),
		zap.Bool("force", opts.Force),
	)

	if err := e.controller.Reset(mode); err != nil {
		// Kill-switch engaged before the cycle started.
		e.haltCycle(rep, HaltKillSwitch)
		return e.finish(ctx, span, rep)
	}

	e.runPhases(ctx, rep, opts)
	return e.finish(ctx, span, rep)
}

// runPhases executes the cycle state machine. Each transition passes through
// a boundary check; absorbing outcomes set the report status and return.
func (e *Engine) runPhases(ctx context.Context, rep *CycleReport, opts Options) {
	// CRAWLING
	if !e.boundary(ctx, rep) {
		return
	}
	e.setPhase(PhaseCrawling)

	anomalies, err := e.crawler.Scan(ctx, e.scope, opts.Force)
	if err != nil {
		e.logger.Error("anomaly scan failed", zap.Error(err))
		reason := HaltCrawlFailed
		if ctx.Err() != nil {
			reason = HaltCycleTimeout
		}
		e.haltCycle(rep, reason)
		return
	}
	rep.Anomalies = anomalies

	if len(anomalies) == 0 {
		rep.Status = StatusCompleted
		return
	}

	// GENERATING
	if !e.boundary(ctx, rep) {
		return
	}
	e.setPhase(PhaseGenerating)
	rep.Patches = e.generatePatches(ctx, anomalies)

	// VALIDATING. Capture comes first: the runner executes candidate patches
	// against snapshot-captured state, and capture must be durable before
	// any apply. The scope lock is held from capture through apply.
	if !e.boundary(ctx, rep) {
		return
	}
	e.setPhase(PhaseValidating)

	e.snapshots.Lock(e.scope)
	defer e.snapshots.Unlock(e.scope)

	snap, err := e.snapshots.Capture(ctx, e.scope)
	if err != nil {
		e.logger.Error("snapshot capture failed", zap.Error(err))
		e.haltCycle(rep, "snapshot_capture_failed")
		return
	}
	rep.SnapshotID = snap.ID
	e.setLastSnapshot(snap)

	e.validatePatches(ctx, rep, snap)

	if rep.Mode == ring.ModeDryRun {
		// Dry-run stops after validation; eligible patches stay pending.
		rep.Status = StatusCompleted
		return
	}

	// APPLYING
	if !e.boundary(ctx, rep) {
		return
	}
	e.setPhase(PhaseApplying)
	if !e.applyPatches(ctx, rep, snap) {
		return
	}

	// VERIFYING
	if !e.boundary(ctx, rep) {
		return
	}
	e.setPhase(PhaseVerifying)
	e.verifyRollout(ctx, rep, snap)
}

// generatePatches fans out over anomalies with bounded concurrency. Order
// follows the anomaly order; generation never errors, it produces failed
// patches instead.
func (e *Engine) generatePatches(ctx context.Context, anomalies []anomaly.Anomaly) []patch.CorePatch {
	patches := make([]patch.CorePatch, len(anomalies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxGenerateConcurrent)

	for i, a := range anomalies {
		g.Go(func() error {
			patches[i] = e.generator.Generate(gctx, a)
			return nil
		})
	}
	_ = g.Wait()

	return patches
}

// validatePatches scores each pending patch sequentially. Tooling failures
// mark the patch failed; a score below threshold marks it rejected.
func (e *Engine) validatePatches(ctx context.Context, rep *CycleReport, snap *snapshot.Snapshot) {
	for i := range rep.Patches {
		p := &rep.Patches[i]
		if p.Status != patch.StatusPending {
			continue
		}

		res, err := e.validator.Validate(ctx, *p, snap.ID)
		if err != nil {
			e.logger.Warn("validation tooling failed",
				zap.String("patch_id", p.ID),
				zap.Error(err),
			)
			_ = p.MarkFailed(fmt.Sprintf("validation: %v", err))
			continue
		}

		score := res.Score
		p.ValidatorScore = &score
		if !res.Passed {
			_ = p.MarkRejected()
		}
	}
}

// applyPatches applies eligible patches strictly sequentially under the
// scope lock. Returns false when the cycle must stop.
func (e *Engine) applyPatches(ctx context.Context, rep *CycleReport, snap *snapshot.Snapshot) bool {
	for i := range rep.Patches {
		p := &rep.Patches[i]
		if p.Status != patch.StatusPending {
			continue
		}

		// Kill-switch and rollback are observed between applies, never
		// mid-apply, to avoid tearing an in-flight operation.
		if !e.boundary(ctx, rep) {
			return false
		}

		if err := e.applyOne(ctx, p); err != nil {
			e.logger.Error("apply failed",
				zap.String("patch_id", p.ID),
				zap.Error(err),
			)
			_ = p.MarkFailed(fmt.Sprintf("apply: %v", err))

			if restoreErr := e.snapshots.Restore(ctx, snap); restoreErr != nil {
				e.fatal(rep, restoreErr)
				return false
			}
			e.controller.Rollback(ctx)
			e.haltCycle(rep, HaltApplyFailure)
			return false
		}

		_ = p.MarkApplied(e.clock())
		e.logger.Info("patch applied",
			zap.String("patch_id", p.ID),
			zap.String("fix_type", string(p.FixType)),
		)
	}
	return true
}

// applyOne dispatches exhaustively on the fix type. Adding a FixType
// constant without extending this switch fails at apply time, loudly.
func (e *Engine) applyOne(ctx context.Context, p *patch.CorePatch) error {
	switch p.FixType {
	case patch.FixConfigRollback, patch.FixDependencyPin, patch.FixCodePatch, patch.FixResourceBump:
		return e.platform.ApplyPatch(ctx, e.scope, p.FilePath, p.Diff)
	case patch.FixRestartService:
		// A restart is modeled as an empty-diff apply on the platform.
		return e.platform.ApplyPatch(ctx, e.scope, "", "")
	default:
		return fmt.Errorf("unhandled fix type %q", p.FixType)
	}
}

// verifyRollout advances rings with post-apply verification until full
// exposure. A probe failure rolls the scope back and degrades the cycle.
func (e *Engine) verifyRollout(ctx context.Context, rep *CycleReport, snap *snapshot.Snapshot) {
	if rep.countApplied() == 0 {
		// Nothing was applied; no exposure to advance.
		rep.Status = StatusCompleted
		return
	}

	for e.controller.Status().State != ring.StateRingN {
		if !e.boundary(ctx, rep) {
			return
		}

		err := e.controller.Advance(ctx)
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, ring.ErrVerificationFailed):
			e.markRolledBack(rep, err.Error())
			if restoreErr := e.snapshots.Restore(ctx, snap); restoreErr != nil {
				e.fatal(rep, restoreErr)
				return
			}
			rep.Status = StatusDegraded
			e.logger.Warn("cycle degraded: verification failed, scope rolled back",
				zap.Error(err),
			)
			return
		case errors.Is(err, ring.ErrHalted):
			e.haltCycle(rep, HaltKillSwitch)
			return
		default:
			e.haltCycle(rep, HaltCycleTimeout)
			return
		}
	}

	rep.Status = StatusCompleted
}

// boundary is the transition gate: operator rollback first, then the
// kill-switch, then the cycle deadline. Returns false when the cycle must
// stop; the report status is already set in that case.
func (e *Engine) boundary(ctx context.Context, rep *CycleReport) bool {
	if e.rollbackRequest.CompareAndSwap(true, false) {
		if snap := e.getLastSnapshot(); snap != nil && rep.SnapshotID != "" {
			if err := e.snapshots.Restore(ctx, snap); err != nil {
				e.fatal(rep, err)
				return false
			}
			e.controller.Rollback(ctx)
		}
		e.haltCycle(rep, HaltOperatorRollback)
		return false
	}

	if engaged, _ := e.killSwitch.Engaged(); engaged {
		e.controller.Halt()
		e.haltCycle(rep, HaltKillSwitch)
		return false
	}

	if ctx.Err() != nil {
		e.haltCycle(rep, HaltCycleTimeout)
		return false
	}

	return true
}

// finish closes out the cycle: finalize counts, persist, publish. Every
// cycle produces exactly one report and one render, whatever happened.
func (e *Engine) finish(ctx context.Context, span trace.Span, rep *CycleReport) (*CycleReport, error) {
	e.setPhase(PhaseReporting)

	if rep.Status == "" {
		rep.Status = StatusCompleted
	}
	rep.finalize(e.clock())
	rep.Ring = e.controller.Ring()

	if rep.Status == StatusError {
		e.errorLocked.Store(true)
		e.setPhase(PhaseError)
	}

	if err := rep.Validate(); err != nil {
		e.logger.Error("report invariant violated", zap.Error(err))
	}

	// Audit persistence failures are loud but do not lose the report; the
	// caller still receives it and the rendered output still goes out.
	if err := e.store.AppendReport(rep); err != nil {
		e.logger.Error("failed to persist cycle report",
			zap.String("cycle_id", rep.ID),
			zap.Error(err),
		)
	}

	// Publish renders and dispatches alerts off the critical path.
	e.publisher.Publish(ctx, rep)

	if e.cycleCounter != nil {
		e.cycleCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(rep.Status))))
	}
	if e.cycleDur != nil {
		e.cycleDur.Record(ctx, float64(rep.DurationMs)/1000.0)
	}

	span.SetAttributes(
		attribute.String("status", string(rep.Status)),
		attribute.Int("patches_applied", rep.PatchesApplied),
	)
	if rep.Status == StatusError {
		span.SetStatus(codes.Error, rep.HaltReason)
	}

	e.logger.Info("cycle finished",
		zap.String("cycle_id", rep.ID),
		zap.String("status", string(rep.Status)),
		zap.String("halt_reason", rep.HaltReason),
		zap.Int("anomalies", rep.AnomaliesFound),
		zap.Int("applied", rep.PatchesApplied),
		zap.Int("rejected", rep.PatchesRejected),
		zap.Int("failed", rep.PatchesFailed),
	)

	return rep, nil
}

// ManualRollback restores the scope to its last snapshot on operator
// request. A successful restore clears the error lock.
func (e *Engine) ManualRollback(ctx context.Context) error {
	snap := e.getLastSnapshot()
	if snap == nil {
		return ErrNoSnapshot
	}

	e.snapshots.Lock(e.scope)
	defer e.snapshots.Unlock(e.scope)

	if err := e.snapshots.Restore(ctx, snap); err != nil {
		return err
	}

	e.controller.Rollback(ctx)
	e.errorLocked.Store(false)
	e.logger.Info("manual rollback complete", zap.String("snapshot_id", snap.ID))
	return nil
}

func (e *Engine) haltCycle(rep *CycleReport, reason string) {
	e.setPhase(PhaseHalted)
	rep.Status = StatusHalted
	rep.HaltReason = reason
}

// fatal marks an engine integrity failure: the restore could not complete
// and the scope's state is unknown. Only this path yields StatusError.
func (e *Engine) fatal(rep *CycleReport, err error) {
	e.logger.Error("engine integrity failure", zap.Error(err))
	rep.Status = StatusError
	rep.HaltReason = err.Error()
}

func (e *Engine) markRolledBack(rep *CycleReport, reason string) {
	for i := range rep.Patches {
		if rep.Patches[i].Status == patch.StatusApplied {
			rep.Patches[i].RolledBackReason = reason
		}
	}
}

func (e *Engine) setLastSnapshot(s *snapshot.Snapshot) {
	e.lastSnapshotMu.Lock()
	e.lastSnapshot = s
	e.lastSnapshotMu.Unlock()
}

func (e *Engine) getLastSnapshot() *snapshot.Snapshot {
	e.lastSnapshotMu.Lock()
	defer e.lastSnapshotMu.Unlock()
	return e.lastSnapshot
}

func (r *CycleReport) countApplied() int {
	n := 0
	for i := range r.Patches {
		if r.Patches[i].Status == patch.StatusApplied {
			n++
		}
	}
	return n
}
