// Package snapshot captures and restores scope state around patch
// application.
//
// Capture must complete and be durably recorded before any patch for the
// scope is applied; this ordering is the engine's core safety invariant.
// Restore is atomic from the caller's perspective: the scope returns to the
// captured state or the operation fails loudly.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/deploy"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/snapshot"

// ErrRestoreFailed marks a restore that could not complete. The caller must
// escalate to an error cycle status; the scope may be in an unknown state.
var ErrRestoreFailed = errors.New("snapshot restore failed")

// Snapshot is a restorable capture of scope state.
type Snapshot struct {
	ID         string    `json:"id"`
	Scope      string    `json:"scope"`
	CreatedAt  time.Time `json:"created_at"`
	Restorable bool      `json:"restorable"`
}

// Recorder durably records snapshots before they are relied upon.
type Recorder interface {
	AppendSnapshot(snap Snapshot) error
}

// Manager captures and restores scope snapshots, and owns the per-scope
// apply locks: snapshot capture and patch application for a scope are
// mutually exclusive across concurrent cycles.
type Manager interface {
	// Capture snapshots the scope and durably records the result before
	// returning. Callers must hold the scope lock.
	Capture(ctx context.Context, scope string) (*Snapshot, error)

	// Restore returns the scope to the snapshot's state.
	Restore(ctx context.Context, snap *Snapshot) error

	// Lock acquires the per-scope apply lock.
	Lock(scope string)

	// Unlock releases the per-scope apply lock.
	Unlock(scope string)
}

type manager struct {
	platform deploy.Platform
	recorder Recorder
	logger   *zap.Logger
	clock    func() time.Time

	tracer         trace.Tracer
	meter          metric.Meter
	captureCounter metric.Int64Counter
	restoreCounter metric.Int64Counter

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a snapshot manager over the deployment platform.
func NewManager(platform deploy.Platform, recorder Recorder, logger *zap.Logger) (Manager, error) {
	if platform == nil {
		return nil, errors.New("platform client is required")
	}
	if recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &manager{
		platform: platform,
		recorder: recorder,
		logger:   logger,
		clock:    time.Now,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		locks:    make(map[string]*sync.Mutex),
	}
	m.initMetrics()
	return m, nil
}

func (m *manager) initMetrics() {
	var err error

	m.captureCounter, err = m.meter.Int64Counter(
		"remedyd.snapshot.captures_total",
		metric.WithDescription("Total snapshot captures"),
		metric.WithUnit("{capture}"),
	)
	if err != nil {
		m.logger.Warn("failed to create capture counter", zap.Error(err))
	}

	m.restoreCounter, err = m.meter.Int64Counter(
		"remedyd.snapshot.restores_total",
		metric.WithDescription("Total snapshot restores, labeled by outcome"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		m.logger.Warn("failed to create restore counter", zap.Error(err))
	}
}

// Capture snapshots the scope. The snapshot is durably recorded before the
// method returns; a recording failure fails the capture.
func (m *manager) Capture(ctx context.Context, scope string) (*Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "snapshot.capture")
	defer span.End()

	span.SetAttributes(attribute.String("scope", scope))

	if scope == "" {
		return nil, errors.New("scope is required")
	}

	snapshotID, err := m.platform.CaptureState(ctx, scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("capture failed for %s: %w", scope, err)
	}

	snap := &Snapshot{
		ID:         snapshotID,
		Scope:      scope,
		CreatedAt:  m.clock(),
		Restorable: true,
	}

	if err := m.recorder.AppendSnapshot(*snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("snapshot %s captured but not durably recorded: %w", snapshotID, err)
	}

	if m.captureCounter != nil {
		m.captureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
	}

	m.logger.Info("snapshot captured",
		zap.String("scope", scope),
		zap.String("snapshot_id", snap.ID),
	)

	span.SetAttributes(attribute.String("snapshot_id", snap.ID))
	return snap, nil
}

// Restore returns the scope to the snapshot's state. Any failure wraps
// ErrRestoreFailed; there is no silent partial restore.
func (m *manager) Restore(ctx context.Context, snap *Snapshot) error {
	ctx, span := m.tracer.Start(ctx, "snapshot.restore")
	defer span.End()

	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", ErrRestoreFailed)
	}

	span.SetAttributes(
		attribute.String("scope", snap.Scope),
		attribute.String("snapshot_id", snap.ID),
	)

	if !snap.Restorable {
		return fmt.Errorf("%w: snapshot %s is not restorable", ErrRestoreFailed, snap.ID)
	}

	if err := m.platform.RestoreState(ctx, snap.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if m.restoreCounter != nil {
			m.restoreCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		}
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	if m.restoreCounter != nil {
		m.restoreCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	}

	m.logger.Info("snapshot restored",
		zap.String("scope", snap.Scope),
		zap.String("snapshot_id", snap.ID),
	)
	return nil
}

// Lock acquires the per-scope apply lock.
func (m *manager) Lock(scope string) {
	m.scopeLock(scope).Lock()
}

// Unlock releases the per-scope apply lock.
func (m *manager) Unlock(scope string) {
	m.scopeLock(scope).Unlock()
}

func (m *manager) scopeLock(scope string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[scope]
	if !ok {
		l = &sync.Mutex{}
		m.locks[scope] = l
	}
	return l
}
