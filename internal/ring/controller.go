// Package ring governs progressive exposure of validated patches across
// graduated deployment rings and owns the process-wide kill-switch.
package ring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/deploy"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/ring"

// State is the ring controller state machine position.
type State string

const (
	// StateRing0 is dry internal validation only.
	StateRing0 State = "RING_0"
	// StateRing1 is low exposure.
	StateRing1 State = "RING_1"
	// StateRingN is full exposure.
	StateRingN State = "RING_N"
	// StateRolledBack is absorbing: verification failed and exposure is zero.
	StateRolledBack State = "ROLLED_BACK"
	// StateHalted is absorbing: the kill-switch was engaged.
	StateHalted State = "HALTED"
)

// Mode selects how a cycle exercises the pipeline.
type Mode string

const (
	// ModeContinuous runs the full pipeline including apply.
	ModeContinuous Mode = "continuous"
	// ModeDryRun runs through validation but never applies.
	ModeDryRun Mode = "dry-run"
	// ModeManual requires operator-triggered cycles.
	ModeManual Mode = "manual"
)

// ErrHalted is returned when the kill-switch blocks a transition.
var ErrHalted = errors.New("ring controller halted by kill-switch")

// ErrVerificationFailed is returned when a post-apply probe fails.
var ErrVerificationFailed = errors.New("post-apply verification failed")

// Status is the read-only view served by the control API.
type Status struct {
	Ring            int    `json:"ring"`
	State           State  `json:"state"`
	ExposurePercent int    `json:"exposure_percent"`
	KillSwitch      bool   `json:"kill_switch"`
	Mode            Mode   `json:"mode"`
	Scope           string `json:"scope"`
}

// Config configures a ring controller.
type Config struct {
	// ExposurePercents maps ring index to exposure. Ring 0 first,
	// non-decreasing, last entry 100.
	ExposurePercents []int

	// ProbeDelay waits between apply and the verification probe.
	ProbeDelay time.Duration
}

// DefaultConfig returns a three-ring rollout.
func DefaultConfig() *Config {
	return &Config{
		ExposurePercents: []int{0, 10, 100},
		ProbeDelay:       2 * time.Second,
	}
}

// Controller drives one scope's progressive rollout. State persists across
// cycles; Reset starts a new cycle's rollout from ring 0.
type Controller struct {
	config     *Config
	scope      string
	killSwitch *KillSwitch
	platform   deploy.Platform
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	tracer          trace.Tracer
	meter           metric.Meter
	advanceCounter  metric.Int64Counter
	rollbackCounter metric.Int64Counter

	mu       sync.Mutex
	state    State
	ring     int
	exposure int
	mode     Mode
}

// NewController creates a ring controller for one scope.
func NewController(cfg *Config, scope string, ks *KillSwitch, platform deploy.Platform, logger *zap.Logger) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	if ks == nil {
		return nil, errors.New("kill-switch is required")
	}
	if platform == nil {
		return nil, errors.New("platform client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.ExposurePercents) < 2 {
		return nil, fmt.Errorf("need at least 2 rings, got %d", len(cfg.ExposurePercents))
	}

	c := &Controller{
		config:     cfg,
		scope:      scope,
		killSwitch: ks,
		platform:   platform,
		logger:     logger,
		sleep:      sleepCtx,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		state:      StateRing0,
		exposure:   cfg.ExposurePercents[0],
		mode:       ModeContinuous,
	}
	c.initMetrics()
	return c, nil
}

func (c *Controller) initMetrics() {
	var err error

	c.advanceCounter, err = c.meter.Int64Counter(
		"remedyd.ring.advances_total",
		metric.WithDescription("Total ring advances, labeled by target ring"),
		metric.WithUnit("{advance}"),
	)
	if err != nil {
		c.logger.Warn("failed to create advance counter", zap.Error(err))
	}

	c.rollbackCounter, err = c.meter.Int64Counter(
		"remedyd.ring.rollbacks_total",
		metric.WithDescription("Total ring rollbacks"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		c.logger.Warn("failed to create rollback counter", zap.Error(err))
	}
}

// Reset starts a new cycle's rollout at ring 0 in the given mode.
// Absorbing states are left only via Reset; a halted controller stays
// halted while the kill-switch is engaged.
func (c *Controller) Reset(mode Mode) error {
	if engaged, reason := c.killSwitch.Engaged(); engaged {
		return fmt.Errorf("%w: %s", ErrHalted, reason)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateRing0
	c.ring = 0
	c.exposure = c.config.ExposurePercents[0]
	c.mode = mode
	return nil
}

// Advance verifies the current ring with a post-apply health probe, then
// raises exposure to the next ring. The kill-switch is checked at the
// transition boundary, never mid-operation.
//
// On probe failure the controller transitions to ROLLED_BACK with exposure
// zero and returns ErrVerificationFailed; the orchestrator owns the actual
// snapshot restore.
func (c *Controller) Advance(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "ring.advance")
	defer span.End()

	if engaged, reason := c.killSwitch.Engaged(); engaged {
		c.setState(StateHalted)
		return fmt.Errorf("%w: %s", ErrHalted, reason)
	}

	c.mu.Lock()
	state := c.state
	ringNum := c.ring
	c.mu.Unlock()

	span.SetAttributes(
		attribute.String("scope", c.scope),
		attribute.String("state", string(state)),
		attribute.Int("ring", ringNum),
	)

	switch state {
	case StateRolledBack, StateHalted:
		return fmt.Errorf("cannot advance from absorbing state %s", state)
	case StateRingN:
		return nil // already at full exposure
	}

	if c.config.ProbeDelay > 0 {
		if err := c.sleep(ctx, c.config.ProbeDelay); err != nil {
			return err
		}
	}

	if err := c.platform.HealthProbe(ctx, c.scope); err != nil {
		c.logger.Warn("verification probe failed",
			zap.String("scope", c.scope),
			zap.Int("ring", ringNum),
			zap.Error(err),
		)
		c.rollbackLocked()
		return fmt.Errorf("%w at ring %d: %v", ErrVerificationFailed, ringNum, err)
	}

	// Boundary check again before committing the transition.
	if engaged, reason := c.killSwitch.Engaged(); engaged {
		c.setState(StateHalted)
		return fmt.Errorf("%w: %s", ErrHalted, reason)
	}

	c.mu.Lock()
	c.ring++
	if c.ring >= len(c.config.ExposurePercents)-1 {
		c.ring = len(c.config.ExposurePercents) - 1
		c.state = StateRingN
	} else if c.ring == 1 {
		c.state = StateRing1
	}
	c.exposure = c.config.ExposurePercents[c.ring]
	newRing := c.ring
	c.mu.Unlock()

	if c.advanceCounter != nil {
		c.advanceCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("ring", newRing)))
	}

	c.logger.Info("ring advanced",
		zap.String("scope", c.scope),
		zap.Int("ring", newRing),
		zap.Int("exposure_percent", c.config.ExposurePercents[newRing]),
	)
	return nil
}

// Rollback forces the ROLLED_BACK state and resets exposure to zero.
func (c *Controller) Rollback(ctx context.Context) {
	c.rollbackLocked()
	if c.rollbackCounter != nil {
		c.rollbackCounter.Add(ctx, 1)
	}
	c.logger.Warn("ring rolled back", zap.String("scope", c.scope))
}

func (c *Controller) rollbackLocked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateRolledBack
	c.exposure = 0
}

// Halt forces the HALTED state.
func (c *Controller) Halt() {
	c.setState(StateHalted)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Ring returns the current ring index.
func (c *Controller) Ring() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring
}

// Mode returns the current cycle mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Status returns the read-only view for the control API.
func (c *Controller) Status() Status {
	engaged, _ := c.killSwitch.Engaged()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Ring:            c.ring,
		State:           c.state,
		ExposurePercent: c.exposure,
		KillSwitch:      engaged,
		Mode:            c.mode,
		Scope:           c.scope,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
