// Package alerts delivers operator notifications fire-and-forget. Producers
// enqueue onto a bounded queue and never block; a single worker publishes to
// the message bus. A full queue drops the alert with a log line and a metric,
// never backpressure into the remediation path.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/alerts"

// Severity classifies an alert for routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Body     string    `json:"body,omitempty"`
	Scope    string    `json:"scope,omitempty"`
	CycleID  string    `json:"cycle_id,omitempty"`
	Time     time.Time `json:"time"`
}

// Sink accepts alerts without blocking. Enqueue reports whether the alert
// was accepted; false means it was dropped.
type Sink interface {
	Enqueue(a Alert) bool
}

// Publisher is the bus the worker publishes to. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures the dispatcher.
type Config struct {
	// Subject is the bus subject alerts are published on.
	Subject string

	// QueueSize bounds the in-flight queue.
	QueueSize int

	// DrainTimeout bounds Close waiting for the queue to empty.
	DrainTimeout time.Duration
}

// DefaultConfig returns dispatcher defaults.
func DefaultConfig() *Config {
	return &Config{
		Subject:      "remedyd.alerts",
		QueueSize:    128,
		DrainTimeout: 5 * time.Second,
	}
}

// Dispatcher is the bounded-queue alert worker.
type Dispatcher struct {
	config *Config
	bus    Publisher
	logger *zap.Logger

	meter          metric.Meter
	sentCounter    metric.Int64Counter
	droppedCounter metric.Int64Counter

	// mu orders sends against close: Enqueue only sends while holding it
	// and Close marks closed before closing the channel under it.
	mu     sync.Mutex
	closed bool
	queue  chan Alert
	done   chan struct{}

	closeOnce sync.Once
}

// NewDispatcher creates and starts the dispatcher worker. A nil bus is
// allowed: alerts then go to the log only, so the engine still runs when
// the bus is down.
func NewDispatcher(cfg *Config, bus Publisher, logger *zap.Logger) (*Dispatcher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.QueueSize <= 0 {
		return nil, errors.New("queue size must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		config: cfg,
		bus:    bus,
		logger: logger,
		meter:  otel.Meter(instrumentationName),
		queue:  make(chan Alert, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	d.initMetrics()

	go d.worker()
	return d, nil
}

func (d *Dispatcher) initMetrics() {
	var err error

	d.sentCounter, err = d.meter.Int64Counter(
		"remedyd.alerts.sent_total",
		metric.WithDescription("Total alerts published, labeled by severity"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		d.logger.Warn("failed to create sent counter", zap.Error(err))
	}

	d.droppedCounter, err = d.meter.Int64Counter(
		"remedyd.alerts.dropped_total",
		metric.WithDescription("Total alerts dropped due to a full queue"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		d.logger.Warn("failed to create dropped counter", zap.Error(err))
	}
}

// Enqueue offers the alert to the queue without blocking. A full queue
// drops the alert and returns false, as does an Enqueue racing Close.
func (d *Dispatcher) Enqueue(a Alert) bool {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Debug("alert after close, dropping",
			zap.String("severity", string(a.Severity)),
			zap.String("title", a.Title),
		)
		return false
	}

	select {
	case d.queue <- a:
		return true
	default:
		if d.droppedCounter != nil {
			d.droppedCounter.Add(context.Background(), 1)
		}
		d.logger.Warn("alert queue full, dropping",
			zap.String("severity", string(a.Severity)),
			zap.String("title", a.Title),
			zap.String("scope", a.Scope),
		)
		return false
	}
}

func (d *Dispatcher) worker() {
	defer close(d.done)

	for a := range d.queue {
		d.publish(a)
	}
}

func (d *Dispatcher) publish(a Alert) {
	fields := []zap.Field{
		zap.String("severity", string(a.Severity)),
		zap.String("title", a.Title),
		zap.String("scope", a.Scope),
		zap.String("cycle_id", a.CycleID),
	}

	if d.bus == nil {
		d.logger.Info("alert (no bus configured)", fields...)
		return
	}

	data, err := json.Marshal(a)
	if err != nil {
		d.logger.Error("failed to marshal alert", append(fields, zap.Error(err))...)
		return
	}

	if err := d.bus.Publish(d.config.Subject, data); err != nil {
		// Delivery is best-effort; a bus outage must not surface to cycles.
		d.logger.Warn("failed to publish alert", append(fields, zap.Error(err))...)
		return
	}

	if d.sentCounter != nil {
		d.sentCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("severity", string(a.Severity))))
	}
	d.logger.Debug("alert published", fields...)
}

// Close stops accepting alerts and waits up to DrainTimeout for the queue
// to drain.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		select {
		case <-d.done:
		case <-time.After(d.config.DrainTimeout):
			err = errors.New("alert queue drain timed out")
		}
	})
	return err
}

// compile-time check that the NATS connection satisfies Publisher
var _ Publisher = (*nats.Conn)(nil)
