package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/remedyd/internal/deploy"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/anomaly"

// Crawler scans target surfaces of a scope and emits deduplicated anomalies.
type Crawler interface {
	// Scan probes all configured targets for the scope. A single target
	// failure never fails the scan; it is recorded as a crawler_unreachable
	// anomaly instead. force bypasses the dedup window.
	Scan(ctx context.Context, scope string, force bool) ([]Anomaly, error)
}

// Config configures the crawler.
type Config struct {
	// Targets are the surfaces probed per scope: health, deploy, telemetry.
	Targets []string

	// TargetTimeout bounds each probe.
	TargetTimeout time.Duration

	// DedupWindow suppresses anomalies with the same type+target seen
	// within the window.
	DedupWindow time.Duration

	// MaxConcurrent bounds probe fan-out.
	MaxConcurrent int
}

// DefaultConfig returns sensible crawler defaults.
func DefaultConfig() *Config {
	return &Config{
		Targets:       []string{"health", "deploy", "telemetry"},
		TargetTimeout: 5 * time.Second,
		DedupWindow:   10 * time.Minute,
		MaxConcurrent: 4,
	}
}

type dedupKey struct {
	typ    Type
	target string
}

type crawler struct {
	config   *Config
	platform deploy.Platform
	logger   *zap.Logger
	clock    func() time.Time

	tracer      trace.Tracer
	meter       metric.Meter
	scanCounter metric.Int64Counter
	foundCount  metric.Int64Counter

	mu   sync.Mutex
	seen map[dedupKey]time.Time
}

// NewCrawler creates a crawler over the deployment platform.
func NewCrawler(cfg *Config, platform deploy.Platform, logger *zap.Logger) (Crawler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if platform == nil {
		return nil, errors.New("platform client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &crawler{
		config:   cfg,
		platform: platform,
		logger:   logger,
		clock:    time.Now,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		seen:     make(map[dedupKey]time.Time),
	}
	c.initMetrics()
	return c, nil
}

func (c *crawler) initMetrics() {
	var err error

	c.scanCounter, err = c.meter.Int64Counter(
		"remedyd.crawler.scans_total",
		metric.WithDescription("Total number of anomaly scans"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		c.logger.Warn("failed to create scan counter", zap.Error(err))
	}

	c.foundCount, err = c.meter.Int64Counter(
		"remedyd.crawler.anomalies_total",
		metric.WithDescription("Total number of anomalies emitted, labeled by type"),
		metric.WithUnit("{anomaly}"),
	)
	if err != nil {
		c.logger.Warn("failed to create anomaly counter", zap.Error(err))
	}
}

// Scan probes all configured targets concurrently with a per-target timeout.
func (c *crawler) Scan(ctx context.Context, scope string, force bool) ([]Anomaly, error) {
	ctx, span := c.tracer.Start(ctx, "anomaly.scan")
	defer span.End()

	span.SetAttributes(
		attribute.String("scope", scope),
		attribute.Bool("force", force),
	)

	if scope == "" {
		return nil, errors.New("scope is required")
	}

	var (
		mu      sync.Mutex
		results []Anomaly
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.MaxConcurrent)

	for _, target := range c.config.Targets {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, c.config.TargetTimeout)
			defer cancel()

			found := c.probeTarget(probeCtx, scope, target)

			mu.Lock()
			results = append(results, found...)
			mu.Unlock()
			return nil
		})
	}

	// Probes never return errors; the group only propagates context cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !force {
		results = c.dedup(results)
	} else {
		c.remember(results)
	}

	// Stable order for reporting: by target, then type.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Target != results[j].Target {
			return results[i].Target < results[j].Target
		}
		return results[i].Type < results[j].Type
	})

	if c.scanCounter != nil {
		c.scanCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
	}
	if c.foundCount != nil {
		for _, a := range results {
			c.foundCount.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(a.Type))))
		}
	}

	c.logger.Info("scan complete",
		zap.String("scope", scope),
		zap.Int("anomalies", len(results)),
		zap.Bool("force", force),
	)

	span.SetAttributes(attribute.Int("anomaly_count", len(results)))
	return results, nil
}

// probeTarget checks one surface. Target failures become crawler_unreachable
// anomalies so the cycle always proceeds with partial data.
func (c *crawler) probeTarget(ctx context.Context, scope, target string) []Anomaly {
	switch target {
	case "health":
		if err := c.platform.HealthProbe(ctx, scope); err != nil {
			if isUnreachable(ctx, err) {
				return []Anomaly{c.unreachable(scope, target, err)}
			}
			return []Anomaly{c.newAnomaly(TypeHealthProbeFailed, scope, SeverityHigh, err.Error())}
		}
	case "deploy":
		status, err := c.platform.DeployStatus(ctx, scope)
		if err != nil {
			return []Anomaly{c.unreachable(scope, target, err)}
		}
		if !status.Succeeded {
			evidence := fmt.Sprintf("version=%s detail=%s", status.Version, status.Detail)
			typ := TypeDeployFailed
			if status.Stage == deploy.StageBuild {
				typ = TypeBuildBroken
			}
			return []Anomaly{c.newAnomaly(typ, scope, SeverityHigh, evidence)}
		}
	case "telemetry":
		stats, err := c.platform.ErrorStats(ctx, scope)
		if err != nil {
			return []Anomaly{c.unreachable(scope, target, err)}
		}
		if stats.Baseline > 0 && stats.ErrorRate > 2*stats.Baseline {
			evidence := fmt.Sprintf("error_rate=%.4f baseline=%.4f sample=%s", stats.ErrorRate, stats.Baseline, stats.Sample)
			return []Anomaly{c.newAnomaly(TypeErrorRateSpike, scope, SeverityMedium, evidence)}
		}
	default:
		c.logger.Warn("unknown crawl target", zap.String("target", target))
	}
	return nil
}

func (c *crawler) newAnomaly(typ Type, scope string, sev Severity, evidence string) Anomaly {
	return Anomaly{
		ID:         uuid.New().String(),
		Type:       typ,
		Target:     scope,
		Severity:   sev,
		DetectedAt: c.clock(),
		Evidence:   evidence,
	}
}

func (c *crawler) unreachable(scope, target string, err error) Anomaly {
	c.logger.Warn("crawl target unreachable",
		zap.String("scope", scope),
		zap.String("target", target),
		zap.Error(err),
	)
	return c.newAnomaly(TypeCrawlerUnreachable, scope, SeverityLow, fmt.Sprintf("target=%s: %v", target, err))
}

// dedup drops anomalies whose type+target was seen within the window and
// records the survivors.
func (c *crawler) dedup(in []Anomaly) []Anomaly {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	out := in[:0]
	for _, a := range in {
		key := dedupKey{typ: a.Type, target: a.Target}
		if last, ok := c.seen[key]; ok && now.Sub(last) < c.config.DedupWindow {
			c.logger.Debug("anomaly suppressed by dedup window",
				zap.String("type", string(a.Type)),
				zap.String("target", a.Target),
			)
			continue
		}
		c.seen[key] = now
		out = append(out, a)
	}
	return out
}

func (c *crawler) remember(in []Anomaly) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	for _, a := range in {
		c.seen[dedupKey{typ: a.Type, target: a.Target}] = now
	}
}

// isUnreachable distinguishes transport failures (timeouts, cancellations,
// connection errors) from a target that answered with a negative result.
func isUnreachable(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}
