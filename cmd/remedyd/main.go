// Remedyd is the autonomous remediation daemon.
//
// It crawls deployment scopes for anomalies, generates candidate patches via
// a reasoning service, validates them, and applies survivors behind
// progressive exposure rings with snapshot rollback. The control API exposes
// cycle triggering, status, operator rollback, and the kill-switch.
//
// Usage:
//
//	# Start the daemon with defaults
//	remedyd
//
//	# Point at a config file
//	remedyd -config /etc/remedyd/config.yaml
//
//	# Configure via environment
//	REMEDYD_SERVER_PORT=9190 remedyd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/alerts"
	"github.com/fyrsmithlabs/remedyd/internal/anomaly"
	"github.com/fyrsmithlabs/remedyd/internal/audit"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/cycle"
	"github.com/fyrsmithlabs/remedyd/internal/deploy"
	"github.com/fyrsmithlabs/remedyd/internal/httpapi"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/patch"
	"github.com/fyrsmithlabs/remedyd/internal/report"
	"github.com/fyrsmithlabs/remedyd/internal/ring"
	"github.com/fyrsmithlabs/remedyd/internal/snapshot"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
	"github.com/fyrsmithlabs/remedyd/internal/validate"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  remedyd            Start the remediation daemon\n")
			fmt.Fprintf(os.Stderr, "  remedyd version    Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("remedyd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting remedyd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// The alert bus is optional infrastructure: a connection failure
	// degrades alerts to log-only, never blocks startup.
	var bus alerts.Publisher
	nc, err := nats.Connect(cfg.Alerts.NATSURL,
		nats.Name("remedyd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Warn("alert bus unavailable, alerts degrade to log-only",
			zap.String("url", cfg.Alerts.NATSURL),
			zap.Error(err),
		)
	} else {
		bus = nc
		defer nc.Close()
	}

	dispatcher, err := alerts.NewDispatcher(&alerts.Config{
		Subject:      cfg.Alerts.Subject,
		QueueSize:    cfg.Alerts.QueueSize,
		DrainTimeout: cfg.Alerts.DrainWait.Duration(),
	}, bus, logger)
	if err != nil {
		return fmt.Errorf("failed to create alert dispatcher: %w", err)
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("alert dispatcher close failed", zap.Error(err))
		}
	}()

	store, err := audit.NewStore(cfg.Audit.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to create audit store: %w", err)
	}

	platform, err := deploy.NewClient(deploy.Config{
		BaseURL: cfg.Platform.BaseURL,
		Timeout: cfg.Platform.Timeout.Duration(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create platform client: %w", err)
	}

	reasoning, err := patch.NewReasoningClient(patch.ReasoningConfig{
		BaseURL:   cfg.Generator.BaseURL,
		Model:     cfg.Generator.Model,
		APIKey:    cfg.Generator.APIKey.Value(),
		Timeout:   cfg.Generator.Timeout.Duration(),
		RateLimit: cfg.Generator.RateLimit,
		RateBurst: cfg.Generator.RateBurst,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create reasoning client: %w", err)
	}

	generator, err := patch.NewGenerator(&patch.GeneratorConfig{
		Timeout:     cfg.Generator.Timeout.Duration(),
		MaxRetries:  cfg.Generator.MaxRetries,
		BaseBackoff: cfg.Generator.BaseBackoff.Duration(),
	}, reasoning, logger)
	if err != nil {
		return fmt.Errorf("failed to create patch generator: %w", err)
	}

	runner, err := validate.NewHTTPRunner(validate.RunnerConfig{
		BaseURL: cfg.Validator.RunnerBaseURL,
		Timeout: cfg.Validator.RunnerTimeout.Duration(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create validation runner: %w", err)
	}

	validator, err := validate.New(&validate.Config{
		ApplyThreshold: cfg.Validator.ApplyThreshold,
		StaticWeight:   cfg.Validator.StaticWeight,
		DynamicWeight:  cfg.Validator.DynamicWeight,
		MaxDiffBytes:   cfg.Validator.MaxDiffBytes,
		RunnerTimeout:  cfg.Validator.RunnerTimeout.Duration(),
	}, runner, logger)
	if err != nil {
		return fmt.Errorf("failed to create validator: %w", err)
	}

	snapshots, err := snapshot.NewManager(platform, store, logger)
	if err != nil {
		return fmt.Errorf("failed to create snapshot manager: %w", err)
	}

	crawler, err := anomaly.NewCrawler(&anomaly.Config{
		Targets:       cfg.Crawler.Targets,
		TargetTimeout: cfg.Crawler.TargetTimeout.Duration(),
		DedupWindow:   cfg.Crawler.DedupWindow.Duration(),
		MaxConcurrent: cfg.Crawler.MaxConcurrent,
	}, platform, logger)
	if err != nil {
		return fmt.Errorf("failed to create anomaly crawler: %w", err)
	}

	killSwitch := ring.NewKillSwitch()
	publisher := report.NewPublisher(dispatcher, logger)

	// Engines are created per scope on first use; every engine shares the
	// process-wide kill-switch.
	registry := cycle.NewRegistry(func(scope string) (*cycle.Engine, error) {
		controller, err := ring.NewController(&ring.Config{
			ExposurePercents: cfg.Ring.ExposurePercents,
			ProbeDelay:       cfg.Ring.ProbeDelay.Duration(),
		}, scope, killSwitch, platform, logger)
		if err != nil {
			return nil, err
		}

		return cycle.NewEngine(&cycle.Config{
			Deadline:              cfg.Cycle.Deadline.Duration(),
			MaxGenerateConcurrent: cfg.Cycle.MaxGenerateConcurrent,
		}, scope, cycle.Deps{
			Crawler:    crawler,
			Generator:  generator,
			Validator:  validator,
			Snapshots:  snapshots,
			Controller: controller,
			KillSwitch: killSwitch,
			Platform:   platform,
			Store:      store,
			Publisher:  publisher,
			Logger:     logger,
		})
	})

	server, err := httpapi.NewServer(registry, killSwitch, store, logger, &httpapi.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		OperatorToken: cfg.Server.OperatorToken.Value(),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	// Prometheus scrape endpoint on its own listener.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port+1),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var shutdownErr error
	if err := server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	return shutdownErr
}
