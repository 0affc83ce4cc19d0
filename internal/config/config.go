// Package config provides configuration loading for remedyd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the remedyd daemon.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Crawler   CrawlerConfig   `koanf:"crawler"`
	Generator GeneratorConfig `koanf:"generator"`
	Validator ValidatorConfig `koanf:"validator"`
	Platform  PlatformConfig  `koanf:"platform"`
	Ring      RingConfig      `koanf:"ring"`
	Cycle     CycleConfig     `koanf:"cycle"`
	Alerts    AlertsConfig    `koanf:"alerts"`
	Audit     AuditConfig     `koanf:"audit"`
}

// ServerConfig holds HTTP control API settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// OperatorToken authorizes rollback and kill-switch endpoints.
	OperatorToken Secret `koanf:"operator_token"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// CrawlerConfig holds anomaly crawler settings.
type CrawlerConfig struct {
	// Targets are the surfaces scanned per scope.
	Targets []string `koanf:"targets"`

	// TargetTimeout bounds each target probe.
	TargetTimeout Duration `koanf:"target_timeout"`

	// DedupWindow suppresses repeated type+target anomalies.
	DedupWindow Duration `koanf:"dedup_window"`

	// MaxConcurrent bounds probe fan-out.
	MaxConcurrent int `koanf:"max_concurrent"`
}

// GeneratorConfig holds reasoning service settings for patch generation.
type GeneratorConfig struct {
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	Timeout     Duration `koanf:"timeout"`
	MaxRetries  int      `koanf:"max_retries"`
	BaseBackoff Duration `koanf:"base_backoff"`

	// RateLimit is requests per second to the reasoning service.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// ValidatorConfig holds patch validation settings.
type ValidatorConfig struct {
	// ApplyThreshold is the minimum score for a patch to be applied.
	ApplyThreshold float64 `koanf:"apply_threshold"`

	// StaticWeight and DynamicWeight combine stage pass rates into the score.
	StaticWeight  float64 `koanf:"static_weight"`
	DynamicWeight float64 `koanf:"dynamic_weight"`

	// MaxDiffBytes rejects oversized diffs before parsing.
	MaxDiffBytes int `koanf:"max_diff_bytes"`

	// RunnerBaseURL is the external test/build runner endpoint.
	RunnerBaseURL string `koanf:"runner_base_url"`

	// RunnerTimeout bounds the external test/build run per patch.
	RunnerTimeout Duration `koanf:"runner_timeout"`
}

// PlatformConfig holds deployment platform client settings.
type PlatformConfig struct {
	BaseURL string   `koanf:"base_url"`
	Timeout Duration `koanf:"timeout"`
}

// RingConfig holds progressive rollout settings.
type RingConfig struct {
	// ExposurePercents maps ring index to exposure, ring 0 first.
	// Must be non-decreasing and end at 100.
	ExposurePercents []int `koanf:"exposure_percents"`

	// ProbeDelay waits between apply and the verification probe.
	ProbeDelay Duration `koanf:"probe_delay"`
}

// CycleConfig holds per-cycle orchestration settings.
type CycleConfig struct {
	// Deadline bounds one full remediation cycle.
	Deadline Duration `koanf:"deadline"`

	// MaxGenerateConcurrent bounds patch generation fan-out.
	MaxGenerateConcurrent int `koanf:"max_generate_concurrent"`
}

// AlertsConfig holds alert dispatcher settings.
type AlertsConfig struct {
	NATSURL   string   `koanf:"nats_url"`
	Subject   string   `koanf:"subject"`
	QueueSize int      `koanf:"queue_size"`
	DrainWait Duration `koanf:"drain_wait"`
}

// AuditConfig holds cycle report persistence settings.
type AuditConfig struct {
	// Dir is the base directory for append-only report logs.
	Dir string `koanf:"dir"`
}

// Default returns the daemon configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9190,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			ServiceName:    "remedyd",
			ServiceVersion: "0.1.0",
			Insecure:       true,
			SampleRate:     1.0,
			ExportInterval: Duration(15 * time.Second),
		},
		Crawler: CrawlerConfig{
			Targets:       []string{"health", "deploy", "telemetry"},
			TargetTimeout: Duration(5 * time.Second),
			DedupWindow:   Duration(10 * time.Minute),
			MaxConcurrent: 4,
		},
		Generator: GeneratorConfig{
			BaseURL:     "https://api.anthropic.com",
			Model:       "claude-3-5-sonnet-20241022",
			Timeout:     Duration(60 * time.Second),
			MaxRetries:  2,
			BaseBackoff: Duration(1 * time.Second),
			RateLimit:   50.0 / 60.0,
			RateBurst:   5,
		},
		Validator: ValidatorConfig{
			ApplyThreshold: 0.7,
			StaticWeight:   0.4,
			DynamicWeight:  0.6,
			MaxDiffBytes:   256 * 1024,
			RunnerBaseURL:  "http://localhost:8200",
			RunnerTimeout:  Duration(120 * time.Second),
		},
		Platform: PlatformConfig{
			BaseURL: "http://localhost:8100",
			Timeout: Duration(30 * time.Second),
		},
		Ring: RingConfig{
			ExposurePercents: []int{0, 10, 100},
			ProbeDelay:       Duration(2 * time.Second),
		},
		Cycle: CycleConfig{
			Deadline:              Duration(15 * time.Minute),
			MaxGenerateConcurrent: 3,
		},
		Alerts: AlertsConfig{
			NATSURL:   "nats://localhost:4222",
			Subject:   "remedyd.alerts",
			QueueSize: 256,
			DrainWait: Duration(5 * time.Second),
		},
		Audit: AuditConfig{
			Dir: ".remedyd/audit",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Crawler.TargetTimeout.Duration() <= 0 {
		return fmt.Errorf("crawler.target_timeout must be positive")
	}
	if c.Crawler.DedupWindow.Duration() < 0 {
		return fmt.Errorf("crawler.dedup_window cannot be negative")
	}
	if c.Crawler.MaxConcurrent <= 0 {
		return fmt.Errorf("crawler.max_concurrent must be positive")
	}
	if c.Generator.MaxRetries < 0 {
		return fmt.Errorf("generator.max_retries cannot be negative")
	}
	if c.Generator.Timeout.Duration() <= 0 {
		return fmt.Errorf("generator.timeout must be positive")
	}
	if t := c.Validator.ApplyThreshold; t < 0 || t > 1 {
		return fmt.Errorf("validator.apply_threshold must be in [0,1], got %f", t)
	}
	if w := c.Validator.StaticWeight + c.Validator.DynamicWeight; w <= 0 {
		return fmt.Errorf("validator weights must sum to a positive value, got %f", w)
	}
	if len(c.Ring.ExposurePercents) < 2 {
		return fmt.Errorf("ring.exposure_percents needs at least 2 rings, got %d", len(c.Ring.ExposurePercents))
	}
	prev := -1
	for i, p := range c.Ring.ExposurePercents {
		if p < 0 || p > 100 {
			return fmt.Errorf("ring.exposure_percents[%d] must be in 0-100, got %d", i, p)
		}
		if p < prev {
			return fmt.Errorf("ring.exposure_percents must be non-decreasing")
		}
		prev = p
	}
	if last := c.Ring.ExposurePercents[len(c.Ring.ExposurePercents)-1]; last != 100 {
		return fmt.Errorf("ring.exposure_percents must end at 100, got %d", last)
	}
	if c.Cycle.Deadline.Duration() <= 0 {
		return fmt.Errorf("cycle.deadline must be positive")
	}
	if c.Cycle.MaxGenerateConcurrent <= 0 {
		return fmt.Errorf("cycle.max_generate_concurrent must be positive")
	}
	if c.Alerts.QueueSize <= 0 {
		return fmt.Errorf("alerts.queue_size must be positive")
	}
	if c.Audit.Dir == "" {
		return fmt.Errorf("audit.dir is required")
	}
	return nil
}
