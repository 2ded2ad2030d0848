package telemetry

import (
	"fmt"
	"time"
)

// Config selects how a driftwatch process logs, traces, exports metrics and
// publishes cycle events.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Environment is recorded on every span resource.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path opened for appending.
	Output string

	EnableCaller bool

	// Sampling lets SamplingInitial messages through each second, then
	// one in SamplingThereafter. Watch cycles over many accounts log a
	// line per region, which floods a daemon's output without it.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP collector address, e.g. localhost:4317.
	Endpoint string

	// SamplingRate is the fraction of cycles traced, from 0 to 1.
	SamplingRate float64

	MaxExportBatchSize int
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are the cycle and fetch duration buckets,
	// in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the cycle event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the queue of unpublished events.
	BufferSize    int
	FlushInterval time.Duration
	MaxBatchSize  int

	// EnableAsync publishes from a background goroutine. Synchronous
	// publishing delivers each event before Publish returns.
	EnableAsync bool
}

// DefaultConfig is the configuration of a one-shot run: readable console
// logs, no tracing and no metrics endpoint.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "driftwatch",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "driftwatch",
			DefaultHistogramBuckets: []float64{
				0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
	}
}

// DaemonConfig is the configuration of a long-running watcher: sampled
// JSON logs with unix timestamps for log shippers. When tracing is turned
// on it exports over OTLP and keeps one cycle in ten.
func DaemonConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

var (
	validLevels    = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	validExporters = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !validLevels[c.Logging.Level]:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case c.Logging.Format != "console" && c.Logging.Format != "json":
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	case c.Logging.EnableSampling && (c.Logging.SamplingInitial <= 0 || c.Logging.SamplingThereafter <= 0):
		return fmt.Errorf("log sampling needs positive initial and thereafter counts")
	case c.Tracing.Enabled && !validExporters[c.Tracing.Exporter]:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	case c.Metrics.Enabled && c.Metrics.ListenAddress == "":
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	case c.Events.Enabled && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
