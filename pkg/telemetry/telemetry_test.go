package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func enabledMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	return m
}

func expectValue(t *testing.T, name string, got, want float64) {
	t.Helper()
	if got != want {
		t.Errorf("%s: expected %v, got %v", name, want, got)
	}
}

func TestMetricsRecordCycle(t *testing.T) {
	m := enabledMetrics(t)

	m.RecordCycleStarted("securitygroup")
	expectValue(t, "active cycles", testutil.ToFloat64(m.activeCycles), 1)

	m.RecordCycleCompleted("securitygroup", "succeeded", 3*time.Second)
	expectValue(t, "active cycles", testutil.ToFloat64(m.activeCycles), 0)
	expectValue(t, "completed", testutil.ToFloat64(m.cyclesCompleted.WithLabelValues("securitygroup", "succeeded")), 1)

	m.RecordChanges("securitygroup", "created", 2)
	m.RecordChanges("securitygroup", "created", 1)
	expectValue(t, "changes", testutil.ToFloat64(m.changes.WithLabelValues("securitygroup", "created")), 3)

	m.SetItemsObserved("securitygroup", "prod", 40)
	m.SetItemsObserved("securitygroup", "prod", 38)
	expectValue(t, "items observed", testutil.ToFloat64(m.itemsObserved.WithLabelValues("securitygroup", "prod")), 38)
}

func TestMetricsRateLimit(t *testing.T) {
	m := enabledMetrics(t)

	m.RecordRateLimitRetry("iamrole", time.Second)
	m.RecordRateLimitRetry("iamrole", 2*time.Second)
	expectValue(t, "retries", testutil.ToFloat64(m.rateLimitRetries.WithLabelValues("iamrole")), 2)
	expectValue(t, "delay", testutil.ToFloat64(m.backoffDelay.WithLabelValues("iamrole")), 2)

	// Recovery resets the gauge without counting a retry.
	m.RecordRateLimitRetry("iamrole", 0)
	expectValue(t, "retries", testutil.ToFloat64(m.rateLimitRetries.WithLabelValues("iamrole")), 2)
	expectValue(t, "delay", testutil.ToFloat64(m.backoffDelay.WithLabelValues("iamrole")), 0)
}

func TestMetricsFailuresAndErrors(t *testing.T) {
	m := enabledMetrics(t)

	m.RecordFetchFailure("s3", "region")
	m.RecordSuppressed("s3", 4)
	m.RecordError("throttled", "")
	m.RecordError("permanent", engine.ErrCodeFetchFailed)

	expectValue(t, "fetch failures", testutil.ToFloat64(m.fetchFailures.WithLabelValues("s3", "region")), 1)
	expectValue(t, "suppressed", testutil.ToFloat64(m.suppressed.WithLabelValues("s3")), 4)
	expectValue(t, "errors by class", testutil.ToFloat64(m.errorsByClass.WithLabelValues("throttled")), 1)
	expectValue(t, "errors by code", testutil.ToFloat64(m.errorsByCode.WithLabelValues(engine.ErrCodeFetchFailed)), 1)
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordCycleStarted("s3")
	m.RecordCycleCompleted("s3", "failed", time.Second)
	m.RecordChanges("s3", "deleted", 1)
	m.RecordRateLimitRetry("s3", time.Second)
	m.RecordError("permanent", "")

	if m.Registry() != nil {
		t.Error("expected no registry when metrics are disabled")
	}
	if err := m.StartMetricsServer(context.Background()); err != nil {
		t.Errorf("expected StartMetricsServer to be a no-op, got %v", err)
	}
}

func TestMetricsRegistryGather(t *testing.T) {
	m := enabledMetrics(t)
	m.RecordCycleStarted("securitygroup")

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"driftwatch_cycles_started_total", "driftwatch_active_cycles"} {
		if !names[want] {
			t.Errorf("missing metric family %s", want)
		}
	}
}

func syncPublisher(t *testing.T) *EventPublisher {
	t.Helper()
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	t.Cleanup(func() { _ = ep.Shutdown(context.Background()) })
	return ep
}

func TestEventPublisherFillsDefaults(t *testing.T) {
	ep := syncPublisher(t)

	var got []engine.Event
	ep.Subscribe(func(e engine.Event) { got = append(got, e) }, nil)

	if err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeFetchFailed}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("expected an ID and a timestamp, got %+v", got[0])
	}
	if got[0].Level != EventLevelWarning {
		t.Errorf("expected level %s, got %s", EventLevelWarning, got[0].Level)
	}
}

func TestEventPublisherFilters(t *testing.T) {
	ep := syncPublisher(t)
	ep.AddFilter(FilterByType(engine.EventTypeItemCreated, engine.EventTypeItemDeleted))

	var warnings, all []engine.Event
	ep.Subscribe(func(e engine.Event) { warnings = append(warnings, e) }, FilterByLevel(EventLevelWarning))
	ep.Subscribe(func(e engine.Event) { all = append(all, e) }, nil)

	ctx := context.Background()
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeItemCreated, Level: EventLevelInfo, Technology: "s3"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeItemDeleted, Level: EventLevelWarning, Technology: "s3"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeCycleStarted, Level: EventLevelInfo, Technology: "s3"})

	if len(all) != 2 {
		t.Errorf("expected the global filter to drop the cycle event, got %d events", len(all))
	}
	if len(warnings) != 1 || warnings[0].Type != engine.EventTypeItemDeleted {
		t.Errorf("expected only the deletion at warning level, got %+v", warnings)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		EnableAsync:   true,
		BufferSize:    64,
		MaxBatchSize:  10,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(engine.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 25; i++ {
		if err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeItemChanged}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 25 {
		t.Errorf("expected 25 delivered events, got %d", count)
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	if err := ep.Publish(context.Background(), &engine.Event{Type: engine.EventTypeCycleStarted}); err != nil {
		t.Errorf("Publish failed: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestEventPublisherRejectsBadBuffer(t *testing.T) {
	if _, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 0}); err == nil {
		t.Error("expected an error for an empty buffer")
	}
}

func TestFilterByLevel(t *testing.T) {
	filter := FilterByLevel(EventLevelWarning)
	tests := []struct {
		level string
		want  bool
	}{
		{EventLevelInfo, false},
		{EventLevelWarning, true},
		{EventLevelError, true},
	}
	for _, tt := range tests {
		if got := filter(engine.Event{Level: tt.level}); got != tt.want {
			t.Errorf("level %s: got %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestFilterByType(t *testing.T) {
	filter := FilterByType(engine.EventTypeItemDeleted)
	if !filter(engine.Event{Type: engine.EventTypeItemDeleted}) {
		t.Error("expected the listed type to pass")
	}
	if filter(engine.Event{Type: engine.EventTypeItemCreated}) {
		t.Error("expected other types to be dropped")
	}
}

func TestLogSubscriber(t *testing.T) {
	var buf bytes.Buffer
	sub := LogSubscriber(&Logger{zlog: zerolog.New(&buf)})

	sub(engine.Event{
		Type:       engine.EventTypeItemDeleted,
		Level:      EventLevelWarning,
		CycleID:    "c1",
		Technology: "securitygroup",
		Location:   "securitygroup/prod/us-east-1/web",
		Message:    "Item deleted",
	})

	out := buf.String()
	for _, want := range []string{
		`"level":"warn"`,
		`"event":"item.deleted"`,
		`"cycle_id":"c1"`,
		`"technology":"securitygroup"`,
		`"location":"securitygroup/prod/us-east-1/web"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{zlog: zerolog.New(&buf)}

	logger.WithCycleID("c9").
		WithTechnology("s3").
		WithFields(map[string]interface{}{"account": "prod", "region": "universal"}).
		WithError(errors.New("boom")).
		Warn("Fetch failed")

	out := buf.String()
	for _, want := range []string{`"cycle_id":"c9"`, `"technology":"s3"`, `"account":"prod"`, `"region":"universal"`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := (&Logger{zlog: zerolog.New(&buf)}).NewComponentLogger("watcher")

	FromContext(logger.WithContext(context.Background())).Info("Cycle started")
	if !strings.Contains(buf.String(), `"component":"watcher"`) {
		t.Errorf("expected the stored logger to be used, got %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected a fallback logger")
	}
}

func TestNewLoggerLevel(t *testing.T) {
	cfg := DefaultConfig().Logging
	cfg.Level = "warn"
	l, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if got := l.Zerolog().GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("expected warn level, got %s", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected the default config to be valid, got %v", err)
	}
	if err := DaemonConfig().Validate(); err != nil {
		t.Fatalf("expected the daemon config to be valid, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, "invalid trace exporter"},
		{"level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"sampling", func(c *Config) { c.Logging.SamplingThereafter = 0 }, "log sampling"},
		{"rate", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DaemonConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected an error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDaemonConfig(t *testing.T) {
	cfg := DaemonConfig()
	if cfg.Logging.Format != "json" || !cfg.Logging.EnableSampling || cfg.Logging.TimeFormat != "unix" {
		t.Errorf("expected sampled json logs with unix time, got %+v", cfg.Logging)
	}
	if cfg.Tracing.Enabled {
		t.Error("expected tracing to stay opt-in")
	}
	if cfg.Tracing.Exporter != "otlp" || cfg.Tracing.SamplingRate != 0.1 {
		t.Errorf("unexpected tracing defaults %+v", cfg.Tracing)
	}
}

func TestRecordErrorAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	_, span := provider.Tracer("test").Start(context.Background(), "producer.ListBuckets")
	err := engine.NewThrottledError("slow down", errors.New("429")).WithCode(engine.ErrCodeRateLimited)
	RecordError(span, err)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := make(map[attribute.Key]string)
	for _, kv := range spans[0].Attributes() {
		got[kv.Key] = kv.Value.AsString()
	}
	if got[AttrErrorClass] != "throttled" || got[AttrErrorCode] != engine.ErrCodeRateLimited {
		t.Errorf("unexpected error attributes %v", got)
	}
	if got[AttrErrorMessage] != err.Error() {
		t.Errorf("expected message %q, got %q", err.Error(), got[AttrErrorMessage])
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected an error status, got %v", spans[0].Status())
	}

	// A nil error leaves the span alone.
	RecordError(span, nil)
}

func TestTelemetryInstrument(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Events.EnableAsync = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	var wcfg engine.WatcherConfig
	tel.Instrument(&wcfg)
	if wcfg.Tracer == nil {
		t.Error("expected a tracer")
	}
	if wcfg.Metrics != engine.MetricsRecorder(tel.Metrics) {
		t.Error("expected the telemetry metrics")
	}
	if wcfg.Events != engine.EventPublisher(tel.Events) {
		t.Error("expected the telemetry event publisher")
	}
}

func TestRecordProducerOperation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	throttled := engine.NewThrottledError("slow down", nil).WithCode(engine.ErrCodeRateLimited)

	err = RecordProducerOperation(ctx, "s3", "ListBuckets", func(context.Context) error { return throttled })
	if !errors.Is(err, throttled) {
		t.Errorf("expected the operation error, got %v", err)
	}
	expectValue(t, "errors by code", testutil.ToFloat64(tel.Metrics.errorsByCode.WithLabelValues(engine.ErrCodeRateLimited)), 1)

	if err := RecordProducerOperation(context.Background(), "s3", "ListBuckets",
		func(context.Context) error { return nil }); err != nil {
		t.Errorf("expected success without telemetry in the context, got %v", err)
	}
}
