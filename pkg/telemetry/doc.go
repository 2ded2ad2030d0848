// Package telemetry provides logging, tracing, metrics and events for
// driftwatch.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing. The Metrics and
// EventPublisher types implement engine.MetricsRecorder and
// engine.EventPublisher, so a watcher reports through them directly.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    return err
//	}
//
//	wcfg := engine.WatcherConfig{Technology: "securitygroup", ...}
//	tel.Instrument(&wcfg)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("watcher")
//	logger = logger.WithCycleID(report.ID).WithTechnology(report.Technology)
//	logger.WithField("location", loc.String()).Info("Item changed")
//
// Log levels: trace, debug, info, warn, error, fatal. DaemonConfig switches
// to sampled JSON lines with unix timestamps for long-running watchers.
//
// # Distributed Tracing
//
// A cycle produces the spans cycle.run, cycle.fetch, cycle.reconcile and
// cycle.persist. Producers wrap their API calls with
// RecordProducerOperation, which opens a producer.<operation> span.
//
// Supported exporters: "otlp" (gRPC, for collectors), "stdout" (pretty JSON
// on stderr) and "none" (spans are created but not exported).
//
// # Metrics
//
// Key metrics exposed:
//
//   - driftwatch_cycles_started_total{technology}
//   - driftwatch_cycles_completed_total{technology,status}
//   - driftwatch_cycle_duration_seconds{technology,status}
//   - driftwatch_changes_total{technology,bucket}
//   - driftwatch_items_observed{technology,account}
//   - driftwatch_rate_limit_retries_total{technology}
//   - driftwatch_backoff_delay_seconds{technology}
//   - driftwatch_fetch_failures_total{technology,scope}
//   - driftwatch_suppressed_locations_total{technology}
//   - driftwatch_errors_by_class_total{class}
//
// Metrics are served over HTTP at /metrics (default :9090).
//
// # Event Publishing
//
//	tel.Events.Subscribe(telemetry.LogSubscriber(logger),
//	    telemetry.FilterByLevel(telemetry.EventLevelWarning))
//	tel.Events.Subscribe(telemetry.JSONLinesSubscriber(f),
//	    telemetry.FilterByType(engine.EventTypeItemCreated, engine.EventTypeItemDeleted))
//
// Asynchronous publishers buffer events and deliver them in batches;
// Shutdown drains the buffer.
package telemetry
