package telemetry_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/driftwatch/driftwatch/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("Application started")

	wcfg := engine.WatcherConfig{Technology: "securitygroup"}
	tel.Instrument(&wcfg)
	fmt.Println(wcfg.Tracer != nil)
	// Output: true
}

// Example_eventSubscription demonstrates synchronous event delivery to a
// filtered subscriber.
func Example_eventSubscription() {
	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})
	if err != nil {
		panic(err)
	}
	defer publisher.Shutdown(context.Background())

	publisher.Subscribe(func(event engine.Event) {
		fmt.Printf("%s %s %s\n", event.Level, event.Type, event.Location)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	ctx := context.Background()
	_ = publisher.Publish(ctx, &engine.Event{
		Type:     engine.EventTypeItemCreated,
		Location: "securitygroup/prod/us-east-1/web",
	})
	_ = publisher.Publish(ctx, &engine.Event{
		Type:     engine.EventTypeItemDeleted,
		Location: "securitygroup/prod/us-east-1/legacy",
	})
	// Output: warning item.deleted securitygroup/prod/us-east-1/legacy
}

// Example_jsonLines shows events written as JSON lines.
func Example_jsonLines() {
	publisher, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})
	publisher.Subscribe(telemetry.JSONLinesSubscriber(os.Stdout),
		telemetry.FilterByType(engine.EventTypeCycleFailed))

	_ = publisher.Publish(context.Background(), &engine.Event{
		ID:         "evt-1",
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Type:       engine.EventTypeCycleFailed,
		CycleID:    "c1",
		Technology: "s3",
		Message:    "datastore unavailable",
	})
	_ = publisher.Shutdown(context.Background())
	// Output: {"id":"evt-1","type":"cycle.failed","timestamp":"2026-01-02T03:04:05Z","cycle_id":"c1","technology":"s3","message":"datastore unavailable","level":"error"}
}
