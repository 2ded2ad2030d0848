package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/google/uuid"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher fans cycle and change events out to subscribers. It
// implements engine.EventPublisher.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan engine.Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish delivers an event to all subscribers, or queues it when the
// publisher is asynchronous.
func (ep *EventPublisher) Publish(_ context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Level == "" {
		e.Level = e.Type.Severity()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(e) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- e:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(e)
	return nil
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents batches queued events and flushes them when the batch is
// full or the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]engine.Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ep.ctx.Done():
			// Drain what is still queued.
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers in registration order.
func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown flushes queued events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// LogSubscriber writes events to logger at their severity.
func LogSubscriber(logger *Logger) EventSubscriber {
	return func(event engine.Event) {
		l := logger.WithCycleID(event.CycleID).
			WithTechnology(event.Technology).
			WithField("event", string(event.Type))
		if event.Location != "" {
			l = l.WithField("location", event.Location)
		}
		if len(event.Data) > 0 {
			l = l.WithField("data", event.Data)
		}
		switch event.Level {
		case EventLevelError:
			l.Error(event.Message)
		case EventLevelWarning:
			l.Warn(event.Message)
		default:
			l.Info(event.Message)
		}
	}
}

// JSONLinesSubscriber writes every event as one JSON document per line.
func JSONLinesSubscriber(w io.Writer) EventSubscriber {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(event engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(event)
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}
