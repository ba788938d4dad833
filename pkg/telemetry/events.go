package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// Event is the timeline event published by the engine.
type Event = engine.Event

// Event types published outside the executor.
const (
	EventTypeModelRunStarted   = "model.run_started"
	EventTypeModelRunCompleted = "model.run_completed"
	EventTypeModelRunFailed    = "model.run_failed"
	EventTypeInputSet          = "input.set"
	EventTypeModelReloaded     = "model.reloaded"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = engine.EventLevelInfo
	EventLevelWarning = "warning"
	EventLevelError   = engine.EventLevelError
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// It implements engine.EventPublisher.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(_ context.Context, event *Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	e := *event
	// Set ID and timestamp if not already set
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(e) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- e:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(e)
	return nil
}

// PublishModelRunStarted publishes a model run started event.
func (ep *EventPublisher) PublishModelRunStarted(ctx context.Context, model string, components int) error {
	return ep.Publish(ctx, &Event{
		Type:    EventTypeModelRunStarted,
		Model:   model,
		Message: fmt.Sprintf("Model %s run started (%d components)", model, components),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"components": components,
		},
	})
}

// PublishModelRunCompleted publishes a model run completed event.
func (ep *EventPublisher) PublishModelRunCompleted(ctx context.Context, model string, computed, skipped int, duration time.Duration) error {
	return ep.Publish(ctx, &Event{
		Type:    EventTypeModelRunCompleted,
		Model:   model,
		Message: fmt.Sprintf("Model %s run completed: %d computed, %d skipped", model, computed, skipped),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"computed": computed,
			"skipped":  skipped,
			"duration": duration.String(),
		},
	})
}

// PublishModelRunFailed publishes a model run failed event.
func (ep *EventPublisher) PublishModelRunFailed(ctx context.Context, model, component, reason string) error {
	return ep.Publish(ctx, &Event{
		Type:      EventTypeModelRunFailed,
		Model:     model,
		Component: component,
		Message:   fmt.Sprintf("Model %s run failed at %s: %s", model, component, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishInputSet publishes an input assignment and the size of its cascade.
func (ep *EventPublisher) PublishInputSet(ctx context.Context, model, path string, invalidated int) error {
	return ep.Publish(ctx, &Event{
		Type:    EventTypeInputSet,
		Model:   model,
		Message: fmt.Sprintf("Input %s set, %d port(s) invalidated", path, invalidated),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"path":        path,
			"invalidated": invalidated,
		},
	})
}

// PublishModelReloaded publishes a reload of a model file.
func (ep *EventPublisher) PublishModelReloaded(ctx context.Context, model, path string) error {
	return ep.Publish(ctx, &Event{
		Type:    EventTypeModelReloaded,
		Model:   model,
		Message: fmt.Sprintf("Model %s reloaded from %s", model, path),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"path": path,
		},
	})
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

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-tick:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Drain and flush remaining events before shutting down
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
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

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByModel creates a filter that only allows events for a specific model.
func FilterByModel(model string) EventFilter {
	return func(event Event) bool {
		return event.Model == model
	}
}

// FilterByComponent creates a filter that only allows events for a specific component.
func FilterByComponent(component string) EventFilter {
	return func(event Event) bool {
		return event.Component == component
	}
}
