package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openstrata/strata/pkg/engine"
	"github.com/openstrata/strata/pkg/stores"
)

// Event is one telemetry event flowing through the publisher.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// StackID is the associated stack ID, if applicable.
	StackID string `json:"stack_id,omitempty"`

	// TraversalID is the associated traversal ID, if applicable.
	TraversalID string `json:"traversal_id,omitempty"`

	// EntityID is the associated entity ID, if applicable.
	EntityID string `json:"entity_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
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

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
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

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain remaining events before shutting down
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled || ep.cancel == nil {
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

// FilterByStackID creates a filter that only allows events for a specific stack.
func FilterByStackID(stackID string) EventFilter {
	return func(event Event) bool {
		return event.StackID == stackID
	}
}

// FilterByTraversalID creates a filter that only allows events for a specific traversal.
func FilterByTraversalID(traversalID string) EventFilter {
	return func(event Event) bool {
		return event.TraversalID == traversalID
	}
}

// EventWriter persists control events as audit rows. *stores.SQLiteStore
// satisfies it.
type EventWriter interface {
	AppendEvent(ctx context.Context, ev *stores.Event) error
}

// Sink adapts the telemetry surface to engine.EventSink. Every control
// event the engine emits is logged, counted, fanned out to publisher
// subscribers, and appended to the durable event log when a writer is
// configured. Any of the collaborators may be nil.
type Sink struct {
	logger    *Logger
	metrics   *Metrics
	publisher *EventPublisher
	writer    EventWriter
}

// NewSink creates an event sink over the given collaborators.
func NewSink(logger *Logger, metrics *Metrics, publisher *EventPublisher, writer EventWriter) *Sink {
	return &Sink{
		logger:    logger,
		metrics:   metrics,
		publisher: publisher,
		writer:    writer,
	}
}

// Publish implements engine.EventSink.
func (s *Sink) Publish(ctx context.Context, ev engine.ControlEvent) {
	if s.logger != nil {
		s.logEvent(ev)
	}
	if s.metrics != nil {
		s.countEvent(ev)
	}
	if s.publisher != nil {
		_ = s.publisher.Publish(Event{
			Type:        ev.Type,
			Source:      "engine",
			StackID:     ev.StackID,
			TraversalID: ev.TraversalID,
			EntityID:    ev.EntityID,
			Message:     ev.Message,
			Level:       ev.Level,
			Data:        ev.Data,
		})
	}
	if s.writer != nil {
		data := ""
		if len(ev.Data) > 0 {
			if b, err := json.Marshal(ev.Data); err == nil {
				data = string(b)
			}
		}
		if err := s.writer.AppendEvent(ctx, &stores.Event{
			Type:        ev.Type,
			StackID:     ev.StackID,
			TraversalID: ev.TraversalID,
			EntityID:    ev.EntityID,
			Message:     ev.Message,
			Level:       ev.Level,
			Data:        data,
		}); err != nil && s.logger != nil {
			s.logger.WithError(err).Warn("failed to persist control event")
		}
	}
}

func (s *Sink) logEvent(ev engine.ControlEvent) {
	l := s.logger
	if ev.StackID != "" {
		l = l.WithStackID(ev.StackID)
	}
	if ev.TraversalID != "" {
		l = l.WithTraversalID(ev.TraversalID)
	}
	if ev.EntityID != "" {
		l = l.WithEntityID(ev.EntityID)
	}
	l = l.WithField("event_type", ev.Type)

	switch ev.Level {
	case EventLevelError:
		l.Error(ev.Message)
	case EventLevelWarning:
		l.Warn(ev.Message)
	default:
		l.Info(ev.Message)
	}
}

func (s *Sink) countEvent(ev engine.ControlEvent) {
	s.metrics.RecordControlEvent(ev.Type)

	switch ev.Type {
	case engine.EventSyncPointFired:
		forward := true
		if v, ok := ev.Data["forward"].(bool); ok {
			forward = v
		}
		s.metrics.RecordSyncPointFired(forward)
	case engine.EventClaimStale:
		s.metrics.RecordClaim("lost")
	}
}
