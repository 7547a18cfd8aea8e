package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Event is a published observability event. Notifications from the
// controller and the evaluator travel as events of type
// "notification.<kind>".
type Event struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	Source      string    `json:"source"`
	ExecutionID string    `json:"execution_id,omitempty"`
	OperationID string    `json:"operation_id,omitempty"`
	Message     string    `json:"message"`

	// Level is info, warning or error.
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`

	// Notification is set for events converted from notifications.
	Notification *engine.Notification `json:"notification,omitempty"`
}

// Event types.
const (
	EventTypeExecutionStarted   = "execution.started"
	EventTypeExecutionCompleted = "execution.completed"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypePoliciesReloaded   = "policy.reloaded"
	EventTypeNotificationPrefix = "notification."
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. It implements
// engine.NotificationSink so it can stand in for a single sink wherever the
// engine takes one.
type EventPublisher struct {
	config      EventsConfig
	metrics     *Metrics
	logger      zerolog.Logger
	buffer      chan Event
	subscribers []subscriberEntry
	dropped     atomic.Uint64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// Errors returned by Emit for events that were not delivered.
var (
	ErrEventBufferFull  = errors.New("event buffer full, event dropped")
	ErrPublisherStopped = errors.New("event publisher stopped")
)

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher. metrics may be nil.
// Dropped events are logged to logger and counted.
func NewEventPublisher(cfg EventsConfig, metrics *Metrics, logger zerolog.Logger) (*EventPublisher, error) {
	ep := &EventPublisher{
		config:  cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "events").Logger(),
	}
	if !cfg.Enabled {
		return ep, nil
	}

	ep.ctx, ep.cancel = context.WithCancel(context.Background())

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish implements engine.NotificationSink.
func (ep *EventPublisher) Publish(n engine.Notification) {
	if ep.metrics != nil {
		ep.metrics.RecordNotification(n.Kind, n.Status)
	}

	level := EventLevelInfo
	switch n.Status {
	case engine.StatusFailed, engine.StatusAborted:
		level = EventLevelError
	case engine.StatusCancelled, engine.StatusSkipped, engine.StatusSuperseded:
		level = EventLevelWarning
	}

	// drops are logged and counted by Emit
	_ = ep.Emit(Event{
		ID:           n.ID,
		Timestamp:    n.Time,
		Type:         EventTypeNotificationPrefix + string(n.Kind),
		Source:       "engine",
		ExecutionID:  n.ExecutionID,
		OperationID:  n.OperationID,
		Message:      fmt.Sprintf("%s %s", n.Name, n.Status),
		Level:        level,
		Notification: &n,
	})
}

// Emit publishes an event to all subscribers.
func (ep *EventPublisher) Emit(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		return ep.enqueue(event)
	}

	ep.deliverEvent(event)
	return nil
}

// enqueue hands event to the delivery goroutine. Terminal and report
// notifications wait up to BlockTimeout for buffer space; other events are
// dropped when the buffer is full.
func (ep *EventPublisher) enqueue(event Event) error {
	if ep.ctx.Err() != nil {
		return ep.drop(event, ErrPublisherStopped)
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
	}

	if !mustDeliver(event) || ep.config.BlockTimeout <= 0 {
		return ep.drop(event, ErrEventBufferFull)
	}

	timer := time.NewTimer(ep.config.BlockTimeout)
	defer timer.Stop()
	select {
	case ep.buffer <- event:
		return nil
	case <-ep.ctx.Done():
		return ep.drop(event, ErrPublisherStopped)
	case <-timer.C:
		return ep.drop(event, ErrEventBufferFull)
	}
}

func mustDeliver(event Event) bool {
	n := event.Notification
	return n != nil && (n.Status.IsTerminal() || n.Kind == engine.NotifyReport)
}

func (ep *EventPublisher) drop(event Event, reason error) error {
	ep.dropped.Add(1)
	if ep.metrics != nil {
		ep.metrics.RecordDroppedEvent(event.Type)
	}
	ep.logger.Warn().
		Err(reason).
		Str("event_type", event.Type).
		Str("execution_id", event.ExecutionID).
		Str("event", event.Message).
		Msg("Event not delivered")
	return reason
}

// Dropped returns the number of events that were not delivered.
func (ep *EventPublisher) Dropped() uint64 {
	return ep.dropped.Load()
}

// PublishExecutionStarted publishes an execution started event.
func (ep *EventPublisher) PublishExecutionStarted(executionID, procedure string) error {
	return ep.Emit(Event{
		Type:        EventTypeExecutionStarted,
		Source:      "procedure",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s of %s started", executionID, procedure),
		Level:       EventLevelInfo,
		Data:        map[string]interface{}{"procedure": procedure},
	})
}

// PublishExecutionCompleted publishes an execution completed event.
func (ep *EventPublisher) PublishExecutionCompleted(executionID, status string, duration time.Duration) error {
	return ep.Emit(Event{
		Type:        EventTypeExecutionCompleted,
		Source:      "procedure",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s completed with status: %s", executionID, status),
		Level:       EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishExecutionFailed publishes an execution failed event.
func (ep *EventPublisher) PublishExecutionFailed(executionID, reason string) error {
	return ep.Emit(Event{
		Type:        EventTypeExecutionFailed,
		Source:      "procedure",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s failed: %s", executionID, reason),
		Level:       EventLevelError,
		Data:        map[string]interface{}{"reason": reason},
	})
}

// Subscribe adds a subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// SubscribeSink forwards notifications to sink. Optional filters narrow
// which notifications it sees.
func (ep *EventPublisher) SubscribeSink(sink engine.NotificationSink, filters ...EventFilter) {
	ep.Subscribe(func(e Event) {
		sink.Publish(*e.Notification)
	}, func(e Event) bool {
		if e.Notification == nil {
			return false
		}
		for _, f := range filters {
			if !f(e) {
				return false
			}
		}
		return true
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
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
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ep.ctx.Done():
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

// deliverEvent calls subscribers in subscription order.
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

// Shutdown drains buffered events and stops the publisher.
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

// FilterByLevel allows events at minLevel or above.
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

// FilterByType allows events of the given types. Notification events have
// the type EventTypeNotificationPrefix plus the notification kind.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByExecutionID allows events of one execution.
func FilterByExecutionID(executionID string) EventFilter {
	return func(event Event) bool {
		return event.ExecutionID == executionID
	}
}
