package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a pipeline event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ProjectID is the associated project, if applicable.
	ProjectID string `json:"project_id,omitempty"`

	// Stage is the pipeline stage, if applicable.
	Stage string `json:"stage,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypePipelineStarted   = "pipeline.started"
	EventTypePipelineCompleted = "pipeline.completed"
	EventTypePipelineFailed    = "pipeline.failed"
	EventTypeStageStarted      = "stage.started"
	EventTypeStageCompleted    = "stage.completed"
	EventTypeStageFailed       = "stage.failed"
	EventTypeStatusChanged     = "project.status_changed"
	EventTypeFixCommitted      = "fix.committed"
	EventTypePolicyViolation   = "policy.violation"
	EventTypeTeardownCompleted = "teardown.completed"
	EventTypeTeardownFailed    = "teardown.failed"
)

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
// A nil or disabled publisher accepts and drops every event.
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
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
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

// PublishPipelineStarted publishes a pipeline started event.
func (ep *EventPublisher) PublishPipelineStarted(projectID, name string) error {
	return ep.Publish(Event{
		Type:      EventTypePipelineStarted,
		Source:    "orchestrator",
		ProjectID: projectID,
		Message:   fmt.Sprintf("Provisioning of %s started", name),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"name": name,
		},
	})
}

// PublishPipelineCompleted publishes a pipeline completed event.
func (ep *EventPublisher) PublishPipelineCompleted(projectID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypePipelineCompleted,
		Source:    "orchestrator",
		ProjectID: projectID,
		Message:   fmt.Sprintf("Provisioning of %s finished with status %s", projectID, status),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishPipelineFailed publishes a pipeline failed event.
func (ep *EventPublisher) PublishPipelineFailed(projectID, code, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypePipelineFailed,
		Source:    "orchestrator",
		ProjectID: projectID,
		Message:   fmt.Sprintf("Provisioning of %s failed: %s", projectID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"code":   code,
			"reason": reason,
		},
	})
}

// PublishStageStarted publishes a stage started event.
func (ep *EventPublisher) PublishStageStarted(projectID, stage string) error {
	return ep.Publish(Event{
		Type:      EventTypeStageStarted,
		Source:    "orchestrator",
		ProjectID: projectID,
		Stage:     stage,
		Message:   fmt.Sprintf("Stage %s started", stage),
		Level:     EventLevelInfo,
	})
}

// PublishStageCompleted publishes a stage completed event.
func (ep *EventPublisher) PublishStageCompleted(projectID, stage string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeStageCompleted,
		Source:    "orchestrator",
		ProjectID: projectID,
		Stage:     stage,
		Message:   fmt.Sprintf("Stage %s completed", stage),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishStageFailed publishes a stage failed event.
func (ep *EventPublisher) PublishStageFailed(projectID, stage, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeStageFailed,
		Source:    "orchestrator",
		ProjectID: projectID,
		Stage:     stage,
		Message:   fmt.Sprintf("Stage %s failed: %s", stage, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishStatusChanged publishes a project status write.
func (ep *EventPublisher) PublishStatusChanged(projectID, status, message string) error {
	return ep.Publish(Event{
		Type:      EventTypeStatusChanged,
		Source:    "orchestrator",
		ProjectID: projectID,
		Message:   message,
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"status": status,
		},
	})
}

// PublishFixCommitted publishes a self-healing commit.
func (ep *EventPublisher) PublishFixCommitted(projectID string, attempt int, files []string, added, removed int) error {
	return ep.Publish(Event{
		Type:      EventTypeFixCommitted,
		Source:    "monitor",
		ProjectID: projectID,
		Stage:     "monitor_deployment",
		Message:   fmt.Sprintf("Fix attempt %d committed (%d files, +%d -%d)", attempt, len(files), added, removed),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"attempt":       attempt,
			"files":         files,
			"lines_added":   added,
			"lines_removed": removed,
		},
	})
}

// PublishPolicyViolation publishes a change dropped by a policy.
func (ep *EventPublisher) PublishPolicyViolation(projectID, path, policyName, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypePolicyViolation,
		Source:    "policy_engine",
		ProjectID: projectID,
		Message:   fmt.Sprintf("Change to %s denied by %s: %s", path, policyName, reason),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"path":   path,
			"policy": policyName,
			"reason": reason,
		},
	})
}

// PublishTeardown publishes a teardown result.
func (ep *EventPublisher) PublishTeardown(projectID string, err error) error {
	if err != nil {
		return ep.Publish(Event{
			Type:      EventTypeTeardownFailed,
			Source:    "teardown",
			ProjectID: projectID,
			Message:   fmt.Sprintf("Teardown of %s incomplete: %v", projectID, err),
			Level:     EventLevelError,
		})
	}
	return ep.Publish(Event{
		Type:      EventTypeTeardownCompleted,
		Source:    "teardown",
		ProjectID: projectID,
		Message:   fmt.Sprintf("Teardown of %s completed", projectID),
		Level:     EventLevelInfo,
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

// processEvents drains the buffer, delivering full batches immediately and
// partial batches every FlushInterval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
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
	if ep == nil || !ep.config.Enabled {
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

// FilterByProjectID creates a filter that only allows events for one project.
func FilterByProjectID(projectID string) EventFilter {
	return func(event Event) bool {
		return event.ProjectID == projectID
	}
}
