package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType identifies one of the progress notifications a run produces.
type EventType string

const (
	// EventWorkflowStarted fires once, before the first step.
	EventWorkflowStarted EventType = "workflow_started"
	// EventStepStarted fires before each step executes.
	EventStepStarted EventType = "step_started"
	// EventStepCompleted fires after a step succeeds.
	EventStepCompleted EventType = "step_completed"
	// EventStepFailed fires when a step fails. No further step events
	// follow, but the terminal workflow event still fires.
	EventStepFailed EventType = "step_failed"
	// EventWorkflowCompleted fires once when every step succeeded.
	EventWorkflowCompleted EventType = "workflow_completed"
	// EventWorkflowFailed fires once when the run stopped on a failure.
	EventWorkflowFailed EventType = "workflow_failed"
)

// Event is one progress notification. Data carries the variant-specific
// fields; MarshalJSON flattens them next to type and timestamp so consumers
// see a single flat object per event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = v
	}
	out["type"] = string(e.Type)
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler, inverting the flattened wire
// shape so stored events round-trip.
func (e *Event) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	if t, ok := flat["type"].(string); ok {
		e.Type = EventType(t)
	}
	if ts, ok := flat["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("parsing event timestamp: %w", err)
		}
		e.Timestamp = parsed
	}
	delete(flat, "type")
	delete(flat, "timestamp")
	e.Data = flat
	return nil
}

func newEvent(t EventType, data map[string]any) Event {
	return Event{Type: t, Timestamp: time.Now(), Data: data}
}

// NewWorkflowStarted builds the event announcing a run.
func NewWorkflowStarted(runID string, totalSteps int) Event {
	return newEvent(EventWorkflowStarted, map[string]any{
		"runId":      runID,
		"totalSteps": totalSteps,
	})
}

// NewStepStarted builds the event announcing a step. The module field is
// present only for action steps. stepIndex is the position of the enclosing
// top-level step, so nested steps report their ancestor's index.
func NewStepStarted(stepID string, stepIndex, totalSteps int, module string) Event {
	data := map[string]any{
		"stepId":     stepID,
		"stepIndex":  stepIndex,
		"totalSteps": totalSteps,
	}
	if module != "" {
		data["module"] = module
	}
	return newEvent(EventStepStarted, data)
}

// NewStepCompleted builds the event for a successful step. The duration is
// reported in milliseconds; a nil output is omitted.
func NewStepCompleted(stepID string, stepIndex int, duration time.Duration, output any) Event {
	data := map[string]any{
		"stepId":    stepID,
		"stepIndex": stepIndex,
		"duration":  duration.Milliseconds(),
	}
	if output != nil {
		data["output"] = output
	}
	return newEvent(EventStepCompleted, data)
}

// NewStepFailed builds the event for a failed step.
func NewStepFailed(stepID string, stepIndex int, errMsg string) Event {
	return newEvent(EventStepFailed, map[string]any{
		"stepId":    stepID,
		"stepIndex": stepIndex,
		"error":     errMsg,
	})
}

// NewWorkflowCompleted builds the terminal event for a successful run.
func NewWorkflowCompleted(runID string, duration time.Duration, output any) Event {
	data := map[string]any{
		"runId":    runID,
		"duration": duration.Milliseconds(),
	}
	if output != nil {
		data["output"] = output
	}
	return newEvent(EventWorkflowCompleted, data)
}

// NewWorkflowFailed builds the terminal event for a failed run. errorStep
// is omitted when the failure happened outside any step.
func NewWorkflowFailed(runID, errMsg, errorStep string) Event {
	data := map[string]any{
		"runId": runID,
		"error": errMsg,
	}
	if errorStep != "" {
		data["errorStep"] = errorStep
	}
	return newEvent(EventWorkflowFailed, data)
}

// Emitter receives progress events during a run. Implementations must not
// block: the interpreter calls Emit inline between steps.
type Emitter interface {
	Emit(event Event)
}

// NullEmitter discards every event.
type NullEmitter struct{}

// Emit implements Emitter.
func (NullEmitter) Emit(Event) {}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(event Event) { f(event) }

// DefaultEventBuffer is the channel capacity used when a ChannelEmitter is
// built with a non-positive buffer size.
const DefaultEventBuffer = 256

// ChannelEmitter pushes events into a bounded channel. When the consumer
// falls behind and the buffer is full, new events are dropped rather than
// stalling the run.
type ChannelEmitter struct {
	ch chan Event

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewChannelEmitter builds an emitter with the given buffer capacity.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &ChannelEmitter{ch: make(chan Event, buffer)}
}

// Emit implements Emitter. It never blocks; events that do not fit in the
// buffer are counted and dropped.
func (c *ChannelEmitter) Emit(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- event:
	default:
		c.dropped++
	}
}

// Events returns the receive side of the buffer. The channel is closed by
// Close once the run has finished emitting.
func (c *ChannelEmitter) Events() <-chan Event {
	return c.ch
}

// Close closes the event channel. Emit calls after Close are ignored.
func (c *ChannelEmitter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// Dropped reports how many events were discarded because the buffer was
// full.
func (c *ChannelEmitter) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
