package engine

import (
	"time"

	"github.com/plover-labs/feedflow/core"
)

// EventKind identifies the type of execution event.
type EventKind string

// Event kinds emitted during graph execution.
const (
	EventRunStarted   EventKind = "run_started"
	EventRunFinished  EventKind = "run_finished"
	EventNodeStarted  EventKind = "node_started"
	EventNodeFinished EventKind = "node_finished"
	EventNodeFailed   EventKind = "node_failed"
	EventNodeSkipped  EventKind = "node_skipped"
)

// Event is an observation emitted by the engine during execution.
type Event struct {
	Kind    EventKind
	RunID   string
	GraphID string

	// Node identification (empty for run-level events).
	NodeID   string
	NodeKind core.NodeKind

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the relevant start point: run start
	// for run-level events, node start for node-level events.
	Elapsed time.Duration

	// Payload carries kind-specific data (error messages, counts).
	Payload map[string]any
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID, graphID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		GraphID: graphID,
		Time:    time.Now(),
	}
}

// WithNode sets node identification fields.
func (e Event) WithNode(nodeID string, kind core.NodeKind) Event {
	e.NodeID = nodeID
	e.NodeKind = kind
	return e
}

// WithElapsed sets the elapsed duration.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler processes events during a run.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler sends events to a channel without blocking.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
