package core

import (
	"context"
	"time"
)

// EventType identifies a semantic event emitted by the control plane.
type EventType string

const (
	EventRunOpened      EventType = "run.opened"
	EventRunTick        EventType = "run.tick"
	EventRunCompleted   EventType = "run.completed"
	EventRunFailed      EventType = "run.failed"
	EventRunCancelled   EventType = "run.cancelled"
	EventApprovalWait   EventType = "approval.wait"
	EventApprovalClosed EventType = "approval.closed"
	EventRouterSwap     EventType = "router.swap"
)

// Event captures a semantic streaming/logging event.
type Event struct {
	Type      EventType
	RunID     string
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds a default event with timestamp.
func NewEvent(eventType EventType, runID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
