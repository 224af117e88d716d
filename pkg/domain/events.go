package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventPhaseEnter EventType = "phase_enter"
	EventPhaseLeave EventType = "phase_leave"
	EventToolCall   EventType = "tool_call"
	EventToolReturn EventType = "tool_return"
	EventCheckpoint EventType = "checkpoint"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Key       string    `json:"key"`
}

// PhaseEvent represents entry or exit from an executor phase.
type PhaseEvent struct {
	EventBase
	Phase string `json:"phase"`
}

// ToolEvent represents a tool execution.
type ToolEvent struct {
	EventBase
	Phase    string        `json:"phase"`
	ToolName string        `json:"tool_name"`
	Duration time.Duration `json:"duration,omitempty"`
	IsError  bool          `json:"is_error,omitempty"`
}

// CheckpointEvent represents a checkpoint commit attempt.
type CheckpointEvent struct {
	EventBase
	Version int64 `json:"version,omitempty"`
	Failed  bool  `json:"failed,omitempty"`
}

// LifecycleHooks defines callbacks for engine observability.
// All hooks are optional and must not block.
type LifecycleHooks struct {
	OnPhaseEnter func(context.Context, *PhaseEvent)
	OnPhaseLeave func(context.Context, *PhaseEvent)
	OnToolCall   func(context.Context, *ToolEvent)
	OnToolReturn func(context.Context, *ToolEvent)
	OnCheckpoint func(context.Context, *CheckpointEvent)
}
